package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"calsync/internal/reconcile"
)

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// reportJSON is the JSON view of a pass report with errors as strings.
type reportJSON struct {
	reconcile.Report
	Calendars []calendarJSON `json:"calendars,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
}

type calendarJSON struct {
	reconcile.CalendarReport
	Error string `json:"error,omitempty"`
}

func toReportJSON(r reconcile.Report) reportJSON {
	out := reportJSON{Report: r}
	for _, c := range r.Calendars {
		cj := calendarJSON{CalendarReport: c}
		if c.Err != nil {
			cj.Error = c.Err.Error()
		}
		out.Calendars = append(out.Calendars, cj)
	}
	for _, err := range r.Errors {
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}

func writeReport(w io.Writer, format string, r reconcile.Report) error {
	if format == "json" {
		return writeJSON(w, toReportJSON(r))
	}

	if r.Locked {
		_, err := fmt.Fprintf(w, "%s pass skipped: run lock held by another pass\n", r.Mode)
		return err
	}

	fmt.Fprintf(w, "%s pass %s\n", r.Mode, r.RunID)
	if !r.WindowStart.IsZero() {
		fmt.Fprintf(w, "  window:   %s .. %s\n", r.WindowStart.Format(time.DateOnly), r.WindowEnd.Format(time.DateOnly))
	}
	if r.Entities > 0 {
		fmt.Fprintf(w, "  entities: %d\n", r.Entities)
	}
	fmt.Fprintf(w, "  totals:   %s\n", countsLine(r.Counts))

	if len(r.Calendars) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  CALENDAR\tDELETED\tCREATED\tUPDATED\tLINKED\tFAILED\tERROR")
		for _, c := range r.Calendars {
			msg := "-"
			if c.Err != nil {
				msg = c.Err.Error()
			}
			fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\t%d\t%d\t%s\n",
				c.Calendar, c.Deleted, c.Created, c.Updated, c.Linked, c.Failed, msg)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	for _, err := range r.Errors {
		fmt.Fprintf(w, "  error: %v\n", err)
	}
	return nil
}

func countsLine(c reconcile.Counts) string {
	return fmt.Sprintf("%d deleted, %d created, %d updated, %d linked, %d failed, %d skipped",
		c.Deleted, c.Created, c.Updated, c.Linked, c.Failed, c.Skipped)
}
