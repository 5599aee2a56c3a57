package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"calsync/internal/model"
	"calsync/internal/store"
)

// StatusOptions holds options for the status command.
type StatusOptions struct {
	*RootOptions
	All      bool
	Calendar string
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync record counts and failed records",
		Long: `Show the number of sync records per calendar and status, followed by the
records whose last attempt failed. Failed records are retried by the next
pass that touches them.`,
		Example: `  calsync status
  calsync status --all --calendar planning
  calsync status --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "list every record, not only failed ones")
	cmd.Flags().StringVar(&opts.Calendar, "calendar", "", "only show records for this calendar")

	return cmd
}

type statusJSON struct {
	Summary []store.StatusCount `json:"summary"`
	Records []recordJSON        `json:"records"`
}

type recordJSON struct {
	Entity     string    `json:"entity"`
	Calendar   string    `json:"calendar"`
	ExternalID string    `json:"external_id,omitempty"`
	Status     string    `json:"status"`
	TimeSynced time.Time `json:"time_synced"`
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	ctx := cmdContext(cmd.Context())
	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.close()

	summary, err := a.st.StatusSummary(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read status summary", err)
	}

	f := store.RecordFilter{Calendar: opts.Calendar}
	if !opts.All {
		f.Statuses = []model.SyncStatus{model.StatusDeleteFailed, model.StatusUpdateFailed, model.StatusCreateFailed}
	}
	recs, err := a.st.ListRecords(ctx, f)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list records", err)
	}

	out := statusJSON{Summary: []store.StatusCount{}, Records: make([]recordJSON, 0, len(recs))}
	for _, c := range summary {
		if opts.Calendar == "" || c.Calendar == opts.Calendar {
			out.Summary = append(out.Summary, c)
		}
	}
	for _, rec := range recs {
		out.Records = append(out.Records, recordJSON{
			Entity:     recordEntity(rec.RecordKey),
			Calendar:   rec.Calendar,
			ExternalID: rec.ExternalID,
			Status:     rec.Status.String(),
			TimeSynced: rec.TimeSynced,
		})
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), out)
	}

	w := cmd.OutOrStdout()
	if len(out.Summary) == 0 {
		fmt.Fprintln(w, "No sync records.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CALENDAR\tSTATUS\tCOUNT")
	for _, c := range out.Summary {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", c.Calendar, c.Status, c.Count)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(out.Records) == 0 {
		if !opts.All {
			fmt.Fprintln(w, "\nNo failed records.")
		}
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tCALENDAR\tSTATUS\tEXTERNAL ID\tLAST ATTEMPT")
	for _, r := range out.Records {
		extID := r.ExternalID
		if extID == "" {
			extID = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Entity, r.Calendar, r.Status, extID, r.TimeSynced.In(a.loc).Format(time.DateTime))
	}
	return tw.Flush()
}

func recordEntity(k model.RecordKey) string {
	if k.OccurrenceID != 0 {
		return fmt.Sprintf("%s:%d/%d", k.ActivityType, k.ActivityID, k.OccurrenceID)
	}
	return fmt.Sprintf("%s:%d", k.ActivityType, k.ActivityID)
}
