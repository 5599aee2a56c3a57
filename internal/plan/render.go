package plan

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// Render writes a human-readable plan. Lines are ordered by their text so the
// output does not depend on hash order.
func Render(w io.Writer, p Plan) error {
	if _, err := fmt.Fprintf(w, "plan %s: %d delete, %d create, %d update, %d link\n",
		p.Calendar, len(p.Deletes), len(p.Creates), len(p.Updates), len(p.Links)); err != nil {
		return err
	}

	sections := [][]string{
		deleteLines(p.Deletes),
		createLines(p.Creates),
		updateLines(p.Updates),
	}
	for _, lines := range sections {
		sort.Strings(lines)
		for _, l := range lines {
			if _, err := io.WriteString(w, "  "+l+"\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func deleteLines(ds []Delete) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, fmt.Sprintf("delete %s %s %s %s",
			strconv.Quote(d.External.Subject), stamp(d.External.Start), d.External.ExternalID, d.Reason))
	}
	return out
}

func createLines(cs []Create) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, fmt.Sprintf("create %s %s %s %s",
			strconv.Quote(c.Event.Name), stamp(c.Event.StartUTC), c.Event, c.Reason))
	}
	return out
}

func updateLines(us []Update) []string {
	out := make([]string, 0, len(us))
	for _, u := range us {
		out = append(out, fmt.Sprintf("update %s %s %s -> %s location %s -> %s",
			strconv.Quote(u.Event.Name), stamp(u.Event.StartUTC), u.Event, u.External.ExternalID,
			strconv.Quote(u.External.Location), strconv.Quote(u.Event.Location)))
	}
	return out
}
