package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"calsync/internal/config"
	"calsync/internal/model"
	"calsync/internal/plan"
	"calsync/internal/reconcile"
)

// PlanOptions holds options for the plan command.
type PlanOptions struct {
	*RootOptions
	Window    string
	BackDays  int
	AheadDays int
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan <calendar>",
		Short: "Show what a full pass would change in one calendar",
		Long: `Compute the reconciliation plan for one destination calendar without
executing it. Nothing is written to the calendar or the sync state store.

The window defaults to the full window. --back-days and --ahead-days
override the selected window.`,
		Example: `  calsync plan senior-school
  calsync plan planning --window near
  calsync plan primary-school --back-days 0 --ahead-days 7 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Window, "window", "full", "window to plan over (full|near|far|rotating)")
	cmd.Flags().IntVar(&opts.BackDays, "back-days", 0, "override days before today")
	cmd.Flags().IntVar(&opts.AheadDays, "ahead-days", 0, "override days after today")

	return cmd
}

func runPlan(cmd *cobra.Command, opts *PlanOptions, cal string) error {
	ctx := cmdContext(cmd.Context())
	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.close()

	w, err := selectWindow(a.cfg.Windows, opts.Window, time.Now(), a.loc)
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	if cmd.Flags().Changed("back-days") {
		w.BackDays = opts.BackDays
	}
	if cmd.Flags().Changed("ahead-days") {
		w.AheadDays = opts.AheadDays
	}

	p, err := a.eng.PlanCalendar(ctx, cal, w)
	if err != nil {
		return WrapExitError(ExitFailure, "plan failed", err)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), toPlanJSON(p))
	}
	return plan.Render(cmd.OutOrStdout(), p)
}

func selectWindow(ws config.WindowsConfig, name string, now time.Time, loc *time.Location) (config.WindowConfig, error) {
	switch name {
	case "full":
		return ws.Full, nil
	case "near":
		return ws.Near, nil
	case "far":
		return ws.Far, nil
	case reconcile.ModeRotating:
		_, w := reconcile.RotatingWindow(ws, now, loc)
		return w, nil
	default:
		return config.WindowConfig{}, fmt.Errorf("invalid window %q: must be one of full, near, far, rotating", name)
	}
}

type planJSON struct {
	Calendar string       `json:"calendar"`
	Deletes  []actionJSON `json:"deletes"`
	Creates  []actionJSON `json:"creates"`
	Updates  []actionJSON `json:"updates"`
	Links    []actionJSON `json:"links"`
}

type actionJSON struct {
	Entity     string    `json:"entity,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	Subject    string    `json:"subject"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Location   string    `json:"location,omitempty"`
	From       string    `json:"from_location,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

func internalAction(ev model.NormalizedEvent) actionJSON {
	return actionJSON{
		Entity:   ev.String(),
		Subject:  ev.Name,
		Start:    ev.StartUTC,
		End:      ev.EndUTC,
		Location: ev.Location,
	}
}

func toPlanJSON(p plan.Plan) planJSON {
	out := planJSON{
		Calendar: p.Calendar,
		Deletes:  make([]actionJSON, 0, len(p.Deletes)),
		Creates:  make([]actionJSON, 0, len(p.Creates)),
		Updates:  make([]actionJSON, 0, len(p.Updates)),
		Links:    make([]actionJSON, 0, len(p.Links)),
	}
	for _, d := range p.Deletes {
		out.Deletes = append(out.Deletes, actionJSON{
			ExternalID: d.External.ExternalID,
			Subject:    d.External.Subject,
			Start:      d.External.Start,
			End:        d.External.End,
			Location:   d.External.Location,
			Reason:     string(d.Reason),
		})
	}
	for _, c := range p.Creates {
		a := internalAction(c.Event)
		a.Reason = string(c.Reason)
		out.Creates = append(out.Creates, a)
	}
	for _, u := range p.Updates {
		a := internalAction(u.Event)
		a.ExternalID = u.External.ExternalID
		a.From = u.External.Location
		a.Reason = string(u.Reason)
		out.Updates = append(out.Updates, a)
	}
	for _, l := range p.Links {
		a := internalAction(l.Event)
		a.ExternalID = l.External.ExternalID
		out.Links = append(out.Links, a)
	}
	return out
}
