package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"calsync/internal/reconcile"
)

// SyncOptions holds options for the sync command.
type SyncOptions struct {
	*RootOptions
	Calendars []string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync [incremental|full|rotating]",
		Short: "Run one reconciliation pass",
		Long: `Run one reconciliation pass and print its report.

  incremental  entities modified since their last sync (default)
  full         every calendar over the full window
  rotating     every calendar over the near or far window

The pass is skipped when another pass holds the run lock.`,
		Example: `  calsync sync
  calsync sync full --calendar senior-school --calendar planning
  calsync sync rotating --format json`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{reconcile.ModeIncremental, reconcile.ModeFull, reconcile.ModeRotating},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := reconcile.ModeIncremental
			if len(args) == 1 {
				mode = args[0]
			}
			return runSync(cmd, opts, mode)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Calendars, "calendar", nil, "restrict a full pass to these calendars (repeatable)")

	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions, mode string) error {
	if len(opts.Calendars) > 0 && mode != reconcile.ModeFull {
		return NewExitError(ExitCommandError, "--calendar is only valid for a full pass")
	}

	ctx := cmdContext(cmd.Context())
	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.close()

	var r reconcile.Report
	switch mode {
	case reconcile.ModeIncremental:
		r = a.eng.RunIncrementalSync(ctx)
	case reconcile.ModeFull:
		r = a.eng.RunFullReconciliation(ctx, opts.Calendars)
	case reconcile.ModeRotating:
		r = a.eng.RunRotating(ctx)
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown mode %q", mode))
	}

	if err := writeReport(cmd.OutOrStdout(), opts.Format, r); err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return WrapExitError(ExitFailure, mode+" pass finished with errors", err)
	}
	if r.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%s pass: %d actions failed, see status", mode, r.Failed))
	}
	return nil
}
