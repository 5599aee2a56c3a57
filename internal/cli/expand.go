package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"calsync/internal/reconcile"
)

// NewExpandCommand creates the expand command.
func NewExpandCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "expand",
		Short: "Materialise recurring occurrences over the full window",
		Long: `Expand the recurrence rule of every recurring activity over the full
window and store the resulting occurrences. Windowed passes do this on their
own; the command is useful after bulk edits to recurrence rules.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd.Context())
			a, err := openApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.eng.Expand(ctx)
			if errors.Is(err, reconcile.ErrLocked) {
				return WrapExitError(ExitFailure, "expand skipped", err)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "expand failed", err)
			}

			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "expanded %d activities: %d occurrences written, %d removed\n", res.Activities, res.Written, res.Removed)
			if len(res.Truncated) > 0 {
				fmt.Fprintf(w, "  truncated: %v\n", res.Truncated)
			}
			if len(res.Failed) > 0 {
				fmt.Fprintf(w, "  failed:    %v\n", res.Failed)
				return NewExitError(ExitFailure, fmt.Sprintf("%d activities failed to expand", len(res.Failed)))
			}
			return nil
		},
	}
}
