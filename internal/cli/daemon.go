package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	appLog "calsync/internal/log"
	"calsync/internal/reconcile"
	"calsync/internal/schedule"
	"calsync/internal/web"
)

// DaemonOptions holds options for the daemon command.
type DaemonOptions struct {
	*RootOptions
	Listen     string
	RunOnStart bool
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled passes and serve the status API",
		Long: `Run the incremental, full and rotating passes on their cron schedules and
serve the read-only status API until SIGINT or SIGTERM. Passes never overlap
inside the daemon; the run lock keeps other processes out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config; \"off\" disables the API)")
	cmd.Flags().BoolVar(&opts.RunOnStart, "run-on-start", false, "run an incremental pass immediately")

	return cmd
}

func runDaemon(cmd *cobra.Command, opts *DaemonOptions) error {
	ctx, cancel := context.WithCancel(cmdContext(cmd.Context()))
	defer cancel()

	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.close()

	if opts.Listen != "" {
		a.cfg.Listen = opts.Listen
	}

	sched, err := schedule.New(a.eng, a.cfg.Schedule, a.loc)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid schedule", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	sched.Start(ctx)
	for _, j := range sched.Jobs() {
		appLog.Info("job scheduled", "mode", j.Mode, "spec", j.Spec, "next", j.Next)
	}

	var startup sync.WaitGroup
	if opts.RunOnStart {
		startup.Go(func() {
			if _, err := sched.RunNow(ctx, reconcile.ModeIncremental); err != nil {
				appLog.Error("startup pass failed", err)
			}
		})
	}

	fmt.Fprintln(cmd.OutOrStdout(), "calsync daemon started. Press Ctrl-C to stop.")

	var serveErr error
	if a.cfg.Listen != "" && a.cfg.Listen != "off" {
		serveErr = web.NewServer(a.cfg, a.st, sched).Serve(ctx)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			appLog.Error("HTTP server stopped", serveErr)
			cancel()
		}
	} else {
		<-ctx.Done()
	}

	// Wait for a running pass before closing the store.
	<-sched.Stop().Done()
	startup.Wait()
	appLog.Info("calsync daemon stopped")

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "HTTP server failed", serveErr)
	}
	return nil
}
