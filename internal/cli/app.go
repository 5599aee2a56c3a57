package cli

import (
	"context"
	"fmt"
	"time"

	"calsync/internal/calendar"
	"calsync/internal/calendar/google"
	"calsync/internal/config"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/reconcile"
	"calsync/internal/store"
)

// app is everything a command needs, built from the config file.
type app struct {
	cfg    *config.Config
	loc    *time.Location
	st     *store.Store
	client calendar.Client
	eng    *reconcile.Engine
}

// openApp loads the config, configures logging, opens the store and wires
// the engine. Callers must close the returned app.
func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	level := appLog.ParseLevel(cfg.Log.Level)
	if opts.Verbose {
		level = appLog.LevelDebug
	}
	appLog.Init(nil, appLog.Format(cfg.Log.Format), level)

	loc, err := cfg.Location()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid timezone", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	client := opts.Client
	if client == nil {
		client, err = newClient(ctx, cfg, loc)
		if err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to create calendar client", err)
		}
	}

	engOpts, err := reconcile.OptionsFromConfig(cfg)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	appLog.Debug("effective config",
		"database", cfg.Database,
		"backend", cfg.Backend,
		"timezone", cfg.Timezone,
		"calendars", cfg.Calendars.All(),
		"lookback_days", cfg.IncrementalLookbackDays,
	)

	return &app{
		cfg:    cfg,
		loc:    loc,
		st:     st,
		client: client,
		eng:    reconcile.New(st, client, engOpts),
	}, nil
}

func (a *app) close() {
	if err := a.st.Close(); err != nil {
		appLog.Error("error closing database", err)
	}
}

// newClient selects the calendar backend.
func newClient(ctx context.Context, cfg *config.Config, loc *time.Location) (calendar.Client, error) {
	switch cfg.Backend {
	case config.BackendGoogle:
		return google.New(ctx, cfg.Google, loc)
	case config.BackendICS:
		return ics.New(cfg.ICS.Dir, loc)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// cmdContext returns the command's context or Background.
func cmdContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
