package main

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/warden"
)

const closeTimeout = 30 * time.Second

// runServe runs the daemon until ctx is done, then stops the backend and
// closes the critical event store.
func runServe(ctx context.Context, g GlobalFlags, f ServeFlags) error {
	cfg, err := warden.LoadConfig(g.ConfigPath)
	if err != nil {
		return err
	}
	if g.LogLevel != "" {
		cfg.Log.Slog.Level = g.LogLevel
	}
	if f.Listen != "" {
		cfg.Delivery.Listen = f.Listen
	}
	log := cfg.Log.NewSlogger(nil)

	app, err := warden.NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("Starting warden", "state_dir", cfg.StateDir, "listen", cfg.Delivery.Listen)
	runErr := app.Run(ctx, !f.NoAutostart)

	cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	closeErr := app.Close(cctx)
	log.Info("Warden stopped")
	return errors.Join(runErr, closeErr)
}
