package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve is the entrypoint for `nostrid serve`.
// It returns an error instead of calling os.Exit to keep defers effective.
func Serve() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := Bootstrap(ctx, cfg, log)
	if err != nil {
		log.Error("app.bootstrap.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}

// Migrate is the entrypoint for `nostrid migrate`: the startup sequence
// without the HTTP server.
func Migrate() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := Bootstrap(context.Background(), cfg, log)
	if err != nil {
		log.Error("app.bootstrap.fail", "err", err)
		return err
	}
	log.Info("migrate.ok")
	return a.Close()
}
