package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve loads the config from configPath (or RELAY_CONFIG_FILE) and runs the
// server until SIGINT or SIGTERM.
// It returns an error instead of calling os.Exit to keep defers effective.
func Serve(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// RunMigrate applies the schema of the configured database store and exits.
func RunMigrate(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := Migrate(ctx, cfg, log); err != nil {
		return err
	}
	log.Info("migrate.done", "store", cfg.storeKind())
	return nil
}
