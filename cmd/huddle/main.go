// Command huddle runs the group chat server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"huddle/internal/app"
	"huddle/internal/config"
	"huddle/internal/logging"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("huddle exited")
		os.Exit(1)
	}
}

// run loads configuration, then serves until SIGINT or SIGTERM.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(cfg.Logging.Logging())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}
	return application.Run(ctx)
}
