package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/shop-saga/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:       "serve orders|payments",
	Short:     "Run a service: HTTP API, outbox relay and saga consumer",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{app.Orders, app.Payments},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := app.Bootstrap(cfgPath)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		svc, err := app.Open(cfg, args[0], log, app.OpenOptions{HTTP: true})
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := svc.Serve(ctx); err != nil {
			log.Error("service exited", zap.String("service", args[0]), zap.Error(err))
			return err
		}
		log.Info("shutdown complete", zap.String("service", args[0]))
		return nil
	},
}
