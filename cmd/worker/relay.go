package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/shop-saga/internal/app"
	"github.com/jmehdipour/shop-saga/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// relayCmd runs a service's relay without its API, e.g. when the API is
// scaled out. Only one relay per service may run at a time.
var relayCmd = &cobra.Command{
	Use:       "relay orders|payments",
	Short:     "Run the outbox relay of a service",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{app.Orders, app.Payments},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
		cfg, log, err := app.Bootstrap(cfgPath)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		svc, err := app.Open(cfg, args[0], log, app.OpenOptions{})
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("relay worker started",
			zap.String("service", args[0]),
			zap.Duration("interval", cfg.Relay.Interval),
			zap.Int("batch_size", cfg.Relay.BatchSize))

		return svc.RunRelay(ctx)
	},
}
