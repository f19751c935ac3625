package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/shop-saga/internal/app"
	"github.com/jmehdipour/shop-saga/internal/db"
	"github.com/jmehdipour/shop-saga/internal/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate orders|payments|clickhouse",
	Short:     "Create the tables of a service database, or the ClickHouse event archive",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{app.Orders, app.Payments, "clickhouse"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := app.Bootstrap(cfgPath)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		target := args[0]
		if target == "clickhouse" {
			ch, err := db.NewClickHouseConnection(cfg.ClickHouse)
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer ch.Close()

			n, err := migrations.Apply(ctx, ch, migrations.ClickHouse())
			if err != nil {
				return fmt.Errorf("migrate clickhouse: %w", err)
			}
			log.Info("migration complete", zap.String("target", target), zap.Int("statements", n))
			return nil
		}

		sc, err := cfg.Service(target)
		if err != nil {
			return err
		}
		schema, err := migrations.ForService(target)
		if err != nil {
			return err
		}

		sqlDB, err := db.NewMySQLConnection(sc.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		n, err := migrations.Apply(ctx, sqlDB, schema)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", target, err)
		}
		log.Info("migration complete", zap.String("target", target), zap.Int("statements", n))
		return nil
	},
}
