package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/shop-saga/internal/app"
	"github.com/jmehdipour/shop-saga/internal/apperr"
	"github.com/jmehdipour/shop-saga/internal/db"
	"github.com/jmehdipour/shop-saga/internal/repository"
	"github.com/jmehdipour/shop-saga/internal/service/payments"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type demoAccount struct {
	UserID  int64
	Deposit string
}

// deterministic demo users: a funded buyer, a small balance and an empty account
var demoAccounts = []demoAccount{
	{UserID: 1, Deposit: "1000.00"},
	{UserID: 2, Deposit: "25.00"},
	{UserID: 3, Deposit: "0"},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create demo accounts in the payments database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := app.Bootstrap(cfgPath)
		if err != nil {
			return err
		}

		sqlDB, err := db.NewMySQLConnection(cfg.Payments.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		svc := payments.New(
			repository.NewSQLBeginner(sqlDB),
			repository.NewAccountsRepository(sqlDB),
			repository.NewOutboxRepository(sqlDB),
			log,
			payments.WithMaxRetries(cfg.Ledger.MaxRetries),
		)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		created, err := seedAccounts(ctx, svc)
		if err != nil {
			return err
		}
		log.Info("seed completed", zap.Int("created", created), zap.Int("total", len(demoAccounts)))
		return nil
	},
}

// seedAccounts is idempotent: existing accounts are left as they are and
// only new ones receive the opening deposit.
func seedAccounts(ctx context.Context, svc *payments.Service) (int, error) {
	created := 0
	for _, a := range demoAccounts {
		if _, err := svc.CreateAccount(ctx, a.UserID); err != nil {
			if errors.Is(err, apperr.ErrAlreadyExists) {
				continue
			}
			return created, fmt.Errorf("create account %d: %w", a.UserID, err)
		}
		created++

		amount := decimal.RequireFromString(a.Deposit)
		if !amount.IsPositive() {
			continue
		}
		if _, err := svc.Deposit(ctx, a.UserID, amount); err != nil {
			return created, fmt.Errorf("deposit for %d: %w", a.UserID, err)
		}
	}
	return created, nil
}
