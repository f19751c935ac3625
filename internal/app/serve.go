package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/shop-saga/internal/bus"
	httpSrv "github.com/jmehdipour/shop-saga/internal/http"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmehdipour/shop-saga/internal/repository"
	"github.com/jmehdipour/shop-saga/internal/saga"
	"github.com/jmehdipour/shop-saga/internal/service/orders"
	"github.com/jmehdipour/shop-saga/internal/service/payments"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// component is what one service contributes to Serve: its API and the
// topic it consumes.
type component struct {
	server  *httpSrv.Server
	addr    string
	topic   string
	group   string
	handler bus.Handler
}

func (s *Service) component() (component, error) {
	tx := repository.NewSQLBeginner(s.DB)
	outbox := repository.NewOutboxRepository(s.DB)

	switch s.Name {
	case Orders:
		svc := orders.New(tx, repository.NewOrdersRepository(s.DB), outbox, s.Log)
		deps := httpSrv.OrdersDeps{Orders: svc, Archive: s.Archive, Redis: s.Redis, RPS: s.Cfg.RateLimit.RPS, Log: s.Log}
		return component{
			server:  httpSrv.NewOrdersServer(deps),
			addr:    s.Cfg.Orders.HTTP.Addr,
			topic:   s.Cfg.Topic(model.EventPaymentStatus.String()),
			group:   s.Cfg.Orders.ConsumerGroup,
			handler: saga.NewPaymentStatusHandler(svc, s.Log).Handle,
		}, nil
	case Payments:
		svc := payments.New(tx, repository.NewAccountsRepository(s.DB), outbox, s.Log,
			payments.WithMaxRetries(s.Cfg.Ledger.MaxRetries))
		return component{
			server:  httpSrv.NewPaymentsServer(httpSrv.PaymentsDeps{Payments: svc, Redis: s.Redis, RPS: s.Cfg.RateLimit.RPS, Log: s.Log}),
			addr:    s.Cfg.Payments.HTTP.Addr,
			topic:   s.Cfg.Topic(model.EventOrderCreated.String()),
			group:   s.Cfg.Payments.ConsumerGroup,
			handler: saga.NewPaymentRequestHandler(svc, s.Log).Handle,
		}, nil
	default:
		return component{}, fmt.Errorf("unknown service %q", s.Name)
	}
}

// Serve runs the HTTP API, the relay and the saga consumer until ctx is
// cancelled or one of them fails.
func (s *Service) Serve(ctx context.Context) error {
	c, err := s.component()
	if err != nil {
		return err
	}
	if c.topic == "" {
		return fmt.Errorf("no topic configured for the %s consumer", s.Name)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.server.Start(c.addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return c.server.Shutdown(sctx)
	})
	g.Go(func() error {
		return s.Relay().Run(gctx)
	})
	g.Go(func() error {
		return s.Bus.Subscribe(gctx, c.topic, c.group, c.handler)
	})

	s.Log.Info("service started",
		zap.String("addr", c.addr),
		zap.String("consumes", c.topic),
		zap.String("group", c.group))

	return g.Wait()
}
