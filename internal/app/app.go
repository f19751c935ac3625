// Package app wires one side of the saga (orders or payments) from config.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/shop-saga/internal/bus"
	"github.com/jmehdipour/shop-saga/internal/config"
	"github.com/jmehdipour/shop-saga/internal/db"
	"github.com/jmehdipour/shop-saga/internal/kafka"
	"github.com/jmehdipour/shop-saga/internal/logger"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmehdipour/shop-saga/internal/rabbitmq"
	"github.com/jmehdipour/shop-saga/internal/relay"
	"github.com/jmehdipour/shop-saga/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	Orders   = "orders"
	Payments = "payments"
)

// Service holds the connections of one running service.
type Service struct {
	Name string
	Cfg  config.Config
	Log  *zap.Logger

	DB      *sqlx.DB
	Bus     bus.Bus
	Archive repository.EventArchive // nil when the archive is disabled or unreachable
	Redis   *redis.Client           // nil when rate limiting is disabled or unreachable

	closers []func() error
}

type OpenOptions struct {
	HTTP bool // connect Redis for rate limiting
}

// Open connects MySQL and the bus, which are required, and ClickHouse and
// Redis, which are optional: when they are unreachable the service runs
// without the archive or the rate limiter.
func Open(cfg config.Config, name string, log *zap.Logger, opts OpenOptions) (*Service, error) {
	sc, err := cfg.Service(name)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{Name: name, Cfg: cfg, Log: log.With(zap.String("service", name))}

	s.DB, err = db.NewMySQLConnection(sc.MySQL)
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	s.closers = append(s.closers, s.DB.Close)

	s.Bus, err = NewBus(cfg, s.Log)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, s.Bus.Close)

	if cfg.Relay.Archive {
		ch, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			s.Log.Warn("clickhouse unavailable, event archive disabled", zap.Error(err))
		} else {
			s.Archive = repository.NewCHEventArchive(ch)
			s.closers = append(s.closers, ch.Close)
		}
	}

	if opts.HTTP && cfg.RateLimit.RPS > 0 {
		rdb, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			s.Log.Warn("redis unavailable, rate limiting disabled", zap.Error(err))
		} else {
			s.Redis = rdb
			s.closers = append(s.closers, rdb.Close)
		}
	}

	return s, nil
}

// Close releases connections in reverse order of opening.
func (s *Service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.Log.Warn("close", zap.Error(err))
		}
	}
	s.closers = nil
}

// NewBus builds the transport selected by bus.driver.
func NewBus(cfg config.Config, log *zap.Logger) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "", "kafka":
		if len(cfg.Bus.Kafka.Brokers) == 0 {
			return nil, errors.New("bus.kafka.brokers is empty")
		}
		k := cfg.Bus.Kafka
		return kafka.NewBus(kafka.Config{
			Brokers:        k.Brokers,
			MinBytes:       k.MinBytes,
			MaxBytes:       k.MaxBytes,
			CommitInterval: k.CommitInterval,
			MaxWait:        k.MaxWait,
			BatchTimeout:   k.BatchTimeout,
			WriteTimeout:   k.WriteTimeout,
		}, log), nil
	case "rabbitmq":
		r := cfg.Bus.RabbitMQ
		b, err := rabbitmq.Dial(rabbitmq.Config{
			URL:      r.URL,
			Exchange: r.Exchange,
			Prefetch: r.Prefetch,
			Bindings: []rabbitmq.Binding{
				{Topic: cfg.Topic(model.EventOrderCreated.String()), Group: cfg.Payments.ConsumerGroup},
				{Topic: cfg.Topic(model.EventPaymentStatus.String()), Group: cfg.Orders.ConsumerGroup},
			},
		}, log)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq connect: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q (want kafka or rabbitmq)", cfg.Bus.Driver)
	}
}

// Routes maps every event type to its configured topic.
func Routes(cfg config.Config) map[model.EventType]string {
	routes := make(map[model.EventType]string, 2)
	for _, et := range []model.EventType{model.EventOrderCreated, model.EventPaymentStatus} {
		if topic := cfg.Topic(et.String()); topic != "" {
			routes[et] = topic
		}
	}
	return routes
}

// RelayConfig derives the relay settings of service name.
func RelayConfig(cfg config.Config, name string) relay.Config {
	return relay.Config{
		Service:          name,
		Interval:         cfg.Relay.Interval,
		BatchSize:        cfg.Relay.BatchSize,
		PublishTimeout:   cfg.Bus.PublishTimeout,
		Routes:           Routes(cfg),
		BreakerThreshold: cfg.Relay.Breaker.FailThreshold,
		BreakerOpenFor:   cfg.Relay.Breaker.OpenFor,
	}
}

func (s *Service) Relay() *relay.Relay {
	var opts []relay.Option
	if s.Archive != nil {
		opts = append(opts, relay.WithArchive(s.Archive))
	}
	return relay.New(repository.NewOutboxRepository(s.DB), s.Bus, RelayConfig(s.Cfg, s.Name), s.Log, opts...)
}

// RunRelay runs only the relay loop until ctx is cancelled.
func (s *Service) RunRelay(ctx context.Context) error {
	return s.Relay().Run(ctx)
}

// Bootstrap loads the config at path and initializes the global logger.
func Bootstrap(path string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger.Init(cfg.Log.Level), nil
}
