package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jmehdipour/shop-saga/internal/http/middleware"
	"github.com/jmehdipour/shop-saga/internal/metrics"
	"github.com/jmehdipour/shop-saga/internal/repository"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	gommonlog "github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

type OrdersDeps struct {
	Orders  OrdersAPI
	Archive repository.EventArchive // optional; enables GET /v1/orders/:id/events
	Redis   *redis.Client           // optional; enables rate limiting
	RPS     int
	Log     *zap.Logger
}

type PaymentsDeps struct {
	Payments PaymentsAPI
	Redis    *redis.Client
	RPS      int
	Log      *zap.Logger
}

func NewOrdersServer(d OrdersDeps) *Server {
	s := newServer("orders", d.Log)

	v1 := s.e.Group("/v1", middleware.UserIDMiddleware(), s.rateLimit("orders", d.Redis, d.RPS))
	v1.POST("/orders", createOrderHandler(d.Orders, s.log))
	v1.GET("/orders", listOrdersHandler(d.Orders, s.log))
	v1.GET("/orders/:id", getOrderHandler(d.Orders, s.log))
	if d.Archive != nil {
		v1.GET("/orders/:id/events", orderEventsHandler(d.Orders, d.Archive, s.log))
	}
	return s
}

func NewPaymentsServer(d PaymentsDeps) *Server {
	s := newServer("payments", d.Log)

	v1 := s.e.Group("/v1", middleware.UserIDMiddleware(), s.rateLimit("payments", d.Redis, d.RPS))
	v1.POST("/accounts", createAccountHandler(d.Payments, s.log))
	v1.POST("/accounts/:userId/deposit", depositHandler(d.Payments, s.log))
	v1.GET("/accounts/:userId/balance", balanceHandler(d.Payments, s.log))
	return s
}

func newServer(service string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "http"), zap.String("service", service))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(gommonlog.OFF) // requests are logged through zap below
	e.Use(echoMid.Recover())
	e.Use(echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echoMid.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Debug("request", fields...)
			return nil
		},
	}))

	metrics.MustRegister(prometheus.DefaultRegisterer)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	return &Server{e: e, log: log}
}

func (s *Server) rateLimit(service string, rds *redis.Client, rps int) echo.MiddlewareFunc {
	return middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		RPS:            rps,
		KeyPrefix:      "rl:" + service + ":",
		Window:         time.Second,
		RetryAfterHint: true,
		Log:            s.log,
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }

// Start blocks until the server stops; a clean Shutdown returns nil.
func (s *Server) Start(addr string) error {
	s.log.Info("http listening", zap.String("addr", addr))
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
