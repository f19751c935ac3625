package middleware

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig config for Redis-based RPS limiter.
type RateLimitConfig struct {
	Redis          *redis.Client
	RPS            int           // requests per window per user; 0 disables
	KeyPrefix      string        // e.g. "rl:orders:"
	Window         time.Duration // usually 1s
	RetryAfterHint bool          // set Retry-After header when limited
	Log            *zap.Logger
	now            func() time.Time
}

// RateLimitMiddleware applies a fixed-window per-user limit.
// It expects the user id in echo.Context (set by UserIDMiddleware) and fails
// open when Redis is unavailable.
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:user:"
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, ok := UserIDFromCtx(c)
			if !ok || cfg.RPS <= 0 || cfg.Redis == nil {
				return next(c)
			}

			// fixed-window key: {prefix}{user}:{window index}
			now := cfg.now()
			window := now.UnixNano() / int64(cfg.Window)
			key := cfg.KeyPrefix + strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(window, 10)

			ctx := c.Request().Context()
			pipe := cfg.Redis.Pipeline()
			cnt := pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, cfg.Window*2)
			if _, err := pipe.Exec(ctx); err != nil {
				cfg.Log.Warn("rate limiter unavailable", zap.Error(err))
				return next(c)
			}

			if cnt.Val() > int64(cfg.RPS) {
				if cfg.RetryAfterHint {
					remain := cfg.Window - time.Duration(now.UnixNano()%int64(cfg.Window))
					secs := int((remain + time.Second - 1) / time.Second)
					c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				}
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			}
			return next(c)
		}
	}
}
