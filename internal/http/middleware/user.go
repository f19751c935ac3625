package middleware

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const (
	HeaderUserID = "X-User-ID"
	ctxUserID    = "user_id"
)

// UserIDFromCtx extracts the caller id set by UserIDMiddleware.
func UserIDFromCtx(c echo.Context) (int64, bool) {
	id, ok := c.Get(ctxUserID).(int64)
	return id, ok && id > 0
}

// UserIDMiddleware identifies the caller by the X-User-ID header. Callers are
// trusted; authentication happens in front of the services.
func UserIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := strings.TrimSpace(c.Request().Header.Get(HeaderUserID))
			if raw == "" {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing " + HeaderUserID + " header"})
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid " + HeaderUserID + " header"})
			}
			c.Set(ctxUserID, id)
			return next(c)
		}
	}
}
