package http

import (
	"errors"
	"net/http"

	"github.com/jmehdipour/shop-saga/internal/apperr"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusOf maps service errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrAlreadyExists), errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, log *zap.Logger, err error) error {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err))
		return c.JSON(code, errorResponse{Error: "internal error"})
	}
	return c.JSON(code, errorResponse{Error: err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}
