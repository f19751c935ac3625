package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/jmehdipour/shop-saga/internal/http/middleware"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmehdipour/shop-saga/internal/repository"
	echo "github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type OrdersAPI interface {
	CreateOrder(ctx context.Context, userID int64, amount decimal.Decimal) (*model.Order, error)
	GetOrder(ctx context.Context, orderID string, userID int64) (*model.Order, error)
	ListOrders(ctx context.Context, userID int64, limit, offset int) ([]model.Order, error)
}

type createOrderReq struct {
	Amount *decimal.Decimal `json:"amount"`
}

func createOrderHandler(svc OrdersAPI, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _ := middleware.UserIDFromCtx(c)

		var req createOrderReq
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid body")
		}
		if req.Amount == nil {
			return badRequest(c, "amount is required")
		}

		o, err := svc.CreateOrder(c.Request().Context(), userID, *req.Amount)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(http.StatusCreated, o)
	}
}

func getOrderHandler(svc OrdersAPI, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _ := middleware.UserIDFromCtx(c)

		o, err := svc.GetOrder(c.Request().Context(), c.Param("id"), userID)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(http.StatusOK, o)
	}
}

// listOrdersHandler supports ?limit=&offset= paging, newest first.
func listOrdersHandler(svc OrdersAPI, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _ := middleware.UserIDFromCtx(c)

		limit, err := queryInt(c, "limit")
		if err != nil {
			return badRequest(c, "invalid limit")
		}
		offset, err := queryInt(c, "offset")
		if err != nil {
			return badRequest(c, "invalid offset")
		}

		items, err := svc.ListOrders(c.Request().Context(), userID, limit, offset)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(http.StatusOK, items)
	}
}

// orderEventsHandler returns the saga history of an order from the event
// archive. Ownership is checked against the order store first.
func orderEventsHandler(svc OrdersAPI, archive repository.EventArchive, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _ := middleware.UserIDFromCtx(c)
		ctx := c.Request().Context()

		o, err := svc.GetOrder(ctx, c.Param("id"), userID)
		if err != nil {
			return writeError(c, log, err)
		}

		events, err := archive.ListByAggregate(ctx, o.ID, 100)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"order":  o,
			"events": events,
		})
	}
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
