package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/jmehdipour/shop-saga/internal/http/middleware"
	"github.com/jmehdipour/shop-saga/internal/model"
	echo "github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type PaymentsAPI interface {
	CreateAccount(ctx context.Context, userID int64) (*model.Account, error)
	Deposit(ctx context.Context, userID int64, amount decimal.Decimal) (*model.Account, error)
	GetBalance(ctx context.Context, userID int64) (*model.Account, error)
}

type depositReq struct {
	Amount *decimal.Decimal `json:"amount"`
}

type balanceResp struct {
	UserID  int64           `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

func createAccountHandler(svc PaymentsAPI, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _ := middleware.UserIDFromCtx(c)

		a, err := svc.CreateAccount(c.Request().Context(), userID)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(http.StatusCreated, a)
	}
}

func depositHandler(svc PaymentsAPI, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := pathUserMatches(c)
		if !ok {
			return badRequest(c, "path user does not match "+middleware.HeaderUserID)
		}

		var req depositReq
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid body")
		}
		if req.Amount == nil {
			return badRequest(c, "amount is required")
		}

		a, err := svc.Deposit(c.Request().Context(), userID, *req.Amount)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(http.StatusOK, balanceResp{UserID: a.UserID, Balance: a.Balance})
	}
}

func balanceHandler(svc PaymentsAPI, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := pathUserMatches(c)
		if !ok {
			return badRequest(c, "path user does not match "+middleware.HeaderUserID)
		}

		a, err := svc.GetBalance(c.Request().Context(), userID)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(http.StatusOK, balanceResp{UserID: a.UserID, Balance: a.Balance})
	}
}

// pathUserMatches reports whether :userId equals the caller's header id.
func pathUserMatches(c echo.Context) (int64, bool) {
	headerID, _ := middleware.UserIDFromCtx(c)
	pathID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || pathID != headerID {
		return 0, false
	}
	return pathID, true
}
