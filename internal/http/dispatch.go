package http

import (
	"context"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/jmehdipour/quota-gateway/internal/http/middleware"
	"github.com/jmehdipour/quota-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
)

// Dispatcher runs the quota-gated pipeline for one request.
type Dispatcher interface {
	Run(ctx context.Context, clientID int64, req model.DispatchRequest) (model.DispatchResult, error)
}

type deniedResponse struct {
	model.DispatchResult
	Error errorBody `json:"error"`
}

// dispatchHandler serves both /v1/dispatch and the legacy /data route. The
// legacy route has no API client, so clientID is 0 there.
func dispatchHandler(p Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req model.DispatchRequest
		if err := c.Bind(&req); err != nil {
			return writeError(c, badInput("request body must be a JSON object"))
		}

		clientID, _ := middleware.ClientIDFromCtx(c)
		res, err := p.Run(c.Request().Context(), clientID, req)
		if err != nil {
			return writeError(c, serviceError(err))
		}

		if res.Decision == model.DecisionDenied {
			return c.JSON(http.StatusPaymentRequired, deniedResponse{
				DispatchResult: res,
				Error: errorBody{
					Code:     CodeQuotaExhausted,
					Category: string(goerrors.CategoryRateLimit),
					Message:  "usage quota exhausted for sender",
				},
			})
		}
		return c.JSON(http.StatusOK, res)
	}
}
