package http

import (
	"net/http"
	"strconv"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/jmehdipour/quota-gateway/internal/http/middleware"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
)

func listDispatchesHandler(chRepo repository.CHAttemptsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		if chRepo == nil {
			return writeError(c, newError("reports are not configured", goerrors.CategoryInternal, http.StatusServiceUnavailable, CodeUnavailable))
		}
		clientID, ok := middleware.ClientIDFromCtx(c)
		if !ok || clientID <= 0 {
			return writeError(c, newError("unauthorized", goerrors.CategoryAuth, http.StatusUnauthorized, CodeUnauthorized))
		}

		f := repository.AttemptFilter{Limit: 50}
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				f.Limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				f.Offset = n
			}
		}
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			st := model.AttemptStatus(raw)
			if !st.Valid() {
				return writeError(c, badInput("status must be allowed, denied or failed"))
			}
			f.Status = st
		}
		f.RecipientKey = strings.TrimSpace(c.QueryParam("recipient"))

		rows, err := chRepo.ListByClient(c.Request().Context(), clientID, f)
		if err != nil {
			return writeError(c, wrapError(err, goerrors.CategoryExternal, "query failed", http.StatusInternalServerError, CodeInternal))
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   f.Limit,
			"offset":  f.Offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
