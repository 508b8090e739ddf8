package middleware

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/quota-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
)

const (
	ctxClientID  = "client_id"
	ctxClientRPS = "client_rps"
)

// ClientIDFromCtx extracts the API client id set by APIKeyMiddleware.
func ClientIDFromCtx(c echo.Context) (int64, bool) {
	id, ok := c.Get(ctxClientID).(int64)
	return id, ok
}

// APIKeyMiddleware authenticates requests using the X-API-Key header and
// blocks suspended clients.
func APIKeyMiddleware(clients repository.APIClientsRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			cl, err := clients.GetByAPIKey(c.Request().Context(), key)
			if err != nil {
				c.Logger().Errorf("api key lookup failed: %v", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if cl == nil || cl.Status != "active" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxClientID, cl.ID)
			if cl.RateLimitRPS != nil {
				c.Set(ctxClientRPS, *cl.RateLimitRPS)
			}
			return next(c)
		}
	}
}
