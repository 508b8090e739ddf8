package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/config"
	"github.com/jmehdipour/quota-gateway/internal/http/middleware"
	"github.com/jmehdipour/quota-gateway/internal/logger"
	"github.com/jmehdipour/quota-gateway/internal/metrics"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const banner = "API is hosted for Graph API"

type Deps struct {
	Config   config.Config
	Pipeline Dispatcher
	Clients  repository.APIClientsRepository
	Reports  repository.CHAttemptsRepository // nil: reports answer 503
	Redis    *redis.Client                   // nil: no rate limit
	Receipts ReadMarker
	Logger   *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(d Deps) *Server {
	cfg := d.Config

	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:client:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	v1mw := []echo.MiddlewareFunc{rlMW}
	if cfg.HTTP.RequireAPIKey {
		v1mw = []echo.MiddlewareFunc{middleware.APIKeyMiddleware(d.Clients), rlMW}
	}

	dispatch := dispatchHandler(d.Pipeline)
	v1 := e.Group("/v1", v1mw...)
	v1.POST("/dispatch", dispatch)
	v1.GET("/reports/dispatches", listDispatchesHandler(d.Reports))

	if cfg.HTTP.LegacyDataRoute {
		e.POST("/data", dispatch, rlMW)
	}

	e.GET("/webhook", verifyWebhookHandler(cfg.Webhook.VerifyToken))
	e.POST("/webhook", receiveWebhookHandler(d.Receipts, cfg.Channel.GraphAPIToken),
		middleware.SignatureMiddleware(cfg.Webhook.AppSecret))

	e.GET("/*", func(c echo.Context) error { return c.String(http.StatusOK, banner) })

	return &Server{e: e, log: logger.OrNop(d.Logger)}
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
