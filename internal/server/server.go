package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/tallylabs/tally/internal/balance/domain"
	"github.com/tallylabs/tally/internal/config"
	"github.com/tallylabs/tally/internal/observability"
	obsmiddleware "github.com/tallylabs/tally/internal/observability/logger"
	obsmetrics "github.com/tallylabs/tally/internal/observability/metrics"
	obstracing "github.com/tallylabs/tally/internal/observability/tracing"
	"github.com/tallylabs/tally/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	balanceSvc balancedomain.Service
	limiter    *ratelimit.TrackLimiter
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	BalanceSvc balancedomain.Service
	Limiter    *ratelimit.TrackLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http"),
		balanceSvc: p.BalanceSvc,
		limiter:    p.Limiter,
	}
}

func registerRoutes(s *Server) {
	v1 := s.engine.Group("/v1")
	v1.Use(s.OrgContextMiddleware())

	v1.POST("/track", s.RateLimitMiddleware(), s.Track)
	v1.GET("/customers/:customer_id/balances", s.GetBalances)
	v1.DELETE("/customers/:customer_id/cache", s.InvalidateCache)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
