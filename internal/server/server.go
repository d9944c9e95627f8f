// Package server exposes the operator HTTP API: scheduling, status lookup,
// manual batch triggers, and circuit breaker controls.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/deinte/peppolsub/internal/breaker"
	"github.com/deinte/peppolsub/internal/config"
	dispatchdomain "github.com/deinte/peppolsub/internal/dispatch/domain"
	dispatchrepo "github.com/deinte/peppolsub/internal/dispatch/repository"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

func registerGin() *gin.Engine {
	return NewEngine()
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	dispatchSvc dispatchdomain.Service
	repo        *dispatchrepo.Repository
	breaker     *breaker.Breaker
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	DispatchSvc dispatchdomain.Service
	Repo        *dispatchrepo.Repository
	Breaker     *breaker.Breaker
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("server"),
		dispatchSvc: p.DispatchSvc,
		repo:        p.Repo,
		breaker:     p.Breaker,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	dispatches := v1.Group("/dispatches")
	dispatches.POST("", s.ScheduleDispatch)
	dispatches.GET("/counts", s.CountByState)
	dispatches.GET("/status/:source_type/:source_id", s.GetDispatchStatus)
	dispatches.POST("/:id/send", s.DispatchNow)
	dispatches.GET("/:id/activity", s.ListActivity)

	batches := v1.Group("/batches")
	batches.POST("/dispatch", s.RunDispatchBatch)
	batches.POST("/poll", s.RunPollBatch)

	brk := v1.Group("/breaker")
	brk.GET("", s.GetBreakerStatus)
	brk.POST("/reset", s.ResetBreaker)
}
