package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	affiliatedomain "github.com/smallbiznis/commissary/internal/affiliate/domain"
	commissiondomain "github.com/smallbiznis/commissary/internal/commission/domain"
	"github.com/smallbiznis/commissary/internal/config"
	obslogger "github.com/smallbiznis/commissary/internal/observability/logger"
	payoutdomain "github.com/smallbiznis/commissary/internal/payout/domain"
	"github.com/smallbiznis/commissary/internal/scheduler"
	webhookdomain "github.com/smallbiznis/commissary/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg *config.Config, r *gin.Engine) {
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

type Server struct {
	engine        *gin.Engine
	affiliateSvc  affiliatedomain.Service
	commissionSvc commissiondomain.Service
	payoutSvc     payoutdomain.Service
	webhookSvc    webhookdomain.Service
	scheduler     *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	AffiliateSvc  affiliatedomain.Service
	CommissionSvc commissiondomain.Service
	PayoutSvc     payoutdomain.Service
	WebhookSvc    webhookdomain.Service
	Scheduler     *scheduler.Scheduler
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		affiliateSvc:  p.AffiliateSvc,
		commissionSvc: p.CommissionSvc,
		payoutSvc:     p.PayoutSvc,
		webhookSvc:    p.WebhookSvc,
		scheduler:     p.Scheduler,
	}

	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()

	return svc
}
