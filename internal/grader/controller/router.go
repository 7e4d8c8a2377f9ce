package controller

import (
	"net/http"

	commonmw "codegrader/internal/common/http/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RouterConfig collects the handlers mounted on the HTTP server.
type RouterConfig struct {
	Grader  *GraderController
	Queues  *QueueController
	Health  *HealthController
	Metrics http.Handler

	// AllowOrigins lists CORS origins; empty allows all.
	AllowOrigins []string
}

// NewRouter builds the gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), commonmw.TraceContextMiddleware(), commonmw.AccessLogMiddleware())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "X-Trace-Id", "X-Request-Id")
	corsCfg.ExposeHeaders = []string{"X-Trace-Id"}
	if len(cfg.AllowOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	}
	r.Use(cors.New(corsCfg))

	if cfg.Health != nil {
		r.GET("/healthz", cfg.Health.Live)
		r.GET("/readyz", cfg.Health.Ready)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	api := r.Group("/api/v1")
	if cfg.Grader != nil {
		api.POST("/runs", cfg.Grader.CreateRun)
		api.GET("/runs/:id", cfg.Grader.GetStatus)
		api.POST("/submissions", cfg.Grader.CreateSubmission)
		api.GET("/submissions/:id/status", cfg.Grader.GetStatus)
	}
	if cfg.Queues != nil {
		api.GET("/queues/:name/jobs", cfg.Queues.ListJobs)
	}
	return r
}
