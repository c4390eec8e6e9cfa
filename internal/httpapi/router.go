/*
Package httpapi is the orchestrator's thin HTTP surface: operator controls
over the worker registry and router, the worker callback ingress, and a
liveness probe. All business logic lives in internal/jobmanager,
internal/registry, and internal/taskrouter; handlers here only bind,
validate, and translate.
*/
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/relaygrid/orchestrator/internal/envelope"
	"github.com/relaygrid/orchestrator/internal/jobmanager"
	"github.com/relaygrid/orchestrator/internal/platform/logger"
	"github.com/relaygrid/orchestrator/internal/registry"
	"github.com/relaygrid/orchestrator/internal/taskrouter"
	"github.com/relaygrid/orchestrator/internal/transport"
)

// Server wires the registry, router, job manager, and envelope verifier
// behind a gin.Engine.
type Server struct {
	engine *gin.Engine

	reg      *registry.Registry
	router   *taskrouter.Router
	jobs     *jobmanager.Manager
	verifier *envelope.Verifier
	prober   registry.Prober
	log      *logger.Logger
}

// New builds the gin.Engine and registers every route. corsOrigins is
// passed straight through to gin-contrib/cors; an empty slice disables
// cross-origin requests entirely.
func New(reg *registry.Registry, router *taskrouter.Router, jobs *jobmanager.Manager, verifier *envelope.Verifier, probeTimeout int, log *logger.Logger, corsOrigins []string) *Server {
	registerCustomValidators()

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("orchestrator"))
	engine.Use(attachTraceContext())

	if len(corsOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Authorization", "Content-Type"},
		}))
	}

	s := &Server{
		engine:   engine,
		reg:      reg,
		router:   router,
		jobs:     jobs,
		verifier: verifier,
		prober:   transport.NewHealthProber(secondsToDuration(probeTimeout)),
		log:      log,
	}
	s.routes()
	return s
}

// Engine exposes the underlying gin.Engine for use with http.Server.
func (s *Server) Engine() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)

	workers := s.engine.Group("/workers")
	workers.GET("", s.handleListWorkers)
	workers.POST("/:id/enable", s.handleSetDisabled(false))
	workers.POST("/:id/disable", s.handleSetDisabled(true))
	workers.POST("/:id/probe", s.handleProbeWorker)
	workers.POST("/:id/drain", s.handleSetDisabled(true))

	routes := s.engine.Group("/routes")
	routes.POST("/cache/flush", s.handleFlushRouteCache)
	routes.GET("/history", s.handleRouteHistory)

	jobsGroup := s.engine.Group("/jobs")
	jobsGroup.POST("", s.handleSubmitJob)
	jobsGroup.GET("/:id", s.handleGetJob)
	jobsGroup.POST("/:id/cancel", s.handleCancelJob)

	s.engine.POST("/callbacks/:task_id", s.handleCallback)
}
