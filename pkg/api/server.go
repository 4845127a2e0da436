package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/taskmesh/taskmesh/pkg/api/websocket"
	"github.com/taskmesh/taskmesh/pkg/auth"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// envelopeSchema validates the command envelope before any dispatch
const envelopeSchema = `{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {"type": "string", "minLength": 1}
	}
}`

// Config carries the server wiring
type Config struct {
	Logger    observability.Logger
	Metrics   observability.MetricsClient
	Tracer    observability.StartSpanFunc
	Auth      *auth.Service
	Enforcer  *Enforcer
	Optimizer *Optimizer
	Hub       *websocket.Hub
	Registry  *prometheus.Registry

	Projects services.ProjectService
	Branches services.BranchService
	Tasks    services.TaskService
	Subtasks services.SubtaskService
	Contexts services.ContextService
	Agents   services.AgentService
}

// Server hosts the command endpoints, the WebSocket endpoint, and the
// operational routes.
type Server struct {
	config   Config
	schema   *gojsonschema.Schema
	started  time.Time
}

// NewServer validates the wiring and compiles the envelope schema
func NewServer(config Config) (*Server, error) {
	if config.Logger == nil {
		config.Logger = observability.NewNoopLogger()
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	if config.Tracer == nil {
		config.Tracer = observability.NoopStartSpan
	}
	if config.Enforcer == nil {
		config.Enforcer = NewEnforcer(EnforcementWarning, config.Logger, config.Metrics)
	}
	if config.Optimizer == nil {
		config.Optimizer = NewOptimizer(true, config.Logger)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		return nil, err
	}
	return &Server{config: config, schema: schema, started: time.Now()}, nil
}

// Router builds the gin engine with all routes attached
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/health", s.handleHealth)
	if s.config.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.config.Registry, promhttp.HandlerOpts{})))
	}

	if s.config.Hub != nil {
		router.GET("/ws", s.config.Hub.HandleConnection)
	}

	authenticated := router.Group("/mcp", s.config.Auth.GinMiddleware())
	authenticated.POST("/manage_project", s.handleManageProject)
	authenticated.POST("/manage_branch", s.handleManageBranch)
	authenticated.POST("/manage_task", s.handleManageTask)
	authenticated.POST("/manage_subtask", s.handleManageSubtask)
	authenticated.POST("/manage_context", s.handleManageContext)
	authenticated.POST("/manage_agent", s.handleManageAgent)

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.config.Metrics.RecordDuration("http_request_duration", time.Since(start))
		s.config.Logger.Debug("request handled", map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).String(),
		})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(s.started).String(),
	})
}
