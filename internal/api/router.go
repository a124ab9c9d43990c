package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/live"
	"qrattend/internal/logger"
	"qrattend/internal/qr"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps are the components the HTTP layer serves.
type Deps struct {
	Registry *attendance.Registry
	Service  *attendance.Service
	Renderer *qr.Renderer
	Hub      *live.Hub
	Limiter  httpmiddleware.Limiter
	Health   map[string]HealthCheck

	JWTSigningKey  string
	JWTIssuer      string
	AllowedOrigins []string
	Production     bool
	Logger         *zap.Logger
}

// NewRouter wires middleware and routes.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	h := &Handler{
		registry: d.Registry,
		service:  d.Service,
		renderer: d.Renderer,
		hub:      d.Hub,
		logger:   d.Logger,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(d.Logger, "/healthz", "/metrics"))
	r.Use(httpmiddleware.CORS(d.AllowedOrigins))
	r.Use(httpmiddleware.SecurityHeaders(d.Production))
	if d.Limiter != nil {
		r.Use(httpmiddleware.RateLimit(d.Limiter, d.Logger))
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", healthz(d.Health))

	v1 := r.Group("/v1", auth.Bearer(d.JWTSigningKey, d.JWTIssuer))
	teacher := v1.Group("", auth.RequireRole(auth.RoleTeacher))
	teacher.POST("/windows", h.CreateWindow)
	teacher.GET("/windows/:token", h.GetWindow)
	teacher.GET("/windows/:token/live", h.Live)

	v1.POST("/checkins", auth.RequireRole(auth.RoleStudent), h.CheckIn)
	return r
}

func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok"}
		for name, check := range checks {
			ok := check(c.Request.Context())
			body[name] = ok
			if !ok {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
		c.JSON(status, body)
	}
}
