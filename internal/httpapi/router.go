package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/ai-support/internal/common"
	"github.com/suPer8Hu/ai-support/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-support/internal/httpapi/middleware"
)

type RouterConfig struct {
	AllowedOrigins []string
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

func NewRouter(h *handlers.Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.AccessLog(cfg.Logger))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
			ExposeHeaders:    []string{middleware.RequestIDHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, common.CodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", h.Health)
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")

	// auth
	api.POST("/auth/signup", h.Signup)
	api.POST("/auth/login", h.Login)

	// bearer token required
	authed := api.Group("/")
	authed.Use(middleware.AuthRequired(h.Gateway, cfg.Logger))
	authed.GET("/chat/sessions", h.ListChatSessions)
	authed.POST("/chat/sessions", h.CreateChatSession)
	authed.POST("/chat/sessions/:session_id/messages", h.SendChatMessage)
	authed.GET("/sessions/:session_id/messages", h.ListChatMessages)
	authed.GET("/sessions/:session_id/usage", h.ListSessionUsage)
	return r
}
