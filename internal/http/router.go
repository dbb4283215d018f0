package httpapi

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/cardiotriage/backend/internal/config"
	"github.com/cardiotriage/backend/internal/http/handlers"
	"github.com/cardiotriage/backend/internal/http/middleware"

	_ "github.com/cardiotriage/backend/docs"
)

// Streams are the long-lived endpoints mounted next to the JSON API.
type Streams struct {
	Escalations http.Handler
	Metrics     http.Handler
}

func Router(cfg config.Config, h *handlers.Handler, streams Streams, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.StaffKeyHeader, middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if origins := cfg.AllowedOrigins(); slices.Contains(origins, "*") {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = origins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", h.Health)
	if streams.Metrics != nil {
		r.GET("/metrics", gin.WrapH(streams.Metrics))
	}

	api := r.Group("")
	api.Use(middleware.Timeout(cfg.RequestTimeout))
	{
		api.POST("/chat", h.Chat)
		api.POST("/triage", h.Triage)
		api.POST("/appointment", h.Appointment)
		api.GET("/patient/:id", h.Patient)
		api.GET("/patient/:id/appointments", h.PatientAppointments)
		api.GET("/sessions/:id", h.Session)
	}

	staff := api.Group("/escalations")
	staff.Use(middleware.StaffKey(cfg.StaffKey))
	{
		staff.GET("", h.EscalationsList)
		staff.GET("/:id", h.EscalationGet)
		staff.POST("/:id/status", h.EscalationStatus)
		staff.POST("/reconcile", h.EscalationsReconcile)
	}
	if streams.Escalations != nil {
		// Websocket upgrades outlive the request timeout.
		r.GET("/escalations/ws", middleware.StaffKey(cfg.StaffKey), gin.WrapH(streams.Escalations))
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
