package main

import (
	"github.com/jordanlanch/dripline/config"
	"github.com/jordanlanch/dripline/pkg/api/handlers"
	custommw "github.com/jordanlanch/dripline/pkg/api/middleware"
	custommiddleware "github.com/jordanlanch/dripline/pkg/middleware"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routeHandlers struct {
	sequences *handlers.EmailSequenceHandler
	users     *handlers.UserHandler
	webhook   *handlers.EmailWebhookHandler
	cron      *handlers.CronHandler
	health    *handlers.HealthHandler
}

type routeLimiters struct {
	api     *custommiddleware.RateLimiter
	webhook *custommiddleware.RateLimiter
}

// registerRoutes mounts every endpoint. Reads need any valid token, writes need the admin role.
func registerRoutes(e *echo.Echo, cfg *config.Config, h routeHandlers, limits routeLimiters) {
	e.GET("/health", h.health.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")

	// External scheduler trigger
	v1.POST("/cron/sequences", h.cron.RunSequences, custommiddleware.CronSecret(cfg.CronSecret))

	// Provider event webhook
	v1.POST("/webhooks/email", h.webhook.HandleEvents, limits.webhook.RateLimitMiddleware())

	apiLimit := limits.api.RateLimitMiddleware()
	auth := custommw.JWTMiddleware(cfg.JWTSecret)
	admin := custommiddleware.RequireAdmin()

	// Download links pass the token as ?token=
	v1.GET("/sequences/:id/export", h.sequences.Export, apiLimit, custommw.JWTFromQueryOrHeader(cfg.JWTSecret))

	sequences := v1.Group("/sequences", apiLimit, auth)
	sequences.GET("", h.sequences.ListSequences)
	sequences.POST("", h.sequences.CreateSequence, admin)
	sequences.GET("/:id", h.sequences.GetSequence)
	sequences.PUT("/:id", h.sequences.UpdateSequence, admin)
	sequences.DELETE("/:id", h.sequences.DeleteSequence, admin)
	sequences.POST("/:id/import-emails", h.sequences.ImportEmails, admin)
	sequences.POST("/:id/enroll", h.sequences.Enroll, admin)
	sequences.GET("/:id/analytics", h.sequences.Analytics)

	enrollments := v1.Group("/enrollments", apiLimit, auth)
	enrollments.GET("/:id", h.sequences.GetEnrollment)
	enrollments.POST("/:id/exit", h.sequences.ExitEnrollment, admin)

	users := v1.Group("/users", apiLimit, auth)
	users.POST("", h.users.CreateUser, admin)
	users.GET("/:id", h.users.GetUser)
	users.GET("/:id/enrollments", h.users.ListEnrollments)
	users.POST("/:id/tags", h.users.ApplyTag, admin)
	users.POST("/:id/exit-sequences", h.users.ExitSequences, admin)
}
