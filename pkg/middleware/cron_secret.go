package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/jordanlanch/dripline/pkg/models"
	"github.com/labstack/echo/v4"
)

// CronSecret guards endpoints hit by an external scheduler. The request must
// carry "Authorization: Bearer <secret>". An empty secret rejects everything.
func CronSecret(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
					Error:   "cron_disabled",
					Message: "Cron endpoints are not configured",
				})
			}

			token, ok := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "unauthorized",
					Message: "Invalid cron secret",
				})
			}

			return next(c)
		}
	}
}
