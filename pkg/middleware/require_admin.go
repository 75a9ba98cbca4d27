package middleware

import (
	"net/http"

	"github.com/jordanlanch/dripline/pkg/auth"
	"github.com/labstack/echo/v4"
)

// RequireAdmin rejects tokens without the admin role.
// Apply after the JWT middleware, which sets "user_role".
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Get user role from context (set by JWT middleware)
			role, ok := c.Get("user_role").(string)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error":   "unauthorized",
					"message": "Authentication required",
				})
			}

			// Check if user has admin role
			if role != auth.RoleAdmin {
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"error":   "insufficient_permissions",
					"message": "Admin access required",
					"details": map[string]interface{}{
						"required_role": auth.RoleAdmin,
						"current_role":  role,
					},
				})
			}

			// User is admin, continue to next handler
			return next(c)
		}
	}
}
