package middleware

import (
	"net/http"
	"strings"

	"github.com/jordanlanch/dripline/pkg/auth"
	"github.com/jordanlanch/dripline/pkg/models"
	"github.com/labstack/echo/v4"
)

// JWTMiddleware creates a JWT authentication middleware
func JWTMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Get authorization header
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "missing_token",
					Message: "Authorization header is required",
				})
			}

			// Check Bearer prefix
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "invalid_token_format",
					Message: "Authorization header must be 'Bearer {token}'",
				})
			}

			return authenticate(c, next, parts[1], secret)
		}
	}
}

// JWTFromQueryOrHeader accepts the token from the header or the "token" query
// parameter. Used for export downloads opened as plain links.
func JWTFromQueryOrHeader(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var token string

			// Try to get token from Authorization header first
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader != "" {
				parts := strings.Split(authHeader, " ")
				if len(parts) == 2 && parts[0] == "Bearer" {
					token = parts[1]
				}
			}

			// If no token in header, try query parameter
			if token == "" {
				token = c.QueryParam("token")
			}

			// If still no token, return error
			if token == "" {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "missing_token",
					Message: "Authorization header or token query parameter is required",
				})
			}

			return authenticate(c, next, token, secret)
		}
	}
}

func authenticate(c echo.Context, next echo.HandlerFunc, token, secret string) error {
	// Validate JWT
	claims, err := auth.ValidateJWT(token, secret)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
			Error:   "invalid_token",
			Message: err.Error(),
		})
	}

	// Set user info in context
	c.Set("user_email", claims.Email)
	c.Set("user_role", claims.Role)

	return next(c)
}
