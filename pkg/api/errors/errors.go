package errors

import (
	"log"
	"net/http"

	"github.com/jordanlanch/dripline/pkg/domain"
	"github.com/jordanlanch/dripline/pkg/models"
	"github.com/labstack/echo/v4"
)

// ValidationError returns a generic validation error without exposing internal details
func ValidationError(c echo.Context, err error) error {
	log.Printf("[VALIDATION ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "validation_error",
		Message: "Invalid request data. Please check your input and try again.",
	})
}

// DatabaseError returns a generic database error without exposing internal details
func DatabaseError(c echo.Context, err error) error {
	log.Printf("[DATABASE ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "database_error",
		Message: "A database error occurred. Please try again later.",
	})
}

// InternalError returns a generic internal server error
func InternalError(c echo.Context, err error) error {
	log.Printf("[INTERNAL ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred. Please try again later.",
	})
}

// UnauthorizedError returns a generic unauthorized error
func UnauthorizedError(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
		Error:   "unauthorized",
		Message: "You are not authorized to access this resource.",
	})
}

// ForbiddenError returns a generic forbidden error
func ForbiddenError(c echo.Context) error {
	return c.JSON(http.StatusForbidden, models.ErrorResponse{
		Error:   "forbidden",
		Message: "You do not have permission to access this resource.",
	})
}

// NotFoundError returns a not found error for the named resource
func NotFoundError(c echo.Context, message string) error {
	if message == "" {
		message = "The requested resource was not found."
	}
	return c.JSON(http.StatusNotFound, models.ErrorResponse{
		Error:   "not_found",
		Message: message,
	})
}

// ConflictError returns a conflict error. The message is shown to the caller.
func ConflictError(c echo.Context, code, message string) error {
	return c.JSON(http.StatusConflict, models.ErrorResponse{
		Error:   code,
		Message: message,
	})
}

// DispatchError is returned when the email provider rejected a send
func DispatchError(c echo.Context, err error) error {
	log.Printf("[DISPATCH ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusBadGateway, models.ErrorResponse{
		Error:   "dispatch_error",
		Message: "The email provider rejected the message. It will be retried.",
	})
}

// FromDomain writes the response matching a service error.
// Domain messages are client-safe; wrapped causes are only logged.
func FromDomain(c echo.Context, err error) error {
	switch domain.GetErrorCode(err) {
	case domain.ErrCodeValidation:
		log.Printf("[VALIDATION ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: domain.GetMessage(err),
		})
	case domain.ErrCodeNotFound:
		return NotFoundError(c, domain.GetMessage(err))
	case domain.ErrCodeAlreadyEnrolled:
		return ConflictError(c, "already_enrolled", domain.GetMessage(err))
	case domain.ErrCodeConflict:
		return ConflictError(c, "conflict", domain.GetMessage(err))
	case domain.ErrCodeDispatch:
		return DispatchError(c, err)
	case domain.ErrCodePersistence:
		return DatabaseError(c, err)
	case domain.ErrCodeUnauthorized:
		return UnauthorizedError(c)
	case domain.ErrCodeForbidden:
		return ForbiddenError(c)
	default:
		return InternalError(c, err)
	}
}
