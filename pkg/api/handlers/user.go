package handlers

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	apierrors "github.com/jordanlanch/dripline/pkg/api/errors"
	"github.com/jordanlanch/dripline/pkg/emailsequence"
	"github.com/jordanlanch/dripline/pkg/users"
	"github.com/labstack/echo/v4"
)

// UserHandler handles recipient profiles and their sequence membership
type UserHandler struct {
	users     *users.Store
	sequences *emailsequence.Service
	validator *validator.Validate
}

// NewUserHandler creates a new user handler
func NewUserHandler(userStore *users.Store, sequences *emailsequence.Service) *UserHandler {
	return &UserHandler{
		users:     userStore,
		sequences: sequences,
		validator: validator.New(),
	}
}

// TagRequest attaches a tag to a user
type TagRequest struct {
	Tag string `json:"tag" validate:"required,max=100"`
}

// ExitSequencesRequest exits a user from one or all sequences
type ExitSequencesRequest struct {
	SequenceID *int64 `json:"sequence_id,omitempty"`
	Reason     string `json:"reason" validate:"max=100"`
}

// CreateUser godoc
// @Summary Register a recipient
// @Tags Users
// @Accept json
// @Produce json
// @Param body body users.CreateUserRequest true "User"
// @Success 201 {object} users.User
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /users [post]
func (h *UserHandler) CreateUser(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	var req users.CreateUserRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(c)
	}
	if err := h.validator.Struct(req); err != nil {
		return apierrors.ValidationError(c, err)
	}

	u, err := h.users.Create(ctx, req)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusCreated, u)
}

// GetUser godoc
// @Summary Get a recipient with tags
// @Tags Users
// @Produce json
// @Param id path int true "User ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /users/{id} [get]
func (h *UserHandler) GetUser(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "user")
	}

	u, err := h.users.Get(ctx, id)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	tags, err := h.users.Tags(ctx, id)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"user": u,
		"tags": tags,
	})
}

// ListEnrollments godoc
// @Summary List a user's enrollments
// @Tags Users
// @Produce json
// @Param id path int true "User ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /users/{id}/enrollments [get]
func (h *UserHandler) ListEnrollments(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "user")
	}

	enrollments, err := h.sequences.ListUserEnrollments(ctx, id)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  enrollments,
		"total": len(enrollments),
	})
}

// ApplyTag godoc
// @Summary Tag a user
// @Description Adds the tag and auto-enrolls the user into sequences triggered by it
// @Tags Users
// @Accept json
// @Produce json
// @Param id path int true "User ID"
// @Param body body TagRequest true "Tag"
// @Success 200 {object} emailsequence.ApplyTagResult
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /users/{id}/tags [post]
func (h *UserHandler) ApplyTag(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "user")
	}

	var req TagRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(c)
	}
	if err := h.validator.Struct(req); err != nil {
		return apierrors.ValidationError(c, err)
	}

	result, err := h.sequences.ApplyTag(ctx, id, req.Tag)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// ExitSequences godoc
// @Summary Exit a user from sequences
// @Description Exits the user from one sequence, or from all of them when sequence_id is omitted
// @Tags Users
// @Accept json
// @Produce json
// @Param id path int true "User ID"
// @Param body body ExitSequencesRequest false "Scope and reason"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /users/{id}/exit-sequences [post]
func (h *UserHandler) ExitSequences(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "user")
	}

	var req ExitSequencesRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return invalidBody(c)
		}
		if err := h.validator.Struct(req); err != nil {
			return apierrors.ValidationError(c, err)
		}
	}

	exited, err := h.sequences.ExitUser(ctx, id, req.SequenceID, req.Reason)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id": id,
		"exited":  exited,
	})
}
