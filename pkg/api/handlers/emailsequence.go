package handlers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	apierrors "github.com/jordanlanch/dripline/pkg/api/errors"
	"github.com/jordanlanch/dripline/pkg/emailsequence"
	"github.com/jordanlanch/dripline/pkg/models"
	"github.com/labstack/echo/v4"
)

const requestTimeout = 10 * time.Second

// EmailSequenceHandler handles email sequence operations.
type EmailSequenceHandler struct {
	service   *emailsequence.Service
	validator *validator.Validate
}

// NewEmailSequenceHandler creates a new email sequence handler.
func NewEmailSequenceHandler(service *emailsequence.Service) *EmailSequenceHandler {
	return &EmailSequenceHandler{
		service:   service,
		validator: validator.New(),
	}
}

// EnrollRequest enrolls a user by id or email.
type EnrollRequest struct {
	UserID          int64  `json:"userId"`
	Email           string `json:"email" validate:"omitempty,email"`
	SendImmediately bool   `json:"sendImmediately"`
}

// ExitRequest carries an optional exit reason.
type ExitRequest struct {
	Reason string `json:"reason" validate:"max=100"`
}

// CreateSequence godoc
// @Summary Create email sequence
// @Tags Email Sequences
// @Accept json
// @Produce json
// @Param body body emailsequence.CreateSequenceRequest true "Sequence details"
// @Success 201 {object} emailsequence.Sequence
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sequences [post]
func (h *EmailSequenceHandler) CreateSequence(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	var req emailsequence.CreateSequenceRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(c)
	}
	if err := h.validator.Struct(req); err != nil {
		return apierrors.ValidationError(c, err)
	}

	seq, err := h.service.CreateSequence(ctx, req)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusCreated, seq)
}

// ListSequences godoc
// @Summary List email sequences
// @Tags Email Sequences
// @Produce json
// @Param active query bool false "Only active sequences"
// @Success 200 {array} emailsequence.Sequence
// @Security BearerAuth
// @Router /sequences [get]
func (h *EmailSequenceHandler) ListSequences(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	activeOnly, _ := strconv.ParseBool(c.QueryParam("active"))

	sequences, err := h.service.ListSequences(ctx, activeOnly)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  sequences,
		"total": len(sequences),
	})
}

// GetSequence godoc
// @Summary Get email sequence
// @Description Get a sequence with its steps, by numeric id or slug
// @Tags Email Sequences
// @Produce json
// @Param id path string true "Sequence ID or slug"
// @Success 200 {object} emailsequence.Sequence
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sequences/{id} [get]
func (h *EmailSequenceHandler) GetSequence(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	seq, err := h.service.ResolveSequence(ctx, c.Param("id"))
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, seq)
}

// UpdateSequence godoc
// @Summary Update email sequence
// @Tags Email Sequences
// @Accept json
// @Produce json
// @Param id path string true "Sequence ID or slug"
// @Param body body emailsequence.UpdateSequenceRequest true "Update details"
// @Success 200 {object} emailsequence.Sequence
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sequences/{id} [put]
func (h *EmailSequenceHandler) UpdateSequence(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	var req emailsequence.UpdateSequenceRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(c)
	}
	if err := h.validator.Struct(req); err != nil {
		return apierrors.ValidationError(c, err)
	}

	seq, err := h.service.ResolveSequence(ctx, c.Param("id"))
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	updated, err := h.service.UpdateSequence(ctx, seq.ID, req)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, updated)
}

// DeleteSequence godoc
// @Summary Delete email sequence
// @Description Deletes a sequence, or deactivates it when it has enrollments
// @Tags Email Sequences
// @Produce json
// @Param id path string true "Sequence ID or slug"
// @Success 200 {object} models.SuccessResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sequences/{id} [delete]
func (h *EmailSequenceHandler) DeleteSequence(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	seq, err := h.service.ResolveSequence(ctx, c.Param("id"))
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	deactivated, err := h.service.DeleteSequence(ctx, seq.ID)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	message := "Sequence deleted"
	if deactivated {
		message = "Sequence has enrollments and was deactivated instead"
	}
	return c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Message: message})
}

// ImportEmails godoc
// @Summary Replace sequence steps
// @Description Deletes every step of the sequence and inserts the given ones in order
// @Tags Email Sequences
// @Accept json
// @Produce json
// @Param id path string true "Sequence ID or slug"
// @Param body body emailsequence.ImportStepsRequest true "Steps"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sequences/{id}/import-emails [post]
func (h *EmailSequenceHandler) ImportEmails(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	var req emailsequence.ImportStepsRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(c)
	}

	seq, err := h.service.ResolveSequence(ctx, c.Param("id"))
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	steps, err := h.service.ImportSteps(ctx, seq.Slug, req.Steps)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"sequence_id": seq.ID,
		"imported":    len(steps),
		"steps":       steps,
	})
}

// Enroll godoc
// @Summary Enroll a user
// @Description Enrolls a user by id or email; optionally sends the first step right away
// @Tags Email Sequences
// @Accept json
// @Produce json
// @Param id path string true "Sequence ID or slug"
// @Param body body EnrollRequest true "Enrollment"
// @Success 201 {object} emailsequence.EnrollResult
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sequences/{id}/enroll [post]
func (h *EmailSequenceHandler) Enroll(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	var req EnrollRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(c)
	}
	if err := h.validator.Struct(req); err != nil {
		return apierrors.ValidationError(c, err)
	}
	if req.UserID == 0 && strings.TrimSpace(req.Email) == "" {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "userId or email is required",
		})
	}

	seq, err := h.service.ResolveSequence(ctx, c.Param("id"))
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	opts := emailsequence.EnrollOptions{SendImmediately: req.SendImmediately}

	var result *emailsequence.EnrollResult
	if req.UserID != 0 {
		result, err = h.service.Enroll(ctx, req.UserID, seq.ID, opts)
	} else {
		result, err = h.service.EnrollByEmail(ctx, req.Email, seq.ID, opts)
	}
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// Analytics godoc
// @Summary Sequence analytics
// @Tags Email Sequences
// @Produce json
// @Param id path string true "Sequence ID or slug"
// @Success 200 {object} emailsequence.SequenceAnalytics
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sequences/{id}/analytics [get]
func (h *EmailSequenceHandler) Analytics(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	seq, err := h.service.ResolveSequence(ctx, c.Param("id"))
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	analytics, err := h.service.SequenceAnalytics(ctx, seq.ID)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, analytics)
}

// Export godoc
// @Summary Export enrollments
// @Description Download the sequence's enrollments as CSV or Excel
// @Tags Email Sequences
// @Produce text/csv
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param id path string true "Sequence ID or slug"
// @Param format query string false "csv (default) or xlsx"
// @Param token query string false "JWT, for plain download links"
// @Success 200 {file} file
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sequences/{id}/export [get]
func (h *EmailSequenceHandler) Export(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 60*time.Second)
	defer cancel()

	format := strings.ToLower(c.QueryParam("format"))
	if format == "" {
		format = emailsequence.ExportCSV
	}

	seq, err := h.service.ResolveSequence(ctx, c.Param("id"))
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	var buf bytes.Buffer
	if err := h.service.ExportEnrollments(ctx, seq.ID, format, &buf); err != nil {
		return apierrors.FromDomain(c, err)
	}

	contentType := "text/csv; charset=utf-8"
	if format == emailsequence.ExportXLSX {
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}

	filename := fmt.Sprintf("%s-enrollments-%s.%s", seq.Slug, time.Now().UTC().Format("20060102"), format)
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Blob(http.StatusOK, contentType, buf.Bytes())
}

// GetEnrollment godoc
// @Summary Get enrollment
// @Description Enrollment with its sends and dispatch attempts
// @Tags Enrollments
// @Produce json
// @Param id path int true "Enrollment ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /enrollments/{id} [get]
func (h *EmailSequenceHandler) GetEnrollment(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "enrollment")
	}

	enrollment, err := h.service.GetEnrollment(ctx, id)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	sends, err := h.service.ListSends(ctx, id)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	outbox, err := h.service.ListOutbox(ctx, id)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"enrollment": enrollment,
		"sends":      sends,
		"outbox":     outbox,
	})
}

// ExitEnrollment godoc
// @Summary Exit enrollment
// @Description Stops an enrollment; exiting a finished one is a no-op
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path int true "Enrollment ID"
// @Param body body ExitRequest false "Reason"
// @Success 200 {object} emailsequence.Enrollment
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /enrollments/{id}/exit [post]
func (h *EmailSequenceHandler) ExitEnrollment(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "enrollment")
	}

	var req ExitRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return invalidBody(c)
		}
		if err := h.validator.Struct(req); err != nil {
			return apierrors.ValidationError(c, err)
		}
	}

	enrollment, err := h.service.Unenroll(ctx, id, req.Reason)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, enrollment)
}

func parseID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func invalidID(c echo.Context, resource string) error {
	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "invalid_" + resource + "_id",
		Message: strings.ToUpper(resource[:1]) + resource[1:] + " ID must be a valid number",
	})
}

func invalidBody(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "invalid_request",
		Message: "Invalid request body",
	})
}
