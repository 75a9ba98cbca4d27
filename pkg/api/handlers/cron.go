package handlers

import (
	"context"
	"net/http"
	"time"

	apierrors "github.com/jordanlanch/dripline/pkg/api/errors"
	"github.com/jordanlanch/dripline/pkg/emailsequence"
	"github.com/labstack/echo/v4"
)

// DueStepPass runs one scheduler pass; implemented by jobs.CronManager
type DueStepPass interface {
	RunOnce(ctx context.Context) (*emailsequence.RunSummary, bool, error)
}

// CronHandler exposes the scheduler to an external trigger
type CronHandler struct {
	runner  DueStepPass
	timeout time.Duration
}

// NewCronHandler creates a new cron handler
func NewCronHandler(runner DueStepPass, timeout time.Duration) *CronHandler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CronHandler{runner: runner, timeout: timeout}
}

// RunSequences godoc
// @Summary Process due sequence steps
// @Description Sends every step that is due now. Authenticated with the cron secret.
// @Tags Cron
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Router /cron/sequences [post]
func (h *CronHandler) RunSequences(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	summary, ran, err := h.runner.RunOnce(ctx)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	if !ran {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"ran":     false,
			"message": "Another scheduler pass is in progress",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ran":     true,
		"summary": summary,
	})
}
