package handlers

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/jordanlanch/dripline/pkg/api/errors"
	"github.com/jordanlanch/dripline/pkg/domain"
	"github.com/jordanlanch/dripline/pkg/emailsequence"
	"github.com/jordanlanch/dripline/pkg/models"
	"github.com/labstack/echo/v4"
	"github.com/sendgrid/sendgrid-go/helpers/eventwebhook"
)

// Signed event webhook headers
const (
	SignatureHeader = "X-Twilio-Email-Event-Webhook-Signature"
	TimestampHeader = "X-Twilio-Email-Event-Webhook-Timestamp"
)

const maxWebhookBody = 1 << 20

// EventRecorder applies delivery events to sends
type EventRecorder interface {
	OnWebhookEvent(ctx context.Context, providerMessageID string, kind emailsequence.EventKind) (bool, error)
}

// EmailEvent is one entry of a SendGrid event webhook batch
type EmailEvent struct {
	Email       string `json:"email"`
	Event       string `json:"event"`
	SGMessageID string `json:"sg_message_id"`
	Timestamp   int64  `json:"timestamp"`
	URL         string `json:"url,omitempty"`
}

// WebhookSummary reports what happened to a batch
type WebhookSummary struct {
	Received  int `json:"received"`
	Recorded  int `json:"recorded"`
	Duplicate int `json:"duplicate"`
	Unknown   int `json:"unknown"`
	Ignored   int `json:"ignored"`
}

// EmailWebhookHandler receives delivery telemetry from the email provider
type EmailWebhookHandler struct {
	recorder  EventRecorder
	publicKey *ecdsa.PublicKey
}

// NewEmailWebhookHandler creates the handler. publicKeyBase64 is the
// verification key of the signed event webhook; empty disables the check.
func NewEmailWebhookHandler(recorder EventRecorder, publicKeyBase64 string) (*EmailWebhookHandler, error) {
	h := &EmailWebhookHandler{recorder: recorder}

	if publicKeyBase64 != "" {
		key, err := eventwebhook.ConvertPublicKeyBase64ToECDSA(publicKeyBase64)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook public key: %w", err)
		}
		h.publicKey = key
	}

	return h, nil
}

// HandleEvents godoc
// @Summary Email delivery events
// @Description SendGrid event webhook; open and click events update engagement counters
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param body body []EmailEvent true "Event batch"
// @Success 200 {object} WebhookSummary
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /webhooks/email [post]
func (h *EmailWebhookHandler) HandleEvents(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return invalidBody(c)
	}

	if h.publicKey != nil {
		ok, err := eventwebhook.VerifySignature(
			h.publicKey,
			payload,
			c.Request().Header.Get(SignatureHeader),
			c.Request().Header.Get(TimestampHeader),
		)
		if err != nil || !ok {
			log.Printf("[WEBHOOK] rejected unsigned or tampered event batch: %v", err)
			return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
				Error:   "invalid_signature",
				Message: "Webhook signature verification failed",
			})
		}
	}

	var events []EmailEvent
	if err := json.Unmarshal(payload, &events); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_payload",
			Message: "Expected a JSON array of events",
		})
	}

	summary := WebhookSummary{Received: len(events)}
	for _, ev := range events {
		kind, ok := eventKind(ev.Event)
		if !ok || ev.SGMessageID == "" {
			summary.Ignored++
			continue
		}

		changed, err := h.recorder.OnWebhookEvent(ctx, providerMessageID(ev.SGMessageID), kind)
		switch {
		case domain.IsNotFound(err):
			summary.Unknown++
		case err != nil:
			// non-2xx: the provider redelivers the whole batch
			return apierrors.FromDomain(c, err)
		case changed:
			summary.Recorded++
		default:
			summary.Duplicate++
		}
	}

	return c.JSON(http.StatusOK, summary)
}

func eventKind(event string) (emailsequence.EventKind, bool) {
	switch event {
	case "open":
		return emailsequence.EventOpened, true
	case "click":
		return emailsequence.EventClicked, true
	default:
		return "", false
	}
}

// providerMessageID strips the ".filter..." suffix SendGrid appends to the
// X-Message-Id it returned at send time.
func providerMessageID(sgMessageID string) string {
	id, _, _ := strings.Cut(sgMessageID, ".")
	return id
}
