package emailsequence

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jordanlanch/dripline/pkg/database"
	"github.com/jordanlanch/dripline/pkg/domain"
)

// Webhook outcomes reported to metrics
const (
	eventRecorded  = "recorded"
	eventDuplicate = "duplicate"
	eventUnknown   = "unknown"
)

// RecordSend stores a send made outside the scheduler and bumps the
// enrollment's received counter.
func (s *Service) RecordSend(ctx context.Context, enrollmentID int64, stepID *int64, providerMessageID, recipient, subject string) (*EmailSend, error) {
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" {
		return nil, domain.NewValidationError("provider message id is required")
	}

	e, err := s.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}

	var send *EmailSend
	err = database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		send, err = s.recordSendTx(ctx, tx, e, stepID, providerMessageID, recipient, subject, s.clock())
		return err
	})
	if err != nil {
		return nil, domain.NewPersistenceError("record send", err)
	}

	s.invalidateAnalytics(ctx, e.SequenceID)
	return send, nil
}

func (s *Service) recordSendTx(ctx context.Context, ext sqlx.ExtContext, e *Enrollment, stepID *int64, providerMessageID, recipient, subject string, sentAt time.Time) (*EmailSend, error) {
	send := &EmailSend{
		EnrollmentID:      e.ID,
		UserID:            e.UserID,
		StepID:            stepID,
		ProviderMessageID: providerMessageID,
		Recipient:         recipient,
		Subject:           subject,
		Status:            SendStatusSent,
		SentAt:            sentAt,
	}
	if err := s.store.insertSend(ctx, ext, send); err != nil {
		return nil, err
	}
	if err := s.store.incrementReceived(ctx, ext, e.ID); err != nil {
		return nil, err
	}
	return send, nil
}

// OnWebhookEvent applies an opened or clicked event to the send carrying
// providerMessageID. Each event counts once per send; a click also counts as
// an open when none was seen. Returns false for a duplicate event.
func (s *Service) OnWebhookEvent(ctx context.Context, providerMessageID string, kind EventKind) (bool, error) {
	if kind != EventOpened && kind != EventClicked {
		return false, domain.NewValidationError("unsupported event kind " + string(kind))
	}
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" {
		return false, domain.NewValidationError("provider message id is required")
	}

	now := s.clock()
	var (
		changed    bool
		sequenceID int64
	)

	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		send, err := s.store.getSendByProviderID(ctx, tx, providerMessageID)
		if err != nil {
			return notFoundOr(err, "email send", "get email send")
		}

		e, err := s.store.getEnrollment(ctx, tx, send.EnrollmentID)
		if err != nil {
			return notFoundOr(err, "enrollment", "get enrollment")
		}
		sequenceID = e.SequenceID

		// Sends from before a re-enrollment still get their timestamps,
		// but the reset counters only track the current run.
		currentRun := !send.SentAt.Before(e.EnrolledAt)

		kinds := []EventKind{kind}
		if kind == EventClicked {
			kinds = []EventKind{EventOpened, EventClicked}
		}

		for _, k := range kinds {
			first, err := s.store.markEvent(ctx, tx, send.ID, k, now)
			if err != nil {
				return domain.NewPersistenceError("mark event", err)
			}
			if !first {
				continue
			}
			if k == kind {
				changed = true
			}
			if !currentRun {
				continue
			}
			if err := s.store.incrementEngagement(ctx, tx, send.EnrollmentID, k); err != nil {
				return domain.NewPersistenceError("increment engagement", err)
			}
		}
		return nil
	})
	if err != nil {
		if domain.IsNotFound(err) {
			s.metrics.RecordWebhookEvent(string(kind), eventUnknown)
		}
		return false, err
	}

	outcome := eventDuplicate
	if changed {
		outcome = eventRecorded
		if sequenceID != 0 {
			s.invalidateAnalytics(ctx, sequenceID)
		}
	}
	s.metrics.RecordWebhookEvent(string(kind), outcome)

	return changed, nil
}
