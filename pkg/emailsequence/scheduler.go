package emailsequence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jordanlanch/dripline/pkg/database"
	"github.com/jordanlanch/dripline/pkg/domain"
	"github.com/jordanlanch/dripline/pkg/email"
	"github.com/jordanlanch/dripline/pkg/emailtemplate"
	"golang.org/x/sync/errgroup"
)

type dispatchMode int

const (
	// dispatchDue only claims enrollments whose next_send_at has passed
	dispatchDue dispatchMode = iota
	// dispatchImmediate claims regardless of next_send_at
	dispatchImmediate
)

type dispatchOutcome struct {
	claimed   bool
	sent      bool
	completed bool
}

// RunDueSteps sends the current step of every due enrollment.
//
// Each enrollment is claimed with a lease before anything is sent, so
// overlapping passes (or several processes) never send the same step twice.
// One failing enrollment does not stop the pass; it stays on its step and is
// picked up again by a later pass.
func (s *Service) RunDueSteps(ctx context.Context, now time.Time) (*RunSummary, error) {
	start := time.Now()
	now = now.UTC()

	ids, err := s.store.listDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return nil, domain.NewPersistenceError("list due enrollments", err)
	}

	summary := &RunSummary{Due: len(ids)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			out, err := s.dispatch(gctx, id, now, dispatchDue, nil)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case !out.claimed:
				summary.Skipped++
				return nil
			case out.completed:
				summary.Completed++
			}
			summary.Claimed++
			if out.sent {
				summary.Sent++
			}
			if err != nil {
				summary.Failed++
				s.log.Warn("dispatch failed", "enrollment_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.RecordSchedulerRun(summary.Due, time.Since(start))
	s.log.Info("scheduler pass finished",
		"due", summary.Due,
		"claimed", summary.Claimed,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"completed", summary.Completed,
		"skipped", summary.Skipped,
	)

	return summary, nil
}

// dispatch claims one enrollment and sends its current step.
//
// A non-nil retryAt reschedules the enrollment there after a failed send;
// otherwise next_send_at is left as it was and the next pass retries.
func (s *Service) dispatch(ctx context.Context, id int64, now time.Time, mode dispatchMode, retryAt *time.Time) (dispatchOutcome, error) {
	var out dispatchOutcome

	token := uuid.NewString()
	ok, err := s.store.claim(ctx, id, token, now, now.Add(s.cfg.Lease), mode == dispatchDue)
	if err != nil {
		return out, domain.NewPersistenceError("claim enrollment", err)
	}
	if !ok {
		return out, nil
	}
	out.claimed = true

	log := s.log.With("enrollment_id", id)

	release := func(next *time.Time) {
		if err := s.store.releaseLease(context.WithoutCancel(ctx), s.db, id, token, next, now); err != nil {
			log.Error("failed to release lease", "error", err)
		}
	}

	e, err := s.store.getEnrollment(ctx, s.db, id)
	if err != nil {
		release(nil)
		return out, domain.NewPersistenceError("get enrollment", err)
	}

	seq, err := s.store.getSequence(ctx, s.db, e.SequenceID)
	if err != nil {
		release(nil)
		return out, domain.NewPersistenceError("get sequence", err)
	}

	steps, err := s.store.listSteps(ctx, s.db, e.SequenceID, true)
	if err != nil {
		release(nil)
		return out, domain.NewPersistenceError("list steps", err)
	}

	if e.CurrentStep >= len(steps) {
		done, err := s.store.advance(ctx, s.db, id, token, len(steps), nil, now)
		if err != nil {
			release(nil)
			return out, domain.NewPersistenceError("complete enrollment", err)
		}
		if !done {
			// exited while we held the lease
			release(nil)
			return out, nil
		}
		out.completed = true
		s.metrics.RecordCompletion()
		s.invalidateAnalytics(ctx, seq.ID)
		log.Info("enrollment completed, no step left", "step", e.CurrentStep)
		return out, nil
	}

	step := steps[e.CurrentStep]

	user, err := s.users.Get(ctx, e.UserID)
	if err != nil {
		release(retryAt)
		return out, err
	}

	rendered := emailtemplate.Render(step.Subject, step.Body, emailtemplate.Context{
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Email:     user.Email,
		URLs:      s.urls,
	})

	attempts, err := s.store.countAttempts(ctx, id, step.ID)
	if err != nil {
		release(nil)
		return out, domain.NewPersistenceError("count attempts", err)
	}

	entry := &OutboxEntry{
		EnrollmentID: id,
		StepID:       step.ID,
		StepIndex:    e.CurrentStep,
		Recipient:    user.Email,
		Subject:      rendered.Subject,
		Status:       OutboxPending,
		Attempts:     attempts + 1,
		CreatedAt:    now,
	}
	if err := s.store.insertOutbox(ctx, entry); err != nil {
		release(nil)
		return out, domain.NewPersistenceError("write outbox", err)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.failOutbox(ctx, entry.ID, now, err)
			release(nil)
			return out, domain.NewDispatchError(err)
		}
	}

	res, sendErr := s.sender.Send(ctx, email.Message{
		To:      user.Email,
		ToName:  emailtemplate.Context{FirstName: user.FirstName, LastName: user.LastName}.FullName(),
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	})
	if sendErr != nil {
		s.failOutbox(ctx, entry.ID, now, sendErr)
		release(retryAt)
		s.metrics.RecordSend(seq.Slug, false)
		sentry.CaptureException(fmt.Errorf("send step %d of enrollment %d: %w", e.CurrentStep, id, sendErr))
		return out, domain.NewDispatchError(sendErr)
	}

	// The provider accepted the message; from here on it must be recorded.
	ctx = context.WithoutCancel(ctx)
	out.sent = true
	s.metrics.RecordSend(seq.Slug, true)

	newIndex := e.CurrentStep + 1
	var nextSend *time.Time
	if newIndex < len(steps) {
		t := now.Add(steps[newIndex].Delay())
		nextSend = &t
	}

	stepID := step.ID
	var advanced bool

	err = database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		sentAt := now
		if _, err := s.recordSendTx(ctx, tx, e, &stepID, res.ProviderMessageID, user.Email, rendered.Subject, sentAt); err != nil {
			return err
		}
		if err := s.store.markOutboxSent(ctx, tx, entry.ID, res.ProviderMessageID, sentAt); err != nil {
			return err
		}
		if err := s.store.incrementStepSent(ctx, tx, step.ID); err != nil {
			return err
		}

		var err error
		advanced, err = s.store.advance(ctx, tx, id, token, newIndex, nextSend, sentAt)
		if err != nil {
			return err
		}
		if !advanced {
			// exited while the email was in flight
			return s.store.releaseLease(ctx, tx, id, token, nil, sentAt)
		}
		return nil
	})
	if err != nil {
		log.Error("email sent but recording failed", "provider_message_id", res.ProviderMessageID, "error", err)
		sentry.CaptureException(fmt.Errorf("record send of enrollment %d: %w", id, err))
		s.failOutbox(ctx, entry.ID, now, err)
		release(nil)
		return out, domain.NewPersistenceError("record send", err)
	}

	s.invalidateAnalytics(ctx, seq.ID)

	if !advanced {
		log.Info("enrollment left the sequence during send, not advancing", "step", e.CurrentStep)
		return out, nil
	}

	if nextSend == nil {
		out.completed = true
		s.metrics.RecordCompletion()
		log.Info("enrollment completed", "steps", len(steps))
	} else {
		log.Debug("step sent", "step", e.CurrentStep, "next_send_at", *nextSend)
	}

	return out, nil
}

func (s *Service) failOutbox(ctx context.Context, outboxID int64, now time.Time, cause error) {
	if err := s.store.markOutboxFailed(context.WithoutCancel(ctx), outboxID, cause.Error(), now); err != nil {
		s.log.Error("failed to mark outbox entry failed", "outbox_id", outboxID, "error", err)
	}
}

// ListOutbox returns every dispatch attempt of an enrollment, oldest first.
func (s *Service) ListOutbox(ctx context.Context, enrollmentID int64) ([]OutboxEntry, error) {
	if _, err := s.GetEnrollment(ctx, enrollmentID); err != nil {
		return nil, err
	}
	entries, err := s.store.listOutbox(ctx, enrollmentID)
	if err != nil {
		return nil, domain.NewPersistenceError("list outbox", err)
	}
	return entries, nil
}
