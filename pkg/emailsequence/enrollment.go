package emailsequence

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/jordanlanch/dripline/pkg/database"
	"github.com/jordanlanch/dripline/pkg/domain"
	"github.com/jordanlanch/dripline/pkg/users"
)

// Enroll starts (or restarts) a user's run through a sequence.
//
// A prior ACTIVE enrollment fails with AlreadyEnrolled; a COMPLETED or EXITED
// one is reset in place. When opts.SendImmediately is set, or the first step
// has no delay, step 0 is dispatched before returning. The step index only
// advances once the provider accepted that send; a failed immediate send is
// retried by the scheduler after Config.RetryDelay.
func (s *Service) Enroll(ctx context.Context, userID, sequenceID int64, opts EnrollOptions) (*EnrollResult, error) {
	seq, err := s.store.getSequence(ctx, s.db, sequenceID)
	if err != nil {
		return nil, notFoundOr(err, "sequence", "get sequence")
	}
	if !seq.IsActive {
		return nil, domain.NewValidationError("sequence is not active")
	}

	steps, err := s.store.listSteps(ctx, s.db, seq.ID, true)
	if err != nil {
		return nil, domain.NewPersistenceError("list steps", err)
	}
	if len(steps) == 0 {
		return nil, domain.NewValidationError("sequence has no active steps")
	}

	if _, err := s.users.Get(ctx, userID); err != nil {
		return nil, err
	}

	now := s.clock()
	firstDelay := steps[0].Delay()
	nextSend := now.Add(firstDelay)
	if firstDelay == 0 {
		nextSend = now.Add(firstSendFloor)
	}

	var (
		enrollmentID int64
		reenrolled   bool
	)

	err = database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		existing, err := s.store.getEnrollmentFor(ctx, tx, userID, seq.ID)
		switch {
		case err == nil && existing.Status == StatusActive:
			return domain.NewAlreadyEnrolledError(userID, seq.ID)

		case err == nil:
			ok, err := s.store.reenroll(ctx, tx, existing.ID, nextSend, now)
			if err != nil {
				return domain.NewPersistenceError("re-enroll", err)
			}
			if !ok {
				return domain.NewAlreadyEnrolledError(userID, seq.ID)
			}
			enrollmentID = existing.ID
			reenrolled = true

		case isNoRows(err):
			e := &Enrollment{
				UserID:     userID,
				SequenceID: seq.ID,
				Status:     StatusActive,
				NextSendAt: &nextSend,
				EnrolledAt: now,
				UpdatedAt:  now,
			}
			if err := s.store.insertEnrollment(ctx, tx, e); err != nil {
				if database.IsUniqueViolation(err) {
					return domain.NewAlreadyEnrolledError(userID, seq.ID)
				}
				return domain.NewPersistenceError("create enrollment", err)
			}
			if err := s.store.incrementTotalEnrolled(ctx, tx, seq.ID, now); err != nil {
				return domain.NewPersistenceError("increment total enrolled", err)
			}
			enrollmentID = e.ID

		default:
			return domain.NewPersistenceError("get enrollment", err)
		}

		if seq.TriggerTag != nil {
			if _, err := users.InsertTag(ctx, tx, userID, *seq.TriggerTag); err != nil {
				return domain.NewPersistenceError("tag user", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := s.log.With("enrollment_id", enrollmentID, "sequence_id", seq.ID, "user_id", userID)
	log.Info("user enrolled", "reenrolled", reenrolled, "next_send_at", nextSend)
	s.metrics.RecordEnrollment(seq.Slug, reenrolled)
	s.invalidateAnalytics(ctx, seq.ID)

	result := &EnrollResult{Reenrolled: reenrolled}

	if opts.SendImmediately || firstDelay == 0 {
		retryAt := now.Add(s.cfg.RetryDelay)
		out, sendErr := s.dispatch(ctx, enrollmentID, now, dispatchImmediate, &retryAt)
		result.ImmediateSent = out.sent
		if sendErr != nil {
			result.SendError = sendErr.Error()
			log.Warn("immediate send failed, scheduler will retry", "error", sendErr)
		}
	}

	enrollment, err := s.store.getEnrollment(ctx, s.db, enrollmentID)
	if err != nil {
		return nil, domain.NewPersistenceError("get enrollment", err)
	}
	result.Enrollment = enrollment

	return result, nil
}

// EnrollByEmail resolves the user by email and enrolls them.
func (s *Service) EnrollByEmail(ctx context.Context, userEmail string, sequenceID int64, opts EnrollOptions) (*EnrollResult, error) {
	u, err := s.users.GetByEmail(ctx, userEmail)
	if err != nil {
		return nil, err
	}
	return s.Enroll(ctx, u.ID, sequenceID, opts)
}

// Unenroll exits an enrollment. Exiting one that already finished is a no-op.
func (s *Service) Unenroll(ctx context.Context, enrollmentID int64, reason string) (*Enrollment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ExitReasonManual
	}

	exited, err := s.store.exit(ctx, enrollmentID, reason, s.clock())
	if err != nil {
		return nil, domain.NewPersistenceError("exit enrollment", err)
	}

	e, err := s.store.getEnrollment(ctx, s.db, enrollmentID)
	if err != nil {
		return nil, notFoundOr(err, "enrollment", "get enrollment")
	}

	if exited {
		s.log.Info("enrollment exited", "enrollment_id", enrollmentID, "reason", reason)
		s.invalidateAnalytics(ctx, e.SequenceID)
	}
	return e, nil
}

// ExitUser exits every ACTIVE enrollment of the user, or only the one in
// sequenceID when it is set. Returns how many enrollments were exited.
func (s *Service) ExitUser(ctx context.Context, userID int64, sequenceID *int64, reason string) (int64, error) {
	if _, err := s.users.Get(ctx, userID); err != nil {
		return 0, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ExitReasonConverted
	}

	n, err := s.store.exitUser(ctx, userID, sequenceID, reason, s.clock())
	if err != nil {
		return 0, domain.NewPersistenceError("exit user enrollments", err)
	}

	if n > 0 {
		s.log.Info("user exited from sequences", "user_id", userID, "count", n, "reason", reason)
	}
	return n, nil
}

// ApplyTagResult describes the outcome of ApplyTag.
type ApplyTagResult struct {
	Tag      string          `json:"tag"`
	TagAdded bool            `json:"tag_added"`
	Enrolled []*EnrollResult `json:"enrolled"`
}

// ApplyTag attaches tag to the user and enrolls them into every active
// sequence triggered by it. Sequences the user was ever enrolled in are left alone.
func (s *Service) ApplyTag(ctx context.Context, userID int64, tag string) (*ApplyTagResult, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, domain.NewValidationError("tag is required")
	}
	added, err := s.users.AddTag(ctx, userID, tag)
	if err != nil {
		return nil, err
	}

	seqs, err := s.store.sequencesByTriggerTag(ctx, tag)
	if err != nil {
		return nil, domain.NewPersistenceError("list triggered sequences", err)
	}

	result := &ApplyTagResult{Tag: tag, TagAdded: added, Enrolled: []*EnrollResult{}}
	for _, seq := range seqs {
		_, err := s.store.getEnrollmentFor(ctx, s.db, userID, seq.ID)
		if err == nil {
			continue
		}
		if !isNoRows(err) {
			return nil, domain.NewPersistenceError("get enrollment", err)
		}

		res, err := s.Enroll(ctx, userID, seq.ID, EnrollOptions{})
		if err != nil {
			if domain.IsAlreadyEnrolled(err) || domain.IsValidation(err) {
				s.log.Warn("tag trigger skipped sequence", "sequence_id", seq.ID, "user_id", userID, "error", err)
				continue
			}
			return nil, err
		}
		result.Enrolled = append(result.Enrolled, res)
	}

	return result, nil
}

// GetEnrollment retrieves an enrollment by ID.
func (s *Service) GetEnrollment(ctx context.Context, enrollmentID int64) (*Enrollment, error) {
	e, err := s.store.getEnrollment(ctx, s.db, enrollmentID)
	if err != nil {
		return nil, notFoundOr(err, "enrollment", "get enrollment")
	}
	return e, nil
}

// ListUserEnrollments lists all enrollments for a user, newest first.
func (s *Service) ListUserEnrollments(ctx context.Context, userID int64) ([]EnrollmentView, error) {
	if _, err := s.users.Get(ctx, userID); err != nil {
		return nil, err
	}
	views, err := s.store.listUserEnrollments(ctx, userID)
	if err != nil {
		return nil, domain.NewPersistenceError("list enrollments", err)
	}
	return views, nil
}

// ListSends returns the send history of an enrollment.
func (s *Service) ListSends(ctx context.Context, enrollmentID int64) ([]EmailSend, error) {
	if _, err := s.GetEnrollment(ctx, enrollmentID); err != nil {
		return nil, err
	}
	sends, err := s.store.listSends(ctx, enrollmentID)
	if err != nil {
		return nil, domain.NewPersistenceError("list sends", err)
	}
	return sends, nil
}
