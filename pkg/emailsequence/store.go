package emailsequence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// errNoRows is returned by single-row lookups that found nothing
var errNoRows = sql.ErrNoRows

// store holds every query of the sequence engine. Methods taking an
// sqlx.ExtContext run on either the pool or an open transaction.
type store struct {
	db *sqlx.DB
}

const sequenceColumns = `id, name, slug, description, is_active, trigger_tag, total_enrolled, created_at, updated_at`

const stepColumns = `id, sequence_id, step_order, subject, body, delay_days, delay_hours, is_active, sent_count, created_at`

const enrollmentColumns = `id, user_id, sequence_id, status, current_step, next_send_at, lease_token, lease_expires_at,
	enrolled_at, completed_at, exited_at, exit_reason, emails_received, emails_opened, emails_clicked, updated_at`

const sendColumns = `id, enrollment_id, user_id, step_id, provider_message_id, recipient, subject, status, sent_at, opened_at, clicked_at`

// ---- sequences ----

func (s *store) insertSequence(ctx context.Context, seq *Sequence) error {
	q := s.db.Rebind(`INSERT INTO sequences (name, slug, description, is_active, trigger_tag, total_enrolled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?) RETURNING id`)
	return s.db.GetContext(ctx, &seq.ID, q,
		seq.Name, seq.Slug, seq.Description, seq.IsActive, seq.TriggerTag, seq.CreatedAt, seq.UpdatedAt)
}

func (s *store) getSequence(ctx context.Context, ext sqlx.ExtContext, id int64) (*Sequence, error) {
	var seq Sequence
	q := ext.Rebind(`SELECT ` + sequenceColumns + ` FROM sequences WHERE id = ?`)
	if err := sqlx.GetContext(ctx, ext, &seq, q, id); err != nil {
		return nil, err
	}
	return &seq, nil
}

func (s *store) getSequenceBySlug(ctx context.Context, ext sqlx.ExtContext, slug string) (*Sequence, error) {
	var seq Sequence
	q := ext.Rebind(`SELECT ` + sequenceColumns + ` FROM sequences WHERE slug = ?`)
	if err := sqlx.GetContext(ctx, ext, &seq, q, slug); err != nil {
		return nil, err
	}
	return &seq, nil
}

func (s *store) listSequences(ctx context.Context, activeOnly bool) ([]Sequence, error) {
	seqs := []Sequence{}
	q := `SELECT ` + sequenceColumns + ` FROM sequences`
	args := []interface{}{}
	if activeOnly {
		q += ` WHERE is_active = ?`
		args = append(args, true)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	err := s.db.SelectContext(ctx, &seqs, s.db.Rebind(q), args...)
	return seqs, err
}

func (s *store) sequencesByTriggerTag(ctx context.Context, tag string) ([]Sequence, error) {
	seqs := []Sequence{}
	q := s.db.Rebind(`SELECT ` + sequenceColumns + ` FROM sequences WHERE trigger_tag = ? AND is_active = ? ORDER BY id`)
	err := s.db.SelectContext(ctx, &seqs, q, tag, true)
	return seqs, err
}

func (s *store) updateSequence(ctx context.Context, seq *Sequence) error {
	q := s.db.Rebind(`UPDATE sequences SET name = ?, description = ?, is_active = ?, trigger_tag = ?, updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, q, seq.Name, seq.Description, seq.IsActive, seq.TriggerTag, seq.UpdatedAt, seq.ID)
	return err
}

func (s *store) deleteSequence(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sequences WHERE id = ?`), id)
	return err
}

func (s *store) countEnrollments(ctx context.Context, sequenceID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM enrollments WHERE sequence_id = ?`), sequenceID)
	return n, err
}

func (s *store) incrementTotalEnrolled(ctx context.Context, ext sqlx.ExtContext, sequenceID int64, now time.Time) error {
	q := ext.Rebind(`UPDATE sequences SET total_enrolled = total_enrolled + 1, updated_at = ? WHERE id = ?`)
	_, err := ext.ExecContext(ctx, q, now, sequenceID)
	return err
}

// ---- steps ----

func (s *store) listSteps(ctx context.Context, ext sqlx.ExtContext, sequenceID int64, activeOnly bool) ([]Step, error) {
	steps := []Step{}
	q := `SELECT ` + stepColumns + ` FROM sequence_steps WHERE sequence_id = ?`
	args := []interface{}{sequenceID}
	if activeOnly {
		q += ` AND is_active = ?`
		args = append(args, true)
	}
	q += ` ORDER BY step_order`
	err := sqlx.SelectContext(ctx, ext, &steps, ext.Rebind(q), args...)
	return steps, err
}

func (s *store) deleteSteps(ctx context.Context, ext sqlx.ExtContext, sequenceID int64) error {
	_, err := ext.ExecContext(ctx, ext.Rebind(`DELETE FROM sequence_steps WHERE sequence_id = ?`), sequenceID)
	return err
}

func (s *store) insertStep(ctx context.Context, ext sqlx.ExtContext, step *Step) error {
	q := ext.Rebind(`INSERT INTO sequence_steps (sequence_id, step_order, subject, body, delay_days, delay_hours, is_active, sent_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?) RETURNING id`)
	return sqlx.GetContext(ctx, ext, &step.ID, q,
		step.SequenceID, step.StepOrder, step.Subject, step.Body, step.DelayDays, step.DelayHours, step.IsActive, step.CreatedAt)
}

func (s *store) incrementStepSent(ctx context.Context, ext sqlx.ExtContext, stepID int64) error {
	_, err := ext.ExecContext(ctx, ext.Rebind(`UPDATE sequence_steps SET sent_count = sent_count + 1 WHERE id = ?`), stepID)
	return err
}

// ---- enrollments ----

func (s *store) getEnrollment(ctx context.Context, ext sqlx.ExtContext, id int64) (*Enrollment, error) {
	var e Enrollment
	q := ext.Rebind(`SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = ?`)
	if err := sqlx.GetContext(ctx, ext, &e, q, id); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *store) getEnrollmentFor(ctx context.Context, ext sqlx.ExtContext, userID, sequenceID int64) (*Enrollment, error) {
	var e Enrollment
	q := ext.Rebind(`SELECT ` + enrollmentColumns + ` FROM enrollments WHERE user_id = ? AND sequence_id = ?`)
	if err := sqlx.GetContext(ctx, ext, &e, q, userID, sequenceID); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *store) insertEnrollment(ctx context.Context, ext sqlx.ExtContext, e *Enrollment) error {
	q := ext.Rebind(`INSERT INTO enrollments (user_id, sequence_id, status, current_step, next_send_at, enrolled_at,
			emails_received, emails_opened, emails_clicked, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, 0, 0, 0, ?) RETURNING id`)
	return sqlx.GetContext(ctx, ext, &e.ID, q, e.UserID, e.SequenceID, e.Status, e.NextSendAt, e.EnrolledAt, e.UpdatedAt)
}

// reenroll resets a terminal enrollment in place. Returns false when the row is already ACTIVE.
func (s *store) reenroll(ctx context.Context, ext sqlx.ExtContext, id int64, nextSend, now time.Time) (bool, error) {
	q := ext.Rebind(`UPDATE enrollments SET status = ?, current_step = 0, next_send_at = ?, lease_token = NULL, lease_expires_at = NULL,
			enrolled_at = ?, completed_at = NULL, exited_at = NULL, exit_reason = NULL,
			emails_received = 0, emails_opened = 0, emails_clicked = 0, updated_at = ?
		WHERE id = ? AND status <> ?`)
	return affectedOne(ext.ExecContext(ctx, q, StatusActive, nextSend, now, now, id, StatusActive))
}

// exit flips an ACTIVE enrollment to EXITED without looking at leases.
func (s *store) exit(ctx context.Context, id int64, reason string, now time.Time) (bool, error) {
	q := s.db.Rebind(`UPDATE enrollments SET status = ?, next_send_at = NULL, exited_at = ?, exit_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	return affectedOne(s.db.ExecContext(ctx, q, StatusExited, now, reason, now, id, StatusActive))
}

func (s *store) exitUser(ctx context.Context, userID int64, sequenceID *int64, reason string, now time.Time) (int64, error) {
	q := `UPDATE enrollments SET status = ?, next_send_at = NULL, exited_at = ?, exit_reason = ?, updated_at = ?
		WHERE user_id = ? AND status = ?`
	args := []interface{}{StatusExited, now, reason, now, userID, StatusActive}
	if sequenceID != nil {
		q += ` AND sequence_id = ?`
		args = append(args, *sequenceID)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// listDue returns ids of ACTIVE enrollments of active sequences whose send time
// has passed and that nobody holds a live lease on.
func (s *store) listDue(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	ids := []int64{}
	q := s.db.Rebind(`SELECT e.id FROM enrollments e
		JOIN sequences s ON s.id = e.sequence_id
		WHERE e.status = ? AND s.is_active = ?
			AND e.next_send_at IS NOT NULL AND e.next_send_at <= ?
			AND (e.lease_token IS NULL OR e.lease_expires_at <= ?)
		ORDER BY e.next_send_at, e.id
		LIMIT ?`)
	err := s.db.SelectContext(ctx, &ids, q, StatusActive, true, now, now, limit)
	return ids, err
}

// claim takes the per-enrollment lease. With requireDue the row must also be due.
func (s *store) claim(ctx context.Context, id int64, token string, now, leaseUntil time.Time, requireDue bool) (bool, error) {
	q := `UPDATE enrollments SET lease_token = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND (lease_token IS NULL OR lease_expires_at <= ?)`
	args := []interface{}{token, leaseUntil, now, id, StatusActive, now}
	if requireDue {
		q += ` AND next_send_at IS NOT NULL AND next_send_at <= ?`
		args = append(args, now)
	}
	return affectedOne(s.db.ExecContext(ctx, s.db.Rebind(q), args...))
}

// releaseLease drops our lease. A non-nil nextSend also reschedules the row.
func (s *store) releaseLease(ctx context.Context, ext sqlx.ExtContext, id int64, token string, nextSend *time.Time, now time.Time) error {
	q := `UPDATE enrollments SET lease_token = NULL, lease_expires_at = NULL, updated_at = ?`
	args := []interface{}{now}
	if nextSend != nil {
		q += `, next_send_at = CASE WHEN status = ? THEN ? ELSE next_send_at END`
		args = append(args, StatusActive, *nextSend)
	}
	q += ` WHERE id = ? AND lease_token = ?`
	args = append(args, id, token)
	_, err := ext.ExecContext(ctx, ext.Rebind(q), args...)
	return err
}

// advance moves a leased ACTIVE enrollment to newIndex. A nil nextSend completes it.
func (s *store) advance(ctx context.Context, ext sqlx.ExtContext, id int64, token string, newIndex int, nextSend *time.Time, now time.Time) (bool, error) {
	status := StatusActive
	var completedAt *time.Time
	if nextSend == nil {
		status = StatusCompleted
		completedAt = &now
	}

	q := ext.Rebind(`UPDATE enrollments SET current_step = ?, next_send_at = ?, status = ?, completed_at = ?,
			lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_token = ? AND status = ?`)
	return affectedOne(ext.ExecContext(ctx, q, newIndex, nextSend, status, completedAt, now, id, token, StatusActive))
}

func (s *store) incrementReceived(ctx context.Context, ext sqlx.ExtContext, id int64) error {
	_, err := ext.ExecContext(ctx, ext.Rebind(`UPDATE enrollments SET emails_received = emails_received + 1 WHERE id = ?`), id)
	return err
}

func (s *store) incrementEngagement(ctx context.Context, ext sqlx.ExtContext, id int64, kind EventKind) error {
	var q string
	switch kind {
	case EventOpened:
		q = `UPDATE enrollments SET emails_opened = emails_opened + 1 WHERE id = ?`
	case EventClicked:
		q = `UPDATE enrollments SET emails_clicked = emails_clicked + 1 WHERE id = ?`
	default:
		return fmt.Errorf("unknown event kind %q", kind)
	}
	_, err := ext.ExecContext(ctx, ext.Rebind(q), id)
	return err
}

func (s *store) listUserEnrollments(ctx context.Context, userID int64) ([]EnrollmentView, error) {
	return s.listEnrollmentViews(ctx, `e.user_id = ?`, userID)
}

func (s *store) listSequenceEnrollments(ctx context.Context, sequenceID int64) ([]EnrollmentView, error) {
	return s.listEnrollmentViews(ctx, `e.sequence_id = ?`, sequenceID)
}

func (s *store) listEnrollmentViews(ctx context.Context, where string, arg interface{}) ([]EnrollmentView, error) {
	views := []EnrollmentView{}
	q := s.db.Rebind(`SELECT e.id, e.user_id, e.sequence_id, e.status, e.current_step, e.next_send_at, e.lease_token, e.lease_expires_at,
			e.enrolled_at, e.completed_at, e.exited_at, e.exit_reason, e.emails_received, e.emails_opened, e.emails_clicked, e.updated_at,
			s.name AS sequence_name, s.slug AS sequence_slug, u.email AS user_email
		FROM enrollments e
		JOIN sequences s ON s.id = e.sequence_id
		JOIN users u ON u.id = e.user_id
		WHERE ` + where + `
		ORDER BY e.enrolled_at DESC, e.id DESC`)
	err := s.db.SelectContext(ctx, &views, q, arg)
	return views, err
}

// ---- outbox ----

func (s *store) insertOutbox(ctx context.Context, entry *OutboxEntry) error {
	q := s.db.Rebind(`INSERT INTO send_outbox (enrollment_id, step_id, step_index, recipient, subject, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	return s.db.GetContext(ctx, &entry.ID, q,
		entry.EnrollmentID, entry.StepID, entry.StepIndex, entry.Recipient, entry.Subject, entry.Status, entry.Attempts, entry.CreatedAt)
}

// countAttempts returns how many outbox rows exist for one step of one enrollment
func (s *store) countAttempts(ctx context.Context, enrollmentID, stepID int64) (int, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM send_outbox WHERE enrollment_id = ? AND step_id = ?`)
	err := s.db.GetContext(ctx, &n, q, enrollmentID, stepID)
	return n, err
}

func (s *store) markOutboxSent(ctx context.Context, ext sqlx.ExtContext, id int64, providerID string, now time.Time) error {
	q := ext.Rebind(`UPDATE send_outbox SET status = ?, provider_message_id = ?, processed_at = ? WHERE id = ?`)
	_, err := ext.ExecContext(ctx, q, OutboxSent, providerID, now, id)
	return err
}

func (s *store) markOutboxFailed(ctx context.Context, id int64, lastErr string, now time.Time) error {
	q := s.db.Rebind(`UPDATE send_outbox SET status = ?, last_error = ?, processed_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, q, OutboxFailed, lastErr, now, id)
	return err
}

func (s *store) listOutbox(ctx context.Context, enrollmentID int64) ([]OutboxEntry, error) {
	entries := []OutboxEntry{}
	q := s.db.Rebind(`SELECT id, enrollment_id, step_id, step_index, recipient, subject, status, attempts, last_error,
			provider_message_id, created_at, processed_at
		FROM send_outbox WHERE enrollment_id = ? ORDER BY id`)
	err := s.db.SelectContext(ctx, &entries, q, enrollmentID)
	return entries, err
}

// ---- sends ----

func (s *store) insertSend(ctx context.Context, ext sqlx.ExtContext, send *EmailSend) error {
	q := ext.Rebind(`INSERT INTO email_sends (enrollment_id, user_id, step_id, provider_message_id, recipient, subject, status, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	return sqlx.GetContext(ctx, ext, &send.ID, q,
		send.EnrollmentID, send.UserID, send.StepID, send.ProviderMessageID, send.Recipient, send.Subject, send.Status, send.SentAt)
}

func (s *store) getSendByProviderID(ctx context.Context, ext sqlx.ExtContext, providerID string) (*EmailSend, error) {
	var send EmailSend
	q := ext.Rebind(`SELECT ` + sendColumns + ` FROM email_sends WHERE provider_message_id = ? ORDER BY id LIMIT 1`)
	if err := sqlx.GetContext(ctx, ext, &send, q, providerID); err != nil {
		return nil, err
	}
	return &send, nil
}

func (s *store) listSends(ctx context.Context, enrollmentID int64) ([]EmailSend, error) {
	sends := []EmailSend{}
	q := s.db.Rebind(`SELECT ` + sendColumns + ` FROM email_sends WHERE enrollment_id = ? ORDER BY id`)
	err := s.db.SelectContext(ctx, &sends, q, enrollmentID)
	return sends, err
}

// markEvent sets the event timestamp only if it is still unset
func (s *store) markEvent(ctx context.Context, ext sqlx.ExtContext, sendID int64, kind EventKind, now time.Time) (bool, error) {
	var q string
	switch kind {
	case EventOpened:
		q = `UPDATE email_sends SET opened_at = ? WHERE id = ? AND opened_at IS NULL`
	case EventClicked:
		q = `UPDATE email_sends SET clicked_at = ? WHERE id = ? AND clicked_at IS NULL`
	default:
		return false, fmt.Errorf("unknown event kind %q", kind)
	}
	return affectedOne(ext.ExecContext(ctx, ext.Rebind(q), now, sendID))
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, errNoRows)
}
