package emailsequence

import (
	"time"
)

// Enrollment statuses
const (
	StatusActive    = "ACTIVE"
	StatusCompleted = "COMPLETED"
	StatusExited    = "EXITED"
)

// EmailSend statuses
const (
	SendStatusSent = "SENT"
)

// Outbox row statuses
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// Exit reasons
const (
	ExitReasonManual    = "manual"
	ExitReasonConverted = "converted"
)

// EventKind is a delivery telemetry event
type EventKind string

// Delivery events tracked per send
const (
	EventOpened  EventKind = "opened"
	EventClicked EventKind = "clicked"
)

// Sequence is a named, ordered drip campaign.
type Sequence struct {
	ID            int64     `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Slug          string    `db:"slug" json:"slug"`
	Description   string    `db:"description" json:"description,omitempty"`
	IsActive      bool      `db:"is_active" json:"is_active"`
	TriggerTag    *string   `db:"trigger_tag" json:"trigger_tag,omitempty"`
	TotalEnrolled int       `db:"total_enrolled" json:"total_enrolled"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`

	Steps []Step `db:"-" json:"steps,omitempty"`
}

// Step is one templated email within a sequence.
type Step struct {
	ID         int64     `db:"id" json:"id"`
	SequenceID int64     `db:"sequence_id" json:"sequence_id"`
	StepOrder  int       `db:"step_order" json:"step_order"`
	Subject    string    `db:"subject" json:"subject"`
	Body       string    `db:"body" json:"body"`
	DelayDays  int       `db:"delay_days" json:"delay_days"`
	DelayHours int       `db:"delay_hours" json:"delay_hours"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	SentCount  int       `db:"sent_count" json:"sent_count"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Delay is the wait relative to the previous step's send, or to enrollment for the first step.
func (s Step) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// Enrollment tracks one user's progress through one sequence.
type Enrollment struct {
	ID             int64      `db:"id" json:"id"`
	UserID         int64      `db:"user_id" json:"user_id"`
	SequenceID     int64      `db:"sequence_id" json:"sequence_id"`
	Status         string     `db:"status" json:"status"`
	CurrentStep    int        `db:"current_step" json:"current_step"`
	NextSendAt     *time.Time `db:"next_send_at" json:"next_send_at"`
	LeaseToken     *string    `db:"lease_token" json:"-"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"-"`
	EnrolledAt     time.Time  `db:"enrolled_at" json:"enrolled_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ExitedAt       *time.Time `db:"exited_at" json:"exited_at,omitempty"`
	ExitReason     *string    `db:"exit_reason" json:"exit_reason,omitempty"`
	EmailsReceived int        `db:"emails_received" json:"emails_received"`
	EmailsOpened   int        `db:"emails_opened" json:"emails_opened"`
	EmailsClicked  int        `db:"emails_clicked" json:"emails_clicked"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// EmailSend is the audit record of one dispatched email.
type EmailSend struct {
	ID                int64      `db:"id" json:"id"`
	EnrollmentID      int64      `db:"enrollment_id" json:"enrollment_id"`
	UserID            int64      `db:"user_id" json:"user_id"`
	StepID            *int64     `db:"step_id" json:"step_id,omitempty"`
	ProviderMessageID string     `db:"provider_message_id" json:"provider_message_id"`
	Recipient         string     `db:"recipient" json:"recipient"`
	Subject           string     `db:"subject" json:"subject"`
	Status            string     `db:"status" json:"status"`
	SentAt            time.Time  `db:"sent_at" json:"sent_at"`
	OpenedAt          *time.Time `db:"opened_at" json:"opened_at,omitempty"`
	ClickedAt         *time.Time `db:"clicked_at" json:"clicked_at,omitempty"`
}

// OutboxEntry is a durable dispatch attempt
type OutboxEntry struct {
	ID                int64      `db:"id" json:"id"`
	EnrollmentID      int64      `db:"enrollment_id" json:"enrollment_id"`
	StepID            int64      `db:"step_id" json:"step_id"`
	StepIndex         int        `db:"step_index" json:"step_index"`
	Recipient         string     `db:"recipient" json:"recipient"`
	Subject           string     `db:"subject" json:"subject"`
	Status            string     `db:"status" json:"status"`
	Attempts          int        `db:"attempts" json:"attempts"`
	LastError         string     `db:"last_error" json:"last_error,omitempty"`
	ProviderMessageID string     `db:"provider_message_id" json:"provider_message_id,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	ProcessedAt       *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}

// CreateSequenceRequest represents a request to create a sequence.
type CreateSequenceRequest struct {
	Name        string  `json:"name" validate:"required,max=200"`
	Slug        string  `json:"slug,omitempty" validate:"omitempty,max=100"`
	Description string  `json:"description,omitempty"`
	TriggerTag  *string `json:"trigger_tag,omitempty" validate:"omitempty,max=100"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// UpdateSequenceRequest represents a request to update a sequence.
type UpdateSequenceRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,max=200"`
	Description *string `json:"description,omitempty"`
	TriggerTag  *string `json:"trigger_tag,omitempty" validate:"omitempty,max=100"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// StepInput is one step of an import.
type StepInput struct {
	Subject    string `json:"subject" validate:"required,max=500"`
	Body       string `json:"body" validate:"required"`
	DelayDays  int    `json:"delay_days" validate:"min=0"`
	DelayHours int    `json:"delay_hours" validate:"min=0"`
	IsActive   *bool  `json:"is_active,omitempty"`
}

// ImportStepsRequest replaces every step of a sequence.
type ImportStepsRequest struct {
	Steps []StepInput `json:"steps" validate:"required,min=1,dive"`
}

// EnrollOptions control a single Enroll call.
type EnrollOptions struct {
	SendImmediately bool
}

// EnrollResult is returned by Enroll.
type EnrollResult struct {
	Enrollment    *Enrollment `json:"enrollment"`
	Reenrolled    bool        `json:"reenrolled"`
	ImmediateSent bool        `json:"immediate_sent"`
	SendError     string      `json:"send_error,omitempty"`
}

// RunSummary describes one RunDueSteps pass.
type RunSummary struct {
	Due       int `json:"due"`
	Claimed   int `json:"claimed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
}

// EnrollmentView is an enrollment joined with its sequence and user for listings.
type EnrollmentView struct {
	Enrollment
	SequenceName string `db:"sequence_name" json:"sequence_name"`
	SequenceSlug string `db:"sequence_slug" json:"sequence_slug"`
	UserEmail    string `db:"user_email" json:"user_email"`
}
