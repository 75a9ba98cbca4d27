// Package email delivers rendered messages through an outbound provider.
package email

import (
	"context"
	"errors"

	"github.com/jordanlanch/dripline/pkg/logger"
)

// ErrInvalidMessage is returned when a message lacks a recipient or subject
var ErrInvalidMessage = errors.New("email: message requires a recipient and a subject")

// Message is a single outbound email
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// Result describes an accepted message
type Result struct {
	// ProviderMessageID is the id delivery events will reference
	ProviderMessageID string
}

// Sender sends one message. An error means the provider did not accept it.
type Sender interface {
	Send(ctx context.Context, msg Message) (*Result, error)
	Name() string
}

// Options selects and configures a Sender
type Options struct {
	FromEmail string
	FromName  string

	SendGridAPIKey string
	// SendGridHost overrides the API host, mostly for tests
	SendGridHost string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
}

// NewSender picks SendGrid when an API key is set, SMTP when a host is set,
// and falls back to logging messages to the console.
func NewSender(opts Options, log logger.Logger) Sender {
	if log == nil {
		log = logger.Nop()
	}

	switch {
	case opts.SendGridAPIKey != "":
		log.Info("email sender initialized", "provider", "sendgrid")
		return NewSendGridSender(opts.SendGridAPIKey, opts.SendGridHost, opts.FromEmail, opts.FromName, log)
	case opts.SMTPHost != "":
		log.Info("email sender initialized", "provider", "smtp", "host", opts.SMTPHost, "port", opts.SMTPPort)
		return NewSMTPSender(opts.SMTPHost, opts.SMTPPort, opts.SMTPUser, opts.SMTPPassword, opts.FromEmail, opts.FromName)
	default:
		log.Warn("email sender in console-only mode, set SENDGRID_API_KEY or SMTP_HOST for delivery")
		return NewConsoleSender(log)
	}
}

func validate(msg Message) error {
	if msg.To == "" || msg.Subject == "" {
		return ErrInvalidMessage
	}
	return nil
}
