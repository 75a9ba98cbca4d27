package email

import (
	"context"

	"github.com/google/uuid"
	"github.com/jordanlanch/dripline/pkg/logger"
)

// ConsoleSender logs messages instead of delivering them (development mode)
type ConsoleSender struct {
	log logger.Logger
}

// NewConsoleSender creates a console sender
func NewConsoleSender(log logger.Logger) *ConsoleSender {
	if log == nil {
		log = logger.Nop()
	}
	return &ConsoleSender{log: log}
}

// Name implements Sender
func (s *ConsoleSender) Name() string { return "console" }

// Send implements Sender
func (s *ConsoleSender) Send(ctx context.Context, msg Message) (*Result, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := "console-" + uuid.NewString()
	s.log.Info("email not sent (console mode)",
		"to", msg.To,
		"subject", msg.Subject,
		"message_id", id,
	)

	return &Result{ProviderMessageID: id}, nil
}
