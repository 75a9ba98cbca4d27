// Package emailtest provides an in-memory email.Sender for tests.
package emailtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jordanlanch/dripline/pkg/email"
)

// ErrRejected is returned for recipients configured to fail
var ErrRejected = errors.New("provider rejected message")

// Sender records every accepted message
type Sender struct {
	mu      sync.Mutex
	sent    []email.Message
	ids     []string
	failFor map[string]bool
	failAll bool
	seq     int
}

// NewSender creates an empty recorder
func NewSender() *Sender {
	return &Sender{failFor: make(map[string]bool)}
}

// Name implements email.Sender
func (s *Sender) Name() string { return "fake" }

// FailFor makes every send to addr fail until cleared with Recover
func (s *Sender) FailFor(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFor[addr] = true
}

// FailAll makes every send fail
func (s *Sender) FailAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = true
}

// Recover clears all configured failures
func (s *Sender) Recover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = false
	s.failFor = make(map[string]bool)
}

// Send implements email.Sender
func (s *Sender) Send(ctx context.Context, msg email.Message) (*email.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAll || s.failFor[msg.To] {
		return nil, ErrRejected
	}

	s.seq++
	id := fmt.Sprintf("fake-%d", s.seq)
	s.sent = append(s.sent, msg)
	s.ids = append(s.ids, id)

	return &email.Result{ProviderMessageID: id}, nil
}

// Sent returns a copy of accepted messages in send order
func (s *Sender) Sent() []email.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]email.Message, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentTo returns accepted messages for one recipient
func (s *Sender) SentTo(addr string) []email.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []email.Message
	for _, m := range s.sent {
		if m.To == addr {
			out = append(out, m)
		}
	}
	return out
}

// LastID returns the provider id of the most recent accepted message
func (s *Sender) LastID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return ""
	}
	return s.ids[len(s.ids)-1]
}

// Count returns how many messages were accepted
func (s *Sender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}
