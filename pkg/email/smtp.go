package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPSender delivers through a plain SMTP relay
type SMTPSender struct {
	fromEmail string
	fromName  string
	dial      func() (gomail.SendCloser, error)
}

// NewSMTPSender creates an SMTP sender. Port 465 uses implicit TLS, other ports STARTTLS when offered.
func NewSMTPSender(host string, port int, username, password, fromEmail, fromName string) *SMTPSender {
	d := gomail.NewDialer(host, port, username, password)
	d.TLSConfig = &tls.Config{ServerName: host}
	if port == 465 {
		d.SSL = true
	}

	return &SMTPSender{
		fromEmail: fromEmail,
		fromName:  fromName,
		dial:      d.Dial,
	}
}

// Name implements Sender
func (s *SMTPSender) Name() string { return "smtp" }

// Send implements Sender
func (s *SMTPSender) Send(ctx context.Context, msg Message) (*Result, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	id := uuid.NewString()

	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.fromEmail, s.fromName)
	if msg.ToName != "" {
		m.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", id, domainOf(s.fromEmail)))
	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}

	// gomail has no context support, so the dial and send run aside
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.deliver(m)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("smtp send failed: %w", err)
		}
	}

	return &Result{ProviderMessageID: id}, nil
}

func (s *SMTPSender) deliver(m *gomail.Message) error {
	conn, err := s.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	return gomail.Send(conn, m)
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
