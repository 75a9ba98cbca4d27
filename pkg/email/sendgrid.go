package email

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jordanlanch/dripline/pkg/logger"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendGridEndpoint = "/v3/mail/send"

// SendGridSender delivers through the SendGrid v3 mail API
type SendGridSender struct {
	apiKey    string
	host      string
	fromEmail string
	fromName  string
	log       logger.Logger
}

// NewSendGridSender creates a SendGrid sender. An empty host uses the public API.
func NewSendGridSender(apiKey, host, fromEmail, fromName string, log logger.Logger) *SendGridSender {
	if log == nil {
		log = logger.Nop()
	}
	return &SendGridSender{
		apiKey:    apiKey,
		host:      host,
		fromEmail: fromEmail,
		fromName:  fromName,
		log:       log.With("provider", "sendgrid"),
	}
}

// Name implements Sender
func (s *SendGridSender) Name() string { return "sendgrid" }

// Send implements Sender
func (s *SendGridSender) Send(ctx context.Context, msg Message) (*Result, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(msg.ToName, msg.To)
	message := mail.NewSingleEmail(from, msg.Subject, to, msg.Text, msg.HTML)

	// sendgrid.Client keeps the request body on itself, so each send gets its own
	client := &sendgrid.Client{Request: sendgrid.GetRequest(s.apiKey, sendGridEndpoint, s.host)}
	client.Method = http.MethodPost

	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("failed to send email: %w", err)
	}

	if response.StatusCode >= 400 {
		return nil, fmt.Errorf("sendgrid returned error status %d: %s", response.StatusCode, response.Body)
	}

	id := headerValue(response.Headers, "X-Message-Id")
	if id == "" {
		// No delivery event can reference a local id, so opens and clicks
		// for this send will not be tracked.
		id = "local-" + uuid.NewString()
		s.log.Warn("sendgrid response has no X-Message-Id, engagement will not be tracked",
			"status", response.StatusCode, "provider_message_id", id)
	}

	return &Result{ProviderMessageID: id}, nil
}

func headerValue(headers map[string][]string, key string) string {
	if v := http.Header(headers).Get(key); v != "" {
		return v
	}
	// rest.Response copies the raw map, keys may not be canonical
	for k, vals := range headers {
		if http.CanonicalHeaderKey(k) == http.CanonicalHeaderKey(key) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}
