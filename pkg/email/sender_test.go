package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jordanlanch/dripline/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

func testMessage() Message {
	return Message{
		To:      "ann@example.com",
		ToName:  "Ann Lee",
		Subject: "Welcome",
		HTML:    "<p>Hi Ann</p>",
		Text:    "Hi Ann",
	}
}

func TestNewSender_Selection(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{"sendgrid", Options{SendGridAPIKey: "SG.key", SMTPHost: "smtp.test"}, "sendgrid"},
		{"smtp", Options{SMTPHost: "smtp.test", SMTPPort: 587}, "smtp"},
		{"console", Options{}, "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewSender(tt.opts, logger.Nop()).Name())
		})
	}
}

func TestSendGridSender_Send(t *testing.T) {
	var body map[string]interface{}
	var auth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)

		w.Header().Set("X-Message-Id", "sg-abc123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewSendGridSender("SG.test", server.URL, "from@dripline.io", "Dripline", logger.Nop())

	res, err := sender.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "sg-abc123", res.ProviderMessageID)
	assert.Equal(t, "Bearer SG.test", auth)
	assert.Equal(t, "Welcome", body["subject"])
}

func TestSendGridSender_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"message":"bad"}]}`))
	}))
	defer server.Close()

	sender := NewSendGridSender("SG.test", server.URL, "from@dripline.io", "Dripline", logger.Nop())

	_, err := sender.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestSendGridSender_MissingMessageIDFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	var buf bytes.Buffer
	sender := NewSendGridSender("SG.test", server.URL, "from@dripline.io", "Dripline", logger.NewWithWriter(&buf, "warn", "text"))

	res, err := sender.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.ProviderMessageID, "local-"))
	assert.Contains(t, buf.String(), "engagement will not be tracked")
	assert.Contains(t, buf.String(), res.ProviderMessageID)
}

type recordingConn struct {
	from string
	to   []string
	raw  bytes.Buffer
	err  error
}

func (c *recordingConn) Send(from string, to []string, msg io.WriterTo) error {
	if c.err != nil {
		return c.err
	}
	c.from = from
	c.to = to
	_, err := msg.WriteTo(&c.raw)
	return err
}

func (c *recordingConn) Close() error { return nil }

func TestSMTPSender_Send(t *testing.T) {
	conn := &recordingConn{}
	sender := NewSMTPSender("smtp.test", 587, "user", "pass", "from@dripline.io", "Dripline")
	sender.dial = func() (gomail.SendCloser, error) { return conn, nil }

	res, err := sender.Send(context.Background(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, "from@dripline.io", conn.from)
	assert.Equal(t, []string{"ann@example.com"}, conn.to)

	raw := conn.raw.String()
	assert.Contains(t, raw, "Subject: Welcome")
	assert.Contains(t, raw, "Message-ID: <"+res.ProviderMessageID+"@dripline.io>")
	assert.Contains(t, raw, "text/html")
}

func TestSMTPSender_DialError(t *testing.T) {
	sender := NewSMTPSender("smtp.test", 587, "", "", "from@dripline.io", "Dripline")
	sender.dial = func() (gomail.SendCloser, error) { return nil, errors.New("connection refused") }

	_, err := sender.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "connection refused"))
}

func TestConsoleSender_Send(t *testing.T) {
	var buf bytes.Buffer
	sender := NewConsoleSender(logger.NewWithWriter(&buf, "info", "json"))

	res, err := sender.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.ProviderMessageID, "console-"))
	assert.Contains(t, buf.String(), "ann@example.com")
}

func TestSenders_RejectInvalidMessage(t *testing.T) {
	senders := []Sender{
		NewConsoleSender(logger.Nop()),
		NewSendGridSender("SG.test", "http://127.0.0.1:0", "from@dripline.io", "", nil),
		NewSMTPSender("smtp.test", 587, "", "", "from@dripline.io", ""),
	}

	for _, s := range senders {
		t.Run(s.Name(), func(t *testing.T) {
			_, err := s.Send(context.Background(), Message{Subject: "no recipient"})
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}
