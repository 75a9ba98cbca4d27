package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jordanlanch/dripline/pkg/emailsequence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePass struct {
	summary *emailsequence.RunSummary
	ran     bool
	err     error
}

func (p *fakePass) RunOnce(ctx context.Context) (*emailsequence.RunSummary, bool, error) {
	return p.summary, p.ran, p.err
}

func TestCronHandler_RunSequences(t *testing.T) {
	t.Run("ran", func(t *testing.T) {
		h := NewCronHandler(&fakePass{summary: &emailsequence.RunSummary{Due: 3, Claimed: 3, Sent: 2, Failed: 1}, ran: true}, time.Minute)

		c, rec := newRequest(http.MethodPost, "/api/v1/cron/sequences", "")
		require.NoError(t, h.RunSequences(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		resp := decode(t, rec)
		assert.Equal(t, true, resp["ran"])
		summary := resp["summary"].(map[string]interface{})
		assert.Equal(t, float64(2), summary["sent"])
		assert.Equal(t, float64(1), summary["failed"])
	})

	t.Run("lock held", func(t *testing.T) {
		h := NewCronHandler(&fakePass{}, 0)

		c, rec := newRequest(http.MethodPost, "/api/v1/cron/sequences", "")
		require.NoError(t, h.RunSequences(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, decode(t, rec)["ran"])
	})

	t.Run("failure", func(t *testing.T) {
		h := NewCronHandler(&fakePass{err: errors.New("list due: connection reset")}, time.Minute)

		c, rec := newRequest(http.MethodPost, "/api/v1/cron/sequences", "")
		require.NoError(t, h.RunSequences(c))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection reset")
	})
}
