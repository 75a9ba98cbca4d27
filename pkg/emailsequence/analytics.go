package emailsequence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jordanlanch/dripline/pkg/cache"
	"github.com/jordanlanch/dripline/pkg/domain"
)

const analyticsCacheType = "sequence_analytics"

// StepStats aggregates the sends of one step.
type StepStats struct {
	StepID    int64   `db:"step_id" json:"step_id"`
	StepOrder int     `db:"step_order" json:"step_order"`
	Subject   string  `db:"subject" json:"subject"`
	IsActive  bool    `db:"is_active" json:"is_active"`
	SentCount int     `db:"sent_count" json:"sent_count"`
	Sends     int     `db:"sends" json:"sends"`
	Opened    int     `db:"opened" json:"opened"`
	Clicked   int     `db:"clicked" json:"clicked"`
	OpenRate  float64 `db:"-" json:"open_rate"`
	ClickRate float64 `db:"-" json:"click_rate"`
}

// SequenceAnalytics is the funnel view of one sequence.
type SequenceAnalytics struct {
	SequenceID     int64       `json:"sequence_id"`
	Name           string      `json:"name"`
	Slug           string      `json:"slug"`
	TotalEnrolled  int         `json:"total_enrolled"`
	Active         int         `json:"active"`
	Completed      int         `json:"completed"`
	Exited         int         `json:"exited"`
	EmailsSent     int         `json:"emails_sent"`
	EmailsOpened   int         `json:"emails_opened"`
	EmailsClicked  int         `json:"emails_clicked"`
	OpenRate       float64     `json:"open_rate"`
	ClickRate      float64     `json:"click_rate"`
	CompletionRate float64     `json:"completion_rate"`
	Steps          []StepStats `json:"steps"`
	GeneratedAt    time.Time   `json:"generated_at"`
}

// SequenceAnalytics computes enrollment and engagement totals for a
// sequence. Results are cached in Redis when a cache is configured.
func (s *Service) SequenceAnalytics(ctx context.Context, sequenceID int64) (*SequenceAnalytics, error) {
	key := analyticsKey(sequenceID)

	if s.cache != nil {
		var cached SequenceAnalytics
		err := s.cache.GetJSON(ctx, key, &cached)
		if err == nil {
			s.metrics.RecordCacheHit(analyticsCacheType)
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			s.log.Warn("analytics cache read failed", "sequence_id", sequenceID, "error", err)
		}
		s.metrics.RecordCacheMiss(analyticsCacheType)
	}

	reads := s.readStore()
	seq, err := reads.getSequence(ctx, reads.db, sequenceID)
	if err != nil {
		return nil, notFoundOr(err, "sequence", "get sequence")
	}

	a := &SequenceAnalytics{
		SequenceID:    seq.ID,
		Name:          seq.Name,
		Slug:          seq.Slug,
		TotalEnrolled: seq.TotalEnrolled,
		GeneratedAt:   s.clock(),
	}

	counts, err := reads.statusCounts(ctx, seq.ID)
	if err != nil {
		return nil, domain.NewPersistenceError("count enrollments by status", err)
	}
	a.Active = counts[StatusActive]
	a.Completed = counts[StatusCompleted]
	a.Exited = counts[StatusExited]

	totals, err := reads.sendTotals(ctx, seq.ID)
	if err != nil {
		return nil, domain.NewPersistenceError("count sends", err)
	}
	a.EmailsSent = totals.Sends
	a.EmailsOpened = totals.Opened
	a.EmailsClicked = totals.Clicked
	a.OpenRate = ratio(totals.Opened, totals.Sends)
	a.ClickRate = ratio(totals.Clicked, totals.Sends)
	a.CompletionRate = ratio(a.Completed, a.Active+a.Completed+a.Exited)

	a.Steps, err = reads.stepStats(ctx, seq.ID)
	if err != nil {
		return nil, domain.NewPersistenceError("step stats", err)
	}
	for i := range a.Steps {
		a.Steps[i].OpenRate = ratio(a.Steps[i].Opened, a.Steps[i].Sends)
		a.Steps[i].ClickRate = ratio(a.Steps[i].Clicked, a.Steps[i].Sends)
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, a, s.cfg.AnalyticsTTL); err != nil {
			s.log.Warn("analytics cache write failed", "sequence_id", sequenceID, "error", err)
		}
	}

	return a, nil
}

func (s *Service) invalidateAnalytics(ctx context.Context, sequenceID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(context.WithoutCancel(ctx), analyticsKey(sequenceID)); err != nil {
		s.log.Warn("analytics cache invalidation failed", "sequence_id", sequenceID, "error", err)
	}
}

func analyticsKey(sequenceID int64) string {
	return fmt.Sprintf("emailsequence:analytics:%d", sequenceID)
}

// ratio returns n/d rounded to four places, 0 when d is 0
func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(d)*10000) / 10000
}

type sendTotals struct {
	Sends   int `db:"sends"`
	Opened  int `db:"opened"`
	Clicked int `db:"clicked"`
}

func (s *store) statusCounts(ctx context.Context, sequenceID int64) (map[string]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	q := s.db.Rebind(`SELECT status, COUNT(*) AS n FROM enrollments WHERE sequence_id = ? GROUP BY status`)
	if err := s.db.SelectContext(ctx, &rows, q, sequenceID); err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

func (s *store) sendTotals(ctx context.Context, sequenceID int64) (sendTotals, error) {
	var t sendTotals
	q := s.db.Rebind(`SELECT COUNT(es.id) AS sends, COUNT(es.opened_at) AS opened, COUNT(es.clicked_at) AS clicked
		FROM email_sends es
		JOIN enrollments e ON e.id = es.enrollment_id
		WHERE e.sequence_id = ?`)
	err := s.db.GetContext(ctx, &t, q, sequenceID)
	return t, err
}

func (s *store) stepStats(ctx context.Context, sequenceID int64) ([]StepStats, error) {
	stats := []StepStats{}
	q := s.db.Rebind(`SELECT st.id AS step_id, st.step_order, st.subject, st.is_active, st.sent_count,
			COUNT(es.id) AS sends, COUNT(es.opened_at) AS opened, COUNT(es.clicked_at) AS clicked
		FROM sequence_steps st
		LEFT JOIN email_sends es ON es.step_id = st.id
		WHERE st.sequence_id = ?
		GROUP BY st.id, st.step_order, st.subject, st.is_active, st.sent_count
		ORDER BY st.step_order`)
	err := s.db.SelectContext(ctx, &stats, q, sequenceID)
	return stats, err
}
