package emailsequence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jordanlanch/dripline/pkg/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hookSender runs before on every send, then delegates
type hookSender struct {
	email.Sender
	before func(msg email.Message)
}

func (h *hookSender) Send(ctx context.Context, msg email.Message) (*email.Result, error) {
	if h.before != nil {
		h.before(msg)
	}
	return h.Sender.Send(ctx, msg)
}

func TestRunDueSteps_WalksWholeSequence(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seq := f.createSequence(t, "Drip",
		step("Day 1", 1, 0),
		step("Day 3", 2, 0),
		step("Day 3 evening", 0, 6),
	)
	user := f.createUser(t)

	res, err := f.svc.Enroll(ctx, user.ID, seq.ID, EnrollOptions{})
	require.NoError(t, err)
	id := res.Enrollment.ID

	summary := f.run(t)
	assert.Zero(t, summary.Due, "nothing is due before the first delay")

	f.clock.Advance(24 * time.Hour)
	summary = f.run(t)
	assert.Equal(t, RunSummary{Due: 1, Claimed: 1, Sent: 1}, *summary)

	e := f.enrollment(t, id)
	assert.Equal(t, 1, e.CurrentStep)
	assertTime(t, testStart.Add(72*time.Hour), e.NextSendAt)

	summary = f.run(t)
	assert.Zero(t, summary.Due, "the next step waits for its own delay")

	f.clock.Advance(48 * time.Hour)
	f.run(t)
	e = f.enrollment(t, id)
	assert.Equal(t, 2, e.CurrentStep)
	assertTime(t, testStart.Add(78*time.Hour), e.NextSendAt)

	f.clock.Advance(6 * time.Hour)
	summary = f.run(t)
	assert.Equal(t, 1, summary.Completed)

	e = f.enrollment(t, id)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, 3, e.CurrentStep)
	assert.Equal(t, 3, e.EmailsReceived)
	assert.Nil(t, e.NextSendAt)
	assertTime(t, testStart.Add(78*time.Hour), e.CompletedAt)

	sent := f.sender.SentTo(user.Email)
	require.Len(t, sent, 3)
	assert.Equal(t, "Day 1", sent[0].Subject)
	assert.Equal(t, "Day 3", sent[1].Subject)
	assert.Equal(t, "Day 3 evening", sent[2].Subject)

	got, err := f.svc.GetSequence(ctx, seq.ID)
	require.NoError(t, err)
	for _, s := range got.Steps {
		assert.Equal(t, 1, s.SentCount, "step %d", s.StepOrder)
	}

	f.clock.Advance(30 * 24 * time.Hour)
	summary = f.run(t)
	assert.Zero(t, summary.Due, "completed enrollments are never due")
	assert.Equal(t, 3, f.sender.Count())
}

func TestRunDueSteps_FailureKeepsStep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seq := f.createSequence(t, "Partial", step("One", 1, 0), step("Two", 1, 0))
	good := f.createUser(t)
	bad := f.createUser(t)

	goodRes, err := f.svc.Enroll(ctx, good.ID, seq.ID, EnrollOptions{})
	require.NoError(t, err)
	badRes, err := f.svc.Enroll(ctx, bad.ID, seq.ID, EnrollOptions{})
	require.NoError(t, err)

	f.sender.FailFor(bad.Email)
	f.clock.Advance(24 * time.Hour)

	summary := f.run(t)
	assert.Equal(t, 2, summary.Due)
	assert.Equal(t, 2, summary.Claimed)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, summary.Failed)

	assert.Equal(t, 1, f.enrollment(t, goodRes.Enrollment.ID).CurrentStep)

	e := f.enrollment(t, badRes.Enrollment.ID)
	assert.Equal(t, 0, e.CurrentStep)
	assert.Zero(t, e.EmailsReceived)
	assert.Nil(t, e.LeaseToken)
	assertTime(t, testStart.Add(24*time.Hour), e.NextSendAt)

	f.sender.Recover()
	summary = f.run(t)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, f.enrollment(t, badRes.Enrollment.ID).CurrentStep)
	assert.Len(t, f.sender.SentTo(bad.Email), 1)
}

func TestRunDueSteps_LiveLeaseIsSkipped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seq := f.createSequence(t, "Leased", step("One", 1, 0))
	user := f.createUser(t)
	res, err := f.svc.Enroll(ctx, user.ID, seq.ID, EnrollOptions{})
	require.NoError(t, err)

	now := f.clock.Advance(24 * time.Hour)
	ok, err := f.svc.store.claim(ctx, res.Enrollment.ID, "other-worker", now, now.Add(5*time.Minute), true)
	require.NoError(t, err)
	require.True(t, ok)

	summary := f.run(t)
	assert.Zero(t, summary.Due)
	assert.Zero(t, f.sender.Count())

	f.clock.Advance(5 * time.Minute)
	summary = f.run(t)
	assert.Equal(t, 1, summary.Sent, "an expired lease can be taken over")

	e := f.enrollment(t, res.Enrollment.ID)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Nil(t, e.LeaseToken)
}

func TestRunDueSteps_ConcurrentPassesSendOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seq := f.createSequence(t, "Busy", step("One", 1, 0), step("Two", 1, 0))
	const n = 12
	for i := 0; i < n; i++ {
		user := f.createUser(t)
		_, err := f.svc.Enroll(ctx, user.ID, seq.ID, EnrollOptions{})
		require.NoError(t, err)
	}

	now := f.clock.Advance(24 * time.Hour)

	var wg sync.WaitGroup
	summaries := make([]*RunSummary, 3)
	for i := range summaries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.svc.RunDueSteps(ctx, now)
			assert.NoError(t, err)
			summaries[i] = s
		}(i)
	}
	wg.Wait()

	total := 0
	for _, s := range summaries {
		require.NotNil(t, s)
		total += s.Sent
	}
	assert.Equal(t, n, total)
	assert.Equal(t, n, f.sender.Count(), "each enrollment got step one exactly once")

	views, err := f.svc.store.listSequenceEnrollments(ctx, seq.ID)
	require.NoError(t, err)
	for _, v := range views {
		assert.Equal(t, 1, v.CurrentStep)
		assert.Equal(t, 1, v.EmailsReceived)
	}
}

func TestRunDueSteps_InactiveSequenceIsPaused(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seq := f.createSequence(t, "Pausable", step("One", 1, 0))
	user := f.createUser(t)
	res, err := f.svc.Enroll(ctx, user.ID, seq.ID, EnrollOptions{})
	require.NoError(t, err)

	inactive := false
	_, err = f.svc.UpdateSequence(ctx, seq.ID, UpdateSequenceRequest{IsActive: &inactive})
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	summary := f.run(t)
	assert.Zero(t, summary.Due)

	active := true
	_, err = f.svc.UpdateSequence(ctx, seq.ID, UpdateSequenceRequest{IsActive: &active})
	require.NoError(t, err)

	summary = f.run(t)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, StatusCompleted, f.enrollment(t, res.Enrollment.ID).Status)
}

func TestRunDueSteps_ShrunkSequenceCompletes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seq := f.createSequence(t, "Shrinking", step("One", 0, 0), step("Two", 1, 0), step("Three", 1, 0))
	user := f.createUser(t)
	res, err := f.svc.Enroll(ctx, user.ID, seq.ID, EnrollOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Enrollment.CurrentStep)

	_, err = f.svc.ImportSteps(ctx, seq.Slug, []StepInput{step("Replacement", 0, 0)})
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	summary := f.run(t)
	assert.Equal(t, 1, summary.Completed)
	assert.Zero(t, summary.Sent)

	e := f.enrollment(t, res.Enrollment.ID)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, 1, e.CurrentStep)
	assert.Equal(t, 1, f.sender.Count())
}

func TestRunDueSteps_ExitBeforeCompletionReleasesLease(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seq := f.createSequence(t, "Vanishing", step("One", 0, 0), step("Two", 1, 0))
	user := f.createUser(t)
	res, err := f.svc.Enroll(ctx, user.ID, seq.ID, EnrollOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Enrollment.CurrentStep)

	_, err = f.svc.ImportSteps(ctx, seq.Slug, []StepInput{step("Replacement", 0, 0)})
	require.NoError(t, err)

	// Exit the enrollment as soon as a pass claims it
	_, err = f.db.DB.ExecContext(ctx, `CREATE TRIGGER exit_on_claim AFTER UPDATE OF lease_token ON enrollments
		WHEN NEW.lease_token IS NOT NULL AND NEW.status = 'ACTIVE'
		BEGIN UPDATE enrollments SET status = 'EXITED', exit_reason = 'manual' WHERE id = NEW.id; END`)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	summary := f.run(t)
	assert.Equal(t, 1, summary.Claimed)
	assert.Zero(t, summary.Completed)

	e := f.enrollment(t, res.Enrollment.ID)
	assert.Equal(t, StatusExited, e.Status)
	assert.Nil(t, e.LeaseToken, "the lease is dropped right away")
	assert.Nil(t, e.LeaseExpiresAt)
}

func TestRunDueSteps_InactiveStepsAreSkipped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	inactive := false
	seq := f.createSequence(t, "Gaps",
		step("One", 1, 0),
		StepInput{Subject: "Hidden", Body: "Body", DelayDays: 1, IsActive: &inactive},
		step("Three", 2, 0),
	)
	user := f.createUser(t)
	res, err := f.svc.Enroll(ctx, user.ID, seq.ID, EnrollOptions{})
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	f.run(t)
	f.clock.Advance(48 * time.Hour)
	f.run(t)

	e := f.enrollment(t, res.Enrollment.ID)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, 2, e.CurrentStep)

	sent := f.sender.SentTo(user.Email)
	require.Len(t, sent, 2)
	assert.Equal(t, "Three", sent[1].Subject)
}

func TestDispatch_ExitDuringSendDoesNotAdvance(t *testing.T) {
	var f *fixture
	var enrollmentID int64

	f = setupWithSender(t, func(inner email.Sender) email.Sender {
		return &hookSender{Sender: inner, before: func(email.Message) {
			_, err := f.svc.Unenroll(context.Background(), enrollmentID, "")
			assert.NoError(t, err)
		}}
	})
	ctx := context.Background()

	seq := f.createSequence(t, "Race", step("One", 1, 0), step("Two", 1, 0))
	user := f.createUser(t)
	res, err := f.svc.Enroll(ctx, user.ID, seq.ID, EnrollOptions{})
	require.NoError(t, err)
	enrollmentID = res.Enrollment.ID

	f.clock.Advance(24 * time.Hour)
	summary := f.run(t)
	assert.Equal(t, 1, summary.Sent)

	e := f.enrollment(t, enrollmentID)
	assert.Equal(t, StatusExited, e.Status)
	assert.Equal(t, 0, e.CurrentStep)
	assert.Equal(t, 1, e.EmailsReceived, "the delivered email is still recorded")
	assert.Nil(t, e.LeaseToken)

	sends, err := f.svc.ListSends(ctx, enrollmentID)
	require.NoError(t, err)
	assert.Len(t, sends, 1)
}

func TestRunDueSteps_BatchSize(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.svc.cfg.BatchSize = 2

	seq := f.createSequence(t, "Batched", step("One", 1, 0))
	for i := 0; i < 5; i++ {
		user := f.createUser(t)
		_, err := f.svc.Enroll(ctx, user.ID, seq.ID, EnrollOptions{})
		require.NoError(t, err)
	}

	f.clock.Advance(24 * time.Hour)
	assert.Equal(t, 2, f.run(t).Sent)
	assert.Equal(t, 2, f.run(t).Sent)
	assert.Equal(t, 1, f.run(t).Sent)
	assert.Zero(t, f.run(t).Due)
}
