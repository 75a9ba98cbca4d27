package emailsequence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jordanlanch/dripline/pkg/database"
	"github.com/jordanlanch/dripline/pkg/database/dbtest"
	"github.com/jordanlanch/dripline/pkg/email"
	"github.com/jordanlanch/dripline/pkg/email/emailtest"
	"github.com/jordanlanch/dripline/pkg/logger"
	"github.com/jordanlanch/dripline/pkg/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fixture struct {
	db     *database.Client
	svc    *Service
	users  *users.Store
	sender *emailtest.Sender
	clock  *testClock
}

func testConfig() Config {
	return Config{
		BaseURL:     "https://app.example.com",
		BatchSize:   50,
		Concurrency: 4,
		Lease:       5 * time.Minute,
		RetryDelay:  time.Minute,
	}
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return setupWithSender(t, nil, opts...)
}

// setupWithSender wraps the recording sender with wrap when it is set
func setupWithSender(t *testing.T, wrap func(email.Sender) email.Sender, opts ...Option) *fixture {
	t.Helper()

	db := dbtest.Open(t)
	f := &fixture{
		db:     db,
		users:  users.NewStore(db),
		sender: emailtest.NewSender(),
		clock:  &testClock{now: testStart},
	}

	var sender email.Sender = f.sender
	if wrap != nil {
		sender = wrap(f.sender)
	}

	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.svc = NewService(db, f.users, sender, testConfig(), logger.Nop(), opts...)
	return f
}

func (f *fixture) createUser(t *testing.T) *users.User {
	t.Helper()
	u, err := f.users.Create(context.Background(), users.CreateUserRequest{
		Email:     gofakeit.Email(),
		FirstName: gofakeit.FirstName(),
		LastName:  gofakeit.LastName(),
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) createSequence(t *testing.T, name string, steps ...StepInput) *Sequence {
	t.Helper()
	ctx := context.Background()

	seq, err := f.svc.CreateSequence(ctx, CreateSequenceRequest{Name: name})
	require.NoError(t, err)

	if len(steps) > 0 {
		_, err = f.svc.ImportSteps(ctx, seq.Slug, steps)
		require.NoError(t, err)
	}

	seq, err = f.svc.GetSequence(ctx, seq.ID)
	require.NoError(t, err)
	return seq
}

func (f *fixture) enrollment(t *testing.T, id int64) *Enrollment {
	t.Helper()
	e, err := f.svc.GetEnrollment(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (f *fixture) run(t *testing.T) *RunSummary {
	t.Helper()
	summary, err := f.svc.RunDueSteps(context.Background(), f.clock.Now())
	require.NoError(t, err)
	return summary
}

func step(subject string, days, hours int) StepInput {
	return StepInput{
		Subject:    subject,
		Body:       "Hello {{firstName}},\n\nSee {{dashboardUrl}}.\n\n[Unsubscribe]({{unsubscribeUrl}})",
		DelayDays:  days,
		DelayHours: hours,
	}
}

func assertTime(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %s, got %s", want, *got)
}
