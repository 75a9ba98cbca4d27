package database

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRawSQLite(t *testing.T, name string) *sqlx.DB {
	db, err := sqlx.Open(DriverSQLite, "file:"+name+"?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	return db
}

func TestReplicas_NoReplicasUsesPrimary(t *testing.T) {
	primary := openTestDB(t)
	r := NewReplicas(primary.DB, "")
	defer r.Close()

	assert.Same(t, primary.DB, r.Reader())
	assert.Same(t, primary.DB, r.Writer())
	assert.Empty(t, r.Stats())
}

func TestReplicas_RoundRobin(t *testing.T) {
	primary := openTestDB(t)
	a := openRawSQLite(t, "TestReplicas_RoundRobin_a")
	b := openRawSQLite(t, "TestReplicas_RoundRobin_b")

	r := NewReplicas(primary.DB, StrategyRoundRobin, a, b)
	defer r.Close()

	assert.Same(t, a, r.Reader())
	assert.Same(t, b, r.Reader())
	assert.Same(t, a, r.Reader())
}

func TestReplicas_UnhealthyReplicaIsSkipped(t *testing.T) {
	primary := openTestDB(t)
	a := openRawSQLite(t, "TestReplicas_Unhealthy_a")
	b := openRawSQLite(t, "TestReplicas_Unhealthy_b")
	defer b.Close()

	r := NewReplicas(primary.DB, StrategyRoundRobin, a, b)

	require.NoError(t, a.Close())
	r.CheckHealth(context.Background())

	for i := 0; i < 4; i++ {
		assert.Same(t, b, r.Reader())
	}

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.False(t, stats[0].Healthy)
	assert.True(t, stats[1].Healthy)
}

func TestReplicas_AllUnhealthyFallsBackToPrimary(t *testing.T) {
	primary := openTestDB(t)
	a := openRawSQLite(t, "TestReplicas_AllUnhealthy_a")

	r := NewReplicas(primary.DB, StrategyRandom, a)
	require.NoError(t, a.Close())
	r.CheckHealth(context.Background())

	assert.Same(t, primary.DB, r.Reader())
}

func TestOpenReplicas_SkipsUnreachable(t *testing.T) {
	primary := openTestDB(t)

	cfg := DefaultReplicaConfig()
	cfg.HealthCheckInterval = 0
	cfg.URLs = []string{"file:TestOpenReplicas_ok?mode=memory&cache=shared", "file:/nonexistent-dir/replica.db?mode=ro"}

	r := OpenReplicas(context.Background(), primary, nil, cfg)
	defer r.Close()

	require.Len(t, r.Stats(), 1)
	assert.NotSame(t, primary.DB, r.Reader())
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "postgres://app:xxxxx@db:5432/dripline", redact("postgres://app:secret@db:5432/dripline"))
	assert.Equal(t, "not a url", redact("not a url"))
}
