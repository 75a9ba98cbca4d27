package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Client {
	client, err := OpenWithPool(context.Background(), DriverSQLite, "file:"+t.Name()+"?mode=memory&cache=shared&_fk=1", SQLitePoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestBuildConnectionString(t *testing.T) {
	t.Run("nil config returns base url", func(t *testing.T) {
		got, err := BuildConnectionString("postgres://u:p@localhost:5432/db", nil)
		require.NoError(t, err)
		assert.Equal(t, "postgres://u:p@localhost:5432/db", got)
	})

	t.Run("ssl parameters override url", func(t *testing.T) {
		got, err := BuildConnectionString("postgres://u:p@localhost:5432/db?sslmode=disable", &SSLConfig{
			Mode:         "verify-full",
			RootCertPath: "/certs/ca.pem",
		})
		require.NoError(t, err)
		assert.Contains(t, got, "sslmode=verify-full")
		assert.Contains(t, got, "sslrootcert=%2Fcerts%2Fca.pem")
		assert.NotContains(t, got, "sslmode=disable")
	})
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "whatever", nil)
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	client := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, client.Migrate(ctx))
	require.NoError(t, client.Migrate(ctx))

	var count int
	err := client.DB.GetContext(ctx, &count, `SELECT COUNT(*) FROM enrollments`)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestWithTx(t *testing.T) {
	client := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("commit", func(t *testing.T) {
		err := WithTx(ctx, client.DB, func(tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO users (email, created_at) VALUES (?, ?)`, "commit@test.com", now)
			return err
		})
		require.NoError(t, err)

		var count int
		require.NoError(t, client.DB.GetContext(ctx, &count, `SELECT COUNT(*) FROM users WHERE email = ?`, "commit@test.com"))
		assert.Equal(t, 1, count)
	})

	t.Run("rollback on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := WithTx(ctx, client.DB, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, `INSERT INTO users (email, created_at) VALUES (?, ?)`, "rollback@test.com", now); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		var count int
		require.NoError(t, client.DB.GetContext(ctx, &count, `SELECT COUNT(*) FROM users WHERE email = ?`, "rollback@test.com"))
		assert.Equal(t, 0, count)
	})
}

func TestIsUniqueViolation(t *testing.T) {
	client := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := client.DB.ExecContext(ctx, `INSERT INTO users (email, created_at) VALUES (?, ?)`, "dup@test.com", now)
	require.NoError(t, err)

	_, err = client.DB.ExecContext(ctx, `INSERT INTO users (email, created_at) VALUES (?, ?)`, "dup@test.com", now)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	assert.False(t, IsUniqueViolation(errors.New("other")))
}
