// Package dbtest opens throwaway in-memory SQLite databases for tests.
package dbtest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"unicode"

	"github.com/jordanlanch/dripline/pkg/database"
	"github.com/stretchr/testify/require"
)

var counter atomic.Int64

// Open returns a migrated in-memory database that is closed when the test ends.
func Open(t testing.TB) *database.Client {
	t.Helper()

	name := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_fk=1", name, counter.Add(1))

	client, err := database.OpenWithPool(context.Background(), database.DriverSQLite, dsn, database.SQLitePoolConfig())
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })
	return client
}
