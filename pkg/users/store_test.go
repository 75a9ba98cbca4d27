package users

import (
	"context"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jordanlanch/dripline/pkg/database/dbtest"
	"github.com/jordanlanch/dripline/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	return NewStore(dbtest.Open(t))
}

func TestStore_CreateAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	req := CreateUserRequest{
		Email:     "  Ann@Example.com ",
		FirstName: gofakeit.FirstName(),
		LastName:  gofakeit.LastName(),
	}

	created, err := store.Create(ctx, req)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "ann@example.com", created.Email)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Email, got.Email)
	assert.Equal(t, req.FirstName, got.FirstName)

	byEmail, err := store.GetByEmail(ctx, "ANN@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)
}

func TestStore_CreateDuplicateEmail(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	email := gofakeit.Email()
	_, err := store.Create(ctx, CreateUserRequest{Email: email})
	require.NoError(t, err)

	_, err = store.Create(ctx, CreateUserRequest{Email: email})
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
}

func TestStore_CreateRequiresEmail(t *testing.T) {
	store := setupStore(t)

	_, err := store.Create(context.Background(), CreateUserRequest{Email: "  "})
	assert.True(t, domain.IsValidation(err))
}

func TestStore_GetNotFound(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, 9999)
	assert.True(t, domain.IsNotFound(err))

	_, err = store.GetByEmail(ctx, "nobody@example.com")
	assert.True(t, domain.IsNotFound(err))
}

func TestStore_Tags(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	u, err := store.Create(ctx, CreateUserRequest{Email: gofakeit.Email()})
	require.NoError(t, err)

	added, err := store.AddTag(ctx, u.ID, "trial")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.AddTag(ctx, u.ID, "trial")
	require.NoError(t, err)
	assert.False(t, added, "second insert of the same tag is a no-op")

	_, err = store.AddTag(ctx, u.ID, "buyer")
	require.NoError(t, err)

	tags, err := store.Tags(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"buyer", "trial"}, tags)
}

func TestStore_AddTagValidation(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.AddTag(ctx, 12345, "trial")
	assert.True(t, domain.IsNotFound(err))

	u, err := store.Create(ctx, CreateUserRequest{Email: gofakeit.Email()})
	require.NoError(t, err)

	_, err = store.AddTag(ctx, u.ID, " ")
	assert.True(t, domain.IsValidation(err))
}
