package users

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/EternisAI/silo-desktop/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	sqlDB, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	return NewSQLiteStore(sqlDB)
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateUser(ctx, "alice", "hash", RoleUser)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "hash", got.PasswordHash)
	assert.Equal(t, RoleUser, got.Role)

	_, err = store.CreateUser(ctx, "alice", "other", RoleUser)
	assert.ErrorIs(t, err, ErrUsernameExists)

	_, err = store.GetUserByUsername(ctx, "bob")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSQLiteStore_SeededRoot(t *testing.T) {
	store := newTestStore(t)

	root, err := store.GetUserByUsername(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, root.Role)
	assert.True(t, CheckPassword("changeme", root.PasswordHash))
}

func TestService_ListUsers(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob"} {
		_, err := store.CreateUser(ctx, name, "hash", RoleUser)
		require.NoError(t, err)
	}

	list, total, err := svc.ListUsers(ctx, 2, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, list, 2)
	assert.Equal(t, "root", list[0].Username)

	list, _, err = svc.ListUsers(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestService_DeleteUser(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, "alice", "hash", RoleUser)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteUser(ctx, u.ID))
	_, err = store.GetUserByUsername(ctx, "alice")
	assert.ErrorIs(t, err, ErrUserNotFound)

	assert.ErrorIs(t, svc.DeleteUser(ctx, u.ID), ErrUserNotFound)
	assert.ErrorIs(t, svc.DeleteUser(ctx, "not-a-uuid"), ErrUserNotFound)
}
