package main

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonroyaalmerol/katana-dav/internal/config"
	"github.com/sonroyaalmerol/katana-dav/internal/principals"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
	"github.com/sonroyaalmerol/katana-dav/internal/storage/sqlite"
	"github.com/sonroyaalmerol/katana-dav/internal/users"
)

func newTestAdmin(t *testing.T) (*admin, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "katana.sqlite"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	cfg := &config.Config{Admin: config.AdminConfig{Login: "admin"}, PasswordCost: 4}
	return newAdmin(cfg, store, zerolog.Nop()), store
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"-action", "create-calendar", "-user", "alice", "-uri", "work"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, options{action: "create-calendar", user: "alice", uri: "work"}, o)

	_, err = parseFlags([]string{"-action", "create-user"}, io.Discard)
	assert.EqualError(t, err, usage)
}

func TestUserLifecycle(t *testing.T) {
	a, store := newTestAdmin(t)
	ctx := context.Background()

	require.NoError(t, a.run(ctx, options{action: "create-user", user: "alice", password: "pw", email: "alice@example.com"}))
	p, err := store.GetPrincipal(ctx, "principals/alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", p.Email)

	digest, err := store.UserDigest(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, users.CheckPassword("pw", digest))

	require.NoError(t, a.run(ctx, options{action: "set-password", user: "alice", password: "pw2"}))
	digest, err = store.UserDigest(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, users.CheckPassword("pw2", digest))

	require.NoError(t, a.run(ctx, options{action: "create-calendar", user: "alice", uri: "work", name: "Work"}))
	require.NoError(t, a.run(ctx, options{action: "create-addressbook", user: "alice", uri: "contacts"}))
	cal, err := store.GetCalendar(ctx, "alice", "work")
	require.NoError(t, err)
	assert.Equal(t, "Work", cal.DisplayName)

	require.NoError(t, a.run(ctx, options{action: "delete-user", user: "alice"}))
	_, err = store.UserDigest(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	books, err := store.ListAddressBooks(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestDeleteAdministratorIsForbidden(t *testing.T) {
	a, _ := newTestAdmin(t)
	ctx := context.Background()
	require.NoError(t, a.run(ctx, options{action: "create-user", user: "admin", password: "pw"}))

	err := a.run(ctx, options{action: "delete-user", user: "admin"})
	assert.ErrorIs(t, err, principals.ErrForbidden)
}

func TestUnknownAction(t *testing.T) {
	a, _ := newTestAdmin(t)
	assert.Error(t, a.run(context.Background(), options{action: "explode", user: "x"}))
}
