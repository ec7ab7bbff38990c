package users

import (
	"context"
	"encoding/xml"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonroyaalmerol/katana-dav/internal/events"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

type fakeStore struct {
	users map[string]string
}

func (f *fakeStore) UpsertUser(_ context.Context, u storage.User) error {
	f.users[u.Username] = u.Digest
	return nil
}

func (f *fakeStore) DeleteUser(_ context.Context, username string) error {
	delete(f.users, username)
	return nil
}

func newPlugin(t *testing.T) (*fakeStore, *events.Dispatcher) {
	t.Helper()
	st := &fakeStore{users: map[string]string{}}
	d := events.NewDispatcher()
	NewPlugin(st, Hasher{Cost: 4}, zerolog.Nop()).Register(d)
	return st, d
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, CheckPassword("correct horse", hash))
	assert.False(t, CheckPassword("battery staple", hash))
}

func TestCheckPasswordRejectsEmptyHash(t *testing.T) {
	assert.False(t, CheckPassword("anything", ""))
	assert.False(t, CheckPassword("anything", "not-a-bcrypt-hash"))
}

func TestHasherFallsBackToDefaultCost(t *testing.T) {
	assert.Equal(t, DefaultCost, Hasher{Cost: 99}.cost())
	assert.Equal(t, 12, Hasher{Cost: 12}.cost())
}

func TestPropPatchHashesPassword(t *testing.T) {
	st, d := newPlugin(t)
	pp := events.NewPropPatch("principals/bob", map[xml.Name]string{PasswordProperty: "s3cret"})

	require.NoError(t, d.EmitPropPatch(context.Background(), pp.Path, pp))

	require.Contains(t, st.users, "bob")
	assert.NotEqual(t, "s3cret", st.users["bob"])
	assert.True(t, CheckPassword("s3cret", st.users["bob"]))
	assert.Equal(t, http.StatusOK, pp.Status(PasswordProperty))
}

func TestPropPatchKeepsPasswordWhenOtherPropertyIsUnclaimed(t *testing.T) {
	st, d := newPlugin(t)
	other := xml.Name{Space: "urn:x", Local: "color"}
	pp := events.NewPropPatch("principals/bob", map[xml.Name]string{PasswordProperty: "hijack", other: "red"})

	require.NoError(t, d.EmitPropPatch(context.Background(), pp.Path, pp))

	assert.NotContains(t, st.users, "bob")
	assert.Equal(t, []xml.Name{other}, pp.Unhandled())
	assert.Equal(t, http.StatusFailedDependency, pp.Results()[PasswordProperty])
}

func TestPropPatchOutsidePrincipalsIsIgnored(t *testing.T) {
	st, d := newPlugin(t)
	pp := events.NewPropPatch("calendars/bob/work", map[xml.Name]string{PasswordProperty: "x"})

	require.NoError(t, d.EmitPropPatch(context.Background(), pp.Path, pp))
	assert.Empty(t, st.users)
	assert.Zero(t, pp.Status(PasswordProperty))
}

func TestUnbindDeletesUserRow(t *testing.T) {
	st, d := newPlugin(t)
	st.users["bob"] = "hash"
	st.users["carol"] = "hash"

	require.NoError(t, d.EmitUnbind(context.Background(), "principals/bob"))
	require.NoError(t, d.EmitUnbind(context.Background(), "calendars/carol/work"))

	assert.NotContains(t, st.users, "bob")
	assert.Contains(t, st.users, "carol")
}
