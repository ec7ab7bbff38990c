package principals

import (
	"context"
	"encoding/xml"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonroyaalmerol/katana-dav/internal/events"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
	"github.com/sonroyaalmerol/katana-dav/internal/storage/sqlite"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "katana.sqlite"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(st.Close)

	b := NewBackend(st, FirstAdministrator{Login: "admin"}, zerolog.Nop())
	for _, name := range []string{"admin", "bob"} {
		require.NoError(t, b.Create(context.Background(), &storage.Principal{
			URI:   Path(name),
			Email: name + "@example.com",
		}))
	}
	return b
}

func TestDeleteAdministratorIsForbidden(t *testing.T) {
	b := newBackend(t)

	for _, path := range []string{"principals/admin", "/principals/admin/"} {
		err := b.Delete(context.Background(), path)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrForbidden)

		var fe *ForbiddenError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "Deleting the first administrator principals/admin is forbidden.", fe.Message)
	}

	_, err := b.Principal(context.Background(), "principals/admin")
	assert.NoError(t, err)
}

func TestDeleteOtherPrincipal(t *testing.T) {
	b := newBackend(t)

	require.NoError(t, b.Delete(context.Background(), "principals/bob"))
	_, err := b.Principal(context.Background(), "principals/bob")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, b.Delete(context.Background(), "principals/bob"), ErrNotFound)
}

func TestCreateDuplicate(t *testing.T) {
	b := newBackend(t)
	err := b.Create(context.Background(), &storage.Principal{URI: "principals/bob"})
	assert.ErrorIs(t, err, ErrExists)

	err = b.Create(context.Background(), &storage.Principal{URI: "calendars/bob"})
	assert.Error(t, err)
}

func TestFindByEmail(t *testing.T) {
	b := newBackend(t)

	p, err := b.FindByEmail(context.Background(), "mailto:BOB@example.com")
	require.NoError(t, err)
	assert.Equal(t, "principals/bob", p.URI)

	_, err = b.FindByEmail(context.Background(), "mailto:nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFirstAdministratorProtection(t *testing.T) {
	p := FirstAdministrator{Login: "admin"}
	assert.True(t, p.Protected("principals/admin"))
	assert.False(t, p.Protected("principals/administrator"))
	assert.False(t, p.Protected("calendars/admin"))
	assert.False(t, FirstAdministrator{}.Protected("principals/"))
}

func TestUsername(t *testing.T) {
	name, ok := Username("/principals/bob/")
	assert.True(t, ok)
	assert.Equal(t, "bob", name)

	_, ok = Username("principals/")
	assert.False(t, ok)
	_, ok = Username("principals/bob/calendar-proxy-read")
	assert.False(t, ok)
}

func TestPropPatchUpdatesDirectoryFields(t *testing.T) {
	b := newBackend(t)
	d := events.NewDispatcher()
	b.Register(d)

	pp := events.NewPropPatch("principals/bob", map[xml.Name]string{
		DisplayNameProperty: "Bob Builder",
		EmailProperty:       " bob@builder.test ",
	})
	require.NoError(t, d.EmitPropPatch(context.Background(), pp.Path, pp))

	assert.Equal(t, http.StatusOK, pp.Status(DisplayNameProperty))
	assert.True(t, pp.Applied())

	p, err := b.Principal(context.Background(), "principals/bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob Builder", p.DisplayName)
	assert.Equal(t, "bob@builder.test", p.Email)
}

func TestPropPatchWithUnknownPropertyChangesNothing(t *testing.T) {
	b := newBackend(t)
	d := events.NewDispatcher()
	b.Register(d)

	before, err := b.Principal(context.Background(), "principals/bob")
	require.NoError(t, err)

	other := xml.Name{Space: "urn:x", Local: "unknown"}
	pp := events.NewPropPatch("principals/bob", map[xml.Name]string{
		DisplayNameProperty: "Bob Builder",
		other:               "x",
	})
	require.NoError(t, d.EmitPropPatch(context.Background(), pp.Path, pp))

	assert.Equal(t, []xml.Name{other}, pp.Unhandled())
	assert.Equal(t, http.StatusFailedDependency, pp.Results()[DisplayNameProperty])

	after, err := b.Principal(context.Background(), "principals/bob")
	require.NoError(t, err)
	assert.Equal(t, before.DisplayName, after.DisplayName)
}
