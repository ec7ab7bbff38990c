package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonroyaalmerol/katana-dav/internal/auth"
	"github.com/sonroyaalmerol/katana-dav/internal/config"
	"github.com/sonroyaalmerol/katana-dav/internal/settings"
	"github.com/sonroyaalmerol/katana-dav/internal/storage/sqlite"
)

type fakeTester struct {
	cfg config.MailConfig
	to  string
	err error
}

func (f *fakeTester) SendTest(_ context.Context, cfg config.MailConfig, to string) error {
	f.cfg, f.to = cfg, to
	return f.err
}

func newAPI(t *testing.T, cfg *config.Config, tester MailTester) (*API, *settings.Mail) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "katana.sqlite"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	mail, err := settings.LoadMail(context.Background(), store, cfg.Mail, zerolog.Nop())
	require.NoError(t, err)
	return New(cfg, mail, tester, zerolog.Nop()), mail
}

func call(h http.Handler, who *auth.Principal, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if who != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), who))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var admin = &auth.Principal{Username: "admin", Admin: true}

func TestConfigurationsRoundTrip(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{Type: "postgres", PostgresURL: "postgres://katana:secret@db:5432/katana"},
		Mail:    config.MailConfig{Address: "smtp.example.com", Port: 587, SenderTag: "katana"},
	}
	api, mail := newAPI(t, cfg, &fakeTester{})
	h := api.Routes()

	rec := call(h, admin, http.MethodPost, "/configurations",
		`{"transport":"mail.example.org:465","username":"bot@example.org","password":"pw"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, "katana", mail.Get().SenderTag)

	rec = call(h, admin, http.MethodGet, "/configurations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got configurations
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "katana", got.Database.Username)
	assert.NotContains(t, got.Database.DSN, "secret")
	assert.Equal(t, mailView{Address: "mail.example.org", Port: 465, Username: "bot@example.org", Password: "pw"}, got.Mail)
}

func TestConfigurationsRequireAdministrator(t *testing.T) {
	api, _ := newAPI(t, &config.Config{}, &fakeTester{})
	h := api.Routes()

	assert.Equal(t, http.StatusUnauthorized, call(h, nil, http.MethodGet, "/configurations", "").Code)
	assert.Equal(t, http.StatusForbidden,
		call(h, &auth.Principal{Username: "alice"}, http.MethodGet, "/configurations", "").Code)
}

func TestPostRejectsBadTransport(t *testing.T) {
	api, _ := newAPI(t, &config.Config{}, &fakeTester{})
	rec := call(api.Routes(), admin, http.MethodPost, "/configurations", `{"transport":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMailTest(t *testing.T) {
	tester := &fakeTester{}
	api, _ := newAPI(t, &config.Config{Mail: config.MailConfig{Address: "old", Port: 25}}, tester)
	h := api.Routes()

	payload := url.QueryEscape(`{"transport":"smtp.example.com:2525","username":"ops@example.com","password":"x"}`)
	rec := call(h, admin, http.MethodGet, "/configurations?test=mail&payload="+payload, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops@example.com", tester.to)
	assert.Equal(t, "smtp.example.com", tester.cfg.Address)
	assert.Equal(t, 2525, tester.cfg.Port)

	tester.err = errors.New("connection refused")
	rec = call(h, admin, http.MethodGet, "/configurations?test=mail&payload="+payload, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestVersionsAreCached(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`["0.9.0","1.0.0","1.2.0","1.10.0"]`))
	}))
	defer upstream.Close()

	cfg := &config.Config{Version: config.VersionConfig{Current: "1.0.0", UpdateURL: upstream.URL}}
	api, _ := newAPI(t, cfg, &fakeTester{})
	h := api.Routes()

	for i := 0; i < 3; i++ {
		rec := call(h, &auth.Principal{Username: "alice"}, http.MethodGet, "/versions", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got versionsView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "1.0.0", got.Current)
		assert.Equal(t, []string{"1.2.0", "1.10.0"}, got.Next)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestVersionsWithoutUpdateURL(t *testing.T) {
	api, _ := newAPI(t, &config.Config{Version: config.VersionConfig{Current: "1.0.0"}}, &fakeTester{})
	rec := call(api.Routes(), nil, http.MethodGet, "/versions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"current_version":"1.0.0"}`, rec.Body.String())
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, compareVersions("1.0", "1.0.0"))
	assert.Equal(t, 1, compareVersions("v1.10.0", "1.9.9"))
	assert.Equal(t, -1, compareVersions("0.1", "0.2"))
}
