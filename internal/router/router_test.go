package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonroyaalmerol/katana-dav/internal/auth"
	"github.com/sonroyaalmerol/katana-dav/internal/config"
	"github.com/sonroyaalmerol/katana-dav/internal/dav"
	"github.com/sonroyaalmerol/katana-dav/internal/events"
	"github.com/sonroyaalmerol/katana-dav/internal/principals"
	"github.com/sonroyaalmerol/katana-dav/internal/ratelimit"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
	"github.com/sonroyaalmerol/katana-dav/internal/storage/sqlite"
)

type acceptAll struct{}

func (acceptAll) ValidateUserPass(_ context.Context, _, password string) bool { return password == "pw" }

func newRouter(t *testing.T, logs *bytes.Buffer, limiter *ratelimit.Limiter) http.Handler {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "katana.sqlite"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.CreatePrincipal(context.Background(),
		&storage.Principal{URI: "principals/alice", Email: "alice@example.com"}))

	cfg := &config.Config{
		Timezone: "UTC",
		HTTP:     config.HTTPConfig{BasePath: "/", MaxICSBytes: 1 << 16, MaxVCFBytes: 1 << 16},
		Auth:     config.AuthConfig{Realm: "katana"},
		Admin:    config.AdminConfig{Login: "admin"},
	}
	dir := principals.NewBackend(store, principals.FirstAdministrator{Login: "admin"}, zerolog.Nop())
	d := events.NewDispatcher()
	dir.Register(d)

	logger := zerolog.New(logs).Level(zerolog.DebugLevel)
	return New(Deps{
		Config:  cfg,
		DAV:     dav.NewHandlers(cfg, store, dir, d, nil, zerolog.Nop()),
		Auth:    auth.NewChain(cfg, acceptAll{}, nil, store, zerolog.Nop()),
		Limiter: limiter,
		Logger:  logger,
	})
}

func serve(h http.Handler, method, target string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(""))
	if authed {
		req.SetBasicAuth("alice", "pw")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	h := newRouter(t, &bytes.Buffer{}, nil)

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/healthz", false).Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodOptions, "/principals/", false).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "PROPFIND", "/principals/", false).Code)
	assert.Equal(t, http.StatusMultiStatus, serve(h, "PROPFIND", "/principals/alice", true).Code)
	assert.Equal(t, http.StatusMovedPermanently, serve(h, "PROPFIND", "/.well-known/caldav", false).Code)
	// without METRICS_ENABLED the path falls through to the authenticated DAV tree
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/metrics", false).Code)
}

func TestRequestLogLevels(t *testing.T) {
	var logs bytes.Buffer
	h := newRouter(t, &logs, nil)

	serve(h, "PROPFIND", "/principals/alice", true)
	serve(h, http.MethodDelete, "/principals/alice", true)

	lines := logLines(t, &logs)
	require.Len(t, lines, 2)

	assert.Equal(t, "debug", lines[0]["level"])
	assert.Equal(t, "PROPFIND", lines[0]["method"])
	assert.Equal(t, "alice", lines[0]["user"])
	assert.EqualValues(t, http.StatusMultiStatus, lines[0]["status"])

	assert.Equal(t, "info", lines[1]["level"])
	assert.Equal(t, "DELETE", lines[1]["method"])
	assert.EqualValues(t, http.StatusForbidden, lines[1]["status"])
}

func logLines(t *testing.T, logs *bytes.Buffer) []map[string]any {
	t.Helper()
	lines := logLines(t, &logs)
	return lines
}

func TestRateLimitIgnoresForwardedHeadersFromUntrustedPeer(t *testing.T) {
	limiter := ratelimit.New(1, 1, 0, []string{"10.0.0.1"})
	h := newRouter(t, &bytes.Buffer{}, limiter)

	allowed := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "192.0.2.7:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)

	// behind the trusted proxy each forwarded client has its own bucket
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRequestLogUsesResolvedClientIP(t *testing.T) {
	var logs bytes.Buffer
	limiter := ratelimit.New(100, 100, 0, []string{"10.0.0.1"})
	h := newRouter(t, &logs, limiter)

	for _, peer := range []string{"192.0.2.7:40000", "10.0.0.1:40000"} {
		req := httptest.NewRequest("PROPFIND", "/principals/alice", nil)
		req.RemoteAddr = peer
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		req.SetBasicAuth("alice", "pw")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	lines := logLines(t, &logs)
	require.Len(t, lines, 2)
	assert.Equal(t, "192.0.2.7", lines[0]["ip"])
	assert.Equal(t, "203.0.113.9", lines[1]["ip"])
}

func TestPeerIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	assert.Equal(t, "10.0.0.1", peerIP(req))

	req.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", peerIP(req))
}
