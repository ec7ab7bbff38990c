package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBurstThenThrottle(t *testing.T) {
	l := New(1, 2, 0, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "limits are per address")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	l := New(0.001, 1, 0, nil)
	h := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestClientIPHonoursTrustedProxies(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:443"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")

	assert.Equal(t, "203.0.113.9", New(1, 1, 0, nil).ClientIP(req))
	assert.Equal(t, "203.0.113.9", New(1, 1, 0, []string{"10.0.0.0/8"}).ClientIP(req))
	assert.Equal(t, "10.1.2.3", New(1, 1, 0, []string{"172.16.0.1"}).ClientIP(req))
}

func TestSweepDropsIdleClients(t *testing.T) {
	l := New(1, 1, 0, nil)
	l.idle = time.Minute
	now := time.Now()
	l.now = func() time.Time { return now }
	l.Allow("a")

	now = now.Add(2 * time.Minute)
	l.Allow("b")
	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.clients, 1)
	assert.Contains(t, l.clients, "b")
}
