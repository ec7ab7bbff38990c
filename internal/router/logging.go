package router

import (
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/auth"
)

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func peerIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func statusOrDefault(st int) int {
	if st == 0 {
		return http.StatusOK
	}
	return st
}

// readMethod reports whether a request leaves the store untouched; those log at debug.
func readMethod(m string) bool {
	switch m {
	case "PROPFIND", "REPORT", http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// requestLog must run after authentication so the user is known.
func requestLog(logger zerolog.Logger, clientIP func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, req)

			var ev *zerolog.Event
			if readMethod(req.Method) {
				ev = logger.Debug()
			} else {
				ev = logger.Info()
			}
			ev = ev.
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", statusOrDefault(rec.status)).
				Int("bytes", rec.bytes).
				Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0).
				Str("ip", clientIP(req)).
				Str("user_agent", req.Header.Get("User-Agent"))
			if p, ok := auth.PrincipalFrom(req.Context()); ok {
				ev = ev.Str("user", p.Username)
			}
			ev.Msg("http request")
		})
	}
}
