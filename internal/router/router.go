package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sonroyaalmerol/katana-dav/internal/dav"
	"github.com/sonroyaalmerol/katana-dav/internal/metrics"
)

func init() {
	for _, m := range dav.Methods {
		switch m {
		case http.MethodOptions, http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		default:
			chi.RegisterMethod(m)
		}
	}
}

func New(d Deps) http.Handler {
	r := chi.NewRouter()

	// RemoteAddr stays the TCP peer; forwarded headers are only read through
	// the limiter's trusted proxy list.
	clientIP := peerIP
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())
	if d.Limiter != nil {
		r.Use(d.Limiter.Middleware())
		clientIP = d.Limiter.ClientIP
	}

	r.Get("/healthz", handleHealth)
	if d.Config.HTTP.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	for _, p := range []string{"/.well-known/caldav", "/.well-known/carddav"} {
		r.Get(p, d.DAV.HandleWellKnown)
		r.MethodFunc("PROPFIND", p, d.DAV.HandleWellKnown)
	}

	if dir := d.Config.HTTP.StaticDir; dir != "" {
		static := http.StripPrefix("/admin/", http.FileServer(http.Dir(dir)))
		r.Get("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently).ServeHTTP)
		r.Get("/admin/*", static.ServeHTTP)
	}

	base := d.DAV.BasePath()

	// capability discovery stays public
	r.With(metrics.Route("dav")).MethodFunc(http.MethodOptions, base+"/*", d.DAV.HandleOptions)
	if base != "" {
		r.MethodFunc(http.MethodOptions, base, d.DAV.HandleOptions)
	}

	r.Group(func(r chi.Router) {
		r.Use(d.Auth.Middleware())
		r.Use(requestLog(d.Logger, clientIP))

		if d.System != nil {
			sys := r.With(metrics.Route("system"))
			for _, p := range []string{"/configurations", "/versions"} {
				sys.Handle(base+"/system"+p, http.StripPrefix(base+"/system", d.System))
			}
		}

		if d.Files != nil {
			files := r.With(metrics.Route("files"))
			files.Handle("/files", d.Files)
			files.Handle("/files/*", d.Files)
		}

		dv := r.With(metrics.Route("dav"))
		for _, m := range dav.Methods {
			if m == http.MethodOptions {
				continue
			}
			dv.Method(m, base+"/*", d.DAV)
			if base != "" {
				dv.Method(m, base, d.DAV)
			}
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
