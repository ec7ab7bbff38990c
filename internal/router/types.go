package router

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/auth"
	"github.com/sonroyaalmerol/katana-dav/internal/config"
	"github.com/sonroyaalmerol/katana-dav/internal/dav"
	"github.com/sonroyaalmerol/katana-dav/internal/ratelimit"
)

// Deps are the handlers the router mounts. Files, System and Limiter may be nil.
type Deps struct {
	Config  *config.Config
	DAV     *dav.Handlers
	Auth    *auth.Chain
	System  http.Handler
	Files   http.Handler
	Limiter *ratelimit.Limiter
	Logger  zerolog.Logger
}
