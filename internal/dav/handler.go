package dav

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/acl"
	"github.com/sonroyaalmerol/katana-dav/internal/config"
	"github.com/sonroyaalmerol/katana-dav/internal/events"
	"github.com/sonroyaalmerol/katana-dav/internal/notify"
	"github.com/sonroyaalmerol/katana-dav/internal/principals"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
	"github.com/sonroyaalmerol/katana-dav/pkg/ical"
)

// Methods lists every method the DAV tree answers, for router registration.
var Methods = []string{
	http.MethodOptions, "PROPFIND", "PROPPATCH", "MKCOL", "MKCALENDAR", "REPORT",
	http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete,
}

// Scheduler runs implicit scheduling after a calendar object changed.
type Scheduler interface {
	ProcessSchedulingObject(ctx context.Context, username string, oldObj, newObj *storage.Object) ([]*notify.Message, error)
}

type Handlers struct {
	cfg        *config.Config
	store      storage.Store
	principals *principals.Backend
	events     *events.Dispatcher
	scheduler  Scheduler
	aclProv    acl.Provider
	expander   *ical.Expander
	loc        *time.Location
	logger     zerolog.Logger
	basePath   string
}

// NewHandlers builds the DAV tree. scheduler may be nil to disable implicit scheduling.
func NewHandlers(cfg *config.Config, store storage.Store, dir *principals.Backend, dispatcher *events.Dispatcher, scheduler Scheduler, logger zerolog.Logger) *Handlers {
	loc := cfg.Location()
	return &Handlers{
		cfg:        cfg,
		store:      store,
		principals: dir,
		events:     dispatcher,
		scheduler:  scheduler,
		aclProv:    acl.NewOwnerACL(),
		expander:   ical.NewExpander(loc),
		loc:        loc,
		logger:     logger,
		basePath:   normalizeBase(cfg.HTTP.BasePath),
	}
}

func normalizeBase(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base != "" && base[0] != '/' {
		base = "/" + base
	}
	return base
}

// BasePath is the mount point without a trailing slash; empty for the root.
func (h *Handlers) BasePath() string {
	return h.basePath
}

func (h *Handlers) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("DAV", davCapabilities)
	switch r.Method {
	case http.MethodOptions:
		h.HandleOptions(w, r)
	case "PROPFIND":
		h.HandlePropfind(w, r)
	case "PROPPATCH":
		h.HandleProppatch(w, r)
	case "MKCOL":
		h.HandleMkcol(w, r)
	case "MKCALENDAR":
		h.HandleMkcalendar(w, r)
	case "REPORT":
		h.HandleReport(w, r)
	case http.MethodGet:
		h.HandleGet(w, r)
	case http.MethodHead:
		h.HandleHead(w, r)
	case http.MethodPut:
		h.HandlePut(w, r)
	case http.MethodDelete:
		h.HandleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
