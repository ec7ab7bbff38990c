package dav

import (
	"net/http"
	"strings"
)

const davCapabilities = "1, 3, access-control, calendar-access, calendar-schedule, addressbook, extended-mkcol"

// HandleWellKnown redirects /.well-known/caldav and /.well-known/carddav to the DAV root (RFC 6764).
func (h *Handlers) HandleWellKnown(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.basePath+"/", http.StatusMovedPermanently)
}

func (h *Handlers) HandleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("DAV", davCapabilities)
	w.Header().Set("Allow", strings.Join(Methods, ", "))
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}
