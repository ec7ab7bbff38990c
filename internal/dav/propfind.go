package dav

import (
	"errors"
	"net/http"

	"github.com/sonroyaalmerol/katana-dav/internal/acl"
)

const maxXMLBody = 1 << 20

func (h *Handlers) HandlePropfind(w http.ResponseWriter, r *http.Request) {
	res, ok := h.parsePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s, ok := h.caller(w, r)
	if !ok {
		return
	}
	if !h.require(w, r, s, res, acl.PrivRead) {
		return
	}

	depth := r.Header.Get("Depth")
	if depth == "" {
		depth = "0"
	}

	body, err := readBody(r, maxXMLBody)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read PROPFIND body")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req, err := parsePropfind(body)
	if err != nil {
		http.Error(w, "bad xml", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	n, err := h.lookup(ctx, s, res)
	if errors.Is(err, errNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("propfind lookup failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	ms := newMultistatus()
	ms.addNode(n, req)

	// the system probe always answers with exactly one entry
	if depth != "0" && res.typ != resSystem {
		kids, err := h.children(ctx, s, res)
		if err != nil {
			h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("propfind children failed")
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		for _, k := range kids {
			ms.addNode(k, req)
		}
	}
	writeMultiStatus(w, ms)
}
