package dav

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"sort"

	"github.com/sonroyaalmerol/katana-dav/internal/acl"
	"github.com/sonroyaalmerol/katana-dav/internal/events"
	"github.com/sonroyaalmerol/katana-dav/internal/users"
)

func (h *Handlers) HandleProppatch(w http.ResponseWriter, r *http.Request) {
	res, ok := h.parsePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s, ok := h.caller(w, r)
	if !ok {
		return
	}
	if !h.require(w, r, s, res, acl.PrivWriteProps) {
		return
	}

	body, err := readBody(r, maxXMLBody)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	root, err := readXML(body)
	if err != nil || !is(root, nsDAV, "propertyupdate") {
		http.Error(w, "bad xml", http.StatusBadRequest)
		return
	}
	pu := parsePropUpdate(root)
	if hasName(pu.remove, users.PasswordProperty.Space, users.PasswordProperty.Local) {
		http.Error(w, "password cannot be removed", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	n, err := h.lookup(ctx, s, res)
	if errors.Is(err, errNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("proppatch lookup failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	pp := events.NewPropPatch(res.path(), pu.values())
	switch res.typ {
	case resCalendar:
		err = h.patchCalendar(ctx, res, pp)
	case resAddressBook:
		err = h.patchAddressBook(ctx, res, pp)
	default:
		err = h.events.EmitPropPatch(ctx, res.path(), pp)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("path", res.path()).Msg("proppatch failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if perr := pp.Err(); perr != nil {
		h.logger.Warn().Err(perr).Str("path", res.path()).Msg("proppatch rejected properties")
	}

	ms := newMultistatus()
	ms.response(n.href, groupResults(pp.Results())...)
	writeMultiStatus(w, ms)
}

func groupResults(results map[xml.Name]int) []propGroup {
	byStatus := map[int][]xml.Name{}
	for name, st := range results {
		byStatus[st] = append(byStatus[st], name)
	}
	statuses := make([]int, 0, len(byStatus))
	for st := range byStatus {
		statuses = append(statuses, st)
	}
	sort.Ints(statuses)
	groups := make([]propGroup, 0, len(statuses))
	for _, st := range statuses {
		names := byStatus[st]
		sortNames(names)
		groups = append(groups, propGroup{status: st, names: names})
	}
	return groups
}

// patchCalendar saves only when every requested property could be applied.
func (h *Handlers) patchCalendar(ctx context.Context, res resource, pp *events.PropPatch) error {
	c, err := h.calendar(ctx, res)
	if err != nil {
		return err
	}
	pp.Handle(qname(nsDAV, "displayname"), func(v string) error {
		c.DisplayName = v
		return nil
	})
	pp.Handle(qname(nsCalDAV, "calendar-description"), func(v string) error {
		c.Description = v
		return nil
	})
	pp.Handle(qname(nsApple, "calendar-color"), func(v string) error {
		c.Color = v
		return nil
	})
	pp.Commit()
	if !pp.Applied() {
		return nil
	}
	return h.store.UpdateCalendar(ctx, c)
}

func (h *Handlers) patchAddressBook(ctx context.Context, res resource, pp *events.PropPatch) error {
	ab, err := h.addressBook(ctx, res)
	if err != nil {
		return err
	}
	pp.Handle(qname(nsDAV, "displayname"), func(v string) error {
		ab.DisplayName = v
		return nil
	})
	pp.Handle(qname(nsCardDAV, "addressbook-description"), func(v string) error {
		ab.Description = v
		return nil
	})
	pp.Commit()
	if !pp.Applied() {
		return nil
	}
	return h.store.UpdateAddressBook(ctx, ab)
}
