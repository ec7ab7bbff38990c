package dav

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"

	"github.com/sonroyaalmerol/katana-dav/internal/acl"
	"github.com/sonroyaalmerol/katana-dav/internal/events"
	"github.com/sonroyaalmerol/katana-dav/internal/principals"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

var calendarComponents = map[string]bool{"VEVENT": true, "VTODO": true, "VJOURNAL": true}

// HandleMkcol implements extended MKCOL (RFC 5689) for principals, calendars and address books.
func (h *Handlers) HandleMkcol(w http.ResponseWriter, r *http.Request) {
	res, ok := h.parsePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s, ok := h.caller(w, r)
	if !ok {
		return
	}
	body, err := readBody(r, maxXMLBody)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	root, err := readXML(body)
	if err != nil || (root != nil && !is(root, nsDAV, "mkcol")) {
		http.Error(w, "bad xml", http.StatusBadRequest)
		return
	}
	pu := parsePropUpdate(root)
	types := pu.resourceTypes()

	switch res.typ {
	case resPrincipal:
		if types != nil && !hasName(types, nsDAV, "principal") {
			http.Error(w, "unsupported resourcetype", http.StatusForbidden)
			return
		}
		h.createPrincipal(w, r, s, res, pu)
	case resCalendar:
		if types != nil && !hasName(types, nsCalDAV, "calendar") {
			http.Error(w, "unsupported resourcetype", http.StatusForbidden)
			return
		}
		h.createCalendar(w, r, s, res, pu)
	case resAddressBook:
		if types != nil && !hasName(types, nsCardDAV, "addressbook") {
			http.Error(w, "unsupported resourcetype", http.StatusForbidden)
			return
		}
		h.createAddressBook(w, r, s, res, pu)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) HandleMkcalendar(w http.ResponseWriter, r *http.Request) {
	res, ok := h.parsePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s, ok := h.caller(w, r)
	if !ok {
		return
	}
	if res.typ != resCalendar {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := readBody(r, maxXMLBody)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	root, err := readXML(body)
	if err != nil || (root != nil && !is(root, nsCalDAV, "mkcalendar")) {
		http.Error(w, "bad xml", http.StatusBadRequest)
		return
	}
	h.createCalendar(w, r, s, res, parsePropUpdate(root))
}

func (h *Handlers) createPrincipal(w http.ResponseWriter, r *http.Request, s acl.Subject, res resource, pu propUpdate) {
	if !h.require(w, r, s, res.parent(), acl.PrivBind) {
		return
	}
	ctx := r.Context()
	display, _ := pu.text(nsDAV, "displayname")
	email, _ := pu.text(nsSabre, "email-address")
	p := &storage.Principal{URI: principals.Path(res.owner), DisplayName: display, Email: email}

	err := h.principals.Create(ctx, p)
	if errors.Is(err, principals.ErrExists) {
		http.Error(w, "resource already exists", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("principal", p.URI).Msg("create principal failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	// remaining properties, the password among them, go through the patch event
	rest := pu.values()
	for _, name := range []xml.Name{
		qname(nsDAV, "resourcetype"),
		principals.DisplayNameProperty,
		principals.EmailProperty,
	} {
		delete(rest, name)
	}
	if len(rest) > 0 {
		pp := events.NewPropPatch(p.URI, rest)
		err := h.events.EmitPropPatch(ctx, p.URI, pp)
		if err == nil {
			err = pp.Err()
		}
		if err == nil && !pp.Applied() {
			err = fmt.Errorf("unsupported properties %v", pp.Unhandled())
		}
		if err != nil {
			h.logger.Warn().Err(err).Str("principal", p.URI).Msg("mkcol properties rejected, rolling back")
			if derr := h.store.DeletePrincipal(ctx, p.URI); derr != nil {
				h.logger.Error().Err(derr).Str("principal", p.URI).Msg("rollback failed")
			}
			if uerr := h.events.EmitUnbind(ctx, p.URI); uerr != nil {
				h.logger.Error().Err(uerr).Str("principal", p.URI).Msg("rollback unbind failed")
			}
			http.Error(w, "cannot set properties", http.StatusForbidden)
			return
		}
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handlers) createCalendar(w http.ResponseWriter, r *http.Request, s acl.Subject, res resource, pu propUpdate) {
	if !h.require(w, r, s, res.parent(), acl.PrivBind) {
		return
	}
	ctx := r.Context()
	if _, err := h.principal(ctx, res.owner); err != nil {
		http.Error(w, "owner not found", http.StatusConflict)
		return
	}

	var comps []string
	for _, c := range pu.components() {
		if calendarComponents[c] {
			comps = append(comps, c)
		}
	}
	if pu.components() != nil && len(comps) == 0 {
		writeError(w, http.StatusForbidden, qname(nsCalDAV, "supported-calendar-component"))
		return
	}

	c := &storage.Calendar{Owner: res.owner, URI: res.collection, Components: comps}
	c.DisplayName, _ = pu.text(nsDAV, "displayname")
	c.Description, _ = pu.text(nsCalDAV, "calendar-description")
	c.Color, _ = pu.text(nsApple, "calendar-color")

	err := h.store.CreateCalendar(ctx, c)
	if errors.Is(err, storage.ErrConflict) {
		http.Error(w, "resource already exists", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("owner", res.owner).Str("calendar", res.collection).Msg("create calendar failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	h.logger.Info().Str("owner", res.owner).Str("calendar", res.collection).Msg("calendar created")
	w.WriteHeader(http.StatusCreated)
}

func (h *Handlers) createAddressBook(w http.ResponseWriter, r *http.Request, s acl.Subject, res resource, pu propUpdate) {
	if !h.require(w, r, s, res.parent(), acl.PrivBind) {
		return
	}
	ctx := r.Context()
	if _, err := h.principal(ctx, res.owner); err != nil {
		http.Error(w, "owner not found", http.StatusConflict)
		return
	}

	ab := &storage.AddressBook{Owner: res.owner, URI: res.collection}
	ab.DisplayName, _ = pu.text(nsDAV, "displayname")
	ab.Description, _ = pu.text(nsCardDAV, "addressbook-description")

	err := h.store.CreateAddressBook(ctx, ab)
	if errors.Is(err, storage.ErrConflict) {
		http.Error(w, "resource already exists", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("owner", res.owner).Str("addressbook", res.collection).Msg("create address book failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	h.logger.Info().Str("owner", res.owner).Str("addressbook", res.collection).Msg("address book created")
	w.WriteHeader(http.StatusCreated)
}
