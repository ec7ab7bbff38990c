package dav

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sonroyaalmerol/katana-dav/internal/acl"
	"github.com/sonroyaalmerol/katana-dav/internal/principals"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
	"github.com/sonroyaalmerol/katana-dav/pkg/ical"
	"github.com/sonroyaalmerol/katana-dav/pkg/vcard"
)

type content struct {
	contentType string
	etag        string
	modified    time.Time
	data        string
}

// HandleGet returns a calendar object, vCard or inbox message.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	h.serveContent(w, r, true)
}

func (h *Handlers) HandleHead(w http.ResponseWriter, r *http.Request) {
	h.serveContent(w, r, false)
}

func (h *Handlers) serveContent(w http.ResponseWriter, r *http.Request, withBody bool) {
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

	c, err := h.content(r.Context(), res)
	if errors.Is(err, errNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("get failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if c == nil {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if inm := trimQuotes(r.Header.Get("If-None-Match")); inm != "" && inm == c.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", c.contentType)
	w.Header().Set("ETag", quote(c.etag))
	w.Header().Set("Content-Length", strconv.Itoa(len(c.data)))
	if !c.modified.IsZero() {
		w.Header().Set("Last-Modified", lastModified(c.modified))
	}
	if !withBody {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = io.WriteString(w, c.data)
}

// content loads the body of a leaf resource; collections return nil.
func (h *Handlers) content(ctx context.Context, res resource) (*content, error) {
	switch res.typ {
	case resCalendarObject:
		cal, err := h.calendar(ctx, res)
		if err != nil {
			return nil, err
		}
		o, err := h.store.GetObject(ctx, cal.ID, res.uid())
		if err != nil {
			return nil, notFound(err)
		}
		return &content{"text/calendar; charset=utf-8", o.ETag, o.UpdatedAt, o.Data}, nil
	case resCard:
		ab, err := h.addressBook(ctx, res)
		if err != nil {
			return nil, err
		}
		c, err := h.store.GetCard(ctx, ab.ID, res.uid())
		if err != nil {
			return nil, notFound(err)
		}
		return &content{"text/vcard; charset=utf-8", c.ETag, c.UpdatedAt, c.Data}, nil
	case resInboxItem:
		m, err := h.inboxMessage(ctx, res)
		if err != nil {
			return nil, err
		}
		return &content{"text/calendar; charset=utf-8; method=" + m.Method, m.ID, m.ReceivedAt, m.Data}, nil
	case resPrincipal:
		if _, err := h.principal(ctx, res.owner); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// checkPreconditions applies If-Match and If-None-Match against the current etag ("" when absent).
func checkPreconditions(r *http.Request, current string) bool {
	if inm := strings.TrimSpace(r.Header.Get("If-None-Match")); inm != "" {
		if inm == "*" && current != "" {
			return false
		}
		if inm != "*" && trimQuotes(inm) == current {
			return false
		}
	}
	if im := strings.TrimSpace(r.Header.Get("If-Match")); im != "" {
		if current == "" {
			return false
		}
		if im != "*" && trimQuotes(im) != current {
			return false
		}
	}
	return true
}

// HandlePut creates or replaces a calendar object or vCard.
func (h *Handlers) HandlePut(w http.ResponseWriter, r *http.Request) {
	res, ok := h.parsePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s, ok := h.caller(w, r)
	if !ok {
		return
	}
	switch res.typ {
	case resCalendarObject:
		if !strings.HasSuffix(strings.ToLower(res.name), ".ics") {
			http.Error(w, "bad object name", http.StatusBadRequest)
			return
		}
		if !h.require(w, r, s, res, acl.PrivWriteContent) {
			return
		}
		h.putObject(w, r, res)
	case resCard:
		if !strings.HasSuffix(strings.ToLower(res.name), ".vcf") {
			http.Error(w, "bad object name", http.StatusBadRequest)
			return
		}
		if !h.require(w, r, s, res, acl.PrivWriteContent) {
			return
		}
		h.putCard(w, r, res)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) putObject(w http.ResponseWriter, r *http.Request, res resource) {
	ctx := r.Context()
	cal, err := h.calendar(ctx, res)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	raw, err := readBody(r, h.cfg.HTTP.MaxICSBytes)
	if errors.Is(err, errTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, qname(nsCalDAV, "max-resource-size"))
		return
	}
	if err != nil || len(raw) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	parsed, err := ical.Parse(raw, h.loc)
	if errors.Is(err, ical.ErrUnsupportedComponent) {
		http.Error(w, "unsupported calendar component", http.StatusUnsupportedMediaType)
		return
	}
	if err != nil {
		h.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("invalid calendar object")
		writeError(w, http.StatusBadRequest, qname(nsCalDAV, "valid-calendar-data"))
		return
	}
	if !containsFold(cal.Components, parsed.Component) {
		writeError(w, http.StatusForbidden, qname(nsCalDAV, "supported-calendar-component"))
		return
	}

	existing, err := h.store.GetObject(ctx, cal.ID, res.uid())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	current := ""
	if existing != nil {
		current = existing.ETag
	}
	if !checkPreconditions(r, current) {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}

	obj := &storage.Object{
		CalendarID: cal.ID,
		UID:        res.uid(),
		Data:       string(parsed.Data),
		Component:  parsed.Component,
		StartAt:    parsed.Start,
		EndAt:      parsed.End,
	}
	if existing != nil {
		obj.ID = existing.ID
	}
	if err := h.store.PutObject(ctx, obj); err != nil {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("put object failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	h.schedule(ctx, res.owner, existing, obj)

	w.Header().Set("ETag", quote(obj.ETag))
	if existing == nil {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handlers) putCard(w http.ResponseWriter, r *http.Request, res resource) {
	ctx := r.Context()
	ab, err := h.addressBook(ctx, res)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	raw, err := readBody(r, h.cfg.HTTP.MaxVCFBytes)
	if errors.Is(err, errTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, qname(nsCardDAV, "max-resource-size"))
		return
	}
	if err != nil || len(raw) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	card, err := vcard.Normalize(raw)
	if err != nil {
		h.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("invalid vcard")
		writeError(w, http.StatusBadRequest, qname(nsCardDAV, "valid-address-data"))
		return
	}

	existing, err := h.store.GetCard(ctx, ab.ID, res.uid())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	current := ""
	if existing != nil {
		current = existing.ETag
	}
	if !checkPreconditions(r, current) {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}

	c := &storage.Card{AddressBookID: ab.ID, UID: res.uid(), Data: string(card.Data)}
	if existing != nil {
		c.ID = existing.ID
	}
	if err := h.store.PutCard(ctx, c); err != nil {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("put card failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("ETag", quote(c.ETag))
	if existing == nil {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleDelete removes leaves, collections and principals.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	res, ok := h.parsePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s, ok := h.caller(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	switch res.typ {
	case resPrincipal:
		if !h.require(w, r, s, res.parent(), acl.PrivUnbind) {
			return
		}
		h.deletePrincipal(w, r, res)
		return
	case resCalendar, resAddressBook:
		if !h.require(w, r, s, res, acl.PrivUnbind) {
			return
		}
	case resCalendarObject, resCard, resInboxItem:
		if !h.require(w, r, s, res.parent(), acl.PrivUnbind) {
			return
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var err error
	switch res.typ {
	case resCalendar:
		err = h.store.DeleteCalendar(ctx, res.owner, res.collection)
	case resAddressBook:
		err = h.store.DeleteAddressBook(ctx, res.owner, res.collection)
	case resCalendarObject:
		err = h.deleteObject(r, res)
	case resCard:
		err = h.deleteCard(r, res)
	case resInboxItem:
		if _, err = h.inboxMessage(ctx, res); err == nil {
			err = h.store.DeleteInbox(ctx, res.owner, res.uid())
		}
	}
	switch {
	case errors.Is(err, errPreconditionFailed):
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
	case errors.Is(err, errNotFound), errors.Is(err, storage.ErrNotFound):
		http.NotFound(w, r)
	case err != nil:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("delete failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

var errPreconditionFailed = errors.New("precondition failed")

func (h *Handlers) deleteObject(r *http.Request, res resource) error {
	ctx := r.Context()
	cal, err := h.calendar(ctx, res)
	if err != nil {
		return err
	}
	existing, err := h.store.GetObject(ctx, cal.ID, res.uid())
	if err != nil {
		return notFound(err)
	}
	if !checkPreconditions(r, existing.ETag) {
		return errPreconditionFailed
	}
	if err := h.store.DeleteObject(ctx, cal.ID, res.uid()); err != nil {
		return err
	}
	h.schedule(ctx, res.owner, existing, nil)
	return nil
}

func (h *Handlers) deleteCard(r *http.Request, res resource) error {
	ctx := r.Context()
	ab, err := h.addressBook(ctx, res)
	if err != nil {
		return err
	}
	existing, err := h.store.GetCard(ctx, ab.ID, res.uid())
	if err != nil {
		return notFound(err)
	}
	if !checkPreconditions(r, existing.ETag) {
		return errPreconditionFailed
	}
	return h.store.DeleteCard(ctx, ab.ID, res.uid())
}

// deletePrincipal asks the principal backend first, so the protected administrator is
// refused before anything else happens. The unbind event then removes the users row.
func (h *Handlers) deletePrincipal(w http.ResponseWriter, r *http.Request, res resource) {
	ctx := r.Context()
	path := principals.Path(res.owner)

	err := h.principals.Delete(ctx, path)
	var forbidden *principals.ForbiddenError
	switch {
	case errors.As(err, &forbidden):
		http.Error(w, forbidden.Message, http.StatusForbidden)
		return
	case errors.Is(err, principals.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		h.logger.Error().Err(err).Str("principal", path).Msg("delete principal failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	if err := h.events.EmitUnbind(ctx, path); err != nil {
		h.logger.Error().Err(err).Str("principal", path).Msg("unbind handlers failed")
	}
	if err := h.store.DeleteCalendarsByOwner(ctx, res.owner); err != nil {
		h.logger.Error().Err(err).Str("principal", path).Msg("delete calendars failed")
	}
	if err := h.store.DeleteAddressBooksByOwner(ctx, res.owner); err != nil {
		h.logger.Error().Err(err).Str("principal", path).Msg("delete address books failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

// schedule runs implicit scheduling; failures never fail the write that triggered it.
func (h *Handlers) schedule(ctx context.Context, owner string, oldObj, newObj *storage.Object) {
	if h.scheduler == nil {
		return
	}
	msgs, err := h.scheduler.ProcessSchedulingObject(ctx, owner, oldObj, newObj)
	if err != nil {
		h.logger.Error().Err(err).Str("owner", owner).Msg("scheduling failed")
		return
	}
	for _, m := range msgs {
		h.logger.Debug().
			Str("method", m.Method).
			Str("recipient", m.Recipient).
			Str("status", m.ScheduleStatus).
			Msg("scheduling message processed")
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
