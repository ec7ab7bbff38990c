package dav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	goical "github.com/emersion/go-ical"

	"github.com/sonroyaalmerol/katana-dav/internal/acl"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
	"github.com/sonroyaalmerol/katana-dav/pkg/vcard"
)

const maxReportBody = 8 << 20

var defaultReportProps = propfindRequest{props: []xml.Name{qname(nsDAV, "getetag")}}

func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
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
	body, err := readBody(r, maxReportBody)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	root, err := readXML(body)
	if err != nil || root == nil {
		http.Error(w, "bad xml", http.StatusBadRequest)
		return
	}

	switch n := nameOf(root); {
	case n == qname(nsCalDAV, "calendar-query") && res.typ == resCalendar:
		h.reportCalendarQuery(w, r, s, res, root)
	case n == qname(nsCalDAV, "calendar-multiget") && (res.typ == resCalendar || res.typ == resInbox):
		h.reportMultiget(w, r, s, res, root)
	case n == qname(nsCalDAV, "free-busy-query") && res.typ == resCalendar:
		h.reportFreeBusy(w, r, res, root)
	case n == qname(nsCardDAV, "addressbook-query") && res.typ == resAddressBook:
		h.reportAddressBookQuery(w, r, s, res, root)
	case n == qname(nsCardDAV, "addressbook-multiget") && res.typ == resAddressBook:
		h.reportMultiget(w, r, s, res, root)
	case n == qname(nsDAV, "sync-collection") && (res.typ == resCalendar || res.typ == resAddressBook):
		h.reportSyncCollection(w, r, s, res, root)
	default:
		writeError(w, http.StatusForbidden, qname(nsDAV, "supported-report"))
	}
}

// reportProps reads the prop/allprop selection of a REPORT body.
func reportProps(root *etree.Element) propfindRequest {
	if child(root, nsDAV, "allprop") != nil {
		return propfindRequest{allprop: true}
	}
	if prop := child(root, nsDAV, "prop"); prop != nil {
		return propfindRequest{props: propNames(prop)}
	}
	return defaultReportProps
}

type timeRange struct {
	start, end *time.Time
}

func (tr timeRange) bounds() (time.Time, time.Time) {
	var from, to time.Time
	if tr.start != nil {
		from = *tr.start
	}
	if tr.end != nil {
		to = *tr.end
	}
	return from, to
}

func (tr timeRange) set() bool {
	return tr.start != nil || tr.end != nil
}

func parseTimeRange(el *etree.Element) (timeRange, error) {
	var tr timeRange
	if el == nil {
		return tr, nil
	}
	for attr, dst := range map[string]**time.Time{"start": &tr.start, "end": &tr.end} {
		v := el.SelectAttrValue(attr, "")
		if v == "" {
			continue
		}
		t, err := parseICalTime(v)
		if err != nil {
			return tr, err
		}
		*dst = &t
	}
	return tr, nil
}

// calendarFilter extracts the component names and time range of a calendar-query filter.
func calendarFilter(root *etree.Element) ([]string, timeRange, error) {
	vcal := child(child(root, nsCalDAV, "filter"), nsCalDAV, "comp-filter")
	if vcal == nil {
		return nil, timeRange{}, nil
	}
	var comps []string
	var tr timeRange
	for _, cf := range childrenNamed(vcal, nsCalDAV, "comp-filter") {
		if name := strings.ToUpper(cf.SelectAttrValue("name", "")); name != "" {
			comps = append(comps, name)
		}
		r, err := parseTimeRange(child(cf, nsCalDAV, "time-range"))
		if err != nil {
			return nil, tr, err
		}
		if r.set() {
			tr = r
		}
	}
	return comps, tr, nil
}

func (h *Handlers) reportCalendarQuery(w http.ResponseWriter, r *http.Request, s acl.Subject, res resource, root *etree.Element) {
	ctx := r.Context()
	cal, err := h.calendar(ctx, res)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	comps, tr, err := calendarFilter(root)
	if err != nil {
		writeError(w, http.StatusBadRequest, qname(nsCalDAV, "valid-filter"))
		return
	}

	objs, err := h.store.ListObjectsByComponent(ctx, cal.ID, comps, tr.start, tr.end)
	if err != nil {
		h.logger.Error().Err(err).Str("calendar", cal.ID).Msg("calendar-query failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	req := reportProps(root)
	ms := newMultistatus()
	from, to := tr.bounds()
	for _, o := range objs {
		if tr.set() {
			// stored bounds are a coarse filter; recurrences need expansion
			hit, err := h.expander.Overlaps([]byte(o.Data), from, to)
			if err != nil {
				h.logger.Warn().Err(err).Str("uid", o.UID).Msg("cannot expand calendar object")
				continue
			}
			if !hit {
				continue
			}
		}
		ms.addNode(h.objectNode(s, cal, o), req)
	}
	writeMultiStatus(w, ms)
}

func (h *Handlers) reportMultiget(w http.ResponseWriter, r *http.Request, s acl.Subject, res resource, root *etree.Element) {
	ctx := r.Context()
	req := reportProps(root)
	ms := newMultistatus()
	for _, el := range childrenNamed(root, nsDAV, "href") {
		href := strings.TrimSpace(el.Text())
		target, ok := h.parsePath(hrefPath(href))
		if !ok || target.parent() != res || !h.can(s, target, acl.PrivRead) {
			ms.statusResponse(href, http.StatusNotFound)
			continue
		}
		n, err := h.lookup(ctx, s, target)
		if errors.Is(err, errNotFound) {
			ms.statusResponse(href, http.StatusNotFound)
			continue
		}
		if err != nil {
			h.logger.Error().Err(err).Str("href", href).Msg("multiget lookup failed")
			ms.statusResponse(href, http.StatusInternalServerError)
			continue
		}
		ms.addNode(n, req)
	}
	writeMultiStatus(w, ms)
}

func (h *Handlers) reportFreeBusy(w http.ResponseWriter, r *http.Request, res resource, root *etree.Element) {
	ctx := r.Context()
	cal, err := h.calendar(ctx, res)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	tr, err := parseTimeRange(child(root, nsCalDAV, "time-range"))
	if err != nil || tr.start == nil || tr.end == nil {
		writeError(w, http.StatusBadRequest, qname(nsCalDAV, "valid-filter"))
		return
	}

	objs, err := h.store.ListObjectsByComponent(ctx, cal.ID, []string{goical.CompEvent}, tr.start, tr.end)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	var busy []interval
	for _, o := range objs {
		if transparent(o.Data) {
			continue
		}
		occ, err := h.expander.Occurrences([]byte(o.Data), *tr.start, *tr.end)
		if err != nil {
			continue
		}
		for _, oc := range occ {
			s, e := oc.Start, oc.End
			if s.Before(*tr.start) {
				s = *tr.start
			}
			if e.After(*tr.end) {
				e = *tr.end
			}
			if e.After(s) {
				busy = append(busy, interval{s.UTC(), e.UTC()})
			}
		}
	}

	out := goical.NewCalendar()
	out.Props.SetText(goical.PropVersion, "2.0")
	out.Props.SetText(goical.PropProductID, h.cfg.ICS.BuildProdID())
	fb := goical.NewComponent(goical.CompFreeBusy)
	fb.Props.SetDateTime(goical.PropDateTimeStamp, time.Now().UTC())
	fb.Props.SetDateTime(goical.PropDateTimeStart, tr.start.UTC())
	fb.Props.SetDateTime(goical.PropDateTimeEnd, tr.end.UTC())
	for _, iv := range mergeIntervals(busy) {
		p := goical.NewProp(goical.PropFreeBusy)
		p.Value = iv.s.Format("20060102T150405Z") + "/" + iv.e.Format("20060102T150405Z")
		fb.Props.Add(p)
	}
	out.Children = append(out.Children, fb)

	var buf bytes.Buffer
	if err := goical.NewEncoder(&buf).Encode(out); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// transparent reports events that never block time.
func transparent(data string) bool {
	cal, err := goical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return false
	}
	for _, ev := range cal.Events() {
		if p := ev.Props.Get("TRANSP"); p != nil && strings.EqualFold(p.Value, "TRANSPARENT") {
			return true
		}
		if p := ev.Props.Get(goical.PropStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
			return true
		}
	}
	return false
}

type textMatch struct {
	value     string
	matchType string
	negate    bool
}

func (m textMatch) matches(v string) bool {
	v, want := strings.ToLower(v), strings.ToLower(m.value)
	var ok bool
	switch m.matchType {
	case "equals":
		ok = v == want
	case "starts-with":
		ok = strings.HasPrefix(v, want)
	case "ends-with":
		ok = strings.HasSuffix(v, want)
	default:
		ok = strings.Contains(v, want)
	}
	return ok != m.negate
}

type propFilter struct {
	name    string
	defined bool
	matches []textMatch
}

func (h *Handlers) reportAddressBookQuery(w http.ResponseWriter, r *http.Request, s acl.Subject, res resource, root *etree.Element) {
	ctx := r.Context()
	ab, err := h.addressBook(ctx, res)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	filter := child(root, nsCardDAV, "filter")
	allOf := filter != nil && filter.SelectAttrValue("test", "anyof") == "allof"
	var filters []propFilter
	for _, pf := range childrenNamed(filter, nsCardDAV, "prop-filter") {
		f := propFilter{
			name:    strings.ToUpper(pf.SelectAttrValue("name", "")),
			defined: child(pf, nsCardDAV, "is-not-defined") == nil,
		}
		for _, tm := range childrenNamed(pf, nsCardDAV, "text-match") {
			f.matches = append(f.matches, textMatch{
				value:     tm.Text(),
				matchType: tm.SelectAttrValue("match-type", "contains"),
				negate:    tm.SelectAttrValue("negate-condition", "no") == "yes",
			})
		}
		filters = append(filters, f)
	}

	limit := 0
	if nr := child(child(root, nsCardDAV, "limit"), nsCardDAV, "nresults"); nr != nil {
		limit, _ = strconv.Atoi(strings.TrimSpace(nr.Text()))
	}

	cards, err := h.store.ListCards(ctx, ab.ID)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	req := reportProps(root)
	ms := newMultistatus()
	count := 0
	for _, c := range cards {
		if !cardMatches([]byte(c.Data), filters, allOf) {
			continue
		}
		if limit > 0 && count == limit {
			break
		}
		ms.addNode(h.cardNode(s, ab, c), req)
		count++
	}
	writeMultiStatus(w, ms)
}

func cardMatches(data []byte, filters []propFilter, allOf bool) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		ok := propFilterMatches(data, f)
		if ok && !allOf {
			return true
		}
		if !ok && allOf {
			return false
		}
	}
	return allOf
}

func propFilterMatches(data []byte, f propFilter) bool {
	values, err := vcard.Values(data, f.name)
	if err != nil {
		return false
	}
	if !f.defined {
		return len(values) == 0
	}
	if len(values) == 0 {
		return false
	}
	if len(f.matches) == 0 {
		return true
	}
	for _, m := range f.matches {
		hit := false
		for _, v := range values {
			if m.matches(v) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}


func (h *Handlers) reportSyncCollection(w http.ResponseWriter, r *http.Request, s acl.Subject, res resource, root *etree.Element) {
	ctx := r.Context()
	var since int64
	if tok := strings.TrimSpace(child(root, nsDAV, "sync-token").NotNil().Text()); tok != "" {
		n, ok := storage.ParseSyncToken(tok)
		if !ok {
			writeError(w, http.StatusForbidden, qname(nsDAV, "valid-sync-token"))
			return
		}
		since = n
	}
	limit := 0
	if nr := child(child(root, nsDAV, "limit"), nsDAV, "nresults"); nr != nil {
		limit, _ = strconv.Atoi(strings.TrimSpace(nr.Text()))
	}
	req := reportProps(root)
	ms := newMultistatus()

	var last int64
	var err error
	switch res.typ {
	case resCalendar:
		last, err = h.syncCalendar(ctx, s, res, ms, req, since, limit)
	case resAddressBook:
		last, err = h.syncAddressBook(ctx, s, res, ms, req, since, limit)
	}
	if errors.Is(err, errNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("sync-collection failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	ms.syncToken(syncTokenValue(storage.FormatSyncToken(last)))
	writeMultiStatus(w, ms)
}

// latest keeps the newest change per uid, in sequence order.
func latest(changes []storage.Change) []storage.Change {
	idx := map[string]int{}
	var out []storage.Change
	for _, c := range changes {
		if i, ok := idx[c.UID]; ok {
			out[i] = c
			continue
		}
		idx[c.UID] = len(out)
		out = append(out, c)
	}
	return out
}

func (h *Handlers) syncCalendar(ctx context.Context, s acl.Subject, res resource, ms *multistatus, req propfindRequest, since int64, limit int) (int64, error) {
	cal, err := h.calendar(ctx, res)
	if err != nil {
		return 0, err
	}
	changes, last, err := h.store.ListCalendarChanges(ctx, cal.ID, since, limit)
	if err != nil {
		return 0, err
	}
	for _, c := range latest(changes) {
		target := resource{typ: resCalendarObject, owner: cal.Owner, collection: cal.URI, name: c.UID + ".ics"}
		if c.Deleted {
			if since > 0 {
				ms.statusResponse(h.href(target), http.StatusNotFound)
			}
			continue
		}
		o, err := h.store.GetObject(ctx, cal.ID, c.UID)
		if errors.Is(err, storage.ErrNotFound) {
			if since > 0 {
				ms.statusResponse(h.href(target), http.StatusNotFound)
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		ms.addNode(h.objectNode(s, cal, o), req)
	}
	return last, nil
}

func (h *Handlers) syncAddressBook(ctx context.Context, s acl.Subject, res resource, ms *multistatus, req propfindRequest, since int64, limit int) (int64, error) {
	ab, err := h.addressBook(ctx, res)
	if err != nil {
		return 0, err
	}
	changes, last, err := h.store.ListAddressBookChanges(ctx, ab.ID, since, limit)
	if err != nil {
		return 0, err
	}
	for _, c := range latest(changes) {
		target := resource{typ: resCard, owner: ab.Owner, collection: ab.URI, name: c.UID + ".vcf"}
		if c.Deleted {
			if since > 0 {
				ms.statusResponse(h.href(target), http.StatusNotFound)
			}
			continue
		}
		card, err := h.store.GetCard(ctx, ab.ID, c.UID)
		if errors.Is(err, storage.ErrNotFound) {
			if since > 0 {
				ms.statusResponse(h.href(target), http.StatusNotFound)
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		ms.addNode(h.cardNode(s, ab, card), req)
	}
	return last, nil
}
