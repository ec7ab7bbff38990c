package dav

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/sonroyaalmerol/katana-dav/internal/acl"
	"github.com/sonroyaalmerol/katana-dav/internal/principals"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

const syncTokenPrefix = "http://katana-dav.org/ns/sync/"

var errNotFound = errors.New("resource not found")

// expensive properties are only returned when asked for by name.
var expensive = map[xml.Name]bool{
	qname(nsCalDAV, "calendar-data"): true,
	qname(nsCardDAV, "address-data"):  true,
}

type node struct {
	res   resource
	href  string
	props map[xml.Name]propValue
}

func (n *node) set(space, local string, v propValue) {
	n.props[qname(space, local)] = v
}

func textValue(s string) propValue {
	return func(el *etree.Element) { el.SetText(s) }
}

func hrefValue(hrefs ...string) propValue {
	return func(el *etree.Element) {
		for _, h := range hrefs {
			el.CreateElement("d:href").SetText(h)
		}
	}
}

// typesValue lists resourcetype children by prefixed tag, e.g. "cal:calendar".
func typesValue(tags ...string) propValue {
	return func(el *etree.Element) {
		for _, t := range tags {
			el.CreateElement(t)
		}
	}
}

func privilegesValue(e acl.Effective) propValue {
	return func(el *etree.Element) {
		for _, name := range e.Names() {
			el.CreateElement("d:privilege").CreateElement("d:" + name)
		}
	}
}

func reportsValue(tags ...string) propValue {
	return func(el *etree.Element) {
		for _, t := range tags {
			el.CreateElement("d:supported-report").CreateElement("d:report").CreateElement(t)
		}
	}
}

func syncTokenValue(token string) string {
	return syncTokenPrefix + token
}

func (h *Handlers) newNode(s acl.Subject, res resource) *node {
	n := &node{res: res, href: h.href(res), props: map[xml.Name]propValue{}}
	n.set(nsDAV, "resourcetype", typesValue())
	n.set(nsDAV, "current-user-principal", hrefValue(h.principalHref(s.Username)))
	n.set(nsDAV, "current-user-privilege-set", privilegesValue(h.aclProv.Effective(s, res.aclResource())))
	if res.owner != "" {
		n.set(nsDAV, "owner", hrefValue(h.principalHref(res.owner)))
	}
	return n
}

func (h *Handlers) rootNode(s acl.Subject) *node {
	n := h.newNode(s, resource{typ: resRoot})
	n.set(nsDAV, "resourcetype", typesValue("d:collection"))
	n.set(nsDAV, "principal-collection-set", hrefValue(h.href(resource{typ: resPrincipals})))
	return n
}

func (h *Handlers) systemNode(s acl.Subject) *node {
	n := h.newNode(s, resource{typ: resSystem})
	n.set(nsDAV, "resourcetype", typesValue("d:collection"))
	n.set(nsDAV, "displayname", textValue("system"))
	return n
}

func (h *Handlers) principalsNode(s acl.Subject) *node {
	n := h.newNode(s, resource{typ: resPrincipals})
	n.set(nsDAV, "resourcetype", typesValue("d:collection"))
	n.set(nsDAV, "displayname", textValue("principals"))
	n.set(nsDAV, "principal-collection-set", hrefValue(n.href))
	return n
}

func (h *Handlers) principalNode(s acl.Subject, p *storage.Principal) *node {
	username, _ := principals.Username(p.URI)
	n := h.newNode(s, resource{typ: resPrincipal, owner: username})
	self := n.href
	display := p.DisplayName
	if display == "" {
		display = username
	}
	n.set(nsDAV, "resourcetype", typesValue("d:collection", "d:principal"))
	n.set(nsDAV, "displayname", textValue(display))
	n.set(nsDAV, "principal-URL", hrefValue(self))
	n.set(nsDAV, "principal-collection-set", hrefValue(h.href(resource{typ: resPrincipals})))
	n.set(nsSabre, "email-address", textValue(p.Email))
	n.set(nsCalDAV, "calendar-home-set", hrefValue(h.href(resource{typ: resCalendarHome, owner: username})))
	n.set(nsCardDAV, "addressbook-home-set", hrefValue(h.href(resource{typ: resAddressBookHome, owner: username})))
	n.set(nsCalDAV, "schedule-inbox-URL", hrefValue(h.href(resource{typ: resInbox, owner: username})))
	n.set(nsCalDAV, "calendar-user-type", textValue("INDIVIDUAL"))
	addresses := []string{self}
	if p.Email != "" {
		addresses = append([]string{"mailto:" + p.Email}, addresses...)
	}
	n.set(nsCalDAV, "calendar-user-address-set", hrefValue(addresses...))
	return n
}

func (h *Handlers) homeNode(s acl.Subject, res resource) *node {
	n := h.newNode(s, res)
	n.set(nsDAV, "resourcetype", typesValue("d:collection"))
	n.set(nsDAV, "displayname", textValue(res.owner))
	return n
}

func (h *Handlers) calendarNode(s acl.Subject, c *storage.Calendar) *node {
	n := h.newNode(s, resource{typ: resCalendar, owner: c.Owner, collection: c.URI})
	display := c.DisplayName
	if display == "" {
		display = c.URI
	}
	components := c.Components
	n.set(nsDAV, "resourcetype", typesValue("d:collection", "cal:calendar"))
	n.set(nsDAV, "displayname", textValue(display))
	n.set(nsCalDAV, "calendar-description", textValue(c.Description))
	n.set(nsApple, "calendar-color", textValue(c.Color))
	n.set(nsCalDAV, "supported-calendar-component-set", func(el *etree.Element) {
		for _, comp := range components {
			el.CreateElement("cal:comp").CreateAttr("name", comp)
		}
	})
	n.set(nsCalDAV, "supported-calendar-data", func(el *etree.Element) {
		cd := el.CreateElement("cal:calendar-data")
		cd.CreateAttr("content-type", "text/calendar")
		cd.CreateAttr("version", "2.0")
	})
	if h.cfg.HTTP.MaxICSBytes > 0 {
		n.set(nsCalDAV, "max-resource-size", textValue(strconv.FormatInt(h.cfg.HTTP.MaxICSBytes, 10)))
	}
	n.set(nsCS, "getctag", textValue(c.CTag))
	n.set(nsDAV, "sync-token", textValue(syncTokenValue(c.SyncToken)))
	n.set(nsDAV, "supported-report-set", reportsValue(
		"cal:calendar-query", "cal:calendar-multiget", "cal:free-busy-query", "d:sync-collection"))
	return n
}

func (h *Handlers) objectNode(s acl.Subject, c *storage.Calendar, o *storage.Object) *node {
	n := h.newNode(s, resource{typ: resCalendarObject, owner: c.Owner, collection: c.URI, name: o.UID + ".ics"})
	ct := "text/calendar; charset=utf-8"
	if o.Component != "" {
		ct += "; component=" + strings.ToLower(o.Component)
	}
	n.set(nsDAV, "getetag", textValue(quote(o.ETag)))
	n.set(nsDAV, "getcontenttype", textValue(ct))
	n.set(nsDAV, "getcontentlength", textValue(strconv.Itoa(len(o.Data))))
	n.set(nsDAV, "getlastmodified", textValue(o.UpdatedAt.UTC().Format(http.TimeFormat)))
	n.set(nsCalDAV, "calendar-data", textValue(o.Data))
	return n
}

func (h *Handlers) inboxNode(s acl.Subject, owner string) *node {
	n := h.newNode(s, resource{typ: resInbox, owner: owner})
	n.set(nsDAV, "resourcetype", typesValue("d:collection", "cal:schedule-inbox"))
	n.set(nsDAV, "displayname", textValue("Inbox"))
	n.set(nsDAV, "supported-report-set", reportsValue("cal:calendar-multiget"))
	return n
}

func (h *Handlers) inboxItemNode(s acl.Subject, m *storage.InboxMessage) *node {
	n := h.newNode(s, resource{typ: resInboxItem, owner: m.Owner, name: m.ID + ".ics"})
	n.set(nsDAV, "getetag", textValue(quote(m.ID)))
	n.set(nsDAV, "getcontenttype", textValue("text/calendar; charset=utf-8; method="+m.Method))
	n.set(nsDAV, "getcontentlength", textValue(strconv.Itoa(len(m.Data))))
	n.set(nsDAV, "getlastmodified", textValue(m.ReceivedAt.UTC().Format(http.TimeFormat)))
	n.set(nsCalDAV, "calendar-data", textValue(m.Data))
	return n
}

func (h *Handlers) addressBookNode(s acl.Subject, ab *storage.AddressBook) *node {
	n := h.newNode(s, resource{typ: resAddressBook, owner: ab.Owner, collection: ab.URI})
	display := ab.DisplayName
	if display == "" {
		display = ab.URI
	}
	n.set(nsDAV, "resourcetype", typesValue("d:collection", "card:addressbook"))
	n.set(nsDAV, "displayname", textValue(display))
	n.set(nsCardDAV, "addressbook-description", textValue(ab.Description))
	n.set(nsCardDAV, "supported-address-data", func(el *etree.Element) {
		ad := el.CreateElement("card:address-data-type")
		ad.CreateAttr("content-type", "text/vcard")
		ad.CreateAttr("version", "3.0")
	})
	if h.cfg.HTTP.MaxVCFBytes > 0 {
		n.set(nsCardDAV, "max-resource-size", textValue(strconv.FormatInt(h.cfg.HTTP.MaxVCFBytes, 10)))
	}
	n.set(nsCS, "getctag", textValue(ab.CTag))
	n.set(nsDAV, "sync-token", textValue(syncTokenValue(ab.SyncToken)))
	n.set(nsDAV, "supported-report-set", reportsValue(
		"card:addressbook-query", "card:addressbook-multiget", "d:sync-collection"))
	return n
}

func (h *Handlers) cardNode(s acl.Subject, ab *storage.AddressBook, c *storage.Card) *node {
	n := h.newNode(s, resource{typ: resCard, owner: ab.Owner, collection: ab.URI, name: c.UID + ".vcf"})
	n.set(nsDAV, "getetag", textValue(quote(c.ETag)))
	n.set(nsDAV, "getcontenttype", textValue("text/vcard; charset=utf-8"))
	n.set(nsDAV, "getcontentlength", textValue(strconv.Itoa(len(c.Data))))
	n.set(nsDAV, "getlastmodified", textValue(c.UpdatedAt.UTC().Format(http.TimeFormat)))
	n.set(nsCardDAV, "address-data", textValue(c.Data))
	return n
}

// addNode writes n into ms following the shape of the PROPFIND request.
func (ms *multistatus) addNode(n *node, req propfindRequest) {
	switch {
	case req.propname:
		names := make([]xml.Name, 0, len(n.props))
		for name := range n.props {
			names = append(names, name)
		}
		sortNames(names)
		ms.response(n.href, propGroup{status: http.StatusOK, names: names})
	case req.allprop:
		names := make([]xml.Name, 0, len(n.props))
		for name := range n.props {
			if !expensive[name] {
				names = append(names, name)
			}
		}
		sortNames(names)
		var missing []xml.Name
		for _, name := range req.props {
			if _, ok := n.props[name]; !ok {
				missing = append(missing, name)
			} else if expensive[name] {
				names = append(names, name)
			}
		}
		ms.response(n.href,
			propGroup{status: http.StatusOK, names: names, values: n.props},
			propGroup{status: http.StatusNotFound, names: missing})
	default:
		var found, missing []xml.Name
		for _, name := range req.props {
			if _, ok := n.props[name]; ok {
				found = append(found, name)
			} else {
				missing = append(missing, name)
			}
		}
		ms.response(n.href,
			propGroup{status: http.StatusOK, names: found, values: n.props},
			propGroup{status: http.StatusNotFound, names: missing})
	}
}

// lookup resolves res to a node, or errNotFound.
func (h *Handlers) lookup(ctx context.Context, s acl.Subject, res resource) (*node, error) {
	switch res.typ {
	case resRoot:
		return h.rootNode(s), nil
	case resSystem:
		return h.systemNode(s), nil
	case resPrincipals:
		return h.principalsNode(s), nil
	case resPrincipal:
		p, err := h.principal(ctx, res.owner)
		if err != nil {
			return nil, err
		}
		return h.principalNode(s, p), nil
	case resCalendarHome, resAddressBookHome:
		if _, err := h.principal(ctx, res.owner); err != nil {
			return nil, err
		}
		return h.homeNode(s, res), nil
	case resInbox:
		if _, err := h.principal(ctx, res.owner); err != nil {
			return nil, err
		}
		return h.inboxNode(s, res.owner), nil
	case resInboxItem:
		m, err := h.inboxMessage(ctx, res)
		if err != nil {
			return nil, err
		}
		return h.inboxItemNode(s, m), nil
	case resCalendar:
		c, err := h.calendar(ctx, res)
		if err != nil {
			return nil, err
		}
		return h.calendarNode(s, c), nil
	case resCalendarObject:
		c, err := h.calendar(ctx, res)
		if err != nil {
			return nil, err
		}
		o, err := h.store.GetObject(ctx, c.ID, res.uid())
		if err != nil {
			return nil, notFound(err)
		}
		return h.objectNode(s, c, o), nil
	case resAddressBook:
		ab, err := h.addressBook(ctx, res)
		if err != nil {
			return nil, err
		}
		return h.addressBookNode(s, ab), nil
	case resCard:
		ab, err := h.addressBook(ctx, res)
		if err != nil {
			return nil, err
		}
		c, err := h.store.GetCard(ctx, ab.ID, res.uid())
		if err != nil {
			return nil, notFound(err)
		}
		return h.cardNode(s, ab, c), nil
	}
	return nil, errNotFound
}

// children lists the members of a collection node that s may read.
func (h *Handlers) children(ctx context.Context, s acl.Subject, res resource) ([]*node, error) {
	var out []*node
	switch res.typ {
	case resRoot:
		out = append(out, h.principalsNode(s))
	case resPrincipals:
		list, err := h.principals.Principals(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range list {
			out = append(out, h.principalNode(s, p))
		}
	case resCalendarHome:
		cals, err := h.store.ListCalendars(ctx, res.owner)
		if err != nil {
			return nil, err
		}
		for _, c := range cals {
			out = append(out, h.calendarNode(s, c))
		}
		out = append(out, h.inboxNode(s, res.owner))
	case resCalendar:
		c, err := h.calendar(ctx, res)
		if err != nil {
			return nil, err
		}
		objs, err := h.store.ListObjects(ctx, c.ID, nil, nil)
		if err != nil {
			return nil, err
		}
		for _, o := range objs {
			out = append(out, h.objectNode(s, c, o))
		}
	case resInbox:
		msgs, err := h.store.ListInbox(ctx, res.owner)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			out = append(out, h.inboxItemNode(s, m))
		}
	case resAddressBookHome:
		books, err := h.store.ListAddressBooks(ctx, res.owner)
		if err != nil {
			return nil, err
		}
		for _, ab := range books {
			out = append(out, h.addressBookNode(s, ab))
		}
	case resAddressBook:
		ab, err := h.addressBook(ctx, res)
		if err != nil {
			return nil, err
		}
		cards, err := h.store.ListCards(ctx, ab.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range cards {
			out = append(out, h.cardNode(s, ab, c))
		}
	}

	readable := out[:0]
	for _, n := range out {
		if h.can(s, n.res, acl.PrivRead) {
			readable = append(readable, n)
		}
	}
	return readable, nil
}

func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, principals.ErrNotFound) {
		return errNotFound
	}
	return err
}

func (h *Handlers) principal(ctx context.Context, username string) (*storage.Principal, error) {
	p, err := h.principals.Principal(ctx, principals.Path(username))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (h *Handlers) calendar(ctx context.Context, res resource) (*storage.Calendar, error) {
	c, err := h.store.GetCalendar(ctx, res.owner, res.collection)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (h *Handlers) addressBook(ctx context.Context, res resource) (*storage.AddressBook, error) {
	ab, err := h.store.GetAddressBook(ctx, res.owner, res.collection)
	if err != nil {
		return nil, notFound(err)
	}
	return ab, nil
}

func (h *Handlers) inboxMessage(ctx context.Context, res resource) (*storage.InboxMessage, error) {
	msgs, err := h.store.ListInbox(ctx, res.owner)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.ID == res.uid() {
			return m, nil
		}
	}
	return nil, errNotFound
}

func lastModified(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
