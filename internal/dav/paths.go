package dav

import (
	"path"
	"strings"

	"github.com/sonroyaalmerol/katana-dav/internal/acl"
)

type resourceType int

const (
	resRoot resourceType = iota
	resSystem
	resPrincipals
	resPrincipal
	resCalendarHome
	resCalendar
	resCalendarObject
	resInbox
	resInboxItem
	resAddressBookHome
	resAddressBook
	resCard
)

const inboxName = "inbox"

// resource is a parsed request path below the base path.
type resource struct {
	typ        resourceType
	owner      string
	collection string
	name       string
}

// uid is the object name without its extension.
func (r resource) uid() string {
	return strings.TrimSuffix(r.name, path.Ext(r.name))
}

func (r resource) isCollection() bool {
	switch r.typ {
	case resCalendarObject, resInboxItem, resCard, resPrincipal:
		return false
	}
	return true
}

// path is the relative node path used for events, e.g. principals/alice.
func (r resource) path() string {
	var parts []string
	switch r.typ {
	case resSystem:
		parts = []string{"system"}
	case resPrincipals:
		parts = []string{"principals"}
	case resPrincipal:
		parts = []string{"principals", r.owner}
	case resCalendarHome:
		parts = []string{"calendars", r.owner}
	case resCalendar:
		parts = []string{"calendars", r.owner, r.collection}
	case resCalendarObject:
		parts = []string{"calendars", r.owner, r.collection, r.name}
	case resInbox:
		parts = []string{"calendars", r.owner, inboxName}
	case resInboxItem:
		parts = []string{"calendars", r.owner, inboxName, r.name}
	case resAddressBookHome:
		parts = []string{"addressbooks", r.owner}
	case resAddressBook:
		parts = []string{"addressbooks", r.owner, r.collection}
	case resCard:
		parts = []string{"addressbooks", r.owner, r.collection, r.name}
	}
	return strings.Join(parts, "/")
}

func (r resource) aclResource() acl.Resource {
	switch r.typ {
	case resRoot:
		return acl.Resource{Kind: acl.KindRoot}
	case resSystem:
		return acl.Resource{Kind: acl.KindSystem}
	case resPrincipals:
		return acl.Resource{Kind: acl.KindPrincipalCollection}
	case resPrincipal:
		return acl.Resource{Kind: acl.KindPrincipal, Owner: r.owner}
	case resCalendarHome, resAddressBookHome:
		return acl.Resource{Kind: acl.KindHome, Owner: r.owner}
	case resCalendar, resAddressBook:
		return acl.Resource{Kind: acl.KindCollection, Owner: r.owner}
	case resInbox:
		return acl.Resource{Kind: acl.KindInbox, Owner: r.owner}
	case resInboxItem:
		return acl.Resource{Kind: acl.KindInboxItem, Owner: r.owner}
	default:
		return acl.Resource{Kind: acl.KindObject, Owner: r.owner}
	}
}

// parent returns the resource whose Bind/Unbind privilege governs creating r.
func (r resource) parent() resource {
	switch r.typ {
	case resPrincipal:
		return resource{typ: resPrincipals}
	case resCalendar, resInbox:
		return resource{typ: resCalendarHome, owner: r.owner}
	case resAddressBook:
		return resource{typ: resAddressBookHome, owner: r.owner}
	case resCalendarObject:
		return resource{typ: resCalendar, owner: r.owner, collection: r.collection}
	case resInboxItem:
		return resource{typ: resInbox, owner: r.owner}
	case resCard:
		return resource{typ: resAddressBook, owner: r.owner, collection: r.collection}
	}
	return resource{typ: resRoot}
}

// parsePath maps a request path onto the DAV tree. ok is false for anything outside it.
func (h *Handlers) parsePath(urlPath string) (resource, bool) {
	p := urlPath
	if h.basePath != "" {
		rest, found := strings.CutPrefix(p, h.basePath)
		if !found || (rest != "" && rest[0] != '/') {
			return resource{}, false
		}
		p = rest
	}
	p = strings.Trim(p, "/")
	if p == "" {
		return resource{typ: resRoot}, true
	}
	seg := strings.Split(p, "/")
	for _, s := range seg {
		if !safeSegment(s) {
			return resource{}, false
		}
	}

	switch seg[0] {
	case "system":
		if len(seg) == 1 {
			return resource{typ: resSystem}, true
		}
	case "principals":
		switch len(seg) {
		case 1:
			return resource{typ: resPrincipals}, true
		case 2:
			return resource{typ: resPrincipal, owner: seg[1]}, true
		}
	case "calendars":
		switch {
		case len(seg) == 2:
			return resource{typ: resCalendarHome, owner: seg[1]}, true
		case len(seg) == 3 && seg[2] == inboxName:
			return resource{typ: resInbox, owner: seg[1]}, true
		case len(seg) == 4 && seg[2] == inboxName:
			return resource{typ: resInboxItem, owner: seg[1], name: seg[3]}, true
		case len(seg) == 3:
			return resource{typ: resCalendar, owner: seg[1], collection: seg[2]}, true
		case len(seg) == 4:
			return resource{typ: resCalendarObject, owner: seg[1], collection: seg[2], name: seg[3]}, true
		}
	case "addressbooks":
		switch len(seg) {
		case 2:
			return resource{typ: resAddressBookHome, owner: seg[1]}, true
		case 3:
			return resource{typ: resAddressBook, owner: seg[1], collection: seg[2]}, true
		case 4:
			return resource{typ: resCard, owner: seg[1], collection: seg[2], name: seg[3]}, true
		}
	}
	return resource{}, false
}

// href renders the absolute path of r. Collections end with a slash.
func (h *Handlers) href(r resource) string {
	p := h.basePath + "/" + r.path()
	if r.typ == resRoot {
		return h.basePath + "/"
	}
	if r.isCollection() {
		p += "/"
	}
	return p
}

func (h *Handlers) principalHref(username string) string {
	if username == "" {
		return h.href(resource{typ: resPrincipals})
	}
	return h.href(resource{typ: resPrincipal, owner: username})
}
