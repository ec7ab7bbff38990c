package dav

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/beevik/etree"
)

const (
	nsDAV     = "DAV:"
	nsCalDAV  = "urn:ietf:params:xml:ns:caldav"
	nsCardDAV = "urn:ietf:params:xml:ns:carddav"
	nsCS      = "http://calendarserver.org/ns/"
	nsSabre   = "http://sabredav.org/ns"
	nsApple   = "http://apple.com/ns/ical/"
)

var prefixes = map[string]string{
	nsDAV:     "d",
	nsCalDAV:  "cal",
	nsCardDAV: "card",
	nsCS:      "cs",
	nsSabre:   "s",
	nsApple:   "ical",
}

var errBadXML = errors.New("bad xml")

func qname(space, local string) xml.Name {
	return xml.Name{Space: space, Local: local}
}

func nameOf(el *etree.Element) xml.Name {
	return xml.Name{Space: el.NamespaceURI(), Local: el.Tag}
}

func is(el *etree.Element, space, local string) bool {
	return el != nil && el.Tag == local && el.NamespaceURI() == space
}

func child(el *etree.Element, space, local string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if is(c, space, local) {
			return c
		}
	}
	return nil
}

func childrenNamed(el *etree.Element, space, local string) []*etree.Element {
	if el == nil {
		return nil
	}
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if is(c, space, local) {
			out = append(out, c)
		}
	}
	return out
}

// readXML parses a request body. An empty body yields a nil root.
func readXML(body []byte) (*etree.Element, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadXML, err)
	}
	if doc.Root() == nil {
		return nil, errBadXML
	}
	return doc.Root(), nil
}

func propNames(prop *etree.Element) []xml.Name {
	if prop == nil {
		return nil
	}
	var out []xml.Name
	for _, c := range prop.ChildElements() {
		out = append(out, nameOf(c))
	}
	return out
}

type propfindRequest struct {
	allprop  bool
	propname bool
	props    []xml.Name
}

// parsePropfind treats an empty body as allprop.
func parsePropfind(body []byte) (propfindRequest, error) {
	root, err := readXML(body)
	if err != nil {
		return propfindRequest{}, err
	}
	if root == nil {
		return propfindRequest{allprop: true}, nil
	}
	if !is(root, nsDAV, "propfind") {
		return propfindRequest{}, errBadXML
	}
	switch {
	case child(root, nsDAV, "propname") != nil:
		return propfindRequest{propname: true}, nil
	case child(root, nsDAV, "allprop") != nil:
		return propfindRequest{allprop: true, props: propNames(child(root, nsDAV, "include"))}, nil
	case child(root, nsDAV, "prop") != nil:
		return propfindRequest{props: propNames(child(root, nsDAV, "prop"))}, nil
	}
	return propfindRequest{allprop: true}, nil
}

// propUpdate is the content of propertyupdate, mkcol and mkcalendar bodies.
type propUpdate struct {
	set    map[xml.Name]*etree.Element
	remove []xml.Name
}

func parsePropUpdate(root *etree.Element) propUpdate {
	pu := propUpdate{set: map[xml.Name]*etree.Element{}}
	if root == nil {
		return pu
	}
	for _, op := range root.ChildElements() {
		prop := child(op, nsDAV, "prop")
		switch {
		case is(op, nsDAV, "set"):
			for _, p := range prop.NotNil().ChildElements() {
				pu.set[nameOf(p)] = p
			}
		case is(op, nsDAV, "remove"):
			pu.remove = append(pu.remove, propNames(prop)...)
		}
	}
	return pu
}

// values flattens set properties to their text and removed ones to "".
func (pu propUpdate) values() map[xml.Name]string {
	out := make(map[xml.Name]string, len(pu.set)+len(pu.remove))
	for name, el := range pu.set {
		out[name] = strings.TrimSpace(el.Text())
	}
	for _, name := range pu.remove {
		out[name] = ""
	}
	return out
}

func (pu propUpdate) text(space, local string) (string, bool) {
	el, ok := pu.set[qname(space, local)]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(el.Text()), true
}

// resourceTypes returns the names inside a requested resourcetype, nil when absent.
func (pu propUpdate) resourceTypes() []xml.Name {
	el, ok := pu.set[qname(nsDAV, "resourcetype")]
	if !ok {
		return nil
	}
	names := propNames(el)
	if names == nil {
		names = []xml.Name{}
	}
	return names
}

func (pu propUpdate) components() []string {
	el, ok := pu.set[qname(nsCalDAV, "supported-calendar-component-set")]
	if !ok {
		return nil
	}
	var out []string
	for _, c := range childrenNamed(el, nsCalDAV, "comp") {
		if name := strings.ToUpper(c.SelectAttrValue("name", "")); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func hasName(names []xml.Name, space, local string) bool {
	for _, n := range names {
		if n.Space == space && n.Local == local {
			return true
		}
	}
	return false
}

// propValue fills a property element. Only the fixed prefixes may be used inside.
type propValue func(el *etree.Element)

type multistatus struct {
	doc   *etree.Document
	root  *etree.Element
	extra map[string]string
}

func newMultistatus() *multistatus {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	root := doc.CreateElement("d:multistatus")
	spaces := make([]string, 0, len(prefixes))
	for ns := range prefixes {
		spaces = append(spaces, ns)
	}
	sort.Strings(spaces)
	for _, ns := range spaces {
		root.CreateAttr("xmlns:"+prefixes[ns], ns)
	}
	return &multistatus{doc: doc, root: root, extra: map[string]string{}}
}

// element creates a child named n, declaring unknown namespaces on the root.
func (m *multistatus) element(parent *etree.Element, n xml.Name) *etree.Element {
	if p, ok := prefixes[n.Space]; ok {
		return parent.CreateElement(p + ":" + n.Local)
	}
	if n.Space == "" {
		return parent.CreateElement(n.Local)
	}
	p, ok := m.extra[n.Space]
	if !ok {
		p = fmt.Sprintf("x%d", len(m.extra))
		m.extra[n.Space] = p
		m.root.CreateAttr("xmlns:"+p, n.Space)
	}
	return parent.CreateElement(p + ":" + n.Local)
}

type propGroup struct {
	status int
	names  []xml.Name
	values map[xml.Name]propValue
}

func (m *multistatus) response(href string, groups ...propGroup) {
	resp := m.root.CreateElement("d:response")
	resp.CreateElement("d:href").SetText(href)
	for _, g := range groups {
		if len(g.names) == 0 {
			continue
		}
		ps := resp.CreateElement("d:propstat")
		prop := ps.CreateElement("d:prop")
		for _, name := range g.names {
			el := m.element(prop, name)
			if fn := g.values[name]; fn != nil {
				fn(el)
			}
		}
		ps.CreateElement("d:status").SetText(statusLine(g.status))
	}
}

func (m *multistatus) statusResponse(href string, status int) {
	resp := m.root.CreateElement("d:response")
	resp.CreateElement("d:href").SetText(href)
	resp.CreateElement("d:status").SetText(statusLine(status))
}

func (m *multistatus) syncToken(token string) {
	m.root.CreateElement("d:sync-token").SetText(token)
}

func writeMultiStatus(w http.ResponseWriter, ms *multistatus) {
	ms.doc.Indent(2)
	b, err := ms.doc.WriteToBytes()
	if err != nil {
		http.Error(w, fmt.Sprintf("xml encode error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write(b)
}

// writeError answers with a DAV:error body naming a failed precondition.
func writeError(w http.ResponseWriter, status int, condition xml.Name) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	root := doc.CreateElement("d:error")
	root.CreateAttr("xmlns:d", nsDAV)
	if p, ok := prefixes[condition.Space]; ok && p != "d" {
		root.CreateAttr("xmlns:"+p, condition.Space)
		root.CreateElement(p + ":" + condition.Local)
	} else {
		root.CreateElement("d:" + condition.Local)
	}
	b, _ := doc.WriteToBytes()
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

func sortNames(names []xml.Name) {
	sort.Slice(names, func(i, j int) bool {
		if names[i].Space != names[j].Space {
			return names[i].Space < names[j].Space
		}
		return names[i].Local < names[j].Local
	})
}
