package notify

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

const propStructuredLocation = "X-APPLE-STRUCTURED-LOCATION"

var geoPattern = regexp.MustCompile(`^(geo:)?(-?\d+\.\d+),(-?\d+\.\d+)$`)

// Attendee is the rendering view of an ATTENDEE property.
type Attendee struct {
	CommonName string
	Email      string
	Role       string
}

// Coordinates of a structured location.
type Coordinates struct {
	Latitude  float64
	Longitude float64
	// raw keeps the textual values so links reproduce them exactly.
	lat, lon string
}

// Event is the subset of a VEVENT used to render a notification.
type Event struct {
	Summary     string
	Start       time.Time
	AllDay      bool
	Attendees   []Attendee
	URL         mo.Option[string]
	Description mo.Option[string]
	Location    mo.Option[string]
	Geo         mo.Option[Coordinates]
	// PartStat is the participation status of the first attendee.
	PartStat string
}

// ParseEvent extracts the first VEVENT of cal. Missing values fall back to
// defaults: an empty summary and now as the start time.
func ParseEvent(cal *ical.Calendar, now time.Time, loc *time.Location) Event {
	ev := Event{Start: now}
	comp := firstEvent(cal)
	if comp == nil {
		return ev
	}

	if p := comp.Props.Get(ical.PropSummary); p != nil {
		ev.Summary = p.Value
	}
	if p := comp.Props.Get(ical.PropDateTimeStart); p != nil {
		ev.AllDay = isDateOnly(p)
		if t, err := parseStart(p, loc); err == nil {
			ev.Start = t
		}
	}

	ev.URL = textOption(comp, ical.PropURL)
	ev.Description = textOption(comp, ical.PropDescription)
	ev.Location = textOption(comp, ical.PropLocation)

	if p := comp.Props.Get(propStructuredLocation); p != nil {
		if c, ok := parseGeo(p.Value); ok {
			ev.Geo = mo.Some(c)
		}
	}

	props := comp.Props.Values(ical.PropAttendee)
	for i, p := range props {
		if i == 0 {
			ev.PartStat = strings.ToUpper(p.Params.Get(ical.ParamParticipationStatus))
		}
		ev.Attendees = append(ev.Attendees, attendeeFromProp(p))
	}
	SortAttendees(ev.Attendees)
	return ev
}

// SortAttendees moves chairs to the front, keeping the relative order of
// everyone else.
func SortAttendees(as []Attendee) {
	sort.SliceStable(as, func(i, j int) bool {
		return as[i].Role == "CHAIR" && as[j].Role != "CHAIR"
	})
}

func firstEvent(cal *ical.Calendar) *ical.Component {
	if cal == nil || cal.Component == nil {
		return nil
	}
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			return child
		}
	}
	return nil
}

func attendeeFromProp(p ical.Prop) Attendee {
	email := p.Params.Get("EMAIL")
	if email == "" {
		email = stripMailto(p.Value)
	}
	cn := p.Params.Get(ical.ParamCommonName)
	if cn == "" {
		cn = email
	}
	return Attendee{
		CommonName: cn,
		Email:      email,
		Role:       strings.ToUpper(p.Params.Get(ical.ParamRole)),
	}
}

func textOption(comp *ical.Component, name string) mo.Option[string] {
	p := comp.Props.Get(name)
	if p == nil {
		return mo.None[string]()
	}
	v, err := comp.Props.Text(name)
	if err != nil {
		v = p.Value
	}
	if v == "" {
		return mo.None[string]()
	}
	return mo.Some(v)
}

func isDateOnly(p *ical.Prop) bool {
	if strings.EqualFold(p.Params.Get(ical.ParamValue), string(ical.ValueDate)) {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func parseStart(p *ical.Prop, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := p.DateTime(loc)
	if err == nil {
		return t, nil
	}
	return time.ParseInLocation("20060102", p.Value, loc)
}

func parseGeo(v string) (Coordinates, bool) {
	m := geoPattern.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return Coordinates{}, false
	}
	lat, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Coordinates{}, false
	}
	lon, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return Coordinates{}, false
	}
	return Coordinates{Latitude: lat, Longitude: lon, lat: m[2], lon: m[3]}, true
}

// MapLink points to the location on OpenStreetMap.
func (c Coordinates) MapLink() string {
	return "http://www.openstreetmap.org/?mlat=" + c.lat + "&mlon=" + c.lon + "#map=16/" + c.lat + "/" + c.lon
}
