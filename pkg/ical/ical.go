package ical

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

var (
	ErrUnsupportedComponent = errors.New("unsupported component")
	ErrMissingUID           = errors.New("missing UID")
)

// Object is a validated calendar object ready to be stored.
type Object struct {
	Component string
	UID       string
	// Start and End bound every instance of the object. End is nil for
	// recurrences without an end, Start is nil when the object is undated.
	Start *time.Time
	End   *time.Time
	Data  []byte
}

// Parse validates a calendar object resource, fills in a missing DTSTAMP
// and computes the time bounds used to pre-filter time-range queries.
func Parse(data []byte, loc *time.Location) (*Object, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("invalid calendar data: %w", err)
	}

	comp := primaryComponent(cal)
	if comp == nil {
		return nil, ErrUnsupportedComponent
	}
	uid := comp.Props.Get(ical.PropUID)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return nil, ErrMissingUID
	}

	obj := &Object{Component: comp.Name, UID: uid.Value}
	obj.Start, obj.End = bounds(cal, comp.Name, loc)

	if ensureDTStamp(cal) {
		var buf bytes.Buffer
		if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
			return nil, fmt.Errorf("encode calendar: %w", err)
		}
		obj.Data = buf.Bytes()
	} else {
		obj.Data = data
	}
	return obj, nil
}

// DetectComponent returns the name of the first VEVENT, VTODO or VJOURNAL.
func DetectComponent(data []byte) (string, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return "", err
	}
	if comp := primaryComponent(cal); comp != nil {
		return comp.Name, nil
	}
	return "", ErrUnsupportedComponent
}

func primaryComponent(cal *ical.Calendar) *ical.Component {
	for _, child := range cal.Children {
		switch child.Name {
		case ical.CompEvent, ical.CompToDo, ical.CompJournal:
			return child
		}
	}
	return nil
}

func ensureDTStamp(cal *ical.Calendar) bool {
	modified := false
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent && child.Name != ical.CompToDo && child.Name != ical.CompJournal {
			continue
		}
		if child.Props.Get(ical.PropDateTimeStamp) == nil {
			child.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
			modified = true
		}
	}
	return modified
}

// bounds spans every component sharing the primary component's type,
// so overridden instances are included.
func bounds(cal *ical.Calendar, name string, loc *time.Location) (*time.Time, *time.Time) {
	var start, end *time.Time
	open := false
	for _, comp := range cal.Children {
		if comp.Name != name {
			continue
		}
		inst, err := newInstance(comp, loc)
		if err != nil || inst.start.IsZero() {
			continue
		}
		s := inst.start
		if start == nil || s.Before(*start) {
			start = &s
		}

		last, finite := inst.lastEnd()
		if !finite {
			open = true
			continue
		}
		if end == nil || last.After(*end) {
			end = &last
		}
	}
	if open {
		return start, nil
	}
	return start, end
}
