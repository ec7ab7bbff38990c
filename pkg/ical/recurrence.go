package ical

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// Occurrence is one instance of a calendar object inside a time range.
type Occurrence struct {
	Start        time.Time
	End          time.Time
	RecurrenceID *time.Time
}

type instance struct {
	start        time.Time
	dur          time.Duration
	allDay       bool
	rule         *rrule.RRule
	rdates       []time.Time
	exdates      []time.Time
	recurrenceID *time.Time
}

func newInstance(comp *ical.Component, loc *time.Location) (*instance, error) {
	inst := &instance{}

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil && comp.Name == ical.CompToDo {
		startProp = comp.Props.Get(ical.PropDue)
	}
	if startProp == nil {
		return inst, nil
	}
	start, allDay, err := propTime(startProp, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", startProp.Name, err)
	}
	inst.start, inst.allDay = start, allDay

	switch {
	case comp.Props.Get(ical.PropDateTimeEnd) != nil:
		end, _, err := propTime(comp.Props.Get(ical.PropDateTimeEnd), loc)
		if err != nil {
			return nil, fmt.Errorf("invalid DTEND: %w", err)
		}
		inst.dur = end.Sub(start)
	case comp.Props.Get(ical.PropDuration) != nil:
		d, err := parseDuration(comp.Props.Get(ical.PropDuration).Value)
		if err != nil {
			return nil, err
		}
		inst.dur = d
	case comp.Name == ical.CompToDo && comp.Props.Get(ical.PropDue) != nil && startProp.Name != ical.PropDue:
		due, _, err := propTime(comp.Props.Get(ical.PropDue), loc)
		if err == nil {
			inst.dur = due.Sub(start)
		}
	case allDay:
		inst.dur = 24 * time.Hour
	}
	if inst.dur < 0 {
		inst.dur = 0
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		opt, err := rrule.StrToROptionInLocation(p.Value, start.Location())
		if err != nil {
			return nil, fmt.Errorf("invalid RRULE: %w", err)
		}
		opt.Dtstart = start
		rule, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("invalid RRULE: %w", err)
		}
		inst.rule = rule
	}
	for _, p := range comp.Props.Values(ical.PropRecurrenceDates) {
		inst.rdates = append(inst.rdates, propTimes(p, start.Location())...)
	}
	for _, p := range comp.Props.Values(ical.PropExceptionDates) {
		inst.exdates = append(inst.exdates, propTimes(p, start.Location())...)
	}
	if p := comp.Props.Get(ical.PropRecurrenceID); p != nil {
		if t, _, err := propTime(p, loc); err == nil {
			inst.recurrenceID = &t
		}
	}
	return inst, nil
}

func (i *instance) recurring() bool {
	return i.rule != nil || len(i.rdates) > 0
}

// lastEnd is the end of the last instance. finite is false for unbounded
// rules.
func (i *instance) lastEnd() (last time.Time, finite bool) {
	last = i.start.Add(i.dur)
	for _, d := range i.rdates {
		if e := d.Add(i.dur); e.After(last) {
			last = e
		}
	}
	if i.rule == nil {
		return last, true
	}
	opts := i.rule.OrigOptions
	if opts.Count == 0 && opts.Until.IsZero() {
		return time.Time{}, false
	}
	all := i.rule.All()
	if n := len(all); n > 0 {
		if e := all[n-1].Add(i.dur); e.After(last) {
			last = e
		}
	}
	return last, true
}

// starts returns instance start times whose span overlaps [from, to).
func (i *instance) starts(from, to time.Time) []time.Time {
	if !i.recurring() {
		if overlaps(i.start, i.dur, from, to) {
			return []time.Time{i.start}
		}
		return nil
	}

	candidates := []time.Time{i.start}
	if i.rule != nil {
		candidates = i.rule.Between(from.Add(-i.dur), to, true)
	}
	candidates = append(candidates, i.rdates...)

	excluded := make(map[string]bool, len(i.exdates))
	for _, ex := range i.exdates {
		excluded[ex.UTC().Format(utcLayout)] = true
	}

	seen := make(map[string]bool)
	var out []time.Time
	for _, c := range candidates {
		key := c.UTC().Format(utcLayout)
		if excluded[key] || seen[key] {
			continue
		}
		seen[key] = true
		if overlaps(c, i.dur, from, to) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Before(out[b]) })
	return out
}

// overlaps follows the CalDAV time-range rule: zero-length instances match
// when they start inside the range.
func overlaps(start time.Time, dur time.Duration, from, to time.Time) bool {
	if !to.IsZero() && !start.Before(to) {
		return false
	}
	if from.IsZero() {
		return true
	}
	if dur == 0 {
		return !start.Before(from)
	}
	return start.Add(dur).After(from)
}

type Expander struct {
	loc *time.Location
}

// NewExpander places floating times in tz.
func NewExpander(tz *time.Location) *Expander {
	if tz == nil {
		tz = time.UTC
	}
	return &Expander{loc: tz}
}

// Occurrences lists the instances of the object overlapping [from, to).
// A zero from or to leaves that side open. Overridden instances replace the
// generated instance with the same RECURRENCE-ID.
func (x *Expander) Occurrences(data []byte, from, to time.Time) ([]Occurrence, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse calendar: %w", err)
	}
	primary := primaryComponent(cal)
	if primary == nil {
		return nil, ErrUnsupportedComponent
	}

	var master *instance
	var overrides []*instance
	for _, comp := range cal.Children {
		if comp.Name != primary.Name {
			continue
		}
		inst, err := newInstance(comp, x.loc)
		if err != nil {
			return nil, err
		}
		if inst.recurrenceID != nil {
			overrides = append(overrides, inst)
		} else if master == nil {
			master = inst
		}
	}

	overridden := make(map[string]bool, len(overrides))
	for _, o := range overrides {
		overridden[o.recurrenceID.UTC().Format(utcLayout)] = true
	}

	var out []Occurrence
	if master != nil {
		if master.start.IsZero() {
			// Undated objects match every range.
			out = append(out, Occurrence{})
		} else {
			for _, s := range master.starts(from, to) {
				if overridden[s.UTC().Format(utcLayout)] {
					continue
				}
				occ := Occurrence{Start: s, End: s.Add(master.dur)}
				if master.recurring() {
					rid := s
					occ.RecurrenceID = &rid
				}
				out = append(out, occ)
			}
		}
	}
	for _, o := range overrides {
		if overlaps(o.start, o.dur, from, to) {
			out = append(out, Occurrence{Start: o.start, End: o.start.Add(o.dur), RecurrenceID: o.recurrenceID})
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Start.Before(out[b].Start) })
	return out, nil
}

// Overlaps reports whether any instance of the object falls in [from, to).
func (x *Expander) Overlaps(data []byte, from, to time.Time) (bool, error) {
	occ, err := x.Occurrences(data, from, to)
	if err != nil {
		return false, err
	}
	return len(occ) > 0, nil
}
