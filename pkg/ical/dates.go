package ical

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

const utcLayout = "20060102T150405Z"

// propTime parses a DATE or DATE-TIME property honoring TZID. Floating
// times are placed in loc.
func propTime(p *ical.Prop, loc *time.Location) (time.Time, bool, error) {
	allDay := isDate(p)
	t, err := p.DateTime(loc)
	if err != nil {
		return time.Time{}, allDay, err
	}
	return t, allDay, nil
}

func isDate(p *ical.Prop) bool {
	if strings.EqualFold(p.Params.Get(ical.ParamValue), string(ical.ValueDate)) {
		return true
	}
	return len(strings.TrimSpace(p.Value)) == 8
}

// propTimes parses a comma-separated RDATE or EXDATE value.
func propTimes(p ical.Prop, loc *time.Location) []time.Time {
	if tzid := p.Params.Get(ical.ParamTimezoneID); tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	var out []time.Time
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		// PERIOD values contribute their start.
		part, _, _ = strings.Cut(part, "/")
		if t, err := parseDateTime(part, loc); err == nil {
			out = append(out, t)
		}
	}
	return out
}

func parseDateTime(s string, loc *time.Location) (time.Time, error) {
	switch {
	case len(s) == 8:
		return time.ParseInLocation("20060102", s, loc)
	case len(s) == 16 && strings.HasSuffix(s, "Z"):
		return time.Parse(utcLayout, s)
	case len(s) == 15:
		return time.ParseInLocation("20060102T150405", s, loc)
	}
	return time.Parse(time.RFC3339, s)
}

// parseDuration reads an RFC 5545 DURATION such as P1D, PT1H30M, -P2W.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var total time.Duration
	inTime := false
	units := 0
	var num strings.Builder
	for _, r := range s[1:] {
		if r >= '0' && r <= '9' {
			num.WriteRune(r)
			continue
		}
		if r == 'T' {
			inTime = true
			continue
		}
		n, err := strconv.Atoi(num.String())
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		num.Reset()
		units++
		switch {
		case r == 'W' && !inTime:
			total += time.Duration(n) * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += time.Duration(n) * 24 * time.Hour
		case r == 'H' && inTime:
			total += time.Duration(n) * time.Hour
		case r == 'M' && inTime:
			total += time.Duration(n) * time.Minute
		case r == 'S' && inTime:
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid duration %q", s)
		}
	}
	if num.Len() > 0 || units == 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if neg {
		total = -total
	}
	return total, nil
}
