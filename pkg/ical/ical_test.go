package ical

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calendar(components ...string) []byte {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//test//EN"}
	lines = append(lines, components...)
	lines = append(lines, "END:VCALENDAR", "")
	return []byte(strings.Join(lines, "\r\n"))
}

func vevent(lines ...string) string {
	return strings.Join(append(append([]string{"BEGIN:VEVENT"}, lines...), "END:VEVENT"), "\r\n")
}

func utc(s string) time.Time {
	t, err := time.Parse(utcLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParseSimpleEvent(t *testing.T) {
	data := calendar(vevent(
		"UID:a",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240501T100000Z",
		"DTEND:20240501T110000Z",
	))
	obj, err := Parse(data, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "VEVENT", obj.Component)
	assert.Equal(t, "a", obj.UID)
	require.NotNil(t, obj.Start)
	require.NotNil(t, obj.End)
	assert.Equal(t, utc("20240501T100000Z"), obj.Start.UTC())
	assert.Equal(t, utc("20240501T110000Z"), obj.End.UTC())
	assert.Equal(t, data, obj.Data)
}

func TestParseAddsDTStamp(t *testing.T) {
	obj, err := Parse(calendar(vevent("UID:a", "DTSTART:20240501T100000Z")), time.UTC)
	require.NoError(t, err)
	assert.Contains(t, string(obj.Data), "DTSTAMP:")
}

func TestParseRejectsInvalidObjects(t *testing.T) {
	_, err := Parse([]byte("garbage"), time.UTC)
	assert.Error(t, err)

	_, err = Parse(calendar(vevent("DTSTART:20240501T100000Z")), time.UTC)
	assert.ErrorIs(t, err, ErrMissingUID)

	_, err = Parse(calendar("BEGIN:VFREEBUSY\r\nUID:x\r\nEND:VFREEBUSY"), time.UTC)
	assert.ErrorIs(t, err, ErrUnsupportedComponent)
}

func TestParseRecurringBounds(t *testing.T) {
	open, err := Parse(calendar(vevent(
		"UID:weekly",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240101T090000Z",
		"DURATION:PT1H",
		"RRULE:FREQ=WEEKLY",
	)), time.UTC)
	require.NoError(t, err)
	assert.NotNil(t, open.Start)
	assert.Nil(t, open.End)

	counted, err := Parse(calendar(vevent(
		"UID:daily",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240101T090000Z",
		"DURATION:PT1H",
		"RRULE:FREQ=DAILY;COUNT=3",
	)), time.UTC)
	require.NoError(t, err)
	require.NotNil(t, counted.End)
	assert.Equal(t, utc("20240103T100000Z"), counted.End.UTC())
}

func TestParseTodoWithoutDates(t *testing.T) {
	obj, err := Parse(calendar("BEGIN:VTODO\r\nUID:t\r\nDTSTAMP:20240101T000000Z\r\nSUMMARY:x\r\nEND:VTODO"), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "VTODO", obj.Component)
	assert.Nil(t, obj.Start)
	assert.Nil(t, obj.End)
}

func TestOccurrencesWithExdateAndOverride(t *testing.T) {
	data := calendar(
		vevent(
			"UID:r",
			"DTSTAMP:20240101T000000Z",
			"DTSTART:20240101T090000Z",
			"DTEND:20240101T100000Z",
			"RRULE:FREQ=DAILY;COUNT=5",
			"EXDATE:20240102T090000Z",
		),
		vevent(
			"UID:r",
			"DTSTAMP:20240101T000000Z",
			"RECURRENCE-ID:20240104T090000Z",
			"DTSTART:20240104T150000Z",
			"DTEND:20240104T160000Z",
		),
	)
	x := NewExpander(time.UTC)

	occ, err := x.Occurrences(data, utc("20240101T000000Z"), utc("20240110T000000Z"))
	require.NoError(t, err)
	var starts []string
	for _, o := range occ {
		starts = append(starts, o.Start.UTC().Format(utcLayout))
	}
	assert.Equal(t, []string{
		"20240101T090000Z",
		"20240103T090000Z",
		"20240104T150000Z",
		"20240105T090000Z",
	}, starts)

	ok, err := x.Overlaps(data, utc("20240102T000000Z"), utc("20240102T235959Z"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = x.Overlaps(data, utc("20240104T140000Z"), utc("20240104T153000Z"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllDayEventsSpanTheDay(t *testing.T) {
	data := calendar(vevent("UID:d", "DTSTAMP:20240101T000000Z", "DTSTART;VALUE=DATE:20240301"))
	x := NewExpander(time.UTC)

	ok, err := x.Overlaps(data, utc("20240301T220000Z"), utc("20240301T230000Z"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = x.Overlaps(data, utc("20240302T000000Z"), utc("20240303T000000Z"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"PT1H30M": 90 * time.Minute,
		"P1D":     24 * time.Hour,
		"P2W":     14 * 24 * time.Hour,
		"-PT15M":  -15 * time.Minute,
		"P1DT2S":  24*time.Hour + 2*time.Second,
	}
	for in, want := range cases {
		got, err := parseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "1H", "PT", "PTH", "P1H"} {
		_, err := parseDuration(bad)
		assert.Error(t, err, bad)
	}
}
