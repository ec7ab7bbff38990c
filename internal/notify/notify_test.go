package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonroyaalmerol/katana-dav/internal/config"
)

type staticSettings config.MailConfig

func (s staticSettings) Get() config.MailConfig { return config.MailConfig(s) }

type sentMail struct {
	cfg  config.MailConfig
	from string
	to   []string
	raw  []byte
}

type fakeTransport struct {
	sent []sentMail
	err  error
}

func (f *fakeTransport) Send(_ context.Context, cfg config.MailConfig, from string, to []string, msg []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{cfg: cfg, from: from, to: to, raw: msg})
	return nil
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

type fakeMaps struct {
	body *trackingBody
	err  error
	got  Coordinates
}

func (f *fakeMaps) FetchMap(_ context.Context, c Coordinates) (io.ReadCloser, error) {
	f.got = c
	if f.err != nil {
		return nil, f.err
	}
	f.body = &trackingBody{Reader: strings.NewReader("\x89PNG fake map")}
	return f.body, nil
}

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestNotifier(tr Transport, opts ...Option) *Notifier {
	settings := staticSettings{Address: "smtp.example.com", Port: 587, Username: "dav@example.com", SenderTag: "katana"}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(settings, tr, zerolog.Nop(), opts...)
}

func parseCalendar(t *testing.T, method string, eventLines ...string) *ical.Calendar {
	t.Helper()
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//katana//katana-dav//EN",
		"METHOD:" + method,
		"BEGIN:VEVENT",
		"UID:ev-1@example.com",
		"DTSTAMP:20240301T090000Z",
	}
	lines = append(lines, eventLines...)
	lines = append(lines, "END:VEVENT", "END:VCALENDAR", "")
	cal, err := ical.NewDecoder(strings.NewReader(strings.Join(lines, "\r\n"))).Decode()
	require.NoError(t, err)
	return cal
}

func newMessage(t *testing.T, method string, eventLines ...string) *Message {
	return &Message{
		Method:            method,
		Sender:            "mailto:alice@example.com",
		Recipient:         "mailto:bob@example.com",
		SenderName:        "Alice",
		RecipientName:     "Bob",
		SignificantChange: true,
		Calendar:          parseCalendar(t, method, eventLines...),
	}
}

type part struct {
	contentType string
	params      map[string]string
	filename    string
	contentID   string
	depth       int
	body        string
}

func walkParts(t *testing.T, raw []byte) (mail.Header, []part) {
	t.Helper()
	e, err := message.Read(bytes.NewReader(raw))
	require.NoError(t, err)

	var parts []part
	err = e.Walk(func(path []int, ent *message.Entity, err error) error {
		if err != nil {
			return err
		}
		ct, params, _ := ent.Header.ContentType()
		p := part{contentType: ct, params: params, depth: len(path), contentID: ent.Header.Get("Content-ID")}
		if _, dp, err := ent.Header.ContentDisposition(); err == nil {
			p.filename = dp["filename"]
		}
		if !strings.HasPrefix(ct, "multipart/") {
			b, err := io.ReadAll(ent.Body)
			if err != nil {
				return err
			}
			p.body = string(b)
		}
		parts = append(parts, p)
		return nil
	})
	require.NoError(t, err)
	return mail.Header{Header: e.Header}, parts
}

func findPart(parts []part, filename string) (part, bool) {
	for _, p := range parts {
		if p.filename == filename {
			return p, true
		}
	}
	return part{}, false
}

func TestInsignificantChangeIsNotSent(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(tr)

	m := newMessage(t, "REQUEST", "SUMMARY:Team sync")
	m.SignificantChange = false
	require.NoError(t, n.Schedule(context.Background(), m))
	assert.Equal(t, StatusInsignificant, m.ScheduleStatus)
	assert.Empty(t, tr.sent)

	m = newMessage(t, "REQUEST", "SUMMARY:Team sync")
	m.SignificantChange = false
	m.ScheduleStatus = StatusDeliveredLocally
	require.NoError(t, n.Schedule(context.Background(), m))
	assert.Equal(t, StatusDeliveredLocally, m.ScheduleStatus)
	assert.Empty(t, tr.sent)
}

func TestReplySubjects(t *testing.T) {
	cases := map[string]string{
		"ACCEPTED":  `Alice accepted your invitation to "Team sync"`,
		"DECLINED":  `Alice declined your invitation to "Team sync"`,
		"TENTATIVE": `Alice tentatively accepted your invitation to "Team sync"`,
	}
	for partstat, want := range cases {
		t.Run(partstat, func(t *testing.T) {
			tr := &fakeTransport{}
			n := newTestNotifier(tr)
			m := newMessage(t, "REPLY",
				"SUMMARY:Team sync",
				"ATTENDEE;PARTSTAT="+partstat+";CN=Alice:mailto:alice@example.com",
			)
			require.NoError(t, n.Schedule(context.Background(), m))
			require.Len(t, tr.sent, 1)

			h, _ := walkParts(t, tr.sent[0].raw)
			subject, err := h.Subject()
			require.NoError(t, err)
			assert.Equal(t, want, subject)
			assert.Equal(t, StatusSent, m.ScheduleStatus)
		})
	}
}

func TestReplyWithUnknownPartstat(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(tr)
	m := newMessage(t, "REPLY",
		"SUMMARY:Team sync",
		"ATTENDEE;PARTSTAT=NEEDS-ACTION:mailto:alice@example.com",
	)
	require.NoError(t, n.Schedule(context.Background(), m))
	assert.Equal(t, StatusUnknownPartstat, m.ScheduleStatus)
	assert.Empty(t, tr.sent)
}

func TestUnsupportedMethod(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(tr)
	m := newMessage(t, "COUNTER", "SUMMARY:Team sync")
	require.NoError(t, n.Schedule(context.Background(), m))
	assert.Equal(t, StatusUnsupportedMethod, m.ScheduleStatus)
	assert.Empty(t, tr.sent)
}

func TestCancelSubject(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(tr)
	m := newMessage(t, "cancel", "SUMMARY:Team sync", "DTSTART:20240310T140000Z")
	require.NoError(t, n.Schedule(context.Background(), m))
	require.Len(t, tr.sent, 1)

	h, parts := walkParts(t, tr.sent[0].raw)
	subject, err := h.Subject()
	require.NoError(t, err)
	assert.Equal(t, `"Team sync" has been canceled.`, subject)

	ics, ok := findPart(parts, "Event.ics")
	require.True(t, ok)
	assert.Equal(t, "CANCEL", ics.params["method"])
}

func TestMissingSenderNameFallsBackToEmail(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(tr)
	m := newMessage(t, "REQUEST", "SUMMARY:Team sync", "DTSTART:20240310T140000Z")
	m.SenderName = ""
	require.NoError(t, n.Schedule(context.Background(), m))
	require.Len(t, tr.sent, 1)

	h, _ := walkParts(t, tr.sent[0].raw)
	subject, err := h.Subject()
	require.NoError(t, err)
	assert.Equal(t, `alice@example.com invited you to "Team sync"`, subject)

	from, err := h.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "alice@example.com (via katana)", from[0].Name)
}

func TestRequestToExternalRecipient(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(tr)
	m := newMessage(t, "REQUEST",
		"SUMMARY:Team sync",
		"DTSTART:20240310T140000Z",
		"LOCATION:Room 4",
		"ATTENDEE;CN=Bob:mailto:bob@example.com",
	)
	require.NoError(t, n.Schedule(context.Background(), m))
	assert.Equal(t, StatusSent, m.ScheduleStatus)
	require.Len(t, tr.sent, 1)

	sent := tr.sent[0]
	assert.Equal(t, "dav@example.com", sent.from)
	assert.Equal(t, []string{"bob@example.com"}, sent.to)

	h, parts := walkParts(t, sent.raw)
	from, err := h.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "Alice (via katana)", from[0].Name)
	assert.Equal(t, "dav@example.com", from[0].Address)

	to, err := h.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "Bob", to[0].Name)
	assert.Equal(t, "bob@example.com", to[0].Address)

	subject, _ := h.Subject()
	assert.Equal(t, `Alice invited you to "Team sync"`, subject)

	var types []string
	for _, p := range parts {
		types = append(types, p.contentType)
	}
	assert.Equal(t, []string{
		"multipart/mixed",
		"multipart/alternative",
		"text/plain",
		"multipart/related",
		"text/html",
		"image/png",
		"text/calendar",
	}, types)

	ics, ok := findPart(parts, "Event.ics")
	require.True(t, ok)
	assert.Equal(t, "REQUEST", ics.params["method"])
	assert.Equal(t, "UTF-8", ics.params["charset"])
	assert.Contains(t, ics.body, "UID:ev-1@example.com")

	logo, ok := findPart(parts, "logo.png")
	require.True(t, ok)
	assert.Equal(t, logoPNG, []byte(logo.body))

	html := parts[4].body
	assert.Contains(t, html, "cid:"+strings.Trim(logo.contentID, "<>"))
	assert.Contains(t, html, "Room 4")
	assert.Contains(t, parts[2].body, "Where:       Room 4")
}

func TestRequestDeliveredLocallyHasNoAttachment(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(tr)
	m := newMessage(t, "REQUEST", "SUMMARY:Team sync")
	m.ScheduleStatus = StatusDeliveredLocally

	require.NoError(t, n.Schedule(context.Background(), m))
	assert.Equal(t, StatusDeliveredLocally, m.ScheduleStatus)
	require.Len(t, tr.sent, 1)

	_, parts := walkParts(t, tr.sent[0].raw)
	_, ok := findPart(parts, "Event.ics")
	assert.False(t, ok)
	for _, p := range parts {
		assert.NotEqual(t, "text/calendar", p.contentType)
	}
}

func TestStructuredLocationAddsMap(t *testing.T) {
	tr := &fakeTransport{}
	maps := &fakeMaps{}
	n := newTestNotifier(tr, WithMapFetcher(maps))
	m := newMessage(t, "REQUEST",
		"SUMMARY:Lunch",
		"X-APPLE-STRUCTURED-LOCATION;VALUE=URI:geo:37.331741,-122.030333",
	)
	require.NoError(t, n.Schedule(context.Background(), m))
	require.Len(t, tr.sent, 1)

	assert.InDelta(t, 37.331741, maps.got.Latitude, 1e-9)
	assert.InDelta(t, -122.030333, maps.got.Longitude, 1e-9)
	require.NotNil(t, maps.body)
	assert.True(t, maps.body.closed)

	_, parts := walkParts(t, tr.sent[0].raw)
	img, ok := findPart(parts, "map.png")
	require.True(t, ok)
	assert.Equal(t, "\x89PNG fake map", img.body)
	assert.Contains(t, parts[2].body, "http://www.openstreetmap.org/?mlat=37.331741&mlon=-122.030333#map=16/37.331741/-122.030333")
}

func TestMapFailureStillSends(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(tr, WithMapFetcher(&fakeMaps{err: errors.New("offline")}))
	m := newMessage(t, "REQUEST",
		"SUMMARY:Lunch",
		"X-APPLE-STRUCTURED-LOCATION;VALUE=URI:37.5,-122.25",
	)
	require.NoError(t, n.Schedule(context.Background(), m))
	require.Len(t, tr.sent, 1)

	_, parts := walkParts(t, tr.sent[0].raw)
	_, ok := findPart(parts, "map.png")
	assert.False(t, ok)
}

func TestTransportErrorPropagates(t *testing.T) {
	boom := errors.New("connection refused")
	n := newTestNotifier(&fakeTransport{err: boom})
	m := newMessage(t, "REQUEST", "SUMMARY:Team sync")

	err := n.Schedule(context.Background(), m)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m.ScheduleStatus)
}

func TestSendTestUsesGivenSettings(t *testing.T) {
	tr := &fakeTransport{}
	n := newTestNotifier(tr)
	cfg := config.MailConfig{Address: "mail.test", Port: 2525, Username: "ops@example.com"}

	require.NoError(t, n.SendTest(context.Background(), cfg, "ops@example.com"))
	require.Len(t, tr.sent, 1)
	assert.Equal(t, "mail.test", tr.sent[0].cfg.Address)
	assert.Equal(t, 2525, tr.sent[0].cfg.Port)

	h, parts := walkParts(t, tr.sent[0].raw)
	subject, _ := h.Subject()
	assert.Equal(t, "Test email from katana", subject)
	require.Len(t, parts, 1)
	assert.Contains(t, parts[0].body, "Your mail settings work.")
}

func TestParseEvent(t *testing.T) {
	cal := parseCalendar(t, "REQUEST",
		"SUMMARY:Planning",
		"DTSTART;VALUE=DATE:20240315",
		"ATTENDEE;CN=Bob;ROLE=REQ-PARTICIPANT:mailto:bob@example.com",
		"ATTENDEE;EMAIL=carol@example.com:mailto:c.123@example.com",
		"ATTENDEE;CN=Alice;ROLE=CHAIR:mailto:alice@example.com",
		"ATTENDEE:mailto:dave@example.com",
	)
	ev := ParseEvent(cal, fixedNow, time.UTC)

	assert.Equal(t, "Planning", ev.Summary)
	assert.True(t, ev.AllDay)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), ev.Start)
	assert.True(t, ev.URL.IsAbsent())
	assert.True(t, ev.Description.IsAbsent())
	assert.True(t, ev.Geo.IsAbsent())

	require.Len(t, ev.Attendees, 4)
	assert.Equal(t, Attendee{CommonName: "Alice", Email: "alice@example.com", Role: "CHAIR"}, ev.Attendees[0])
	assert.Equal(t, "Bob", ev.Attendees[1].CommonName)
	assert.Equal(t, Attendee{CommonName: "carol@example.com", Email: "carol@example.com"}, ev.Attendees[2])
	assert.Equal(t, "dave@example.com", ev.Attendees[3].CommonName)
}

func TestParseEventDefaults(t *testing.T) {
	cal := parseCalendar(t, "REQUEST", "URL:https://example.com/meet", "DESCRIPTION:Bring notes")
	ev := ParseEvent(cal, fixedNow, time.UTC)

	assert.Empty(t, ev.Summary)
	assert.Equal(t, fixedNow, ev.Start)
	assert.False(t, ev.AllDay)
	assert.Equal(t, "https://example.com/meet", ev.URL.OrEmpty())
	assert.Equal(t, "Bring notes", ev.Description.OrEmpty())
}

func TestSortAttendeesIsStable(t *testing.T) {
	as := []Attendee{
		{CommonName: "a"},
		{CommonName: "b", Role: "CHAIR"},
		{CommonName: "c"},
		{CommonName: "d", Role: "CHAIR"},
	}
	SortAttendees(as)
	var names []string
	for _, a := range as {
		names = append(names, a.CommonName)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, names)
}

func TestMapboxURL(t *testing.T) {
	c, ok := parseGeo("geo:48.858,2.2945")
	require.True(t, ok)
	f := NewMapboxFetcher("tok")
	assert.Equal(t,
		"http://api.tiles.mapbox.com/v4/mapbox.streets/pin-m-star+285A98(2.2945,48.858)/2.2945,48.858,16/500x220.png?access_token=tok",
		f.URL(c))

	_, ok = parseGeo("Eiffel Tower")
	assert.False(t, ok)
}

func TestStatusCode(t *testing.T) {
	m := &Message{ScheduleStatus: StatusDeliveredLocally}
	assert.Equal(t, "1.2", m.StatusCode())
	assert.True(t, m.DeliveredLocally())
	assert.Equal(t, "bob@example.com", stripMailto("MAILTO:bob@example.com"))
}
