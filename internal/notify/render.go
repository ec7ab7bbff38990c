package notify

import (
	"bytes"
	"embed"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

//go:embed templates
var templateFS embed.FS

var (
	funcs = map[string]any{
		"when":  formatWhen,
		"color": actionColor,
	}
	textTemplate = texttemplate.Must(texttemplate.New("scheduling.txt").Funcs(funcs).ParseFS(templateFS, "templates/scheduling.txt"))
	htmlTemplate = htmltemplate.Must(htmltemplate.New("scheduling.html").Funcs(funcs).ParseFS(templateFS, "templates/scheduling.html"))
	logoPNG      = mustReadFile("templates/logo.png")
)

// Inline is an image referenced from the HTML body through its Content-ID.
type Inline struct {
	ContentID string
	Filename  string
	Data      []byte
}

// Rendered is a notification ready to be composed into a MIME message.
type Rendered struct {
	Subject    string
	Text       string
	HTML       string
	Logo       Inline
	Map        mo.Option[Inline]
	Attachment mo.Option[[]byte]
}

type view struct {
	Action      string
	Label       string
	Headline    string
	Tag         string
	SenderName  string
	SenderEmail string
	Summary     string
	Start       time.Time
	AllDay      bool
	Attendees   []Attendee
	URL         string
	Description string
	Location    string
	MapLink     string
	LogoID      string
	MapID       string
}

var actionLabels = map[string]string{
	"REQUEST":   "Invitation",
	"CANCEL":    "Canceled",
	"ACCEPTED":  "Accepted",
	"TENTATIVE": "Tentatively accepted",
	"DECLINED":  "Declined",
}

func render(action, subject, tag, senderName, senderEmail string, ev Event, mapImage mo.Option[[]byte]) (*Rendered, error) {
	v := view{
		Action:      action,
		Label:       actionLabels[action],
		Headline:    subject,
		Tag:         tag,
		SenderName:  senderName,
		SenderEmail: senderEmail,
		Summary:     ev.Summary,
		Start:       ev.Start,
		AllDay:      ev.AllDay,
		Attendees:   ev.Attendees,
		URL:         ev.URL.OrEmpty(),
		Description: ev.Description.OrEmpty(),
		Location:    ev.Location.OrEmpty(),
		LogoID:      contentID("logo"),
	}
	if geo, ok := ev.Geo.Get(); ok {
		v.MapLink = geo.MapLink()
	}

	out := &Rendered{
		Subject: subject,
		Logo:    Inline{ContentID: v.LogoID, Filename: "logo.png", Data: logoPNG},
	}
	if img, ok := mapImage.Get(); ok {
		v.MapID = contentID("map")
		out.Map = mo.Some(Inline{ContentID: v.MapID, Filename: "map.png", Data: img})
	}

	var text, html bytes.Buffer
	if err := textTemplate.Execute(&text, v); err != nil {
		return nil, err
	}
	if err := htmlTemplate.Execute(&html, v); err != nil {
		return nil, err
	}
	out.Text = text.String()
	out.HTML = html.String()
	return out, nil
}

func contentID(name string) string {
	return name + "." + uuid.NewString() + "@katana"
}

func formatWhen(t time.Time, allDay bool) string {
	if allDay {
		return t.Format("Monday, January 2, 2006")
	}
	return t.Format("Monday, January 2, 2006 15:04 MST")
}

func actionColor(action string) htmltemplate.CSS {
	switch strings.ToUpper(action) {
	case "CANCEL", "DECLINED":
		return "#b3261e"
	case "ACCEPTED":
		return "#1e7b34"
	default:
		return "#285a98"
	}
}

func mustReadFile(name string) []byte {
	b, err := templateFS.ReadFile(name)
	if err != nil {
		panic(err)
	}
	return b
}
