package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/sonroyaalmerol/katana-dav/internal/config"
	"github.com/sonroyaalmerol/katana-dav/internal/metrics"
)

const maxMapBytes = 4 << 20

// MailSettings yields the mail configuration in effect. The admin API can
// change it at runtime.
type MailSettings interface {
	Get() config.MailConfig
}

// Notifier turns scheduling messages into iMIP emails.
type Notifier struct {
	settings  MailSettings
	transport Transport
	maps      MapFetcher
	location  *time.Location
	now       func() time.Time
	logger    zerolog.Logger
}

type Option func(*Notifier)

// WithMapFetcher enables static map images for structured locations.
func WithMapFetcher(f MapFetcher) Option {
	return func(n *Notifier) { n.maps = f }
}

// WithLocation sets the zone used for floating event times.
func WithLocation(loc *time.Location) Option {
	return func(n *Notifier) { n.location = loc }
}

func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

func New(settings MailSettings, transport Transport, logger zerolog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		settings:  settings,
		transport: transport,
		location:  time.UTC,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Schedule renders and sends the email for m, recording the outcome in
// m.ScheduleStatus. Policy rejections are reported through the status and
// return nil; only composition and transport failures are errors.
//
// When m.SenderName is empty the sender's email address stands in for it in
// the subject, the body and the From display name, so mails never read
// " invited you to".
func (n *Notifier) Schedule(ctx context.Context, m *Message) error {
	method := strings.ToUpper(m.Method)

	if !m.SignificantChange {
		if m.ScheduleStatus == "" {
			m.ScheduleStatus = StatusInsignificant
		}
		metrics.IMIPMessage(method, "insignificant")
		return nil
	}

	local := m.DeliveredLocally()
	sender := stripMailto(m.Sender)
	recipient := stripMailto(m.Recipient)
	senderName := m.SenderName
	if senderName == "" {
		senderName = sender
	}

	ev := ParseEvent(m.Calendar, n.now(), n.location)

	subject, action, ok := subjectFor(method, senderName, ev)
	if !ok {
		if method == "REPLY" {
			m.ScheduleStatus = StatusUnknownPartstat
		} else {
			m.ScheduleStatus = StatusUnsupportedMethod
		}
		metrics.IMIPMessage(method, "rejected")
		return nil
	}

	cfg := n.settings.Get()
	tag := cfg.SenderTag
	if tag == "" {
		tag = "katana"
	}

	rendered, err := render(action, subject, tag, senderName, sender, ev, n.fetchMap(ctx, ev))
	if err != nil {
		metrics.IMIPMessage(method, "failed")
		return fmt.Errorf("render %s notification: %w", method, err)
	}
	if !local && m.Calendar != nil {
		ics, err := encodeCalendar(m.Calendar)
		if err != nil {
			metrics.IMIPMessage(method, "failed")
			return fmt.Errorf("encode attachment: %w", err)
		}
		rendered.Attachment = mo.Some(ics)
	}

	fromAddr := cfg.Username
	if fromAddr == "" {
		fromAddr = sender
	}
	from := &mail.Address{Name: fmt.Sprintf("%s (via %s)", senderName, tag), Address: fromAddr}
	to := &mail.Address{Name: m.RecipientName, Address: recipient}

	raw, err := compose(rendered, from, to, method, n.now())
	if err != nil {
		metrics.IMIPMessage(method, "failed")
		return fmt.Errorf("compose %s notification: %w", method, err)
	}

	if err := n.transport.Send(ctx, cfg, fromAddr, []string{recipient}, raw); err != nil {
		metrics.IMIPMessage(method, "failed")
		return err
	}

	if !local {
		m.ScheduleStatus = StatusSent
	}
	metrics.IMIPMessage(method, "sent")
	n.logger.Info().
		Str("method", method).
		Str("recipient", recipient).
		Bool("local", local).
		Msg("scheduling email sent")
	return nil
}

// SendTest sends a short message to `to` through cfg, bypassing the stored
// settings.
func (n *Notifier) SendTest(ctx context.Context, cfg config.MailConfig, to string) error {
	tag := cfg.SenderTag
	if tag == "" {
		tag = n.settings.Get().SenderTag
	}
	if tag == "" {
		tag = "katana"
	}
	fromAddr := cfg.Username
	if fromAddr == "" {
		fromAddr = to
	}
	raw, err := composeTest(&mail.Address{Name: tag, Address: fromAddr}, &mail.Address{Address: to}, tag, n.now())
	if err != nil {
		return err
	}
	return n.transport.Send(ctx, cfg, fromAddr, []string{to}, raw)
}

// subjectFor picks the subject line and the action tag used by the
// templates. ok is false when the message must not be sent.
func subjectFor(method, senderName string, ev Event) (subject, action string, ok bool) {
	switch method {
	case "REPLY":
		switch ev.PartStat {
		case "DECLINED":
			return fmt.Sprintf("%s declined your invitation to \"%s\"", senderName, ev.Summary), "DECLINED", true
		case "ACCEPTED":
			return fmt.Sprintf("%s accepted your invitation to \"%s\"", senderName, ev.Summary), "ACCEPTED", true
		case "TENTATIVE":
			return fmt.Sprintf("%s tentatively accepted your invitation to \"%s\"", senderName, ev.Summary), "TENTATIVE", true
		}
		return "", "", false
	case "REQUEST":
		return fmt.Sprintf("%s invited you to \"%s\"", senderName, ev.Summary), "REQUEST", true
	case "CANCEL":
		return fmt.Sprintf("\"%s\" has been canceled.", ev.Summary), "CANCEL", true
	}
	return "", "", false
}

func (n *Notifier) fetchMap(ctx context.Context, ev Event) mo.Option[[]byte] {
	geo, ok := ev.Geo.Get()
	if !ok || n.maps == nil {
		return mo.None[[]byte]()
	}
	rc, err := n.maps.FetchMap(ctx, geo)
	if err != nil {
		n.logger.Warn().Err(err).Msg("static map unavailable, sending without it")
		return mo.None[[]byte]()
	}
	defer rc.Close()

	img, err := io.ReadAll(io.LimitReader(rc, maxMapBytes))
	if err != nil {
		n.logger.Warn().Err(err).Msg("failed to read static map")
		return mo.None[[]byte]()
	}
	return mo.Some(img)
}

func encodeCalendar(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
