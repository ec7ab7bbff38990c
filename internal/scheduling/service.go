package scheduling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/katana-dav/internal/config"
	"github.com/sonroyaalmerol/katana-dav/internal/metrics"
	"github.com/sonroyaalmerol/katana-dav/internal/notify"
	"github.com/sonroyaalmerol/katana-dav/internal/principals"
	"github.com/sonroyaalmerol/katana-dav/internal/storage"
)

// Directory resolves principals by path and by email address.
type Directory interface {
	Principal(ctx context.Context, path string) (*storage.Principal, error)
	FindByEmail(ctx context.Context, email string) (*storage.Principal, error)
}

type Inbox interface {
	DeliverInbox(ctx context.Context, msg *storage.InboxMessage) error
}

// Notifier sends the email side of a scheduling message.
type Notifier interface {
	Schedule(ctx context.Context, m *notify.Message) error
}

type Service struct {
	ics      config.ICSConfig
	dir      Directory
	inbox    Inbox
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService wires implicit scheduling. notifier may be nil, in which case
// only local recipients are reachable.
func NewService(ics config.ICSConfig, dir Directory, inbox Inbox, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		ics:      ics,
		dir:      dir,
		inbox:    inbox,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

type attendee struct {
	URI        string
	Email      string
	Role       string
	Status     string
	CommonName string
}

// schedulingObject is an event with an organizer and at least one attendee.
type schedulingObject struct {
	event         *ical.Component
	organizer     string
	organizerName string
	attendees     []attendee
}

func (o *schedulingObject) organizerEmail() string {
	return strings.TrimPrefix(strings.ToLower(o.organizer), "mailto:")
}

func (o *schedulingObject) attendee(email string) (attendee, bool) {
	for _, a := range o.attendees {
		if strings.EqualFold(a.Email, email) {
			return a, true
		}
	}
	return attendee{}, false
}

// ProcessSchedulingObject runs implicit scheduling after username wrote
// (newObj) or deleted (oldObj only) a calendar object. It returns the
// messages that were generated with their final schedule status.
func (s *Service) ProcessSchedulingObject(ctx context.Context, username string, oldObj, newObj *storage.Object) ([]*notify.Message, error) {
	switch {
	case oldObj == nil && newObj == nil:
		return nil, nil
	case newObj == nil:
		return s.processDelete(ctx, username, oldObj)
	case oldObj == nil:
		return s.processCreate(ctx, username, newObj)
	default:
		return s.processUpdate(ctx, username, oldObj, newObj)
	}
}

func (s *Service) processCreate(ctx context.Context, username string, obj *storage.Object) ([]*notify.Message, error) {
	so, err := analyze(obj)
	if err != nil || so == nil {
		return nil, err
	}
	user, err := s.user(ctx, username)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(user.Email, so.organizerEmail()) {
		s.logger.Debug().Str("user", username).Str("organizer", so.organizer).Msg("attendee created scheduling object")
		return nil, nil
	}
	return s.sendToAttendees(ctx, obj, so, so.attendees, "REQUEST", true)
}

func (s *Service) processUpdate(ctx context.Context, username string, oldObj, newObj *storage.Object) ([]*notify.Message, error) {
	newSO, err := analyze(newObj)
	if err != nil {
		return nil, err
	}
	oldSO, err := analyze(oldObj)
	if err != nil {
		return nil, err
	}
	if newSO == nil {
		if oldSO == nil {
			return nil, nil
		}
		// Attendees were all removed: the old list gets cancelled.
		return s.processDelete(ctx, username, oldObj)
	}

	user, err := s.user(ctx, username)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(user.Email, newSO.organizerEmail()) {
		var out []*notify.Message
		if oldSO != nil {
			var removed []attendee
			for _, a := range oldSO.attendees {
				if _, ok := newSO.attendee(a.Email); !ok {
					removed = append(removed, a)
				}
			}
			if len(removed) > 0 {
				msgs, err := s.sendToAttendees(ctx, oldObj, oldSO, removed, "CANCEL", true)
				if err != nil {
					return nil, err
				}
				out = append(out, msgs...)
			}
		}
		significant := oldSO == nil || hasSignificantChange(oldSO.event, newSO.event)
		msgs, err := s.sendToAttendees(ctx, newObj, newSO, newSO.attendees, "REQUEST", significant)
		if err != nil {
			return nil, err
		}
		return append(out, msgs...), nil
	}

	// Attendee side: a changed PARTSTAT is answered to the organizer.
	me, ok := newSO.attendee(user.Email)
	if !ok {
		return nil, nil
	}
	oldStatus := ""
	if oldSO != nil {
		if a, ok := oldSO.attendee(user.Email); ok {
			oldStatus = a.Status
		}
	}
	if me.Status == oldStatus {
		return nil, nil
	}
	return s.sendReply(ctx, newObj, newSO, user, me)
}

func (s *Service) processDelete(ctx context.Context, username string, obj *storage.Object) ([]*notify.Message, error) {
	so, err := analyze(obj)
	if err != nil || so == nil {
		return nil, err
	}
	user, err := s.user(ctx, username)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(user.Email, so.organizerEmail()) {
		return s.sendToAttendees(ctx, obj, so, so.attendees, "CANCEL", true)
	}

	// An attendee dropping the event declines it.
	me, ok := so.attendee(user.Email)
	if !ok || me.Status == "DECLINED" {
		return nil, nil
	}
	me.Status = "DECLINED"
	return s.sendReply(ctx, obj, so, user, me)
}

func (s *Service) user(ctx context.Context, username string) (*storage.Principal, error) {
	p, err := s.dir.Principal(ctx, principals.Path(username))
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	return p, nil
}

func (s *Service) sendToAttendees(ctx context.Context, obj *storage.Object, so *schedulingObject, to []attendee, method string, significant bool) ([]*notify.Message, error) {
	cal, data, err := s.createITIPMessage(obj, method)
	if err != nil {
		return nil, fmt.Errorf("failed to create iTIP message: %w", err)
	}

	senderName := so.organizerName
	if senderName == "" {
		senderName = so.organizerEmail()
	}

	var out []*notify.Message
	for _, a := range to {
		if strings.EqualFold(a.Email, so.organizerEmail()) {
			continue
		}
		name := a.CommonName
		if name == "" {
			name = a.Email
		}
		m := &notify.Message{
			Method:            method,
			Sender:            "mailto:" + so.organizerEmail(),
			Recipient:         "mailto:" + a.Email,
			SenderName:        senderName,
			RecipientName:     name,
			SignificantChange: significant,
			Calendar:          cal,
		}
		s.deliver(ctx, obj.UID, data, m)
		out = append(out, m)
	}
	return out, nil
}

func (s *Service) sendReply(ctx context.Context, obj *storage.Object, so *schedulingObject, user *storage.Principal, me attendee) ([]*notify.Message, error) {
	cal, data, err := s.createITIPReply(obj, user.Email, me.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to create iTIP reply: %w", err)
	}

	senderName := user.DisplayName
	if senderName == "" {
		senderName = me.CommonName
	}
	if senderName == "" {
		senderName = user.Email
	}
	recipientName := so.organizerName
	if recipientName == "" {
		recipientName = so.organizerEmail()
	}

	m := &notify.Message{
		Method:            "REPLY",
		Sender:            "mailto:" + user.Email,
		Recipient:         "mailto:" + so.organizerEmail(),
		SenderName:        senderName,
		RecipientName:     recipientName,
		SignificantChange: true,
		Calendar:          cal,
	}
	s.deliver(ctx, obj.UID, data, m)
	return []*notify.Message{m}, nil
}

// deliver stores m in the recipient's inbox when the recipient is local and
// always offers it to the notifier. A notifier error is logged and, unless the
// inbox copy landed, reported as StatusDeliveryFailed.
func (s *Service) deliver(ctx context.Context, uid string, data []byte, m *notify.Message) {
	recipient := strings.TrimPrefix(m.Recipient, "mailto:")

	p, err := s.dir.FindByEmail(ctx, recipient)
	switch {
	case err == nil:
		owner, _ := principals.Username(p.URI)
		msg := &storage.InboxMessage{Owner: owner, UID: uid, Method: m.Method, Data: string(data)}
		if err := s.inbox.DeliverInbox(ctx, msg); err != nil {
			s.logger.Error().Err(err).Str("recipient", recipient).Str("method", m.Method).Msg("failed to deliver scheduling message to inbox")
		} else {
			m.ScheduleStatus = notify.StatusDeliveredLocally
			metrics.SchedulingDelivery(m.Method, "local")
		}
	case errors.Is(err, principals.ErrNotFound):
		metrics.SchedulingDelivery(m.Method, "external")
	default:
		s.logger.Error().Err(err).Str("recipient", recipient).Msg("recipient lookup failed")
	}

	if s.notifier == nil {
		if m.ScheduleStatus == "" {
			m.ScheduleStatus = notify.StatusInvalidUser
		}
		return
	}
	if err := s.notifier.Schedule(ctx, m); err != nil {
		if m.ScheduleStatus == "" {
			m.ScheduleStatus = notify.StatusDeliveryFailed
		}
		s.logger.Error().Err(err).
			Str("recipient", recipient).
			Str("method", m.Method).
			Msg("failed to send scheduling email")
	}
}

// analyze extracts scheduling information from a calendar object. A nil
// result means the object does not take part in scheduling.
func analyze(obj *storage.Object) (*schedulingObject, error) {
	if obj == nil || !strings.EqualFold(obj.Component, ical.CompEvent) {
		return nil, nil
	}
	cal, err := ical.NewDecoder(strings.NewReader(obj.Data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse calendar: %w", err)
	}
	ev := eventComponent(cal)
	if ev == nil {
		return nil, nil
	}

	org := ev.Props.Get(ical.PropOrganizer)
	if org == nil {
		return nil, nil
	}
	so := &schedulingObject{
		event:         ev,
		organizer:     org.Value,
		organizerName: org.Params.Get(ical.ParamCommonName),
	}
	for _, p := range ev.Props.Values(ical.PropAttendee) {
		a := attendee{
			URI:        p.Value,
			Email:      strings.TrimPrefix(strings.ToLower(p.Value), "mailto:"),
			Role:       p.Params.Get(ical.ParamRole),
			Status:     strings.ToUpper(p.Params.Get(ical.ParamParticipationStatus)),
			CommonName: p.Params.Get(ical.ParamCommonName),
		}
		if a.Status == "" {
			a.Status = "NEEDS-ACTION"
		}
		if a.Role == "" {
			a.Role = "REQ-PARTICIPANT"
		}
		so.attendees = append(so.attendees, a)
	}
	if len(so.attendees) == 0 {
		return nil, nil
	}
	return so, nil
}

var significantProps = []string{
	ical.PropDateTimeStart,
	ical.PropDateTimeEnd,
	ical.PropSummary,
	ical.PropLocation,
	ical.PropDescription,
}

func hasSignificantChange(oldEvent, newEvent *ical.Component) bool {
	for _, name := range significantProps {
		var oldValue, newValue string
		if p := oldEvent.Props.Get(name); p != nil {
			oldValue = p.Value
		}
		if p := newEvent.Props.Get(name); p != nil {
			newValue = p.Value
		}
		if oldValue != newValue {
			return true
		}
	}
	return false
}

func eventComponent(cal *ical.Calendar) *ical.Component {
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			return comp
		}
	}
	return nil
}

func (s *Service) prepare(obj *storage.Object, method string) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(strings.NewReader(obj.Data)).Decode()
	if err != nil {
		return nil, err
	}
	cal.Props.SetText(ical.PropMethod, method)
	cal.Props.SetText(ical.PropProductID, s.ics.BuildProdID())

	stamp := s.now().UTC()
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			comp.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
		}
	}
	return cal, nil
}

func (s *Service) createITIPMessage(obj *storage.Object, method string) (*ical.Calendar, []byte, error) {
	cal, err := s.prepare(obj, method)
	if err != nil {
		return nil, nil, err
	}
	if method == "CANCEL" {
		for _, comp := range cal.Children {
			if comp.Name == ical.CompEvent {
				comp.Props.SetText(ical.PropStatus, "CANCELLED")
			}
		}
	}
	data, err := encode(cal)
	return cal, data, err
}

func (s *Service) createITIPReply(obj *storage.Object, email, partstat string) (*ical.Calendar, []byte, error) {
	cal, err := s.prepare(obj, "REPLY")
	if err != nil {
		return nil, nil, err
	}

	// Keep only the replying attendee.
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		props := comp.Props.Values(ical.PropAttendee)
		comp.Props.Del(ical.PropAttendee)
		for _, p := range props {
			if strings.EqualFold(strings.TrimPrefix(strings.ToLower(p.Value), "mailto:"), email) {
				p.Params.Set(ical.ParamParticipationStatus, partstat)
				comp.Props.Add(&p)
				break
			}
		}
	}
	data, err := encode(cal)
	return cal, data, err
}

func encode(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
