package notify

import (
	"strings"

	"github.com/emersion/go-ical"
)

// Schedule status codes written back to Message.ScheduleStatus.
const (
	StatusInsignificant     = "1.0;We got the message, but it's not significant enough to warrant an email."
	StatusSent              = "1.1;Scheduling message is sent via iMip."
	StatusDeliveredLocally  = "1.2;Message delivered locally."
	StatusInvalidUser       = "3.7;Invalid calendar user."
	StatusUnknownPartstat   = "5.0;Email not delivered. We didn't understand this PARTSTAT."
	StatusUnsupportedMethod = "5.0;Email not delivered. Unsupported METHOD."
	StatusDeliveryFailed    = "5.0;Email not delivered. The mail transport failed."
)

// Message is one iTIP scheduling message addressed to a single recipient.
type Message struct {
	Method            string
	Sender            string
	Recipient         string
	SenderName        string
	RecipientName     string
	SignificantChange bool
	ScheduleStatus    string
	Calendar          *ical.Calendar
}

// StatusCode returns the code part of ScheduleStatus, e.g. "1.2".
func (m *Message) StatusCode() string {
	code, _, _ := strings.Cut(m.ScheduleStatus, ";")
	return code
}

// DeliveredLocally reports whether the scheduling service already stored the
// message in a local inbox.
func (m *Message) DeliveredLocally() bool {
	return m.StatusCode() == "1.2"
}

func stripMailto(uri string) string {
	if len(uri) >= 7 && strings.EqualFold(uri[:7], "mailto:") {
		return uri[7:]
	}
	return uri
}
