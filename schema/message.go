package schema

import (
	"fmt"
	"time"
)

// Header keys carrying the envelope over a broker.
const (
	HeaderEventID    = "event_id"
	HeaderEventType  = "event_type"
	HeaderOccurredAt = "occurred_at"
)

// Message is the integration event as it travels over the bus.
type Message struct {
	EventID    string
	EventType  string
	OccurredAt time.Time
	Payload    []byte
}

// Headers returns the envelope fields as transport headers.
func (m Message) Headers() map[string]string {
	return map[string]string{
		HeaderEventID:    m.EventID,
		HeaderEventType:  m.EventType,
		HeaderOccurredAt: m.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// MessageFromHeaders rebuilds a Message from transport headers and body.
// The event type falls back to the delivery topic when the header is absent.
func MessageFromHeaders(headers map[string]string, topic string, body []byte) (Message, error) {
	msg := Message{
		EventID:   headers[HeaderEventID],
		EventType: headers[HeaderEventType],
		Payload:   body,
	}
	if msg.EventID == "" {
		return Message{}, fmt.Errorf("message on %q has no %s header", topic, HeaderEventID)
	}
	if msg.EventType == "" {
		msg.EventType = topic
	}
	if raw := headers[HeaderOccurredAt]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Message{}, fmt.Errorf("message %s: invalid %s: %w", msg.EventID, HeaderOccurredAt, err)
		}
		msg.OccurredAt = at
	}
	return msg, nil
}
