package bus

import (
	"fmt"
	"strings"
	"time"

	kerrors "kestrel/core/errors"
)

// Broadcast is the recipient name that addresses every registered component
// except the sender.
const Broadcast = "*"

// MessageType is the closed set of message kinds the bus routes.
type MessageType uint8

const (
	TypeRequest MessageType = iota + 1
	TypeResponseSuccess
	TypeResponseError
	TypeEvent
	TypeCommand
	TypeNotification
	TypeLifecycle
	TypeHeartbeat
	TypeStateSync

	typeCount = int(TypeStateSync)
)

var typeNames = [...]string{
	TypeRequest:         "REQUEST",
	TypeResponseSuccess: "RESPONSE_SUCCESS",
	TypeResponseError:   "RESPONSE_ERROR",
	TypeEvent:           "EVENT",
	TypeCommand:         "COMMAND",
	TypeNotification:    "NOTIFICATION",
	TypeLifecycle:       "LIFECYCLE",
	TypeHeartbeat:       "HEARTBEAT",
	TypeStateSync:       "STATE_SYNC",
}

// AllTypes returns every message type.
func AllTypes() []MessageType {
	out := make([]MessageType, 0, typeCount)
	for t := 1; t <= typeCount; t++ {
		out = append(out, MessageType(t))
	}
	return out
}

// Valid reports whether t is one of the declared message types.
func (t MessageType) Valid() bool {
	return t >= TypeRequest && t <= TypeStateSync
}

func (t MessageType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
	return typeNames[t]
}

// IsResponse reports whether t is one of the two response types.
func (t MessageType) IsResponse() bool {
	return t == TypeResponseSuccess || t == TypeResponseError
}

// ParseMessageType maps a wire name such as "RESPONSE_SUCCESS" to its type.
func ParseMessageType(s string) (MessageType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for t := 1; t <= typeCount; t++ {
		if typeNames[t] == name {
			return MessageType(t), nil
		}
	}
	return 0, kerrors.Validation(kerrors.ErrInvalidInput, "unknown message type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t MessageType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, kerrors.Validation(kerrors.ErrInvalidInput, "unknown message type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *MessageType) UnmarshalText(b []byte) error {
	parsed, err := ParseMessageType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Priority orders delivery within a drain cycle. The zero value is treated as
// PriorityNormal.
type Priority int8

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("Priority(%d)", int8(p))
	}
}

// Message is the envelope routed by the bus. It is immutable once enqueued.
type Message struct {
	ID              string      `json:"id"`
	From            string      `json:"from"`
	To              string      `json:"to"`
	Type            MessageType `json:"type"`
	Payload         interface{} `json:"payload,omitempty"`
	Priority        Priority    `json:"priority"`
	CorrelationID   string      `json:"correlation_id,omitempty"`
	ExpectsResponse bool        `json:"expects_response,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// IsBroadcast reports whether the message addresses every component.
func (m Message) IsBroadcast() bool {
	return m.To == Broadcast
}

// SendOption adjusts a message built by an Endpoint.
type SendOption func(*Message)

// WithPriority sets the delivery priority.
func WithPriority(p Priority) SendOption {
	return func(m *Message) { m.Priority = p }
}

// WithCorrelationID attaches a correlation ID.
func WithCorrelationID(id string) SendOption {
	return func(m *Message) { m.CorrelationID = id }
}
