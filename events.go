package omegachat

import (
	"encoding/json"
	"fmt"
)

// Realtime event types as they appear on the wire.
const (
	EventMessageCreated  = "message.created"
	EventMessageUpdated  = "message.updated"
	EventMessageDeleted  = "message.deleted"
	EventPresenceChanged = "presence.changed"
	EventTypingStarted   = "typing.started"
	EventTypingStopped   = "typing.stopped"
)

// Event is a decoded realtime event. The concrete types are MessageCreated,
// MessageUpdated, MessageDeleted, PresenceChanged, TypingStarted and
// TypingStopped.
type Event interface {
	EventType() string
}

type MessageCreated struct{ Message Message }

type MessageUpdated struct{ Message Message }

type MessageDeleted struct{ MessageID string }

type PresenceChanged struct {
	UserID string
	Online bool
}

// TypingStarted means UserID is composing a message to the caller.
type TypingStarted struct{ UserID string }

type TypingStopped struct{ UserID string }

func (MessageCreated) EventType() string  { return EventMessageCreated }
func (MessageUpdated) EventType() string  { return EventMessageUpdated }
func (MessageDeleted) EventType() string  { return EventMessageDeleted }
func (PresenceChanged) EventType() string { return EventPresenceChanged }
func (TypingStarted) EventType() string   { return EventTypingStarted }
func (TypingStopped) EventType() string   { return EventTypingStopped }

// ============================================================================
// Wire frames
// ============================================================================

// RealtimeEnvelope is the wire format of every frame in both directions.
type RealtimeEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// RealtimeCommand is a client-to-server frame.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// AuthenticatedPayload is the first frame the server sends.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

type deletedPayload struct {
	MessageID string `json:"messageId"`
	ID        string `json:"_id"`
}

type presencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	Status string `json:"status,omitempty"`
}

type typingPayload struct {
	UserID string `json:"userId"`
	To     string `json:"to,omitempty"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// decodeEvent turns an envelope into an Event. Unknown types yield (nil, nil).
func decodeEvent(env *RealtimeEnvelope) (Event, error) {
	switch env.Type {
	case EventMessageCreated, EventMessageUpdated:
		var w wireMessage
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if w.ID == "" {
			return nil, fmt.Errorf("decode %s: message without id", env.Type)
		}
		if env.Type == EventMessageCreated {
			return MessageCreated{Message: w.normalize()}, nil
		}
		return MessageUpdated{Message: w.normalize()}, nil
	case EventMessageDeleted:
		var p deletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		id := p.MessageID
		if id == "" {
			id = p.ID
		}
		if id == "" {
			return nil, fmt.Errorf("decode %s: missing message id", env.Type)
		}
		return MessageDeleted{MessageID: id}, nil
	case EventPresenceChanged:
		var p presencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return PresenceChanged{UserID: p.UserID, Online: p.Online || p.Status == "online"}, nil
	case EventTypingStarted, EventTypingStopped:
		var p typingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if env.Type == EventTypingStarted {
			return TypingStarted{UserID: p.UserID}, nil
		}
		return TypingStopped{UserID: p.UserID}, nil
	}
	return nil, nil
}
