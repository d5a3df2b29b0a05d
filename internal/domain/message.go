package domain

import (
	"encoding/json"
	"time"
)

// EventType defines the type of event carried over the socket
type EventType string

// Inbound (client -> relay)
const (
	EventJoin           EventType = "join"
	EventPublicMessage  EventType = "public_message"  // also outbound
	EventPrivateMessage EventType = "private_message" // also outbound
	EventEditMessage    EventType = "edit_message"
	EventDeleteMessage  EventType = "delete_message"
	EventReactMessage   EventType = "react_message"
	EventStartTyping    EventType = "start_typing"
	EventStopTyping     EventType = "stop_typing"
)

// Outbound (relay -> client)
const (
	EventPresenceChanged EventType = "presence_changed"
	EventUsersChanged    EventType = "users_changed" // a new identity registered
	EventMessageEdited   EventType = "message_edited"
	EventMessageDeleted  EventType = "message_deleted"
	EventReactionAdded   EventType = "reaction_added"
	EventTypingChanged   EventType = "typing_changed"
	EventAck             EventType = "ack"   // authoritative copy for a client ref
	EventError           EventType = "error" // sent to the originating connection only
)

// Event is the envelope for every frame on the socket
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an envelope
func NewEvent(t EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Payload: raw}, nil
}

// Encode marshals payload into a ready-to-send frame
func Encode(t EventType, payload any) ([]byte, error) {
	ev, err := NewEvent(t, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// Message is a persisted chat message. ID and CreatedAt are assigned by the
// store; clients never treat locally generated values as authoritative.
type Message struct {
	ID        uint64    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"` // empty for public
	Scope     Scope     `json:"scope"`
	Text      string    `json:"text"`
	Edited    bool      `json:"edited"`
	Reactions []string  `json:"reactions"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Key makes creation idempotent per sender; never sent to clients
	Key string `json:"-"`
}

// Before reports whether m sorts before o: CreatedAt, then ID
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// EventType returns the outbound event used to deliver a new message
func (m Message) EventType() EventType {
	if m.Scope.IsPublic() {
		return EventPublicMessage
	}
	return EventPrivateMessage
}

// ==== Inbound payloads ====

// JoinPayload re-announces presence (sent again after reconnect)
type JoinPayload struct {
	Identity string `json:"identity,omitempty"`
}

// PublicMessagePayload is a message for the public feed
type PublicMessagePayload struct {
	Text string `json:"text"`
	Ref  string `json:"ref,omitempty"` // client correlation id, echoed in ack
}

// PrivateMessagePayload is a directed message
type PrivateMessagePayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
	Ref  string `json:"ref,omitempty"`
}

// EditMessagePayload replaces the text of a message
type EditMessagePayload struct {
	ID   uint64 `json:"id"`
	Text string `json:"text"`
}

// DeleteMessagePayload tombstones a message
type DeleteMessagePayload struct {
	ID uint64 `json:"id"`
}

// ReactMessagePayload appends a reaction
type ReactMessagePayload struct {
	ID       uint64 `json:"id"`
	Reaction string `json:"reaction"`
}

// TypingPayload carries the scope of a start/stop typing signal
type TypingPayload struct {
	Scope Scope `json:"scope"`
}

// ==== Outbound payloads ====

// PresencePayload is the full set of online identities
type PresencePayload struct {
	Identities []string `json:"identities"`
}

// UsersChangedPayload is the full user directory after a registration
type UsersChangedPayload struct {
	Users []User `json:"users"`
}

// MessageDeletedPayload announces a tombstone
type MessageDeletedPayload struct {
	ID    uint64 `json:"id"`
	Scope Scope  `json:"scope"`
}

// ReactionsPayload carries the full reaction list after an append
type ReactionsPayload struct {
	ID        uint64   `json:"id"`
	Scope     Scope    `json:"scope"`
	Reactions []string `json:"reactions"`
}

// TypingChangedPayload is one typing transition
type TypingChangedPayload struct {
	Scope    Scope  `json:"scope"`
	Identity string `json:"identity"`
	IsTyping bool   `json:"is_typing"`
}

// AckPayload returns the persisted message for a client ref
type AckPayload struct {
	Ref     string  `json:"ref"`
	Message Message `json:"message"`
}

// ErrorPayload reports a failed operation
type ErrorPayload struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Ref     string    `json:"ref,omitempty"`
	Event   EventType `json:"event,omitempty"`
}
