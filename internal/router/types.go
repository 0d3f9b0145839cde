package router

import (
	"encoding/json"
	"time"
)

// EventName is the subscriber-facing name of an inbound event.
// It is deliberately decoupled from the wire type vocabulary.
type EventName string

const (
	EventNewMessage          EventName = "newMessage"
	EventMessageRead         EventName = "messageRead"
	EventTypingIndicator     EventName = "typingIndicator"
	EventUserOnlineStatus    EventName = "userOnlineStatus"
	EventConversationUpdated EventName = "conversationUpdated"

	// EventConnectionStatus is emitted by the Connection Manager, never by the wire.
	EventConnectionStatus EventName = "connectionStatus"
)

// Inbound wire types.
const (
	WireMessage             = "message"
	WireMessageRead         = "message_read"
	WireTyping              = "typing"
	WireUserOnline          = "user_online"
	WireUserOffline         = "user_offline"
	WireConversationUpdated = "conversation_updated"
)

// Outbound wire types.
const (
	WireMarkRead          = "mark_read"
	WireJoinConversation  = "join_conversation"
	WireLeaveConversation = "leave_conversation"
)

// wireEvents maps the closed set of inbound wire types to event names.
var wireEvents = map[string]EventName{
	WireMessage:             EventNewMessage,
	WireMessageRead:         EventMessageRead,
	WireTyping:              EventTypingIndicator,
	WireUserOnline:          EventUserOnlineStatus,
	WireUserOffline:         EventUserOnlineStatus,
	WireConversationUpdated: EventConversationUpdated,
}

// EventForWireType returns the event name for an inbound wire type.
func EventForWireType(wireType string) (EventName, bool) {
	name, ok := wireEvents[wireType]
	return name, ok
}

// TimestampLayout is the ISO-8601 layout used on outbound envelopes (millisecond precision, UTC).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// inboundTimestampLayouts are tried in order on received envelopes.
// Layouts without an offset are read as UTC.
var inboundTimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999-0700",
}

// Envelope is the unit exchanged over the transport. Immutable once received.
// Timestamp is zero when RawTimestamp matched none of the known layouts.
type Envelope struct {
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
	Timestamp    time.Time       `json:"timestamp"`
	RawTimestamp string          `json:"-"`
}

// Event is what subscribers receive.
type Event struct {
	Name     EventName
	Envelope Envelope
}

// Decode unmarshals the envelope data into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Envelope.Data, v)
}

// Handler receives events for one event name.
type Handler func(Event)

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	UnknownMessages  int64
	HandlerPanics    int64
}

// Typed payloads

// Message is the payload of a newMessage event.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversationId"`
	SenderID       int64  `json:"senderId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

// MessageRead is the payload of a messageRead event.
type MessageRead struct {
	ConversationID int64  `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
	UserID         int64  `json:"userId"`
	ReadAt         string `json:"readAt,omitempty"`
}

// Typing is the payload of a typingIndicator event.
type Typing struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
	IsTyping       bool  `json:"isTyping"`
}

// UserStatus is the payload of a userOnlineStatus event.
// Online is derived from the wire type (user_online / user_offline).
type UserStatus struct {
	UserID   int64  `json:"userId"`
	Online   bool   `json:"-"`
	LastSeen string `json:"lastSeen,omitempty"`
}

// ConversationUpdate is the payload of a conversationUpdated event.
type ConversationUpdate struct {
	ConversationID int64           `json:"conversationId"`
	UnreadCount    int             `json:"unreadCount"`
	LastMessage    json.RawMessage `json:"lastMessage,omitempty"`
}

// ConnectionStatus is the payload of a connectionStatus event.
type ConnectionStatus struct {
	Connected bool `json:"connected"`
}

// envelopeWire is used to detect missing fields before building an Envelope.
type envelopeWire struct {
	Type      *string         `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp *string         `json:"timestamp"`
}
