package connection

import (
	"encoding/json"
	"fmt"

	"github.com/rickgao/chat-realtime/internal/diagnostics"
	"github.com/rickgao/chat-realtime/internal/router"
)

// outboundEnvelope is the wire format for typed outbound sends.
type outboundEnvelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

type typingData struct {
	ConversationID int64 `json:"conversationId"`
	IsTyping       bool  `json:"isTyping"`
}

type markReadData struct {
	ConversationID int64 `json:"conversationId"`
	MessageID      int64 `json:"messageId"`
}

type conversationData struct {
	ConversationID int64 `json:"conversationId"`
}

// Outbound sends are fire-and-forget: while the manager is not Open they are
// dropped (never queued) and ErrNotConnected is returned.

// SendTyping sends a typing indicator for a conversation.
func (m *Manager) SendTyping(conversationID int64, isTyping bool) error {
	return m.sendEnvelope(router.WireTyping, typingData{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
}

// MarkAsRead sends a read receipt.
func (m *Manager) MarkAsRead(conversationID, messageID int64) error {
	return m.sendEnvelope(router.WireMarkRead, markReadData{
		ConversationID: conversationID,
		MessageID:      messageID,
	})
}

// JoinConversation subscribes this session to a conversation's events.
func (m *Manager) JoinConversation(conversationID int64) error {
	return m.sendEnvelope(router.WireJoinConversation, conversationData{ConversationID: conversationID})
}

// LeaveConversation unsubscribes this session from a conversation's events.
func (m *Manager) LeaveConversation(conversationID int64) error {
	return m.sendEnvelope(router.WireLeaveConversation, conversationData{ConversationID: conversationID})
}

// SendMessage transmits v as-is. []byte, json.RawMessage and string are
// written unchanged; anything else is JSON-encoded.
func (m *Manager) SendMessage(v any) error {
	var data []byte
	switch raw := v.(type) {
	case []byte:
		data = raw
	case json.RawMessage:
		data = raw
	case string:
		data = []byte(raw)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		data = b
	}
	return m.send("raw", data)
}

func (m *Manager) sendEnvelope(wireType string, data any) error {
	b, err := json.Marshal(outboundEnvelope{
		Type:      wireType,
		Data:      data,
		Timestamp: m.now().UTC().Format(router.TimestampLayout),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", wireType, err)
	}
	return m.send(wireType, b)
}

// send writes data if Open, otherwise drops it.
func (m *Manager) send(kind string, data []byte) error {
	m.mu.Lock()
	t, id, state := m.transport, m.transID, m.state
	m.mu.Unlock()

	if state != StateOpen || t == nil {
		m.dropped.Add(1)
		m.logger.Debug("dropping outbound message, not connected",
			"type", kind,
			"state", state,
		)
		m.diag.Publish(diagnostics.Event{
			Kind:   diagnostics.KindSendDropped,
			State:  state.String(),
			Name:   kind,
			Reason: ErrNotConnected.Error(),
		})
		return ErrNotConnected
	}

	if err := t.Send(data); err != nil {
		m.logger.Warn("send failed", "transport_id", id, "type", kind, "error", err)
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}
