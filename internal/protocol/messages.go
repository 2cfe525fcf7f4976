// Package protocol defines the realtime event types and structures exchanged
// between the widget and the support backend. All events are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/siacasa/widget-sync/internal/chat"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeSubscribeUser   = "subscribe_user"
	TypeSubscribeTicket = "subscribe_ticket"
	TypeChatMessage     = "chat_message"
	TypePing            = "ping"
)

// Server -> Client event types. TypeChatMessage is shared by both directions.
const (
	TypeWelcome                   = "welcome"
	TypeDirectMessage             = "direct_message"
	TypeWidgetMessage             = "widget_message"
	TypeTyping                    = "typing"
	TypeAgentConnected            = "agent_connected"
	TypeSubscriptionConfirmed     = "subscription_confirmed"
	TypeUserSubscriptionConfirmed = "user_subscription_confirmed"
	TypeMessageSent               = "message_sent"
	TypeError                     = "error"
	TypePong                      = "pong"
)

// RoleUser is the subscription role the widget uses for ticket rooms.
const RoleUser = "user"

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// SubscribeUserMsg joins the per-visitor room used for unicast deliveries.
type SubscribeUserMsg struct {
	UserID string `json:"user_id"`
}

// SubscribeTicketMsg joins the room of a support ticket.
type SubscribeTicketMsg struct {
	TicketID string `json:"ticket_id"`
	Role     string `json:"role"`
}

// ChatMessageMsg carries a visitor message into the ticket room.
type ChatMessageMsg struct {
	TicketID   string          `json:"ticket_id"`
	Content    string          `json:"content"`
	SenderID   string          `json:"sender_id"`
	SenderType chat.SenderType `json:"sender_type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// WelcomeMsg is sent by the server right after the handshake.
type WelcomeMsg struct {
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Timestamp chat.Timestamp `json:"timestamp"`
}

// ServerChatMsg is a ticket message relayed by the server. It is used for both
// chat_message (room broadcast) and direct_message (unicast) events.
type ServerChatMsg struct {
	MessageID  string          `json:"message_id,omitempty"`
	TicketID   string          `json:"ticket_id,omitempty"`
	Content    string          `json:"content"`
	SenderID   string          `json:"sender_id,omitempty"`
	SenderName string          `json:"sender_name,omitempty"`
	SenderType chat.SenderType `json:"sender_type"`
	IsInternal bool            `json:"is_internal"`
	Timestamp  chat.Timestamp  `json:"timestamp"`
}

// Message converts the event into the shared chat message model.
func (m ServerChatMsg) Message() chat.Message {
	return chat.Message{
		Content:    m.Content,
		SenderType: m.SenderType,
		SenderName: m.SenderName,
		Timestamp:  m.Timestamp,
		IsInternal: m.IsInternal,
	}
}

// WidgetMsg is a unicast delivery addressed to one visitor.
type WidgetMsg struct {
	UserID  string        `json:"user_id"`
	Message *chat.Message `json:"message"`
}

// TypingMsg relays an agent's (or visitor's) typing indicator.
type TypingMsg struct {
	TicketID   string          `json:"ticket_id,omitempty"`
	SenderID   string          `json:"sender_id,omitempty"`
	SenderType chat.SenderType `json:"sender_type"`
	IsTyping   bool            `json:"is_typing"`
}

// AgentConnectedMsg is sent when an agent joins the visitor's ticket.
type AgentConnectedMsg struct {
	TicketID  string         `json:"ticket_id,omitempty"`
	AgentName string         `json:"agent_name,omitempty"`
	Timestamp chat.Timestamp `json:"timestamp"`
	Message   *chat.Message  `json:"message,omitempty"`
}

// SubscriptionConfirmedMsg acknowledges subscribe_ticket.
type SubscriptionConfirmedMsg struct {
	TicketID  string         `json:"ticket_id"`
	Role      string         `json:"role"`
	Timestamp chat.Timestamp `json:"timestamp"`
}

// UserSubscriptionConfirmedMsg acknowledges subscribe_user.
type UserSubscriptionConfirmedMsg struct {
	UserID    string         `json:"user_id"`
	Timestamp chat.Timestamp `json:"timestamp"`
}

// MessageSentMsg acknowledges a chat_message sent by this client.
type MessageSentMsg struct {
	MessageID string         `json:"message_id"`
	Status    string         `json:"status"`
	Timestamp chat.Timestamp `json:"timestamp"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message"`
	Timestamp chat.Timestamp `json:"timestamp"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerMessage parses raw WebSocket bytes into a typed server event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown event types.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeWelcome:
		var m WelcomeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatMessage, TypeDirectMessage:
		var m ServerChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWidgetMessage:
		var m WidgetMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAgentConnected:
		var m AgentConnectedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscriptionConfirmed:
		var m SubscriptionConfirmedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserSubscriptionConfirmed:
		var m UserSubscriptionConfirmedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageSent:
		var m MessageSentMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		msg = PongMsg{}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewClientMessage creates a JSON-encoded byte slice for a client event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the client event structs.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client message: %w", err)
	}
	return out, nil
}
