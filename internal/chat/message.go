// Package chat holds the message model shared by every delivery channel of the
// widget: the inbound/outbound message shape, sender and channel enums, the
// tolerant timestamp type, outbound validation and the recent-transcript
// ring buffer.
package chat

import "time"

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAgent SenderType = "agent"

	// Local-only sender types. They never arrive from the backend as agent
	// traffic and never move the high-water mark.
	SenderBot    SenderType = "bot"
	SenderSystem SenderType = "system"
)

// Channel names the path a message took to reach the client.
type Channel string

const (
	ChannelPush    Channel = "push"    // realtime chat_message on the ticket room
	ChannelUnicast Channel = "unicast" // direct_message, widget_message, NATS
	ChannelPoll    Channel = "poll"    // HTTP polling fallback
	ChannelLocal   Channel = "local"   // echo, bot replies and notices
)

// Message is a single transcript entry.
type Message struct {
	Content    string     `json:"content"`
	SenderType SenderType `json:"sender_type"`
	SenderName string     `json:"sender_name,omitempty"`
	Timestamp  Timestamp  `json:"timestamp"`
	IsInternal bool       `json:"is_internal,omitempty"`
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return m.Timestamp.Time
}

// DefaultAgentName is shown when an agent message carries no sender name.
const DefaultAgentName = "Agente"

// DisplayName returns the sender label, falling back to a per-type default.
func (m Message) DisplayName() string {
	if m.SenderName != "" {
		return m.SenderName
	}
	switch m.SenderType {
	case SenderUser:
		return "Tú"
	case SenderAgent:
		return DefaultAgentName
	case SenderBot:
		return "Asistente"
	default:
		return "Sistema"
	}
}
