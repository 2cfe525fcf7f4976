package chatsync

import (
	"encoding/json"
	"time"

	"github.com/siacasa/widget-sync/internal/chat"
	"github.com/siacasa/widget-sync/internal/metrics"
	"github.com/siacasa/widget-sync/internal/protocol"
	"github.com/siacasa/widget-sync/internal/realtime"
)

// Deliver runs one inbound message through reconciliation and reports
// whether it was rendered. Push, poll and unicast all use it.
func (c *Client) Deliver(channel chat.Channel, msg chat.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intakeLocked(channel, msg)
}

func (c *Client) intakeLocked(channel chat.Channel, msg chat.Message) bool {
	outcome := metrics.OutcomeRendered
	switch {
	case msg.IsInternal:
		outcome = metrics.OutcomeInternal
	case msg.SenderType != chat.SenderAgent:
		outcome = metrics.OutcomeNotAgent
	case !msg.Timestamp.After(c.lastSeen.Time):
		outcome = metrics.OutcomeDuplicate
	}
	metrics.MessagesTotal.WithLabelValues(string(channel), outcome).Inc()
	if outcome != metrics.OutcomeRendered {
		c.logger.Debug("message dropped", "channel", channel, "outcome", outcome, "timestamp", msg.Timestamp.Millis())
		return false
	}

	c.setTypingLocked(false)
	c.renderLocked(channel, msg)
	if msg.Timestamp.After(c.lastSeen.Time) {
		c.lastSeen = msg.Timestamp
	}
	return true
}

// renderLocked hands an entry to the listener and the history buffer. Local
// entries never touch the high-water mark.
func (c *Client) renderLocked(channel chat.Channel, msg chat.Message) {
	entry := chat.Entry{Channel: channel, Message: msg}
	c.history.Add(c.identity.SessionID, entry)
	c.listener.OnMessage(c.identity, entry)
}

func (c *Client) renderLocal(sender chat.SenderType, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderLocalLocked(sender, content)
}

func (c *Client) renderLocalLocked(sender chat.SenderType, content string) {
	c.renderLocked(chat.ChannelLocal, chat.Message{
		Content:    content,
		SenderType: sender,
		Timestamp:  chat.NewTimestamp(time.Now()),
	})
}

func (c *Client) setTypingLocked(active bool) {
	if c.typing == active {
		return
	}
	c.typing = active
	c.listener.OnTyping(active)
}

// HandleUnicast decodes a unicast payload and delivers it.
func (c *Client) HandleUnicast(data []byte) {
	var msg chat.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("malformed unicast payload", "err", err)
		return
	}
	c.Deliver(chat.ChannelUnicast, msg)
}

func (c *Client) subscribeUnicast(sessionID string) {
	if c.unicast == nil {
		return
	}
	if err := c.unicast.SubscribeUser(sessionID, c.HandleUnicast); err != nil {
		c.logger.Warn("unicast subscribe failed", "session_id", sessionID, "err", err)
	}
}

// HandleEvent implements realtime.Handler.
func (c *Client) HandleEvent(msgType string, msg interface{}) {
	switch m := msg.(type) {
	case protocol.ServerChatMsg:
		channel := chat.ChannelPush
		if msgType == protocol.TypeDirectMessage {
			channel = chat.ChannelUnicast
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if channel == chat.ChannelPush && m.TicketID != "" && m.TicketID != c.identity.TicketID {
			c.logger.Debug("chat_message for another ticket", "ticket_id", m.TicketID)
			return
		}
		c.intakeLocked(channel, m.Message())

	case protocol.WidgetMsg:
		c.mu.Lock()
		defer c.mu.Unlock()
		if m.Message == nil || m.UserID != c.identity.SessionID {
			return
		}
		c.intakeLocked(chat.ChannelUnicast, *m.Message)

	case protocol.TypingMsg:
		c.mu.Lock()
		defer c.mu.Unlock()
		if m.SenderType != chat.SenderAgent || !c.identity.HasTicket() {
			return
		}
		if m.TicketID != "" && m.TicketID != c.identity.TicketID {
			return
		}
		c.setTypingLocked(m.IsTyping)

	case protocol.AgentConnectedMsg:
		c.logger.Info("agent connected", "ticket_id", m.TicketID, "agent", m.AgentName)
		c.renderLocal(chat.SenderSystem, AgentConnectedNotice)

	case protocol.ErrorMsg:
		c.logger.Warn("realtime error event", "code", m.Code, "message", m.Message)

	case protocol.SubscriptionConfirmedMsg:
		c.logger.Debug("ticket subscription confirmed", "ticket_id", m.TicketID)

	case protocol.UserSubscriptionConfirmedMsg:
		c.logger.Debug("user subscription confirmed", "user_id", m.UserID)

	default:
		c.logger.Debug("realtime event", "type", msgType)
	}
}

// HandleState implements realtime.Handler. Every entry into the connected
// state arms one subscribe_user and, with an active ticket, one
// subscribe_ticket for that connection.
func (c *Client) HandleState(state realtime.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rtState = state
	c.connGen++
	c.stopSubTimersLocked()
	c.ticketSubscribed = ""

	if state == realtime.StateConnected && !c.closed {
		gen := c.connGen
		c.subTimers = append(c.subTimers,
			time.AfterFunc(c.cfg.SubscribeUserDelay, func() { c.subscribeUser(gen) }),
		)
		if c.identity.HasTicket() {
			c.subTimers = append(c.subTimers,
				time.AfterFunc(c.cfg.SubscribeTicketDelay, func() { c.subscribeTicket(gen) }),
			)
		}
	}

	c.listener.OnStateChange(state)
}

func (c *Client) stopSubTimersLocked() {
	for _, t := range c.subTimers {
		t.Stop()
	}
	c.subTimers = nil
}

func (c *Client) subscribeUser(gen uint64) {
	c.mu.Lock()
	if gen != c.connGen || c.closed {
		c.mu.Unlock()
		return
	}
	sid := c.identity.SessionID
	c.mu.Unlock()

	if err := c.rt.Send(protocol.TypeSubscribeUser, protocol.SubscribeUserMsg{UserID: sid}); err != nil {
		c.logger.Warn("subscribe_user failed", "err", err)
	}
}

func (c *Client) subscribeTicket(gen uint64) {
	c.mu.Lock()
	if gen != c.connGen || c.closed {
		c.mu.Unlock()
		return
	}
	ticket := c.identity.TicketID
	if ticket == "" || c.ticketSubscribed == ticket {
		c.mu.Unlock()
		return
	}
	c.ticketSubscribed = ticket
	c.mu.Unlock()

	if err := c.rt.Send(protocol.TypeSubscribeTicket, protocol.SubscribeTicketMsg{TicketID: ticket, Role: protocol.RoleUser}); err != nil {
		c.logger.Warn("subscribe_ticket failed", "ticket_id", ticket, "err", err)
	}
}
