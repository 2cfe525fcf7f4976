package chatsync

import (
	"context"
	"errors"
	"time"

	"github.com/siacasa/widget-sync/internal/backend"
	"github.com/siacasa/widget-sync/internal/chat"
	"github.com/siacasa/widget-sync/internal/metrics"
	"github.com/siacasa/widget-sync/internal/protocol"
	"github.com/siacasa/widget-sync/internal/realtime"
	"github.com/siacasa/widget-sync/internal/session"
)

// SendUserMessage echoes the visitor's message and dispatches it. Blank input
// is ignored. With a connected realtime channel and an active ticket the
// message goes out as chat_message; otherwise it is posted over HTTP in the
// background and the response may carry a reply, a new session id or a
// ticket. A failed HTTP send renders FailureNotice and is not retried.
func (c *Client) SendUserMessage(ctx context.Context, text string) error {
	text, err := chat.NormalizeOutbound(text)
	if errors.Is(err, chat.ErrEmptyMessage) {
		return nil
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	id := c.identity
	c.mu.Unlock()

	if c.limiter != nil {
		if ok, _ := c.limiter.Allow(ctx, id.SessionID); !ok {
			metrics.SendsTotal.WithLabelValues("none", "throttled").Inc()
			c.renderLocal(chat.SenderSystem, ThrottledNotice)
			return ErrThrottled
		}
	}

	c.mu.Lock()
	c.renderLocalLocked(chat.SenderUser, text)
	if c.identity.HasTicket() {
		c.armIdleLocked()
	}
	useRealtime := c.rt != nil && c.rtState == realtime.StateConnected && c.identity.HasTicket()
	id = c.identity
	runCtx := c.runCtx
	c.sendWG.Add(1)
	c.mu.Unlock()

	if useRealtime {
		err := c.rt.Send(protocol.TypeChatMessage, protocol.ChatMessageMsg{
			TicketID:   id.TicketID,
			Content:    text,
			SenderID:   id.SessionID,
			SenderType: chat.SenderUser,
		})
		if err == nil {
			metrics.SendsTotal.WithLabelValues("realtime", "ok").Inc()
			c.sendWG.Done()
			return nil
		}
		metrics.SendsTotal.WithLabelValues("realtime", "error").Inc()
		c.logger.Warn("realtime send failed, falling back to http", "err", err)
	}

	// The visitor already saw the echo, so Close waits for the send instead
	// of cancelling it.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), c.cfg.SendTimeout)
	go func() {
		defer c.sendWG.Done()
		defer cancel()
		c.sendHTTP(sendCtx, id, text)
	}()
	return nil
}

func (c *Client) sendHTTP(ctx context.Context, id session.Identity, text string) {
	start := time.Now()
	resp, err := c.backend.SendMessage(ctx, backend.SendRequest{
		Message:   text,
		SessionID: id.SessionID,
		BankCode:  c.cfg.BankCode,
	})
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SendsTotal.WithLabelValues("http", "error").Inc()
		c.logger.Warn("send failed", "session_id", id.SessionID, "err", err)
		c.renderLocal(chat.SenderSystem, FailureNotice)
		return
	}
	metrics.SendsTotal.WithLabelValues("http", "ok").Inc()
	c.applySendResponse(ctx, id, resp)
}

// applySendResponse renders the reply and adopts a replacement session id or
// a first ticket. Responses for a conversation that was reset meanwhile are
// dropped.
func (c *Client) applySendResponse(ctx context.Context, sent session.Identity, resp *backend.SendResponse) {
	c.mu.Lock()
	if c.identity.SessionID != sent.SessionID {
		c.mu.Unlock()
		c.logger.Debug("dropping response for previous conversation", "session_id", sent.SessionID)
		return
	}

	changed := false
	oldSessionID := c.identity.SessionID
	if resp.SessionID != "" && resp.SessionID != c.identity.SessionID {
		c.identity.SessionID = resp.SessionID
		changed = true
	}
	ticketAssigned := false
	if resp.TicketID != "" && !c.identity.HasTicket() {
		c.identity.TicketID = resp.TicketID
		ticketAssigned = true
		changed = true
		c.armIdleLocked()
	}

	if resp.Reply != "" {
		ts := resp.Timestamp
		if ts.IsZero() {
			ts = chat.NewTimestamp(time.Now())
		}
		c.renderLocked(chat.ChannelLocal, chat.Message{
			Content:    resp.Reply,
			SenderType: chat.SenderBot,
			SenderName: resp.SenderName,
			Timestamp:  ts,
		})
	}

	id := c.identity
	gen := c.connGen
	connected := c.rtState == realtime.StateConnected
	c.mu.Unlock()

	if !changed {
		return
	}
	c.persist(ctx, id)

	if id.SessionID != oldSessionID {
		c.logger.Info("session id replaced", "old_session_id", oldSessionID, "session_id", id.SessionID)
		if c.unicast != nil {
			if err := c.unicast.UnsubscribeUser(oldSessionID); err != nil {
				c.logger.Debug("unicast unsubscribe", "err", err)
			}
		}
		c.subscribeUnicast(id.SessionID)
		if connected && c.rt != nil {
			c.subscribeUser(gen)
		}
	}

	if ticketAssigned {
		c.logger.Info("ticket assigned", "session_id", id.SessionID, "ticket_id", id.TicketID)
		if connected && c.rt != nil {
			c.subscribeTicket(gen)
		}
	}
}
