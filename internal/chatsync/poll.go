package chatsync

import (
	"context"
	"sort"
	"time"

	"github.com/siacasa/widget-sync/internal/backend"
	"github.com/siacasa/widget-sync/internal/chat"
	"github.com/siacasa/widget-sync/internal/metrics"
	"github.com/siacasa/widget-sync/internal/realtime"
)

func (c *Client) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce fetches agent messages newer than the high-water mark and feeds
// them through reconciliation in timestamp order. Failures are skipped.
func (c *Client) pollOnce(ctx context.Context) {
	c.mu.Lock()
	id := c.identity
	since := c.lastSeen
	state := c.rtState
	c.mu.Unlock()

	if !id.HasTicket() || (c.cfg.PollPolicy == PollDisconnected && state == realtime.StateConnected) {
		metrics.PollsTotal.WithLabelValues("skipped").Inc()
		return
	}

	resp, err := c.backend.PollMessages(ctx, backend.PollRequest{
		SessionID: id.SessionID,
		TicketID:  id.TicketID,
		Since:     since,
	})
	if err != nil {
		metrics.PollsTotal.WithLabelValues("error").Inc()
		c.logger.Debug("poll failed", "err", err)
		return
	}
	metrics.PollsTotal.WithLabelValues("ok").Inc()

	msgs := make([]chat.Message, len(resp.Messages))
	copy(msgs, resp.Messages)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp.Time)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != id {
		return
	}
	for _, m := range msgs {
		c.intakeLocked(chat.ChannelPoll, m)
	}
}
