// Package realtime maintains the widget's WebSocket connection to the support
// backend: connect with a handshake timeout, bounded fixed-delay reconnects,
// an application-level ping heartbeat, and decoding of server events for a
// single Handler.
package realtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/siacasa/widget-sync/internal/metrics"
	"github.com/siacasa/widget-sync/internal/protocol"
)

// ErrNotConnected is returned by Send when there is no open connection.
var ErrNotConnected = errors.New("realtime: not connected")

// Handler receives connection state changes and decoded server events. Both
// are invoked from the client's run goroutine, one at a time.
type Handler interface {
	HandleState(State)
	HandleEvent(msgType string, msg interface{})
}

// Config holds connection tuning parameters.
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration // dial + upgrade deadline (default: 20s)
	ReconnectAttempts int           // dials after a failure before giving up (default: 5)
	ReconnectDelay    time.Duration // fixed delay between dials (default: 1s)
	PingInterval      time.Duration // how often to send a ping (default: 25s)
	PongTimeout       time.Duration // extra silence tolerated after a ping (default: 20s)
	WriteTimeout      time.Duration // per-frame write deadline (default: 10s)
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  20 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		PingInterval:      25 * time.Second,
		PongTimeout:       20 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Client is a reconnecting WebSocket client.
type Client struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu    sync.Mutex
	state State
	conn  net.Conn

	writeMu sync.Mutex
	retry   chan struct{}
}

// New creates a client. Call Run to start connecting.
func New(cfg Config, handler Handler, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "realtime"),
		state:   StateDisconnected,
		retry:   make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retry asks a client that gave up reconnecting to start over. It is a no-op
// in any other state.
func (c *Client) Retry() {
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

// Send encodes payload as a client event of msgType and writes it as one text
// frame. It is goroutine-safe.
func (c *Client) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("realtime: send %s: %w", msgType, err)
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := wsutil.WriteClientText(conn, data); err != nil {
		return fmt.Errorf("realtime: send %s: %w", msgType, err)
	}
	return nil
}

// Run connects and keeps the connection alive until ctx is cancelled. It
// always returns nil once ctx is done; failures are reported through state
// changes and logs.
func (c *Client) Run(ctx context.Context) error {
	first := StateConnecting
	for {
		conn, err := c.connect(ctx, first)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}
		if err != nil {
			c.logger.Warn("giving up after reconnect attempts", "attempts", c.cfg.ReconnectAttempts, "err", err)
			// Drop any retry request that arrived before we gave up.
			select {
			case <-c.retry:
			default:
			}
			c.setState(StateDisconnected)
			select {
			case <-ctx.Done():
				return nil
			case <-c.retry:
				first = StateConnecting
				continue
			}
		}

		c.serve(ctx, conn)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}
		first = StateReconnecting
	}
}

// connect dials once right away when first is StateConnecting, then up to
// ReconnectAttempts more times in StateReconnecting, each after a fixed delay.
func (c *Client) connect(ctx context.Context, first State) (net.Conn, error) {
	c.setState(first)

	var (
		conn net.Conn
		err  = ErrNotConnected
	)
	if first == StateConnecting {
		conn, err = c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		c.logger.Warn("connect failed", "url", c.cfg.URL, "err", err)
	}

	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		c.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}

		metrics.ReconnectsTotal.Inc()
		conn, err = c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		c.logger.Warn("reconnect failed", "attempt", attempt, "err", err)
	}
	return nil, err
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := ws.Dialer{Timeout: c.cfg.HandshakeTimeout}
	conn, br, _, err := dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	if br != nil {
		// The server may have written frames right behind the upgrade
		// response; keep reading through the buffer.
		conn = &bufferedConn{Conn: conn, br: br}
	}
	return conn, nil
}

// serve owns conn until it fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)
	c.logger.Info("connected", "url", c.cfg.URL)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat(ctx, conn, done)
	}()

	err := c.readLoop(conn)
	close(done)
	conn.Close()
	wg.Wait()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	if ctx.Err() == nil {
		c.logger.Warn("connection lost", "err", err)
	}
}

func (c *Client) readLoop(conn net.Conn) error {
	control := c.controlHandler(conn)
	rd := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	deadline := c.cfg.PingInterval + c.cfg.PongTimeout
	for {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}

		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.logger.Debug("ignoring server event", "type", msgType, "err", err)
			continue
		}
		if msgType == protocol.TypePong {
			continue
		}
		c.handler.HandleEvent(msgType, msg)
	}
}

// controlHandler answers server ping and close frames. The replies share
// writeMu with Send so frames never interleave on the wire.
func (c *Client) controlHandler(conn net.Conn) wsutil.FrameHandlerFunc {
	handle := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	return func(hdr ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		return handle(hdr, r)
	}
}

// heartbeat sends an application-level ping every PingInterval. A server that
// stays silent past PingInterval+PongTimeout trips the read deadline in
// readLoop; cancelling ctx closes the connection to unblock it.
func (c *Client) heartbeat(ctx context.Context, conn net.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if err := c.Send(protocol.TypePing, protocol.PingMsg{}); err != nil {
				c.logger.Debug("heartbeat ping failed", "err", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	metrics.SetRealtimeState(s.String(), stateNames)
	c.logger.Debug("state change", "state", s)
	if c.handler != nil {
		c.handler.HandleState(s)
	}
}

type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.br.Read(p)
}
