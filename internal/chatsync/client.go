// Package chatsync reconciles agent messages arriving over realtime push, HTTP
// polling and unicast into one ordered transcript, and owns the visitor's
// session identity, send path, typing indicator and shutdown notification.
//
// Every inbound agent message goes through Deliver. A message is rendered only
// if it is not internal, comes from an agent and is strictly newer than the
// high-water mark; the high-water mark then advances to its timestamp. There
// is no message id on the wire, so two agent messages sharing a timestamp
// collapse into one.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/siacasa/widget-sync/internal/backend"
	"github.com/siacasa/widget-sync/internal/chat"
	"github.com/siacasa/widget-sync/internal/protocol"
	"github.com/siacasa/widget-sync/internal/realtime"
	"github.com/siacasa/widget-sync/internal/session"
)

// Local notices rendered by the client itself.
const (
	FailureNotice        = "Lo siento, ha ocurrido un error en la comunicación. Por favor, intenta de nuevo más tarde."
	AgentConnectedNotice = "Un agente se ha conectado a la conversación."
	ThrottledNotice      = "Estás enviando mensajes muy rápido. Espera unos segundos e inténtalo de nuevo."
)

var (
	ErrNotStarted = errors.New("chatsync: client not started")
	ErrClosed     = errors.New("chatsync: client closed")
	ErrThrottled  = errors.New("chatsync: send throttled")
)

// PollPolicy selects when the polling fallback runs.
type PollPolicy string

const (
	PollAlways       PollPolicy = "always"
	PollDisconnected PollPolicy = "disconnected"
)

// Backend is the HTTP API used by the client.
type Backend interface {
	SendMessage(ctx context.Context, req backend.SendRequest) (*backend.SendResponse, error)
	PollMessages(ctx context.Context, req backend.PollRequest) (*backend.PollResponse, error)
	EndSession(ctx context.Context, sessionID string) error
	ResetConversation(ctx context.Context, sessionID string) error
}

// Realtime is the push channel. *realtime.Client implements it.
type Realtime interface {
	Run(ctx context.Context) error
	Send(msgType string, payload interface{}) error
	State() realtime.State
	Retry()
}

// Unicast delivers messages addressed to one session. *messaging.NATSClient
// implements it.
type Unicast interface {
	SubscribeUser(sessionID string, handler func(data []byte)) error
	UnsubscribeUser(sessionID string) error
}

// Limiter throttles outbound sends per session. *ratelimit.Limiter
// implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Listener receives everything the visitor should see. Calls are made with the
// client's lock held and in render order; a Listener must not call back into
// the Client synchronously.
type Listener interface {
	OnMessage(id session.Identity, entry chat.Entry)
	OnTyping(active bool)
	OnStateChange(state realtime.State)
}

// Config holds client tuning parameters.
type Config struct {
	PollInterval         time.Duration // polling fallback period (default: 5s)
	PollPolicy           PollPolicy    // default: PollAlways
	SubscribeUserDelay   time.Duration // delay before subscribe_user on connect (default: 300ms)
	SubscribeTicketDelay time.Duration // delay before subscribe_ticket on connect (default: 500ms)
	IdleTimeout          time.Duration // end the session after this long without sends; 0 disables
	BeaconTimeout        time.Duration // budget for the shutdown end-session call (default: 5s)
	SendTimeout          time.Duration // budget for one HTTP send, which outlives Close (default: 30s)
	BankCode             string
	HistorySize          int
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:         5 * time.Second,
		PollPolicy:           PollAlways,
		SubscribeUserDelay:   300 * time.Millisecond,
		SubscribeTicketDelay: 500 * time.Millisecond,
		IdleTimeout:          15 * time.Minute,
		BeaconTimeout:        5 * time.Second,
		SendTimeout:          30 * time.Second,
		HistorySize:          chat.DefaultBufferSize,
	}
}

// Client is the message sync client for one widget instance.
type Client struct {
	cfg      Config
	store    session.Store
	backend  Backend
	listener Listener
	logger   *slog.Logger
	history  *chat.TranscriptBuffer

	rt      Realtime
	unicast Unicast
	limiter Limiter

	mu       sync.Mutex
	identity session.Identity
	lastSeen chat.Timestamp // high-water mark
	typing   bool
	rtState  realtime.State
	started  bool
	closed   bool

	// connGen increments on every realtime state change and on Reset;
	// subscribe timers only act when the generation they were armed for is
	// still current.
	connGen          uint64
	subTimers        []*time.Timer
	ticketSubscribed string
	idleTimer        *time.Timer

	runCtx context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	sendWG sync.WaitGroup
}

// New creates a client. Optional channels are attached with SetRealtime,
// SetUnicast and SetLimiter before Start.
func New(cfg Config, store session.Store, be Backend, listener Listener, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollPolicy == "" {
		cfg.PollPolicy = def.PollPolicy
	}
	if cfg.SubscribeUserDelay < 0 {
		cfg.SubscribeUserDelay = 0
	}
	if cfg.SubscribeTicketDelay < 0 {
		cfg.SubscribeTicketDelay = 0
	}
	if cfg.BeaconTimeout <= 0 {
		cfg.BeaconTimeout = def.BeaconTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if listener == nil {
		listener = nopListener{}
	}
	return &Client{
		cfg:      cfg,
		store:    store,
		backend:  be,
		listener: listener,
		logger:   logger.With("component", "chatsync"),
		history:  chat.NewTranscriptBuffer(cfg.HistorySize),
		rtState:  realtime.StateDisconnected,
	}
}

// SetRealtime attaches the push channel. The realtime client should be
// created with this Client as its Handler.
func (c *Client) SetRealtime(rt Realtime) { c.rt = rt }

// SetUnicast attaches the unicast channel.
func (c *Client) SetUnicast(u Unicast) { c.unicast = u }

// SetLimiter attaches a per-session send throttle.
func (c *Client) SetLimiter(l Limiter) { c.limiter = l }

// Start loads or creates the identity and starts the background channels:
// realtime connection, unicast subscription and polling. It does not wait for
// any of them to connect. Cancelling ctx stops the background work as Close
// does, without the final cleanup.
func (c *Client) Start(ctx context.Context) error {
	id, err := session.Ensure(ctx, c.store)
	if err != nil {
		return fmt.Errorf("chatsync: start: %w", err)
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("chatsync: start: already started")
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.started = true
	c.identity = id
	c.lastSeen = chat.Timestamp{}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	c.runCtx = groupCtx
	c.cancel = cancel
	c.group = group
	if id.HasTicket() {
		c.armIdleLocked()
	}
	c.mu.Unlock()

	c.logger.Info("starting", "session_id", id.SessionID, "ticket_id", id.TicketID)

	c.subscribeUnicast(id.SessionID)
	if c.rt != nil {
		group.Go(func() error { return c.rt.Run(groupCtx) })
	}
	group.Go(func() error { return c.pollLoop(groupCtx) })
	return nil
}

// Identity returns the current session identity.
func (c *Client) Identity() session.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// LastSeen returns the high-water mark.
func (c *Client) LastSeen() chat.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Typing reports whether the agent typing indicator is on.
func (c *Client) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// RealtimeState returns the last realtime state reported to the client.
func (c *Client) RealtimeState() realtime.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtState
}

// History returns the most recent rendered entries for the current session.
func (c *Client) History() []chat.Entry {
	c.mu.Lock()
	sid := c.identity.SessionID
	c.mu.Unlock()
	return c.history.Get(sid)
}

// RetryRealtime asks the realtime channel to start over after it gave up.
func (c *Client) RetryRealtime() {
	if c.rt != nil {
		c.rt.Retry()
	}
}

// Shutdown fires the end-session notification when a ticket is active. The
// call runs on its own context with BeaconTimeout so it survives Close. The
// returned channel is closed once the call finished or gave up.
func (c *Client) Shutdown() <-chan struct{} {
	done := make(chan struct{})

	c.mu.Lock()
	id := c.identity
	c.mu.Unlock()

	if !id.HasTicket() {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BeaconTimeout)
		defer cancel()
		if err := c.backend.EndSession(ctx, id.SessionID); err != nil {
			c.logger.Warn("end-session notification failed", "session_id", id.SessionID, "err", err)
			return
		}
		c.logger.Info("session ended", "session_id", id.SessionID, "ticket_id", id.TicketID)
	}()
	return done
}

// Close stops timers, polling, the realtime connection and the unicast
// subscription, and waits for in-flight sends to finish. Sends are not
// cancelled by Close; each is bounded by SendTimeout.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connGen++
	c.stopSubTimersLocked()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	started := c.started
	c.mu.Unlock()

	if !started {
		return nil
	}

	c.cancel()
	err := c.group.Wait()
	c.sendWG.Wait()

	// A send that finished meanwhile may have replaced the session id.
	sid := c.Identity().SessionID
	if c.unicast != nil {
		if uerr := c.unicast.UnsubscribeUser(sid); uerr != nil {
			c.logger.Debug("unicast unsubscribe", "err", uerr)
		}
	}
	c.logger.Info("closed", "session_id", sid)
	return err
}

// Reset starts a new conversation: a fresh session id, no ticket, an empty
// high-water mark and typing indicator. Subscriptions move to the new id and
// the backend is told to forget the old conversation.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.identity
	c.mu.Unlock()

	id, err := session.Rotate(ctx, c.store)
	if err != nil {
		return fmt.Errorf("chatsync: reset: %w", err)
	}

	c.mu.Lock()
	c.identity = id
	c.lastSeen = chat.Timestamp{}
	c.setTypingLocked(false)
	c.ticketSubscribed = ""
	// Reset subscribes the new id itself; pending connect timers would
	// repeat it.
	c.connGen++
	c.stopSubTimersLocked()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	connected := c.rtState == realtime.StateConnected
	c.mu.Unlock()
	c.history.Remove(old.SessionID)

	c.logger.Info("conversation reset", "old_session_id", old.SessionID, "session_id", id.SessionID)

	if c.unicast != nil {
		if err := c.unicast.UnsubscribeUser(old.SessionID); err != nil {
			c.logger.Debug("unicast unsubscribe", "err", err)
		}
	}
	c.subscribeUnicast(id.SessionID)
	if connected && c.rt != nil {
		if err := c.rt.Send(protocol.TypeSubscribeUser, protocol.SubscribeUserMsg{UserID: id.SessionID}); err != nil {
			c.logger.Warn("subscribe_user after reset failed", "err", err)
		}
	}

	if err := c.backend.ResetConversation(ctx, old.SessionID); err != nil {
		c.logger.Warn("backend reset failed", "session_id", old.SessionID, "err", err)
	}
	return nil
}

// Touch records visitor activity that is not a send, restarting the
// inactivity timer while a ticket is active.
func (c *Client) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started && c.identity.HasTicket() {
		c.armIdleLocked()
	}
}

// armIdleLocked (re)starts the inactivity timer.
func (c *Client) armIdleLocked() {
	if c.cfg.IdleTimeout <= 0 || c.closed {
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, c.idleExpired)
}

// idleExpired ends the backend session after a period without user activity
// and forgets the ticket.
func (c *Client) idleExpired() {
	c.mu.Lock()
	if c.closed || !c.identity.HasTicket() {
		c.mu.Unlock()
		return
	}
	id := c.identity
	ctx := c.runCtx
	c.mu.Unlock()

	if err := c.backend.EndSession(ctx, id.SessionID); err != nil {
		c.logger.Warn("inactivity end-session failed", "session_id", id.SessionID, "err", err)
		return
	}
	c.logger.Info("session ended after inactivity", "session_id", id.SessionID, "ticket_id", id.TicketID)

	c.mu.Lock()
	if c.identity != id {
		c.mu.Unlock()
		return
	}
	c.identity.TicketID = ""
	c.ticketSubscribed = ""
	updated := c.identity
	c.mu.Unlock()

	c.persist(ctx, updated)
}

func (c *Client) persist(ctx context.Context, id session.Identity) {
	if err := c.store.Save(ctx, id); err != nil {
		c.logger.Warn("persisting identity failed", "session_id", id.SessionID, "err", err)
	}
}

type nopListener struct{}

func (nopListener) OnMessage(session.Identity, chat.Entry) {}
func (nopListener) OnTyping(bool)                          {}
func (nopListener) OnStateChange(realtime.State)           {}

// Listeners fans every callback out to each listener in order.
type Listeners []Listener

func (ls Listeners) OnMessage(id session.Identity, entry chat.Entry) {
	for _, l := range ls {
		l.OnMessage(id, entry)
	}
}

func (ls Listeners) OnTyping(active bool) {
	for _, l := range ls {
		l.OnTyping(active)
	}
}

func (ls Listeners) OnStateChange(state realtime.State) {
	for _, l := range ls {
		l.OnStateChange(state)
	}
}
