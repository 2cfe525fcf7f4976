package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/siacasa/widget-sync/internal/backend"
	"github.com/siacasa/widget-sync/internal/chat"
	"github.com/siacasa/widget-sync/internal/realtime"
	"github.com/siacasa/widget-sync/internal/session"
)

type fakeBackend struct {
	mu        sync.Mutex
	sends     []backend.SendRequest
	polls     []backend.PollRequest
	ended     []string
	resets    []string
	sendResp  *backend.SendResponse
	sendErr   error
	pollResp  *backend.PollResponse
	pollErr   error
	endErr    error
	sendGate  chan struct{}
	endCalled chan string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sendResp:  &backend.SendResponse{Status: backend.StatusSuccess},
		pollResp:  &backend.PollResponse{Status: backend.StatusSuccess},
		endCalled: make(chan string, 8),
	}
}

func (b *fakeBackend) SendMessage(ctx context.Context, req backend.SendRequest) (*backend.SendResponse, error) {
	b.mu.Lock()
	gate := b.sendGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, req)
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	resp := *b.sendResp
	return &resp, nil
}

func (b *fakeBackend) PollMessages(_ context.Context, req backend.PollRequest) (*backend.PollResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls = append(b.polls, req)
	if b.pollErr != nil {
		return nil, b.pollErr
	}
	return b.pollResp, nil
}

func (b *fakeBackend) EndSession(_ context.Context, sessionID string) error {
	b.mu.Lock()
	b.ended = append(b.ended, sessionID)
	err := b.endErr
	b.mu.Unlock()
	b.endCalled <- sessionID
	return err
}

func (b *fakeBackend) ResetConversation(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets = append(b.resets, sessionID)
	return nil
}

func (b *fakeBackend) sendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sends)
}

func (b *fakeBackend) pollCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.polls)
}

func (b *fakeBackend) setPoll(msgs ...chat.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollResp = &backend.PollResponse{Status: backend.StatusSuccess, Messages: msgs}
}

type sentFrame struct {
	Type    string
	Payload interface{}
}

type fakeRealtime struct {
	mu      sync.Mutex
	state   realtime.State
	sent    []sentFrame
	retries int
	sendErr error
}

func (r *fakeRealtime) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *fakeRealtime) Send(msgType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, sentFrame{Type: msgType, Payload: payload})
	return nil
}

func (r *fakeRealtime) State() realtime.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRealtime) Retry() {
	r.mu.Lock()
	r.retries++
	r.mu.Unlock()
}

func (r *fakeRealtime) count(msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.sent {
		if f.Type == msgType {
			n++
		}
	}
	return n
}

func (r *fakeRealtime) frames(msgType string) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interface{}
	for _, f := range r.sent {
		if f.Type == msgType {
			out = append(out, f.Payload)
		}
	}
	return out
}

type fakeUnicast struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
	dropped  []string
}

func newFakeUnicast() *fakeUnicast {
	return &fakeUnicast{handlers: make(map[string]func([]byte))}
}

func (u *fakeUnicast) SubscribeUser(sessionID string, handler func([]byte)) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handlers[sessionID] = handler
	return nil
}

func (u *fakeUnicast) UnsubscribeUser(sessionID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.handlers[sessionID]; !ok {
		return errors.New("no subscription")
	}
	delete(u.handlers, sessionID)
	u.dropped = append(u.dropped, sessionID)
	return nil
}

func (u *fakeUnicast) publish(sessionID string, data []byte) bool {
	u.mu.Lock()
	h := u.handlers[sessionID]
	u.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

type fakeLimiter struct{ allow bool }

func (l fakeLimiter) Allow(context.Context, string) (bool, error) { return l.allow, nil }

// recorder is a Listener capturing rendered entries, typing toggles and
// state changes.
type recorder struct {
	mu       sync.Mutex
	entries  []chat.Entry
	typing   []bool
	states   []realtime.State
	rendered chan chat.Entry
}

func newRecorder() *recorder {
	return &recorder{rendered: make(chan chat.Entry, 64)}
}

func (r *recorder) OnMessage(_ session.Identity, e chat.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	r.rendered <- e
}

func (r *recorder) OnTyping(active bool) {
	r.mu.Lock()
	r.typing = append(r.typing, active)
	r.mu.Unlock()
}

func (r *recorder) OnStateChange(s realtime.State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) all() []chat.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chat.Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// agentContents returns the contents of rendered agent messages in order.
func (r *recorder) agentContents() []string {
	var out []string
	for _, e := range r.all() {
		if e.Message.SenderType == chat.SenderAgent {
			out = append(out, e.Message.Content)
		}
	}
	return out
}

func (r *recorder) next(t *testing.T) chat.Entry {
	t.Helper()
	select {
	case e := <-r.rendered:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a rendered entry")
		return chat.Entry{}
	}
}

func agentMsg(content string, ms int64) chat.Message {
	return chat.Message{Content: content, SenderType: chat.SenderAgent, Timestamp: chat.FromMillis(ms)}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	cfg.SubscribeUserDelay = 10 * time.Millisecond
	cfg.SubscribeTicketDelay = 20 * time.Millisecond
	cfg.IdleTimeout = 0
	cfg.BeaconTimeout = time.Second
	return cfg
}

type harness struct {
	client  *Client
	backend *fakeBackend
	rt      *fakeRealtime
	unicast *fakeUnicast
	store   *session.MemoryStore
	rec     *recorder
}

func newHarness(t *testing.T, id session.Identity, cfg Config) *harness {
	t.Helper()
	h := &harness{
		backend: newFakeBackend(),
		rt:      &fakeRealtime{},
		unicast: newFakeUnicast(),
		store:   session.NewMemoryStore(id),
		rec:     newRecorder(),
	}
	h.client = New(cfg, h.store, h.backend, h.rec, nil)
	h.client.SetRealtime(h.rt)
	h.client.SetUnicast(h.unicast)
	if err := h.client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { h.client.Close() })
	return h
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
