package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/siacasa/widget-sync/internal/protocol"
)

// recorder is a Handler that records everything it is given.
type recorder struct {
	mu     sync.Mutex
	states []State
	events []string
	stateC chan State
	eventC chan string
}

func newRecorder() *recorder {
	return &recorder{stateC: make(chan State, 64), eventC: make(chan string, 64)}
}

func (r *recorder) HandleState(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	r.stateC <- s
}

func (r *recorder) HandleEvent(msgType string, _ interface{}) {
	r.mu.Lock()
	r.events = append(r.events, msgType)
	r.mu.Unlock()
	r.eventC <- msgType
}

func (r *recorder) waitState(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-r.stateC:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func (r *recorder) waitEvent(t *testing.T, want string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-r.eventC:
			if e == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

// wsServer is an in-process WebSocket server. Each accepted connection is
// passed to serve, which owns it until it returns.
func wsServer(t *testing.T, serve func(conn net.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			serve(conn)
		}()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		HandshakeTimeout:  time.Second,
		ReconnectAttempts: 2,
		ReconnectDelay:    20 * time.Millisecond,
		PingInterval:      time.Second,
		PongTimeout:       time.Second,
	}
}

func TestConnectAndReceive(t *testing.T) {
	url := wsServer(t, func(conn net.Conn) {
		wsutil.WriteServerText(conn, []byte(`{"type":"welcome","status":"connected","message":"hi"}`))
		wsutil.WriteServerText(conn, []byte(`{"type":"mystery"}`))
		wsutil.WriteServerText(conn, []byte(`{"type":"typing","ticket_id":"t","sender_type":"agent","is_typing":true}`))
		// Hold the connection open until the client goes away.
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	client := New(testConfig(url), rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	rec.waitState(t, StateConnected)
	rec.waitEvent(t, protocol.TypeWelcome)
	rec.waitEvent(t, protocol.TypeTyping)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if client.State() != StateDisconnected {
		t.Errorf("expected disconnected after cancel, got %s", client.State())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.states[0] != StateConnecting {
		t.Errorf("expected first state connecting, got %s", rec.states[0])
	}
	for _, e := range rec.events {
		if e == "mystery" {
			t.Error("unknown events must not reach the handler")
		}
	}
}

func TestSendWritesClientEvent(t *testing.T) {
	got := make(chan map[string]interface{}, 4)
	url := wsServer(t, func(conn net.Conn) {
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var m map[string]interface{}
			json.Unmarshal(data, &m)
			got <- m
		}
	})

	rec := newRecorder()
	client := New(testConfig(url), rec, nil)

	if err := client.Send(protocol.TypeSubscribeUser, protocol.SubscribeUserMsg{UserID: "u"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before Run, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	rec.waitState(t, StateConnected)

	if err := client.Send(protocol.TypeSubscribeUser, protocol.SubscribeUserMsg{UserID: "u-1"}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case m := <-got:
		if m["type"] != protocol.TypeSubscribeUser || m["user_id"] != "u-1" {
			t.Errorf("unexpected frame %v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive frame")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	var mu sync.Mutex
	accepted := 0
	url := wsServer(t, func(conn net.Conn) {
		mu.Lock()
		accepted++
		n := accepted
		mu.Unlock()
		if n == 1 {
			// Drop the first connection right away.
			return
		}
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	client := New(testConfig(url), rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	rec.waitState(t, StateConnected)
	rec.waitState(t, StateReconnecting)
	rec.waitState(t, StateConnected)

	mu.Lock()
	defer mu.Unlock()
	if accepted != 2 {
		t.Errorf("expected 2 connections, got %d", accepted)
	}
}

func TestGiveUpAndRetry(t *testing.T) {
	// Reserve a port and release it so dials are refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	rec := newRecorder()
	client := New(testConfig("ws://"+addr), rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	rec.waitState(t, StateConnecting)
	rec.waitState(t, StateReconnecting)
	rec.waitState(t, StateDisconnected)

	client.Retry()
	rec.waitState(t, StateConnecting)
	rec.waitState(t, StateDisconnected)
}

func TestHeartbeatSendsPing(t *testing.T) {
	pings := make(chan struct{}, 4)
	url := wsServer(t, func(conn net.Conn) {
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			if strings.Contains(string(data), `"type":"ping"`) {
				pings <- struct{}{}
				wsutil.WriteServerText(conn, []byte(`{"type":"pong"}`))
			}
		}
	})

	cfg := testConfig(url)
	cfg.PingInterval = 50 * time.Millisecond
	rec := newRecorder()
	client := New(cfg, rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-pings:
	case <-time.After(3 * time.Second):
		t.Fatal("no ping received")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.events {
		if e == protocol.TypePong {
			t.Error("pong must be consumed by the heartbeat, not forwarded")
		}
	}
}

func TestControlRepliesDoNotInterleaveWithSends(t *testing.T) {
	const n = 50
	type tally struct{ pongs, chats int }
	result := make(chan tally, 1)

	url := wsServer(t, func(conn net.Conn) {
		go func() {
			for i := 0; i < n; i++ {
				if err := ws.WriteFrame(conn, ws.NewPingFrame([]byte("hb"))); err != nil {
					return
				}
			}
		}()

		var got tally
		for got.pongs < n || got.chats < n {
			hdr, err := ws.ReadHeader(conn)
			if err != nil {
				return
			}
			payload := make([]byte, hdr.Length)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
			if hdr.Masked {
				ws.Cipher(payload, hdr.Mask, 0)
			}
			switch hdr.OpCode {
			case ws.OpPong:
				if string(payload) != "hb" {
					t.Errorf("pong payload %q", payload)
					return
				}
				got.pongs++
			case ws.OpText:
				var env struct {
					Type string `json:"type"`
				}
				if err := json.Unmarshal(payload, &env); err != nil {
					t.Errorf("corrupted text frame %q: %v", payload, err)
					return
				}
				if env.Type == protocol.TypeChatMessage {
					got.chats++
				}
			default:
				t.Errorf("unexpected opcode %v", hdr.OpCode)
				return
			}
		}
		result <- got
	})

	rec := newRecorder()
	client := New(testConfig(url), rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	rec.waitState(t, StateConnected)

	go func() {
		for i := 0; i < n; i++ {
			client.Send(protocol.TypeChatMessage, protocol.ChatMessageMsg{TicketID: "t-1", Content: "hola"})
		}
	}()

	select {
	case got := <-result:
		if got.pongs != n || got.chats != n {
			t.Errorf("got %d pongs and %d chat frames, want %d each", got.pongs, got.chats, n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive every pong and chat frame intact")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		State(42):         "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
