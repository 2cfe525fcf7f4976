package messaging

import (
	"testing"
	"time"
)

func TestUserSubject(t *testing.T) {
	if got := UserSubject("abc"); got != "widget.user.abc" {
		t.Errorf("UserSubject() = %q", got)
	}
}

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Timeout = 500 * time.Millisecond
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg, nil)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestSubscribeUserReceivesUnicast(t *testing.T) {
	client := newTestClient(t)

	got := make(chan []byte, 1)
	if err := client.SubscribeUser("s-1", func(data []byte) { got <- data }); err != nil {
		t.Fatalf("SubscribeUser() error: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	if err := client.PublishToUser("s-2", []byte("other")); err != nil {
		t.Fatalf("PublishToUser() error: %v", err)
	}
	if err := client.PublishToUser("s-1", []byte(`{"content":"hola"}`)); err != nil {
		t.Fatalf("PublishToUser() error: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != `{"content":"hola"}` {
			t.Errorf("unexpected payload %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unicast payload")
	}
}

func TestUnsubscribeUser(t *testing.T) {
	client := newTestClient(t)

	if err := client.UnsubscribeUser("missing"); err == nil {
		t.Error("expected error for unknown subscription")
	}
	if err := client.SubscribeUser("s-1", func([]byte) {}); err != nil {
		t.Fatalf("SubscribeUser() error: %v", err)
	}
	if err := client.UnsubscribeUser("s-1"); err != nil {
		t.Errorf("UnsubscribeUser() error: %v", err)
	}
}
