package archive

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/siacasa/widget-sync/internal/chat"
	"github.com/siacasa/widget-sync/internal/session"
)

type fakeRecorder struct {
	mu      sync.Mutex
	entries []chat.Entry
	fail    bool
}

func (f *fakeRecorder) Record(_ context.Context, _ session.Identity, channel chat.Channel, msg chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("db down")
	}
	f.entries = append(f.entries, chat.Entry{Channel: channel, Message: msg})
	return nil
}

func TestWriterFlushesOnClose(t *testing.T) {
	rec := &fakeRecorder{}
	w := NewWriter(rec, 8, nil)

	id := session.Identity{SessionID: "s-1", TicketID: "t-1"}
	w.OnMessage(id, chat.Entry{Channel: chat.ChannelPush, Message: chat.Message{Content: "uno"}})
	w.OnMessage(id, chat.Entry{Channel: chat.ChannelPoll, Message: chat.Message{Content: "dos"}})
	w.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.entries) != 2 || rec.entries[0].Message.Content != "uno" || rec.entries[1].Channel != chat.ChannelPoll {
		t.Errorf("unexpected entries %+v", rec.entries)
	}
}

func TestWriterSurvivesRecordErrors(t *testing.T) {
	rec := &fakeRecorder{fail: true}
	w := NewWriter(rec, 1, nil)
	w.OnMessage(session.Identity{SessionID: "s"}, chat.Entry{})
	w.Close()
}

// newTestArchive connects to the database named by WIDGET_TEST_POSTGRES_DSN.
func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	dsn := os.Getenv("WIDGET_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("postgres not available: WIDGET_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(dsn); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRecordAndRecent(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	id := session.Identity{SessionID: uuid.NewString(), TicketID: "t-1"}

	msgs := []struct {
		channel chat.Channel
		msg     chat.Message
	}{
		{chat.ChannelLocal, chat.Message{Content: "hola", SenderType: chat.SenderUser, Timestamp: chat.FromMillis(1000)}},
		{chat.ChannelPush, chat.Message{Content: "buenas", SenderType: chat.SenderAgent, SenderName: "Ana", Timestamp: chat.FromMillis(2000)}},
		{chat.ChannelPoll, chat.Message{Content: "sigo aquí", SenderType: chat.SenderAgent}},
	}
	for _, m := range msgs {
		if err := a.Record(ctx, id, m.channel, m.msg); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	recent, err := a.Recent(ctx, id.SessionID, 2)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].Message.Content != "buenas" || recent[0].Message.SenderName != "Ana" || recent[0].Channel != chat.ChannelPush {
		t.Errorf("unexpected first record %+v", recent[0])
	}
	if recent[0].Message.Timestamp.Millis() != 2000 {
		t.Errorf("sent_at = %d, want 2000", recent[0].Message.Timestamp.Millis())
	}
	if !recent[1].Message.Timestamp.IsZero() {
		t.Error("missing timestamp should stay empty")
	}
	if recent[1].Identity != id {
		t.Errorf("identity = %+v, want %+v", recent[1].Identity, id)
	}
}

func TestRecordRequiresSession(t *testing.T) {
	a := New(nil)
	if err := a.Record(context.Background(), session.Identity{}, chat.ChannelPush, chat.Message{}); err == nil {
		t.Error("expected error for empty session id")
	}
}
