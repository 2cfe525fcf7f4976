package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/siacasa/widget-sync/internal/chat"
	"github.com/siacasa/widget-sync/internal/realtime"
	"github.com/siacasa/widget-sync/internal/session"
)

// Recorder persists one transcript entry. *Archive implements it.
type Recorder interface {
	Record(ctx context.Context, id session.Identity, channel chat.Channel, msg chat.Message) error
}

type pending struct {
	id    session.Identity
	entry chat.Entry
}

// Writer is a transcript listener that archives rendered entries on a
// background goroutine so rendering never waits on the database. Entries
// beyond the queue capacity are dropped.
type Writer struct {
	rec     Recorder
	timeout time.Duration
	logger  *slog.Logger
	queue   chan pending
	done    chan struct{}
}

// NewWriter starts a writer with room for size queued entries.
func NewWriter(rec Recorder, size int, logger *slog.Logger) *Writer {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		rec:     rec,
		timeout: 5 * time.Second,
		logger:  logger.With("component", "archive"),
		queue:   make(chan pending, size),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) OnMessage(id session.Identity, entry chat.Entry) {
	select {
	case w.queue <- pending{id: id, entry: entry}:
	default:
		w.logger.Warn("queue full, dropping transcript entry", "session_id", id.SessionID)
	}
}

func (w *Writer) OnTyping(bool)                {}
func (w *Writer) OnStateChange(realtime.State) {}

// Close flushes queued entries and stops the writer. OnMessage must not be
// called after Close.
func (w *Writer) Close() {
	close(w.queue)
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for p := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.rec.Record(ctx, p.id, p.entry.Channel, p.entry.Message); err != nil {
			w.logger.Warn("archiving entry failed", "session_id", p.id.SessionID, "err", err)
		}
		cancel()
	}
}
