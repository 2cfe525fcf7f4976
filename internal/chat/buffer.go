package chat

import "sync"

// DefaultBufferSize is the number of recent transcript entries retained per
// session.
const DefaultBufferSize = 50

// Entry is a rendered message together with the channel that delivered it.
type Entry struct {
	Channel Channel `json:"channel"`
	Message Message `json:"message"`
}

// TranscriptBuffer stores the last N rendered entries per session in memory.
// It is goroutine-safe and uses a ring buffer internally.
type TranscriptBuffer struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*ringBuffer // sessionID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of Entry.
type ringBuffer struct {
	items []Entry
	pos   int
	count int
}

// NewTranscriptBuffer creates an empty buffer holding size entries per
// session. A non-positive size selects DefaultBufferSize.
func NewTranscriptBuffer(size int) *TranscriptBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &TranscriptBuffer{
		size:    size,
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends an entry to the session's ring buffer. If the buffer is full,
// the oldest entry is overwritten.
func (tb *TranscriptBuffer) Add(sessionID string, e Entry) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	rb, ok := tb.buffers[sessionID]
	if !ok {
		rb = &ringBuffer{
			items: make([]Entry, tb.size),
		}
		tb.buffers[sessionID] = rb
	}

	rb.items[rb.pos] = e
	rb.pos = (rb.pos + 1) % tb.size
	if rb.count < tb.size {
		rb.count++
	}
}

// Get returns the retained entries for a session in render order (oldest
// first). Returns an empty slice if the session has no buffer.
func (tb *TranscriptBuffer) Get(sessionID string) []Entry {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	rb, ok := tb.buffers[sessionID]
	if !ok {
		return []Entry{}
	}

	result := make([]Entry, rb.count)
	// The oldest entry is at position (pos - count) mod size.
	start := (rb.pos - rb.count + tb.size) % tb.size
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%tb.size]
	}
	return result
}

// Remove deletes the buffer for a session (called on conversation reset).
func (tb *TranscriptBuffer) Remove(sessionID string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	delete(tb.buffers, sessionID)
}
