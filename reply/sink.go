package reply

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"
)

// Handle identifies a delivered chunk on the front end.
type Handle struct {
	ID string
}

// Sink receives reply chunks in order.
type Sink interface {
	Send(ctx context.Context, chunk string) (Handle, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, chunk string) (Handle, error)

// Send calls f(ctx, chunk).
func (f SinkFunc) Send(ctx context.Context, chunk string) (Handle, error) { return f(ctx, chunk) }

// Typing is a liveness indicator shown while no text has been delivered.
// Start returns the function that stops it.
type Typing interface {
	Start(ctx context.Context) (stop func())
}

// TypingFunc adapts a function to Typing.
type TypingFunc func(ctx context.Context) func()

// Start calls f(ctx).
func (f TypingFunc) Start(ctx context.Context) func() { return f(ctx) }

// NopTyping shows nothing.
type NopTyping struct{}

// Start implements Typing.
func (NopTyping) Start(context.Context) func() { return func() {} }

// SentRecord describes a chunk delivered by the orchestrator.
type SentRecord struct {
	ConversationID string
	Excerpt        string
	At             time.Time
}

// excerptLen bounds how much of each chunk the sent log keeps.
const excerptLen = 200

// SentLog remembers the most recently delivered chunks by handle ID so a
// front end can recognise its own messages. Oldest entries are evicted first.
type SentLog struct {
	capacity int

	mu      sync.Mutex
	order   []string
	records map[string]SentRecord
}

// NewSentLog creates a SentLog holding up to capacity entries.
func NewSentLog(capacity int) *SentLog {
	if capacity <= 0 {
		capacity = 512
	}
	return &SentLog{
		capacity: capacity,
		records:  make(map[string]SentRecord),
	}
}

// Add records a delivered chunk. Handles without an ID are ignored.
func (l *SentLog) Add(h Handle, conversationID, chunk string, at time.Time) {
	if h.ID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[h.ID]; !exists {
		l.order = append(l.order, h.ID)
	}
	l.records[h.ID] = SentRecord{
		ConversationID: conversationID,
		Excerpt:        truncateRunes(chunk, excerptLen),
		At:             at,
	}
	for len(l.order) > l.capacity {
		delete(l.records, l.order[0])
		l.order = l.order[1:]
	}
}

// Lookup returns the record for a handle ID.
func (l *SentLog) Lookup(id string) (SentRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	return r, ok
}

// Len returns the number of remembered chunks.
func (l *SentLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
