// Package history keeps a bounded, in-memory log of recent turns per
// conversation.
package history

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nox-hq/parley/assist"
)

// DefaultMaxTurns is the number of user/assistant round trips retained when
// no limit is configured.
const DefaultMaxTurns = 6

// placeholder is stored instead of empty text.
const placeholder = "…"

// Turn is one stored message. Stored content is always plain text.
type Turn struct {
	Role    assist.Role `json:"role"`
	Content string      `json:"content"`
}

// Store maps conversation identifiers to their recent turns. A single mutex
// serializes every operation; all of them are O(1) amortized.
type Store struct {
	maxTurns int

	mu      sync.Mutex
	records map[string][]Turn
}

// NewStore creates a Store keeping at most maxTurns round trips (2×maxTurns
// entries) per conversation. Non-positive values use DefaultMaxTurns.
func NewStore(maxTurns int) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Store{
		maxTurns: maxTurns,
		records:  make(map[string][]Turn),
	}
}

// MaxTurns returns the configured round-trip limit.
func (s *Store) MaxTurns() int { return s.maxTurns }

// AppendUser records a user message. Attachments are never stored; a
// " [image×N]" note is appended instead, standing alone if text is empty.
func (s *Store) AppendUser(id, text string, attachments int) {
	text = strings.TrimSpace(text)
	if attachments > 0 {
		note := fmt.Sprintf("[image×%d]", attachments)
		if text != "" {
			text += " " + note
		} else {
			text = note
		}
	}
	s.append(id, assist.RoleUser, text)
}

// AppendAssistant records an assistant reply.
func (s *Store) AppendAssistant(id, text string) {
	s.append(id, assist.RoleAssistant, strings.TrimSpace(text))
}

func (s *Store) append(id string, role assist.Role, content string) {
	if content == "" {
		content = placeholder
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.records[id], Turn{Role: role, Content: content})
	if over := len(turns) - 2*s.maxTurns; over > 0 {
		// Copy down so the evicted prefix does not pin the backing array.
		turns = append(turns[:0:0], turns[over:]...)
	}
	s.records[id] = turns
}

// Read returns a snapshot of the conversation's turns, oldest first.
func (s *Store) Read(id string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.records[id]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Len returns the number of stored turns for id.
func (s *Store) Len(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[id])
}

// Reset removes the conversation entirely. Resetting an unknown or already
// reset conversation is a no-op.
func (s *Store) Reset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// Conversations returns the number of conversations with stored turns.
func (s *Store) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// BuildMessages assembles the upstream message list for a conversation:
// the system prompt (if any), the stored turns as plain text, then the
// current user content, which may be multimodal.
func (s *Store) BuildMessages(system, id string, current assist.Content) []assist.Message {
	past := s.Read(id)

	msgs := make([]assist.Message, 0, len(past)+2)
	if system != "" {
		msgs = append(msgs, assist.SystemMessage(system))
	}
	for _, t := range past {
		msgs = append(msgs, assist.Message{Role: t.Role, Content: assist.Text(t.Content)})
	}
	return append(msgs, assist.UserMessage(current))
}
