package domain

import (
	"strings"
	"sync"
)

// HistoryEntry is one question/answer turn.
type HistoryEntry struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// History is the ordered conversation of a single user.
//
// Entries are only ever appended at the tail. The answer of the last entry is
// the only mutable field and only grows while its turn is in flight. The same
// *History is shared between the session store and the turn streaming into it.
type History struct {
	mu      sync.RWMutex
	entries []HistoryEntry
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// Append adds a new turn at the tail and returns its index.
func (h *History) Append(question, answer string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, HistoryEntry{Question: question, Answer: answer})
	return len(h.entries) - 1
}

// AppendToLast appends text to the answer of the last entry.
// Returns false if the history is empty.
func (h *History) AppendToLast(text string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return false
	}
	last := &h.entries[len(h.entries)-1]
	var b strings.Builder
	b.Grow(len(last.Answer) + len(text))
	b.WriteString(last.Answer)
	b.WriteString(text)
	last.Answer = b.String()
	return true
}

// SetLastAnswer replaces the answer of the last entry.
// Returns false if the history is empty.
func (h *History) SetLastAnswer(answer string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return false
	}
	h.entries[len(h.entries)-1].Answer = answer
	return true
}

// Last returns the last entry.
func (h *History) Last() (HistoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return HistoryEntry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// Snapshot returns a copy of the entries in conversation order.
func (h *History) Snapshot() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Clear drops every entry. Only used by an explicit session reset.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}
