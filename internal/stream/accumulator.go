// Package stream holds the transient per-turn streaming primitives: the chunk
// accumulator and the cooperative cancellation token.
package stream

import (
	"strings"
	"sync"
)

// State is the transient view of one in-flight generation.
type State struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
}

// Accumulator concatenates chunks for a single assistant message in arrival order.
// It applies no normalization, so the result is byte-identical to the chunks.
type Accumulator struct {
	conversationID string
	messageID      string

	mu     sync.RWMutex
	buf    strings.Builder
	chunks int
}

// NewAccumulator binds an accumulator to the placeholder it will fill.
func NewAccumulator(conversationID, messageID string) *Accumulator {
	return &Accumulator{conversationID: conversationID, messageID: messageID}
}

// Append adds a chunk and returns the running total.
func (a *Accumulator) Append(chunk string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf.WriteString(chunk)
	a.chunks++
	return a.buf.String()
}

// Reset drops everything accumulated so far.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.buf.Reset()
	a.chunks = 0
	a.mu.Unlock()
}

func (a *Accumulator) String() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.buf.String()
}

// Chunks returns how many chunks were appended.
func (a *Accumulator) Chunks() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.chunks
}

// State snapshots the accumulator as a streaming state.
func (a *Accumulator) State() State {
	return State{
		ConversationID: a.conversationID,
		MessageID:      a.messageID,
		Content:        a.String(),
	}
}
