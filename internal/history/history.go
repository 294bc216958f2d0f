// Package history persists conversations in a key-value blob store.
//
// Stores only know keys and opaque values; the Repository layers the conversation
// schema on top and enforces the read-fresh/write-whole discipline: every mutation
// reads the current persisted set, applies the change to a copy, and writes the whole
// set back.
package history

import (
	"context"
	"errors"
)

// Well-known keys.
const (
	KeyConversations = "ai-chat-conversations"
	KeySettings      = "ai-chat-settings"
	KeyCurrent       = "ai-chat-current"
)

// AllKeys lists every key the repository owns.
var AllKeys = []string{KeyConversations, KeySettings, KeyCurrent}

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrClosed        = errors.New("store is closed")
)

// Store is a durable blob store with whole-value replace semantics.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Watcher is implemented by stores that can report writes made by other processes.
type Watcher interface {
	Watch(ctx context.Context, fn func(key string)) error
}
