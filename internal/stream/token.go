package stream

import (
	"context"
	"sync/atomic"
)

// CancelToken is the cooperative cancellation signal for one turn. Its context is
// handed to the generation call so in-flight network reads are torn down, while
// Cancelled lets the consumer discard chunks that still arrive afterwards.
type CancelToken struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewCancelToken derives a token from parent.
func NewCancelToken(parent context.Context) *CancelToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Context is cancelled once Cancel is called or the parent is done.
func (t *CancelToken) Context() context.Context { return t.ctx }

// Cancel signals cancellation. Safe to call more than once and from any goroutine.
func (t *CancelToken) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// Cancelled reports whether Cancel was called.
func (t *CancelToken) Cancelled() bool {
	return t.cancelled.Load()
}

// Release frees the context resources without marking the token cancelled.
func (t *CancelToken) Release() {
	t.cancel()
}
