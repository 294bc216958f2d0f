package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/comigor/ollamachat/internal/chat"
	"github.com/comigor/ollamachat/internal/logger"
)

// Repository is the durable source of truth for the conversation set.
type Repository struct {
	store    Store
	maxBytes int
	now      func() time.Time

	// serializes read-modify-write cycles issued from this process
	mu       sync.Mutex
	onCommit CommitFunc
}

// CommitFunc sees every set the repository wrote or re-read, in commit order.
// It runs under the repository lock and must not call back into the repository.
type CommitFunc func(set chat.ConversationSet)

type Option func(*Repository)

// WithMaxBytes rejects serialized values larger than n bytes with ErrQuotaExceeded.
func WithMaxBytes(n int) Option {
	return func(r *Repository) { r.maxBytes = n }
}

// WithClock overrides time.Now for UpdatedAt and message timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func NewRepository(store Store, opts ...Option) *Repository {
	r := &Repository{store: store, now: utcNow}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// utcNow matches what a JSON round trip yields, so a written set compares equal to a re-read one.
func utcNow() time.Time { return time.Now().UTC() }

// OnCommit registers fn to mirror the persisted set, typically into a cache.
func (r *Repository) OnCommit(fn CommitFunc) {
	r.mu.Lock()
	r.onCommit = fn
	r.mu.Unlock()
}

// commit must be called with r.mu held.
func (r *Repository) commit(set chat.ConversationSet) {
	if r.onCommit != nil {
		r.onCommit(set)
	}
}

// Sync re-reads the persisted set and hands it to the commit hook, so a
// foreign write can never overtake a local one on its way to the cache.
func (r *Repository) Sync(ctx context.Context) (chat.ConversationSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, err := r.Read(ctx)
	if err != nil {
		return nil, err
	}
	r.commit(set)
	return set, nil
}

// Read returns the persisted set. A missing key is an empty set.
func (r *Repository) Read(ctx context.Context) (chat.ConversationSet, error) {
	data, err := r.store.Get(ctx, KeyConversations)
	if errors.Is(err, ErrKeyNotFound) {
		return chat.ConversationSet{}, nil
	}
	if err != nil {
		return nil, chat.Persistence("read conversations", err)
	}
	var set chat.ConversationSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, chat.Persistence("read conversations", fmt.Errorf("decode: %w", err))
	}
	return set.Normalize(r.now()), nil
}

// Write replaces the persisted set as a whole.
func (r *Repository) Write(ctx context.Context, set chat.ConversationSet) error {
	if set == nil {
		set = chat.ConversationSet{}
	}
	data, err := json.Marshal(set)
	if err != nil {
		return chat.Persistence("write conversations", fmt.Errorf("encode: %w", err))
	}
	if err := r.put(ctx, KeyConversations, data); err != nil {
		return chat.Persistence("write conversations", err)
	}
	return nil
}

func (r *Repository) put(ctx context.Context, key string, data []byte) error {
	if r.maxBytes > 0 && len(data) > r.maxBytes {
		return fmt.Errorf("%s is %d bytes, limit %d: %w", key, len(data), r.maxBytes, ErrQuotaExceeded)
	}
	return r.store.Put(ctx, key, data)
}

// MutateFunc computes the next set from a private copy of the freshly read one.
type MutateFunc func(set chat.ConversationSet) (chat.ConversationSet, error)

// Update reads the current set, applies fn to a copy and writes the result back whole.
// Nothing is written when fn fails. The returned set is what was persisted.
func (r *Repository) Update(ctx context.Context, fn MutateFunc) (chat.ConversationSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.Read(ctx)
	if err != nil {
		return nil, err
	}
	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if err := r.Write(ctx, next); err != nil {
		logger.L.Warn("conversation write rejected", logger.Err(err))
		return nil, err
	}
	r.commit(next)
	return next, nil
}

// LoadSettings overlays persisted settings on defaults. Unreadable records fall back to defaults.
func (r *Repository) LoadSettings(ctx context.Context, defaults chat.Settings) (chat.Settings, error) {
	data, err := r.store.Get(ctx, KeySettings)
	if errors.Is(err, ErrKeyNotFound) {
		return defaults, nil
	}
	if err != nil {
		return defaults, chat.Persistence("read settings", err)
	}
	s, err := chat.MergeSettings(defaults, data)
	if err != nil {
		logger.L.Warn("stored settings unreadable, using defaults", logger.Err(err))
		return defaults, nil
	}
	return s, nil
}

// SaveSettings persists the settings record.
func (r *Repository) SaveSettings(ctx context.Context, s chat.Settings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return chat.Persistence("write settings", err)
	}
	if err := r.put(ctx, KeySettings, data); err != nil {
		return chat.Persistence("write settings", err)
	}
	return nil
}

// LoadCurrent returns the persisted selected conversation ID, or "".
func (r *Repository) LoadCurrent(ctx context.Context) (string, error) {
	data, err := r.store.Get(ctx, KeyCurrent)
	if errors.Is(err, ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", chat.Persistence("read selection", err)
	}
	return string(data), nil
}

// SaveCurrent persists the selected conversation ID; "" clears it.
func (r *Repository) SaveCurrent(ctx context.Context, id string) error {
	var err error
	if id == "" {
		err = r.store.Delete(ctx, KeyCurrent)
	} else {
		err = r.put(ctx, KeyCurrent, []byte(id))
	}
	if err != nil {
		return chat.Persistence("write selection", err)
	}
	return nil
}

// ClearAll removes every key the repository owns.
func (r *Repository) ClearAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, k := range AllKeys {
		if err := r.store.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return chat.Persistence("clear", errors.Join(errs...))
	}
	r.commit(chat.ConversationSet{})
	return nil
}
