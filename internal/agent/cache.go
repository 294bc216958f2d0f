package agent

import (
	"sync"

	"github.com/comigor/ollamachat/internal/chat"
)

// Cache is the in-memory read replica of the persisted conversation set plus the
// current selection. It is only ever replaced wholesale with a set the repository
// has just written or read.
type Cache struct {
	mu       sync.RWMutex
	set      chat.ConversationSet
	selected string
}

func NewCache() *Cache {
	return &Cache{set: chat.ConversationSet{}}
}

// Replace swaps in set.
func (c *Cache) Replace(set chat.ConversationSet) {
	if set == nil {
		set = chat.ConversationSet{}
	}
	c.mu.Lock()
	c.set = set.Clone()
	c.mu.Unlock()
}

// Conversations returns a copy of the cached set.
func (c *Cache) Conversations() chat.ConversationSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.set.Clone()
}

func (c *Cache) Find(id string) (chat.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.set.Find(id)
	if !ok {
		return chat.Conversation{}, false
	}
	return conv.Clone(), true
}

func (c *Cache) Selected() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected
}

func (c *Cache) Select(id string) {
	c.mu.Lock()
	c.selected = id
	c.mu.Unlock()
}

// Reconcile keeps the selection if it still exists, otherwise falls back to the
// first conversation (or none). It reports the resulting selection and whether it changed.
func (c *Cache) Reconcile() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected != "" && c.set.Index(c.selected) >= 0 {
		return c.selected, false
	}
	prev := c.selected
	c.selected = ""
	if len(c.set) > 0 {
		c.selected = c.set[0].ID
	}
	return c.selected, c.selected != prev
}
