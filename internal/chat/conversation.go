package chat

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is the title a conversation carries until one is derived from its first message.
const DefaultTitle = "New Chat"

// GenerationErrorText replaces the assistant placeholder when the backend fails.
const GenerationErrorText = "An error occurred while generating the response. Please try again."

// Conversation is an ordered, append-only log of messages.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewConversation returns an empty conversation. An empty title selects DefaultTitle.
func NewConversation(title string, now time.Time) Conversation {
	if title == "" {
		title = DefaultTitle
	}
	return Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return out
}

// Touch refreshes UpdatedAt, never letting it fall behind CreatedAt.
func (c *Conversation) Touch(now time.Time) {
	if now.Before(c.CreatedAt) {
		now = c.CreatedAt
	}
	c.UpdatedAt = now
}

// MessageIndex returns the position of the message with the given ID, or -1.
func (c Conversation) MessageIndex(id string) int {
	for i, m := range c.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// FirstUserMessage returns the earliest user message, if any.
func (c Conversation) FirstUserMessage() (Message, bool) {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return m, true
		}
	}
	return Message{}, false
}

// NeedsTitle reports whether the conversation holds exactly one user message
// followed by one assistant message and still carries the default title.
func (c Conversation) NeedsTitle() bool {
	return len(c.Messages) == 2 &&
		c.Messages[0].Role == RoleUser &&
		c.Messages[1].Role == RoleAssistant &&
		c.Title == DefaultTitle
}

// ConversationSet is the full persisted collection, newest first.
type ConversationSet []Conversation

// Clone returns a deep copy of the set.
func (s ConversationSet) Clone() ConversationSet {
	out := make(ConversationSet, len(s))
	for i, c := range s {
		out[i] = c.Clone()
	}
	return out
}

// Index returns the position of the conversation with the given ID, or -1.
func (s ConversationSet) Index(id string) int {
	for i, c := range s {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Find returns the conversation with the given ID.
func (s ConversationSet) Find(id string) (Conversation, bool) {
	if i := s.Index(id); i >= 0 {
		return s[i], true
	}
	return Conversation{}, false
}

// legacyMessageNS scopes IDs given to stored messages that never had one.
var legacyMessageNS = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ollamachat:legacy-message"))

// legacyMessageID is stable across reads, so an ID handed out from one read
// still addresses the message on the next read-modify-write.
func legacyMessageID(conversationID string, index int) string {
	return uuid.NewSHA1(legacyMessageNS, []byte(conversationID+"/"+strconv.Itoa(index))).String()
}

// Normalize fills defaults for records written by older or partial clients.
// Conversations without an ID cannot be addressed and are dropped.
func (s ConversationSet) Normalize(now time.Time) ConversationSet {
	out := make(ConversationSet, 0, len(s))
	for _, c := range s {
		if c.ID == "" {
			continue
		}
		if c.Title == "" {
			c.Title = DefaultTitle
		}
		msgs := make([]Message, 0, len(c.Messages))
		for i, m := range c.Messages {
			if m.ID == "" {
				m.ID = legacyMessageID(c.ID, i)
			}
			if m.Role == "" {
				m.Role = RoleUser
			}
			msgs = append(msgs, m)
		}
		c.Messages = msgs
		if c.CreatedAt.IsZero() {
			c.CreatedAt = c.UpdatedAt
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if c.UpdatedAt.Before(c.CreatedAt) {
			c.UpdatedAt = c.CreatedAt
		}
		out = append(out, c)
	}
	return out
}
