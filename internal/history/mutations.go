package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/comigor/ollamachat/internal/chat"
)

// CreateConversation prepends a new empty conversation.
func (r *Repository) CreateConversation(ctx context.Context, title string) (chat.Conversation, chat.ConversationSet, error) {
	conv := chat.NewConversation(title, r.now())
	set, err := r.Update(ctx, func(set chat.ConversationSet) (chat.ConversationSet, error) {
		return append(chat.ConversationSet{conv}, set...), nil
	})
	if err != nil {
		return chat.Conversation{}, nil, err
	}
	return conv, set, nil
}

// AppendMessage appends a new message to the conversation.
func (r *Repository) AppendMessage(ctx context.Context, conversationID string, role chat.Role, content string) (chat.Message, chat.ConversationSet, error) {
	now := r.now()
	msg := chat.NewMessage(role, content, now)
	set, err := r.Update(ctx, func(set chat.ConversationSet) (chat.ConversationSet, error) {
		i := set.Index(conversationID)
		if i < 0 {
			return nil, chat.NotFound("append message", "conversation", conversationID)
		}
		set[i].Messages = append(set[i].Messages, msg)
		set[i].Touch(now)
		return set, nil
	})
	if err != nil {
		return chat.Message{}, nil, err
	}
	return msg, set, nil
}

// FillMessage rewrites the content and timestamp of the message located by ID.
// There is no positional fallback: a missing ID is ErrNotFound.
func (r *Repository) FillMessage(ctx context.Context, conversationID, messageID, content string) (chat.ConversationSet, error) {
	now := r.now()
	return r.Update(ctx, func(set chat.ConversationSet) (chat.ConversationSet, error) {
		i := set.Index(conversationID)
		if i < 0 {
			return nil, chat.NotFound("fill message", "conversation", conversationID)
		}
		j := set[i].MessageIndex(messageID)
		if j < 0 {
			return nil, chat.NotFound("fill message", "message", messageID)
		}
		set[i].Messages[j].Content = content
		set[i].Messages[j].Timestamp = now
		set[i].Touch(now)
		return set, nil
	})
}

// RenameConversation sets the title.
func (r *Repository) RenameConversation(ctx context.Context, conversationID, title string) (chat.ConversationSet, error) {
	now := r.now()
	return r.Update(ctx, func(set chat.ConversationSet) (chat.ConversationSet, error) {
		i := set.Index(conversationID)
		if i < 0 {
			return nil, chat.NotFound("rename", "conversation", conversationID)
		}
		set[i].Title = title
		set[i].Touch(now)
		return set, nil
	})
}

// DeriveTitle sets a title from the first user message, but only while the conversation
// has exactly one completed turn and the default title. It reports whether a title was written.
func (r *Repository) DeriveTitle(ctx context.Context, conversationID string) (bool, chat.ConversationSet, error) {
	now := r.now()
	set, err := r.Update(ctx, func(set chat.ConversationSet) (chat.ConversationSet, error) {
		i := set.Index(conversationID)
		if i < 0 {
			return nil, chat.NotFound("derive title", "conversation", conversationID)
		}
		if !set[i].NeedsTitle() {
			return nil, errNoChange
		}
		first, ok := set[i].FirstUserMessage()
		if !ok {
			return nil, errNoChange
		}
		title := chat.DeriveTitle(first.Content)
		if title == set[i].Title {
			// e.g. a first message that reads "New Chat"
			return nil, errNoChange
		}
		set[i].Title = title
		set[i].Touch(now)
		return set, nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, set, nil
}

// DeleteMessage removes one message.
func (r *Repository) DeleteMessage(ctx context.Context, conversationID, messageID string) (chat.ConversationSet, error) {
	now := r.now()
	return r.Update(ctx, func(set chat.ConversationSet) (chat.ConversationSet, error) {
		i := set.Index(conversationID)
		if i < 0 {
			return nil, chat.NotFound("delete message", "conversation", conversationID)
		}
		j := set[i].MessageIndex(messageID)
		if j < 0 {
			return nil, chat.NotFound("delete message", "message", messageID)
		}
		set[i].Messages = append(set[i].Messages[:j], set[i].Messages[j+1:]...)
		set[i].Touch(now)
		return set, nil
	})
}

// DeleteConversation removes a conversation.
func (r *Repository) DeleteConversation(ctx context.Context, conversationID string) (chat.ConversationSet, error) {
	return r.Update(ctx, func(set chat.ConversationSet) (chat.ConversationSet, error) {
		i := set.Index(conversationID)
		if i < 0 {
			return nil, chat.NotFound("delete conversation", "conversation", conversationID)
		}
		return append(set[:i], set[i+1:]...), nil
	})
}

// Export renders the persisted set as indented JSON.
func (r *Repository) Export(ctx context.Context) ([]byte, error) {
	set, err := r.Read(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(set, "", "  ")
}

// Import appends conversations whose IDs are not already present and returns how many were added.
func (r *Repository) Import(ctx context.Context, data []byte) (int, chat.ConversationSet, error) {
	var incoming chat.ConversationSet
	if err := json.Unmarshal(data, &incoming); err != nil {
		return 0, nil, chat.Validation("import", fmt.Sprintf("expected a JSON array of conversations: %v", err))
	}
	incoming = incoming.Normalize(r.now())

	added := 0
	set, err := r.Update(ctx, func(set chat.ConversationSet) (chat.ConversationSet, error) {
		seen := make(map[string]bool, len(set)+len(incoming))
		for _, c := range set {
			seen[c.ID] = true
		}
		for _, c := range incoming {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			set = append(set, c)
			added++
		}
		return set, nil
	})
	if err != nil {
		return 0, nil, err
	}
	return added, set, nil
}

var errNoChange = errors.New("no change")
