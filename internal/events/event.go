// Package events carries orchestrator notifications (conversation list changes,
// streaming partials, loading flag, errors) to whichever front end is attached.
package events

import (
	"github.com/comigor/ollamachat/internal/chat"
)

// Type names an event.
type Type string

const (
	// TypeConversations carries the full conversation list after a successful write.
	TypeConversations Type = "conversations"
	// TypeSelected reports the selected conversation id ("" for none).
	TypeSelected Type = "selected"
	// TypePartial carries the accumulated content of the in-flight message.
	TypePartial Type = "partial"
	// TypeFinal carries the content written into the assistant message.
	TypeFinal   Type = "final"
	TypeLoading Type = "loading"
	TypePhase   Type = "phase"
	TypeError   Type = "error"
)

// Event is the single wire shape for every notification. Fields not relevant to
// a type are left empty.
type Event struct {
	Type           Type                 `json:"type"`
	Seq            uint64               `json:"seq"`
	ConversationID string               `json:"conversationId,omitempty"`
	MessageID      string               `json:"messageId,omitempty"`
	Content        string               `json:"content,omitempty"`
	Loading        bool                 `json:"loading"`
	Phase          string               `json:"phase,omitempty"`
	Error          string               `json:"error,omitempty"`
	Conversations  chat.ConversationSet `json:"conversations,omitempty"`
}

func Conversations(set chat.ConversationSet) Event {
	return Event{Type: TypeConversations, Conversations: set}
}

func Selected(id string) Event {
	return Event{Type: TypeSelected, ConversationID: id}
}

func Partial(conversationID, messageID, content string) Event {
	return Event{Type: TypePartial, ConversationID: conversationID, MessageID: messageID, Content: content}
}

func Final(conversationID, messageID, content string) Event {
	return Event{Type: TypeFinal, ConversationID: conversationID, MessageID: messageID, Content: content}
}

func Loading(loading bool) Event {
	return Event{Type: TypeLoading, Loading: loading}
}

func Phase(conversationID, phase string) Event {
	return Event{Type: TypePhase, ConversationID: conversationID, Phase: phase}
}

func Error(err error) Event {
	return Event{Type: TypeError, Error: err.Error()}
}
