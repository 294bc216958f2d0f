package agent

import (
	"context"
	"strings"

	"github.com/comigor/ollamachat/internal/chat"
	"github.com/comigor/ollamachat/internal/events"
	"github.com/comigor/ollamachat/internal/history"
	"github.com/comigor/ollamachat/internal/logger"
	"github.com/comigor/ollamachat/internal/stream"
)

// Snapshot is everything a front end needs to render.
type Snapshot struct {
	Conversations chat.ConversationSet `json:"conversations"`
	SelectedID    string               `json:"selectedId"`
	Loading       bool                 `json:"loading"`
	Phase         Phase                `json:"phase"`
	LastError     string               `json:"lastError,omitempty"`
	Streaming     *stream.State        `json:"streaming,omitempty"`
	Settings      chat.Settings        `json:"settings"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	snap := Snapshot{
		Conversations: o.cache.Conversations(),
		SelectedID:    o.cache.Selected(),
		Loading:       o.Loading(),
		Phase:         o.Phase(),
		Settings:      o.Settings(),
	}
	if err := o.LastError(); err != nil {
		snap.LastError = err.Error()
	}
	if st, ok := o.Streaming(); ok {
		snap.Streaming = &st
	}
	return snap
}

// Conversations returns the cached conversation list.
func (o *Orchestrator) Conversations() chat.ConversationSet {
	return o.cache.Conversations()
}

// SelectedID returns the selected conversation, or "".
func (o *Orchestrator) SelectedID() string {
	return o.cache.Selected()
}

// Load fills the cache from storage and restores the selection, falling back to
// the first conversation.
func (o *Orchestrator) Load(ctx context.Context) error {
	set, err := o.repo.Sync(ctx)
	if err != nil {
		return o.fail(err)
	}
	settings, err := o.repo.LoadSettings(ctx, o.defaults)
	if err != nil {
		return o.fail(err)
	}
	current, err := o.repo.LoadCurrent(ctx)
	if err != nil {
		return o.fail(err)
	}

	o.mu.Lock()
	o.settings = settings
	o.mu.Unlock()

	o.cache.Select(current)
	o.changed()
	o.reconcileSelection(ctx)
	logger.L.Info("conversations loaded", "count", len(set), "selected", o.cache.Selected())
	return nil
}

// Reload rebuilds the cache after another process changed storage.
func (o *Orchestrator) Reload(ctx context.Context) error {
	_, err := o.repo.Sync(ctx)
	if err != nil {
		logger.L.Warn("reload after external change failed", logger.Err(err))
		return err
	}
	o.changed()
	o.reconcileSelection(ctx)
	return nil
}

// WatchStore reloads whenever w reports a foreign write. It blocks until ctx is done.
func (o *Orchestrator) WatchStore(ctx context.Context, w history.Watcher) error {
	return w.Watch(ctx, func(key string) {
		switch key {
		case history.KeyConversations:
			logger.L.Info("conversations changed on disk, reloading")
			_ = o.Reload(ctx)
		case history.KeySettings:
			s, err := o.repo.LoadSettings(ctx, o.defaults)
			if err != nil {
				logger.L.Warn("settings reload failed", logger.Err(err))
				return
			}
			o.mu.Lock()
			o.settings = s
			o.mu.Unlock()
		}
	})
}

func (o *Orchestrator) reconcileSelection(ctx context.Context) {
	id, changed := o.cache.Reconcile()
	if !changed {
		return
	}
	o.persistSelection(ctx, id)
	o.publish(events.Selected(id))
}

// selectLocal selects a conversation that is known to exist.
func (o *Orchestrator) selectLocal(ctx context.Context, id string) {
	o.cache.Select(id)
	o.persistSelection(ctx, id)
	o.publish(events.Selected(id))
}

func (o *Orchestrator) persistSelection(ctx context.Context, id string) {
	if err := o.repo.SaveCurrent(ctx, id); err != nil {
		logger.L.Warn("could not persist selection", "conversation_id", id, logger.Err(err))
	}
}

// SelectConversation makes id the target of the next send. It does not touch a
// running turn, which keeps writing into its own conversation.
func (o *Orchestrator) SelectConversation(ctx context.Context, id string) error {
	set, err := o.repo.Sync(ctx)
	if err != nil {
		return o.fail(err)
	}
	if _, ok := set.Find(id); !ok {
		return o.fail(chat.NotFound("select conversation", "conversation", id))
	}
	o.changed()
	o.selectLocal(ctx, id)
	return nil
}

// NewConversation creates an empty conversation and selects it.
func (o *Orchestrator) NewConversation(ctx context.Context, title string) (chat.Conversation, error) {
	conv, _, err := o.repo.CreateConversation(ctx, strings.TrimSpace(title))
	if err != nil {
		return chat.Conversation{}, o.fail(err)
	}
	o.changed()
	o.selectLocal(ctx, conv.ID)
	return conv, nil
}

// DeleteConversation removes a conversation. Deleting the selected one selects
// the first remaining conversation, or none.
func (o *Orchestrator) DeleteConversation(ctx context.Context, id string) error {
	_, err := o.repo.DeleteConversation(ctx, id)
	if err != nil {
		return o.fail(err)
	}
	o.changed()
	o.reconcileSelection(ctx)
	return nil
}

// RenameConversation sets a title; blank titles are rejected.
func (o *Orchestrator) RenameConversation(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return o.fail(chat.Validation("rename conversation", "title is empty"))
	}
	_, err := o.repo.RenameConversation(ctx, id, title)
	if err != nil {
		return o.fail(err)
	}
	o.changed()
	return nil
}

func (o *Orchestrator) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := o.repo.DeleteMessage(ctx, conversationID, messageID)
	if err != nil {
		return o.fail(err)
	}
	o.changed()
	return nil
}

// GenerateTitle derives a title if the conversation still qualifies. It reports
// whether a title was written.
func (o *Orchestrator) GenerateTitle(ctx context.Context, id string) (bool, error) {
	applied, _, err := o.repo.DeriveTitle(ctx, id)
	if err != nil {
		return false, o.fail(err)
	}
	if applied {
		o.changed()
	}
	return applied, nil
}

// ClearAll wipes conversations, settings and selection. Not allowed mid-turn.
func (o *Orchestrator) ClearAll(ctx context.Context) error {
	o.mu.Lock()
	active := o.turn != nil
	o.mu.Unlock()
	if active {
		return o.fail(&chat.Error{Kind: chat.ErrTurnActive, Op: "clear"})
	}
	if err := o.repo.ClearAll(ctx); err != nil {
		return o.fail(err)
	}
	o.mu.Lock()
	o.settings = o.defaults
	o.mu.Unlock()
	o.changed()
	o.cache.Select("")
	o.publish(events.Selected(""))
	return nil
}

// Export returns the persisted conversations as indented JSON.
func (o *Orchestrator) Export(ctx context.Context) ([]byte, error) {
	data, err := o.repo.Export(ctx)
	if err != nil {
		return nil, o.fail(err)
	}
	return data, nil
}

// Import merges exported conversations, skipping IDs that already exist.
func (o *Orchestrator) Import(ctx context.Context, data []byte) (int, error) {
	n, _, err := o.repo.Import(ctx, data)
	if err != nil {
		return 0, o.fail(err)
	}
	o.changed()
	o.reconcileSelection(ctx)
	logger.L.Info("conversations imported", "count", n)
	return n, nil
}

// Settings returns the settings the next turn will snapshot.
func (o *Orchestrator) Settings() chat.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// UpdateSettings validates and persists s. A running turn keeps its own snapshot.
func (o *Orchestrator) UpdateSettings(ctx context.Context, s chat.Settings) error {
	if err := s.Validate(); err != nil {
		return o.fail(err)
	}
	if err := o.repo.SaveSettings(ctx, s); err != nil {
		return o.fail(err)
	}
	o.mu.Lock()
	o.settings = s
	o.mu.Unlock()
	return nil
}

// ResetSettings restores and persists the defaults.
func (o *Orchestrator) ResetSettings(ctx context.Context) (chat.Settings, error) {
	if err := o.UpdateSettings(ctx, o.defaults); err != nil {
		return o.Settings(), err
	}
	return o.defaults, nil
}

// Models lists the models the configured backend offers.
func (o *Orchestrator) Models(ctx context.Context) ([]string, error) {
	client, err := o.newClient(o.Settings())
	if err != nil {
		return nil, o.fail(chat.Backend("list models", err))
	}
	models, err := client.ListModels(ctx)
	if err != nil {
		return nil, o.fail(chat.Backend("list models", err))
	}
	return models, nil
}

// TestConnection checks that the backend answers.
func (o *Orchestrator) TestConnection(ctx context.Context) error {
	client, err := o.newClient(o.Settings())
	if err != nil {
		return o.fail(chat.Backend("test connection", err))
	}
	if err := client.Ping(ctx); err != nil {
		return o.fail(chat.Backend("test connection", err))
	}
	return nil
}

// Shutdown cancels the active turn, if any, and waits for it to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	t := o.turn
	o.mu.Unlock()
	if t == nil {
		return nil
	}
	o.CancelGeneration()
	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
