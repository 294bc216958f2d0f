package history

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/ollamachat/internal/chat"
)

func fixedClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func sampleSet() chat.ConversationSet {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return chat.ConversationSet{
		{
			ID:    "c2",
			Title: "Second",
			Messages: []chat.Message{
				{ID: "m3", Role: chat.RoleUser, Content: "question", Timestamp: base.Add(3 * time.Minute)},
				{ID: "m4", Role: chat.RoleAssistant, Content: "answer ✓", Timestamp: base.Add(4 * time.Minute)},
			},
			CreatedAt: base.Add(3 * time.Minute),
			UpdatedAt: base.Add(4 * time.Minute),
		},
		{
			ID:        "c1",
			Title:     "First",
			Messages:  []chat.Message{{ID: "m1", Role: chat.RoleUser, Content: "hi", Timestamp: base}},
			CreatedAt: base,
			UpdatedAt: base,
		},
	}
}

func TestRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())

	set := sampleSet()
	require.NoError(t, repo.Write(ctx, set))

	got, err := repo.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, set, got)
}

func TestRepository_ReadEmpty(t *testing.T) {
	repo := NewRepository(NewMemoryStore())
	got, err := repo.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestRepository_ReadCorrupt(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, KeyConversations, []byte("{oops")))

	repo := NewRepository(store)
	_, err := repo.Read(ctx)
	require.ErrorIs(t, err, chat.ErrPersistence)

	// a corrupt set must never be overwritten by a mutation
	_, _, err = repo.CreateConversation(ctx, "")
	require.ErrorIs(t, err, chat.ErrPersistence)
	raw, _ := store.Get(ctx, KeyConversations)
	require.Equal(t, "{oops", string(raw))
}

func TestRepository_ToleratesPartialRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, KeyConversations, []byte(`[{"id":"legacy","messages":[{"id":"x","content":"hey"}]}]`)))

	set, err := NewRepository(store).Read(ctx)
	require.NoError(t, err)
	require.Len(t, set, 1)
	require.Equal(t, chat.DefaultTitle, set[0].Title)
	require.Equal(t, chat.RoleUser, set[0].Messages[0].Role)
	require.False(t, set[0].CreatedAt.IsZero())
}

func TestRepository_UpdateReadsFresh(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	mine := NewRepository(store)
	other := NewRepository(store)

	conv, _, err := mine.CreateConversation(ctx, "")
	require.NoError(t, err)

	// another writer adds a conversation after we last looked
	foreign, _, err := other.CreateConversation(ctx, "foreign")
	require.NoError(t, err)

	_, set, err := mine.AppendMessage(ctx, conv.ID, chat.RoleUser, "hello")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{conv.ID, foreign.ID}, conversationIDs(set))

	persisted, err := mine.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, set, persisted)
}

func TestRepository_QuotaRejectsWholeWrite(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore(), WithMaxBytes(400))

	conv, _, err := repo.CreateConversation(ctx, "")
	require.NoError(t, err)
	before, err := repo.Read(ctx)
	require.NoError(t, err)

	_, _, err = repo.AppendMessage(ctx, conv.ID, chat.RoleUser, strings.Repeat("x", 1000))
	require.ErrorIs(t, err, chat.ErrPersistence)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	after, err := repo.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRepository_FillMessageByID(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := NewRepository(NewMemoryStore(), WithClock(fixedClock(start)))

	conv, _, err := repo.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, _, err = repo.AppendMessage(ctx, conv.ID, chat.RoleUser, "q")
	require.NoError(t, err)
	placeholder, _, err := repo.AppendMessage(ctx, conv.ID, chat.RoleAssistant, "")
	require.NoError(t, err)
	_, _, err = repo.AppendMessage(ctx, conv.ID, chat.RoleAssistant, "later")
	require.NoError(t, err)

	set, err := repo.FillMessage(ctx, conv.ID, placeholder.ID, "filled")
	require.NoError(t, err)
	c, _ := set.Find(conv.ID)
	require.Equal(t, "filled", c.Messages[1].Content)
	require.Equal(t, "later", c.Messages[2].Content)
	require.True(t, c.Messages[1].Timestamp.After(placeholder.Timestamp))
	require.False(t, c.UpdatedAt.Before(c.CreatedAt))

	_, err = repo.FillMessage(ctx, conv.ID, "missing", "x")
	require.ErrorIs(t, err, chat.ErrNotFound)

	_, err = repo.FillMessage(ctx, "nope", placeholder.ID, "x")
	require.ErrorIs(t, err, chat.ErrNotFound)
}

func TestRepository_DeriveTitleOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())

	conv, _, err := repo.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, _, err = repo.AppendMessage(ctx, conv.ID, chat.RoleUser, "Plan a trip to Lisbon in spring with kids")
	require.NoError(t, err)

	applied, _, err := repo.DeriveTitle(ctx, conv.ID)
	require.NoError(t, err)
	require.False(t, applied, "one message is not a completed turn")

	_, _, err = repo.AppendMessage(ctx, conv.ID, chat.RoleAssistant, "Sure")
	require.NoError(t, err)

	applied, set, err := repo.DeriveTitle(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, applied)
	c, _ := set.Find(conv.ID)
	require.Equal(t, chat.DeriveTitle("Plan a trip to Lisbon in spring with kids"), c.Title)

	applied, _, err = repo.DeriveTitle(ctx, conv.ID)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestRepository_DeriveTitleKeepsDefaultLookingTitle(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore(), WithClock(fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))))

	conv, _, err := repo.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, _, err = repo.AppendMessage(ctx, conv.ID, chat.RoleUser, "New   Chat")
	require.NoError(t, err)
	_, set, err := repo.AppendMessage(ctx, conv.ID, chat.RoleAssistant, "ok")
	require.NoError(t, err)
	before, _ := set.Find(conv.ID)

	applied, _, err := repo.DeriveTitle(ctx, conv.ID)
	require.NoError(t, err)
	require.False(t, applied)
	set, err = repo.Read(ctx)
	require.NoError(t, err)
	after, _ := set.Find(conv.ID)
	require.Equal(t, chat.DefaultTitle, after.Title)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestRepository_OnCommitSeesWritesInOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())

	var (
		mu      sync.Mutex
		commits []chat.ConversationSet
	)
	repo.OnCommit(func(set chat.ConversationSet) {
		mu.Lock()
		defer mu.Unlock()
		commits = append(commits, set)
	})

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := repo.CreateConversation(ctx, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	persisted, err := repo.Read(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, writers)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, commits, writers)
	for i, set := range commits {
		require.Len(t, set, i+1, "commit %d", i)
	}
	require.Equal(t, persisted, commits[len(commits)-1])

	synced, err := repo.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, persisted, synced)
	require.Len(t, commits, writers+1)

	require.NoError(t, repo.ClearAll(ctx))
	require.Empty(t, commits[len(commits)-1])
}

func TestRepository_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())

	a, _, err := repo.CreateConversation(ctx, "a")
	require.NoError(t, err)
	b, _, err := repo.CreateConversation(ctx, "b")
	require.NoError(t, err)
	msg, _, err := repo.AppendMessage(ctx, a.ID, chat.RoleUser, "x")
	require.NoError(t, err)

	set, err := repo.DeleteMessage(ctx, a.ID, msg.ID)
	require.NoError(t, err)
	c, _ := set.Find(a.ID)
	require.Empty(t, c.Messages)

	set, err = repo.DeleteConversation(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, []string{a.ID}, conversationIDs(set))

	_, err = repo.DeleteConversation(ctx, b.ID)
	require.ErrorIs(t, err, chat.ErrNotFound)

	require.NoError(t, repo.ClearAll(ctx))
	set, err = repo.Read(ctx)
	require.NoError(t, err)
	require.Empty(t, set)
}

func TestRepository_ImportSkipsExistingIDs(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())
	require.NoError(t, repo.Write(ctx, sampleSet()[:1]))

	data, err := json.Marshal(sampleSet())
	require.NoError(t, err)

	n, set, err := repo.Import(ctx, data)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"c2", "c1"}, conversationIDs(set))

	_, _, err = repo.Import(ctx, []byte(`{"not":"an array"}`))
	require.ErrorIs(t, err, chat.ErrValidation)
}

func TestRepository_ImportEpochMillis(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(NewMemoryStore())
	data := []byte(`[{"id":"old","title":"Old","createdAt":1709294400000,"updatedAt":1709294460000,
		"messages":[{"id":"m1","role":"user","content":"hi","timestamp":1709294400000}]}]`)

	n, set, err := repo.Import(ctx, data)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c, ok := set.Find("old")
	require.True(t, ok)
	require.True(t, base.Equal(c.CreatedAt))
	require.True(t, base.Add(time.Minute).Equal(c.UpdatedAt))
	require.True(t, base.Equal(c.Messages[0].Timestamp))

	exported, err := repo.Export(ctx)
	require.NoError(t, err)
	require.Contains(t, string(exported), `"createdAt": "2024-03-01T12:00:00Z"`)
}

func TestRepository_ExportIsImportable(t *testing.T) {
	ctx := context.Background()
	src := NewRepository(NewMemoryStore())
	require.NoError(t, src.Write(ctx, sampleSet()))

	data, err := src.Export(ctx)
	require.NoError(t, err)
	require.Contains(t, string(data), "\n  ")

	dst := NewRepository(NewMemoryStore())
	n, _, err := dst.Import(ctx, data)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := dst.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, sampleSet(), got)
}

func TestRepository_SettingsAndSelection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	repo := NewRepository(store)
	def := chat.DefaultSettings()

	s, err := repo.LoadSettings(ctx, def)
	require.NoError(t, err)
	require.Equal(t, def, s)

	require.NoError(t, store.Put(ctx, KeySettings, []byte(`{"model":"qwen2.5"}`)))
	s, err = repo.LoadSettings(ctx, def)
	require.NoError(t, err)
	require.Equal(t, "qwen2.5", s.Model)
	require.Equal(t, def.Temperature, s.Temperature)

	s.StreamingEnabled = false
	require.NoError(t, repo.SaveSettings(ctx, s))
	got, err := repo.LoadSettings(ctx, def)
	require.NoError(t, err)
	require.Equal(t, s, got)

	id, err := repo.LoadCurrent(ctx)
	require.NoError(t, err)
	require.Empty(t, id)
	require.NoError(t, repo.SaveCurrent(ctx, "c1"))
	id, err = repo.LoadCurrent(ctx)
	require.NoError(t, err)
	require.Equal(t, "c1", id)
	require.NoError(t, repo.SaveCurrent(ctx, ""))
	id, err = repo.LoadCurrent(ctx)
	require.NoError(t, err)
	require.Empty(t, id)

	require.NoError(t, repo.ClearAll(ctx))
	_, err = store.Get(ctx, KeySettings)
	require.True(t, errors.Is(err, ErrKeyNotFound))
}

func conversationIDs(set chat.ConversationSet) []string {
	ids := make([]string, len(set))
	for i, c := range set {
		ids[i] = c.ID
	}
	return ids
}
