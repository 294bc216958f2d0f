package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/ollamachat/internal/agent"
	"github.com/comigor/ollamachat/internal/chat"
	"github.com/comigor/ollamachat/internal/events"
	"github.com/comigor/ollamachat/internal/history"
	"github.com/comigor/ollamachat/internal/llm"
)

type mockLLM struct {
	GenerateStreamFunc func(ctx context.Context, req llm.Request, fn llm.ChunkFunc) error
	ListModelsFunc     func(ctx context.Context) ([]string, error)
}

func (m *mockLLM) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	var b strings.Builder
	err := m.GenerateStream(ctx, req, func(c string) error { b.WriteString(c); return nil })
	return llm.Response{Response: b.String(), Done: true}, err
}

func (m *mockLLM) GenerateStream(ctx context.Context, req llm.Request, fn llm.ChunkFunc) error {
	if m.GenerateStreamFunc == nil {
		return fn("Hello!")
	}
	return m.GenerateStreamFunc(ctx, req, fn)
}

func (m *mockLLM) ListModels(ctx context.Context) ([]string, error) {
	if m.ListModelsFunc == nil {
		return []string{"llama3"}, nil
	}
	return m.ListModelsFunc(ctx)
}

func (m *mockLLM) Ping(ctx context.Context) error {
	_, err := m.ListModels(ctx)
	return err
}

func newTestServer(t *testing.T, client *mockLLM) (*httptest.Server, *agent.Orchestrator) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(func() { _ = bus.Close() })

	defaults := chat.DefaultSettings()
	defaults.Model = "llama3"
	repo := history.NewRepository(history.NewMemoryStore())
	o := agent.New(repo, func(chat.Settings) (llm.Client, error) { return client, nil },
		agent.WithPublisher(bus), agent.WithDefaults(defaults))
	require.NoError(t, o.Load(context.Background()))

	ts := httptest.NewServer(New(o, bus).Handler())
	t.Cleanup(ts.Close)
	return ts, o
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSend_Wait(t *testing.T) {
	ts, _ := newTestServer(t, &mockLLM{})

	resp := do(t, http.MethodPost, ts.URL+"/api/messages", `{"text":"Hi","wait":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[turnResponse](t, resp)
	require.Equal(t, agent.OutcomeCompleted, got.Outcome)
	require.Equal(t, "Hello!", got.Content)
	require.NotEmpty(t, got.ConversationID)

	snap := decodeBody[agent.Snapshot](t, do(t, http.MethodGet, ts.URL+"/api/state", ""))
	require.Len(t, snap.Conversations, 1)
	require.Equal(t, got.ConversationID, snap.SelectedID)
	require.False(t, snap.Loading)
	msgs := snap.Conversations[0].Messages
	require.Len(t, msgs, 2)
	require.Equal(t, chat.RoleUser, msgs[0].Role)
	require.Equal(t, "Hello!", msgs[1].Content)
}

func TestSend_Accepted(t *testing.T) {
	release := make(chan struct{})
	ts, o := newTestServer(t, &mockLLM{GenerateStreamFunc: func(ctx context.Context, req llm.Request, fn llm.ChunkFunc) error {
		<-release
		return fn("done")
	}})

	resp := do(t, http.MethodPost, ts.URL+"/api/messages", `{"text":"Hi"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.True(t, o.Loading())

	resp = do(t, http.MethodPost, ts.URL+"/api/messages", `{"text":"again"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	close(release)
	require.Eventually(t, func() bool { return !o.Loading() }, 2*time.Second, 10*time.Millisecond)
}

func TestCancel_NothingActive(t *testing.T) {
	ts, _ := newTestServer(t, &mockLLM{})
	resp := do(t, http.MethodPost, ts.URL+"/api/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]bool{"cancelled": false}, decodeBody[map[string]bool](t, resp))
}

func TestConversationLifecycle(t *testing.T) {
	ts, o := newTestServer(t, &mockLLM{})

	resp := do(t, http.MethodPost, ts.URL+"/api/conversations", `{"title":"Trip"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decodeBody[chat.Conversation](t, resp)
	require.Equal(t, "Trip", conv.Title)
	require.Equal(t, conv.ID, o.SelectedID())

	other := decodeBody[chat.Conversation](t, do(t, http.MethodPost, ts.URL+"/api/conversations", ""))
	require.Equal(t, chat.DefaultTitle, other.Title)

	resp = do(t, http.MethodPost, ts.URL+"/api/conversations/"+conv.ID+"/select", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, conv.ID, o.SelectedID())

	resp = do(t, http.MethodPatch, ts.URL+"/api/conversations/"+conv.ID, `{"title":"Lisbon"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	list := decodeBody[chat.ConversationSet](t, do(t, http.MethodGet, ts.URL+"/api/conversations", ""))
	require.Len(t, list, 2)
	got, ok := list.Find(conv.ID)
	require.True(t, ok)
	require.Equal(t, "Lisbon", got.Title)

	resp = do(t, http.MethodDelete, ts.URL+"/api/conversations/"+conv.ID, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, other.ID, o.SelectedID())

	resp = do(t, http.MethodDelete, ts.URL+"/api/conversations", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, o.Conversations())
	require.Empty(t, o.SelectedID())
}

func TestDeleteMessage(t *testing.T) {
	ts, o := newTestServer(t, &mockLLM{})
	res, err := o.SendMessage(context.Background(), "Hi")
	require.NoError(t, err)

	resp := do(t, http.MethodDelete, ts.URL+"/api/conversations/"+res.ConversationID+"/messages/"+res.MessageID, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	conv, _ := o.Conversations().Find(res.ConversationID)
	require.Len(t, conv.Messages, 1)

	resp = do(t, http.MethodDelete, ts.URL+"/api/conversations/"+res.ConversationID+"/messages/"+res.MessageID, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorStatuses(t *testing.T) {
	ts, _ := newTestServer(t, &mockLLM{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"blank message", http.MethodPost, "/api/messages", `{"text":"  "}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/messages", `{"text":`, http.StatusBadRequest},
		{"unknown conversation", http.MethodPost, "/api/conversations/nope/select", "", http.StatusNotFound},
		{"blank title", http.MethodPatch, "/api/conversations/nope", `{"title":" "}`, http.StatusBadRequest},
		{"bad temperature", http.MethodPut, "/api/settings", `{"temperature":9}`, http.StatusBadRequest},
		{"bad import", http.MethodPost, "/api/import", `not json`, http.StatusBadRequest},
		{"wrong method", http.MethodPut, "/api/cancel", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, ts.URL+tt.path, tt.body)
			require.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(chat.Validation("op", "bad")))
	assert.Equal(t, http.StatusNotFound, statusFor(chat.NotFound("op", "conversation", "x")))
	assert.Equal(t, http.StatusConflict, statusFor(&chat.Error{Kind: chat.ErrTurnActive}))
	assert.Equal(t, http.StatusBadGateway, statusFor(chat.Backend("op", errors.New("down"))))
	assert.Equal(t, http.StatusInternalServerError, statusFor(chat.Persistence("op", errors.New("disk"))))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("other")))
}

func TestSettings(t *testing.T) {
	ts, o := newTestServer(t, &mockLLM{})

	resp := do(t, http.MethodPut, ts.URL+"/api/settings", `{"model":"mistral","temperature":1.2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[chat.Settings](t, resp)
	require.Equal(t, "mistral", got.Model)
	require.Equal(t, 1.2, got.Temperature)
	require.Equal(t, chat.DefaultSettings().SystemPrompt, got.SystemPrompt, "unnamed fields keep their value")
	require.Equal(t, got, o.Settings())

	resp = do(t, http.MethodDelete, ts.URL+"/api/settings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "llama3", decodeBody[chat.Settings](t, resp).Model)
}

func TestModelsAndHealth(t *testing.T) {
	ts, _ := newTestServer(t, &mockLLM{})
	resp := do(t, http.MethodGet, ts.URL+"/api/models", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"llama3"}, decodeBody[map[string][]string](t, resp)["models"])
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/api/health", "").StatusCode)

	down, _ := newTestServer(t, &mockLLM{ListModelsFunc: func(context.Context) ([]string, error) {
		return nil, errors.New("connection refused")
	}})
	resp = do(t, http.MethodGet, down.URL+"/api/models", "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Contains(t, decodeBody[errorResponse](t, resp).Error, "connection refused")
	require.Equal(t, http.StatusBadGateway, do(t, http.MethodGet, down.URL+"/api/health", "").StatusCode)
}

func TestExportImport(t *testing.T) {
	ts, o := newTestServer(t, &mockLLM{})
	_, err := o.SendMessage(context.Background(), "Hi")
	require.NoError(t, err)

	resp := do(t, http.MethodGet, ts.URL+"/api/export", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.NoError(t, o.ClearAll(context.Background()))
	resp = do(t, http.MethodPost, ts.URL+"/api/import", string(data))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, decodeBody[map[string]int](t, resp)["imported"])
	require.Len(t, o.Conversations(), 1)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, body io.Reader) <-chan sseEvent {
	t.Helper()
	out := make(chan sseEvent, 64)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 1<<20), 1<<20)
		var cur sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			case line == "":
				out <- cur
				cur = sseEvent{}
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, ch <-chan sseEvent, name string) sseEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "stream ended before %q", name)
			if e.name == name {
				return e
			}
		case <-timeout:
			t.Fatalf("no %q event", name)
		}
	}
}

func TestEvents_Stream(t *testing.T) {
	ts, _ := newTestServer(t, &mockLLM{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	stream := readEvents(t, resp.Body)
	var snap agent.Snapshot
	require.NoError(t, json.Unmarshal([]byte(nextEvent(t, stream, "state").data), &snap))
	require.Empty(t, snap.Conversations)

	post := do(t, http.MethodPost, ts.URL+"/api/messages", `{"text":"Hi","wait":true}`)
	require.Equal(t, http.StatusOK, post.StatusCode)

	var final events.Event
	require.NoError(t, json.Unmarshal([]byte(nextEvent(t, stream, string(events.TypeFinal)).data), &final))
	require.Equal(t, "Hello!", final.Content)
	require.NotZero(t, final.Seq)

	var loading events.Event
	require.NoError(t, json.Unmarshal([]byte(nextEvent(t, stream, string(events.TypeLoading)).data), &loading))
	require.False(t, loading.Loading)
}

// TestServe_ShutdownWithOpenEventStream stops promptly while a client is still
// subscribed to the event stream.
func TestServe_ShutdownWithOpenEventStream(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	repo := history.NewRepository(history.NewMemoryStore())
	o := agent.New(repo, func(chat.Settings) (llm.Client, error) { return &mockLLM{}, nil }, agent.WithPublisher(bus))
	require.NoError(t, o.Load(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- New(o, bus).Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "id: "), line)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown waited on the open event stream")
	}
}
