package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/comigor/ollamachat/internal/agent"
	"github.com/comigor/ollamachat/internal/chat"
	"github.com/comigor/ollamachat/internal/logger"
)

type titleRequest struct {
	Title string `json:"title"`
}

type sendRequest struct {
	Text string `json:"text"`
	// Wait blocks the request until the turn ends.
	Wait bool `json:"wait"`
}

type turnResponse struct {
	Outcome        agent.Outcome `json:"outcome,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	MessageID      string        `json:"messageId,omitempty"`
	Content        string        `json:"content,omitempty"`
	Error          string        `json:"error,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Snapshot())
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Conversations())
}

func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	conv, err := s.agent.NewConversation(r.Context(), req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.ClearAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.SelectConversation(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGenerateTitle(w http.ResponseWriter, r *http.Request) {
	applied, err := s.agent.GenerateTitle(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.agent.RenameConversation(r.Context(), r.PathValue("id"), req.Title); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.DeleteMessage(r.Context(), r.PathValue("id"), r.PathValue("mid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSend starts a turn and answers 202 straight away; progress arrives on
// the event stream. With wait set the request blocks and ends the turn early if
// the client goes away.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	logger.L.Info("send request", "chars", len(req.Text), "wait", req.Wait)

	if !req.Wait {
		if _, err := s.agent.Start(req.Text); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, turnResponse{})
		return
	}

	res, err := s.agent.SendMessage(r.Context(), req.Text)
	if res.Outcome == "" {
		writeError(w, err)
		return
	}
	resp := turnResponse{
		Outcome:        res.Outcome,
		ConversationID: res.ConversationID,
		MessageID:      res.MessageID,
		Content:        res.Content,
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.agent.CancelGeneration()})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.agent.Export(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="conversations.json"`)
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, chat.Validation("import", fmt.Sprintf("read body: %v", err)))
		return
	}
	n, err := s.agent.Import(r.Context(), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	// start from the current values so a partial body only changes what it names
	settings := s.agent.Settings()
	if err := decode(r, &settings); err != nil {
		writeError(w, err)
		return
	}
	if err := s.agent.UpdateSettings(r.Context(), settings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.agent.ResetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.agent.Models(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"models": models})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.TestConnection(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents streams bus events as server-sent events. The first event is a
// full state snapshot so a new client never starts from nothing.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, err := s.bus.Subscribe(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "state", 0, s.agent.Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			if err := writeSSE(w, string(e.Type), e.Seq, e); err != nil {
				logger.L.Debug("event stream closed", logger.Err(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event string, id uint64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
