// Package mcpserver exposes the chat as MCP tools over stdio, so another agent
// can hold a conversation through this client.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/ollamachat/internal/agent"
	"github.com/comigor/ollamachat/internal/logger"
)

const Name = "ollamachat"

type Server struct {
	agent *agent.Orchestrator
	mcp   *server.MCPServer
}

func New(o *agent.Orchestrator, version string) *Server {
	s := &Server{
		agent: o,
		mcp:   server.NewMCPServer(Name, version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to the selected conversation (a new one is created when none is selected) and return the assistant reply."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
	), s.sendMessage)
	s.mcp.AddTool(mcp.NewTool("cancel_generation",
		mcp.WithDescription("Stop the reply that is currently being generated."),
	), s.cancelGeneration)
	s.mcp.AddTool(mcp.NewTool("list_conversations",
		mcp.WithDescription("List conversations with the selected one marked."),
	), s.listConversations)
	s.mcp.AddTool(mcp.NewTool("select_conversation",
		mcp.WithDescription("Select the conversation the next message goes to."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Conversation id")),
	), s.selectConversation)
	s.mcp.AddTool(mcp.NewTool("delete_conversation",
		mcp.WithDescription("Delete a conversation and its messages."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Conversation id")),
	), s.deleteConversation)
	s.mcp.AddTool(mcp.NewTool("new_conversation",
		mcp.WithDescription("Start an empty conversation and select it."),
		mcp.WithString("title", mcp.Description("Optional title")),
	), s.newConversation)
	return s
}

// Serve speaks MCP over in and out until ctx is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	logger.L.Info("serving MCP on stdio", "name", Name)
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func stringArg(req mcp.CallToolRequest, key string) string {
	v, _ := req.GetArguments()[key].(string)
	return v
}

func (s *Server) sendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.agent.SendMessage(ctx, stringArg(req, "text"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if res.Outcome == agent.OutcomeCancelled {
		return mcp.NewToolResultText(fmt.Sprintf("[cancelled] %s", res.Content)), nil
	}
	return mcp.NewToolResultText(res.Content), nil
}

func (s *Server) cancelGeneration(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.agent.CancelGeneration() {
		return mcp.NewToolResultText("nothing to cancel"), nil
	}
	return mcp.NewToolResultText("cancelled"), nil
}

type conversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updatedAt"`
	Selected  bool      `json:"selected,omitempty"`
}

func (s *Server) listConversations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	selected := s.agent.SelectedID()
	convs := s.agent.Conversations()
	out := make([]conversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationSummary{
			ID:        c.ID,
			Title:     c.Title,
			Messages:  len(c.Messages),
			UpdatedAt: c.UpdatedAt,
			Selected:  c.ID == selected,
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal conversations: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) selectConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := stringArg(req, "id")
	if err := s.agent.SelectConversation(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("selected " + id), nil
}

func (s *Server) deleteConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := stringArg(req, "id")
	if err := s.agent.DeleteConversation(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("deleted " + id), nil
}

func (s *Server) newConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conv, err := s.agent.NewConversation(ctx, stringArg(req, "title"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(conv.ID), nil
}
