package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/flock/internal/models"
	"github.com/joescharf/flock/internal/sessions"
)

// Sessions is the session manager as seen by the MCP tools.
type Sessions interface {
	Create(ctx context.Context, opts sessions.Options) (string, error)
	Send(ctx context.Context, id, text string) error
	Stop(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) error
	List() []models.SessionSummary
	Get(id string) (models.SessionSummary, error)
	History(id string) ([]models.Message, error)
}

// Server exposes the session manager as MCP tools.
type Server struct {
	sessions Sessions
	version  string

	// WaitTimeout bounds how long a tool call waits for a turn to finish.
	WaitTimeout time.Duration
}

// NewServer creates the MCP server wrapper.
func NewServer(m Sessions, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{sessions: m, version: version, WaitTimeout: 10 * time.Minute}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("flock", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.createSessionTool())
	srv.AddTool(s.sendMessageTool())
	srv.AddTool(s.stopSessionTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.sessionHistoryTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// turnOut is returned by tools that may wait for a turn.
type turnOut struct {
	Session models.SessionSummary `json:"session"`
	Reply   string                `json:"reply,omitempty"`
}

// waitReply waits for the session's turn and returns the last assistant text.
func (s *Server) waitReply(ctx context.Context, id string) (*turnOut, error) {
	ctx, cancel := context.WithTimeout(ctx, s.WaitTimeout)
	defer cancel()
	if err := s.sessions.Wait(ctx, id); err != nil {
		return nil, err
	}
	sum, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	out := &turnOut{Session: sum}
	history, err := s.sessions.History(id)
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant && history[i].Content != "" {
			out.Reply = history[i].Content
			break
		}
	}
	return out, nil
}

// flock_create_session
func (s *Server) createSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("flock_create_session",
		mcp.WithDescription("Start a coding agent session on its own branch, worktree and sandbox. When task is given it is sent as the first message."),
		mcp.WithString("title", mcp.Description("Short title, used for the branch and pull request")),
		mcp.WithString("task", mcp.Description("First instruction for the agent")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the first turn to finish and return the agent reply")),
	)
	return tool, s.handleCreateSession
}

func (s *Server) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title := request.GetString("title", "")
	task := request.GetString("task", "")
	if title == "" && task == "" {
		return mcp.NewToolResultError("title or task is required"), nil
	}

	id, err := s.sessions.Create(context.WithoutCancel(ctx), sessions.Options{Title: title, Task: task})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create session: %v", err)), nil
	}
	if task != "" && request.GetBool("wait", false) {
		out, err := s.waitReply(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("session %s created, waiting failed: %v", id, err)), nil
		}
		return jsonResult(out)
	}
	sum, err := s.sessions.Get(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get session: %v", err)), nil
	}
	return jsonResult(sum)
}

// flock_send_message
func (s *Server) sendMessageTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("flock_send_message",
		mcp.WithDescription("Send a message to a session. Fails when the session is busy or closed."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message for the agent")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the turn to finish and return the agent reply")),
	)
	return tool, s.handleSendMessage
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("text is required"), nil
	}

	if err := s.sessions.Send(ctx, id, text); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to send message: %v", err)), nil
	}
	if request.GetBool("wait", false) {
		out, err := s.waitReply(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("waiting for session %s failed: %v", id, err)), nil
		}
		return jsonResult(out)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message accepted by session %s", id)), nil
}

// flock_stop_session
func (s *Server) stopSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("flock_stop_session",
		mcp.WithDescription("Stop a session: cancel its turn and destroy its sandbox. The branch and worktree are kept."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleStopSession
}

func (s *Server) handleStopSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	if err := s.sessions.Stop(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to stop session: %v", err)), nil
	}
	sum, err := s.sessions.Get(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get session: %v", err)), nil
	}
	return jsonResult(sum)
}

// flock_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("flock_list_sessions",
		mcp.WithDescription("List sessions with their state, branch and pull request."),
		mcp.WithString("state", mcp.Description("Only sessions in this state (idle, awaiting_user_input, stopped, ...)")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state := request.GetString("state", "")
	out := []models.SessionSummary{}
	for _, sum := range s.sessions.List() {
		if state != "" && string(sum.State) != state {
			continue
		}
		out = append(out, sum)
	}
	return jsonResult(out)
}

// flock_session_history
func (s *Server) sessionHistoryTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("flock_session_history",
		mcp.WithDescription("Return a session conversation: messages, tool calls and tool results."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithNumber("last", mcp.Description("Only the last N messages")),
	)
	return tool, s.handleSessionHistory
}

func (s *Server) handleSessionHistory(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	history, err := s.sessions.History(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get history: %v", err)), nil
	}
	if last := request.GetInt("last", 0); last > 0 && last < len(history) {
		history = history[len(history)-last:]
	}
	if history == nil {
		history = []models.Message{}
	}
	return jsonResult(history)
}
