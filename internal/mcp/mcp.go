// Package mcp implements the Model Context Protocol server for runbookd.
//
// The MCP server exposes runbook browsing and session driving through
// MCP resources and tools, allowing MCP-compatible AI agents to walk an
// incident runbook alongside (or on behalf of) a human operator.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/decisionfirst/runbookd/internal/engine"
	"github.com/decisionfirst/runbookd/internal/model"
	"github.com/decisionfirst/runbookd/internal/storage"
)

// Server wraps the MCP server with runbookd's engine and storage.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	engine    *engine.Engine
	// serviceUser is the account MCP-driven sessions run under, recorded
	// on every timeline event they produce.
	serviceUser uuid.UUID
	logger      *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(db *storage.DB, eng *engine.Engine, serviceUser uuid.UUID, logger *slog.Logger) *Server {
	s := &Server{
		db:          db,
		engine:      eng,
		serviceUser: serviceUser,
		logger:      logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"runbookd",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// runbookd://runbooks — catalog of available runbooks.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"runbookd://runbooks",
			"Runbook Catalog",
			mcplib.WithResourceDescription("Latest version of every available incident runbook"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunbookCatalog,
	)

	// runbookd://sessions/{id}/timeline — a session's audit trail.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"runbookd://sessions/{id}/timeline",
			"Session Timeline",
			mcplib.WithTemplateDescription("Complete audit trail for one execution session"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSessionTimeline,
	)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("runbook_list",
			mcplib.WithDescription("List available runbooks (latest version of each) with title, severity, and tags"),
		),
		s.handleRunbookList,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("runbook_get",
			mcplib.WithDescription("Fetch a runbook's decision tree, including the current node's options or commands"),
			mcplib.WithString("runbook_id", mcplib.Description("Runbook UUID"), mcplib.Required()),
		),
		s.handleRunbookGet,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("session_start",
			mcplib.WithDescription("Start an execution session for a runbook. Provisions an isolated environment and positions the session at the tree root."),
			mcplib.WithString("runbook_id", mcplib.Description("Runbook UUID"), mcplib.Required()),
		),
		s.handleSessionStart,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("session_decide",
			mcplib.WithDescription("Answer the current decision node by option index. Advances the session along the chosen branch."),
			mcplib.WithString("session_id", mcplib.Description("Session UUID"), mcplib.Required()),
			mcplib.WithNumber("option_index", mcplib.Description("Zero-based index into the node's options"), mcplib.Required()),
		),
		s.handleSessionDecide,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("session_execute",
			mcplib.WithDescription("Execute the current action node's commands in the session's environment. Blocks until they finish or fail."),
			mcplib.WithString("session_id", mcplib.Description("Session UUID"), mcplib.Required()),
		),
		s.handleSessionExecute,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("session_pause",
			mcplib.WithDescription("Pause an active session, keeping its environment alive for later resume"),
			mcplib.WithString("session_id", mcplib.Description("Session UUID"), mcplib.Required()),
		),
		s.sessionControlTool(s.engine.Pause),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("session_resume",
			mcplib.WithDescription("Resume a paused session at its current node"),
			mcplib.WithString("session_id", mcplib.Description("Session UUID"), mcplib.Required()),
		),
		s.sessionControlTool(s.engine.Resume),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("session_abort",
			mcplib.WithDescription("Abort a session, interrupting any command in progress and releasing its environment"),
			mcplib.WithString("session_id", mcplib.Description("Session UUID"), mcplib.Required()),
		),
		s.sessionControlTool(s.engine.Abort),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("session_annotate",
			mcplib.WithDescription("Append a free-form note to a session's timeline, e.g. an observation about command output"),
			mcplib.WithString("session_id", mcplib.Description("Session UUID"), mcplib.Required()),
			mcplib.WithString("note", mcplib.Description("Note text"), mcplib.Required()),
		),
		s.handleSessionAnnotate,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("session_timeline",
			mcplib.WithDescription("Fetch the complete audit trail of a session, oldest event first"),
			mcplib.WithString("session_id", mcplib.Description("Session UUID"), mcplib.Required()),
		),
		s.handleTimelineTool,
	)
}

func (s *Server) handleRunbookCatalog(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runbooks, _, err := s.db.ListRunbooks(ctx, 100, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: list runbooks: %w", err)
	}

	data, err := json.MarshalIndent(runbooks, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runbooks: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "runbookd://runbooks",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSessionTimeline(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	idStr := strings.TrimSuffix(strings.TrimPrefix(uri, "runbookd://sessions/"), "/timeline")
	sessionID, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid session timeline URI: %s", uri)
	}

	events, err := s.engine.Timeline(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("mcp: session timeline: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"session_id": sessionID,
		"events":     events,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal timeline: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRunbookList(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runbooks, total, err := s.db.ListRunbooks(ctx, 100, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list runbooks: %v", err)), nil
	}
	return jsonResult(map[string]any{"runbooks": runbooks, "total": total}), nil
}

func (s *Server) handleRunbookGet(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, result := parseID(request, "runbook_id")
	if result != nil {
		return result, nil
	}

	rb, err := s.db.GetRunbook(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load runbook: %v", err)), nil
	}
	return jsonResult(rb), nil
}

func (s *Server) handleSessionStart(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, result := parseID(request, "runbook_id")
	if result != nil {
		return result, nil
	}

	session, err := s.engine.StartSession(ctx, id, s.serviceUser)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to start session: %v", err)), nil
	}

	s.logger.Info("mcp session started", "session_id", session.ID, "runbook_id", id)
	return jsonResult(session), nil
}

func (s *Server) handleSessionDecide(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, result := parseID(request, "session_id")
	if result != nil {
		return result, nil
	}
	optionIndex := request.GetInt("option_index", -1)
	if optionIndex < 0 {
		return errorResult("option_index is required and must be non-negative"), nil
	}

	session, err := s.engine.SubmitDecision(ctx, id, optionIndex, s.serviceUser)
	if err != nil {
		return errorResult(fmt.Sprintf("decision rejected: %v", err)), nil
	}
	return jsonResult(session), nil
}

func (s *Server) handleSessionExecute(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, result := parseID(request, "session_id")
	if result != nil {
		return result, nil
	}

	session, err := s.engine.ExecuteCurrentAction(ctx, id, s.serviceUser)
	if err != nil {
		return errorResult(fmt.Sprintf("execution failed: %v", err)), nil
	}
	return jsonResult(session), nil
}

// sessionControlTool adapts a pause/resume/abort engine method into an
// MCP tool handler.
func (s *Server) sessionControlTool(op func(context.Context, uuid.UUID, uuid.UUID) (model.Session, error)) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		id, result := parseID(request, "session_id")
		if result != nil {
			return result, nil
		}
		session, err := op(ctx, id, s.serviceUser)
		if err != nil {
			return errorResult(fmt.Sprintf("operation failed: %v", err)), nil
		}
		return jsonResult(session), nil
	}
}

func (s *Server) handleSessionAnnotate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, result := parseID(request, "session_id")
	if result != nil {
		return result, nil
	}
	note := strings.TrimSpace(request.GetString("note", ""))
	if note == "" {
		return errorResult("note is required"), nil
	}

	event, err := s.engine.Annotate(ctx, id, s.serviceUser, note)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to add note: %v", err)), nil
	}
	return jsonResult(event), nil
}

func (s *Server) handleTimelineTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, result := parseID(request, "session_id")
	if result != nil {
		return result, nil
	}

	events, err := s.engine.Timeline(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load timeline: %v", err)), nil
	}
	return jsonResult(map[string]any{"session_id": id, "events": events}), nil
}

func parseID(request mcplib.CallToolRequest, key string) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString(key, "")
	if raw == "" {
		return uuid.Nil, errorResult(key + " is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult(key + " must be a UUID")
	}
	return id, nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
