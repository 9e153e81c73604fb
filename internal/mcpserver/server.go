// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Raido task tools for LLM integration via stdio transport.
// Like every other collaborator, it writes only through the store CRUD
// surface, never to vault files directly.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/raido/internal/coordinator"
	"github.com/starford/raido/internal/models"
)

// Server wraps the MCP server with Raido tools.
type Server struct {
	mcp   *server.MCPServer
	coord *coordinator.Coordinator
}

// New creates a new MCP server with all Raido tools registered.
func New(coord *coordinator.Coordinator) *Server {
	s := &Server{coord: coord}

	s.mcp = server.NewMCPServer(
		"Raido",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks, optionally filtered by status, board, or lifecycle category."),
		mcp.WithString("status", mcp.Description("Filter by status (open, doing, done, dropped)")),
		mcp.WithString("board", mcp.Description("Filter by board record ID")),
		mcp.WithString("category", mcp.Description("Filter by category (active, archived)")),
	), s.listTasks)

	s.mcp.AddTool(mcp.NewTool("search_tasks",
		mcp.WithDescription("Search tasks by title, body, and tags (case-insensitive substring)."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchTasks)

	s.mcp.AddTool(mcp.NewTool("read_task",
		mcp.WithDescription("Read a single task including its Markdown body."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task record ID")),
	), s.readTask)

	s.mcp.AddTool(mcp.NewTool("create_task",
		mcp.WithDescription("Create a new task. Follow the record format contract "+
			"(get_record_contract tool) for body conventions."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("body", mcp.Description("Markdown body")),
		mcp.WithString("board", mcp.Description("Board record ID the task belongs to")),
		mcp.WithString("priority", mcp.Description("Priority (low, medium, high)")),
		mcp.WithString("due", mcp.Description("Due date, RFC 3339 or YYYY-MM-DD")),
	), s.createTask)

	s.mcp.AddTool(mcp.NewTool("update_task",
		mcp.WithDescription("Update fields of an existing task. Omitted fields are kept."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task record ID")),
		mcp.WithString("title", mcp.Description("New title")),
		mcp.WithString("body", mcp.Description("New Markdown body")),
		mcp.WithString("status", mcp.Description("New status (open, doing, done, dropped)")),
		mcp.WithString("priority", mcp.Description("New priority (low, medium, high)")),
		mcp.WithString("board", mcp.Description("New board record ID")),
	), s.updateTask)

	s.mcp.AddTool(mcp.NewTool("complete_task",
		mcp.WithDescription("Mark a task done and archive it (moves its file to the archived tree)."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task record ID")),
	), s.completeTask)

	s.mcp.AddTool(mcp.NewTool("list_boards",
		mcp.WithDescription("List all boards."),
	), s.listBoards)

	s.mcp.AddTool(mcp.NewTool("get_record_contract",
		mcp.WithDescription("Returns the canonical Raido record file format contract."),
	), s.getRecordContract)

	// Resource: record format contract.
	s.mcp.AddResource(
		mcp.NewResource("raido://record-format", "Record Format Contract",
			mcp.WithResourceDescription("Canonical record file format all records follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readRecordFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) listTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	board := req.GetString("board", "")
	category := req.GetString("category", "")

	tasks := s.coord.Tasks().Filter(func(r models.Record) bool {
		if status != "" && r.Status != status {
			return false
		}
		if board != "" && r.Board != board {
			return false
		}
		if category != "" && string(r.Category) != category {
			return false
		}
		return true
	})
	out, _ := json.MarshalIndent(tasks, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) searchTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results := s.coord.Tasks().Search(query)
	out, _ := json.MarshalIndent(results, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, ok := s.coord.Tasks().ByID(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	out, _ := json.MarshalIndent(rec, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) createTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec := models.NewRecord(models.KindTask, title)
	rec.Body = req.GetString("body", "")
	rec.Board = req.GetString("board", "")
	rec.Priority = req.GetString("priority", "")
	if due := req.GetString("due", ""); due != "" {
		t, err := parseDue(due)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid due date: %s", due)), nil
		}
		rec.Due = &t
	}

	if err := s.coord.Tasks().Add(rec); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(rec, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) updateTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, ok := s.coord.Tasks().ByID(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}

	if v := req.GetString("title", ""); v != "" {
		rec.Title = v
	}
	if v := req.GetString("body", ""); v != "" {
		rec.Body = v
	}
	if v := req.GetString("status", ""); v != "" {
		rec.Status = v
	}
	if v := req.GetString("priority", ""); v != "" {
		rec.Priority = v
	}
	if v := req.GetString("board", ""); v != "" {
		rec.Board = v
	}

	if err := s.coord.Tasks().Update(rec); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fresh, _ := s.coord.Tasks().ByID(id)
	out, _ := json.MarshalIndent(fresh, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) completeTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, ok := s.coord.Tasks().ByID(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	rec.Status = models.StatusDone
	rec.Category = models.CategoryArchived
	if err := s.coord.Tasks().Update(rec); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fresh, _ := s.coord.Tasks().ByID(id)
	out, _ := json.MarshalIndent(fresh, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listBoards(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	boards := s.coord.Boards().List()
	out, _ := json.MarshalIndent(boards, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getRecordContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(RecordFormatContract), nil
}

func (s *Server) readRecordFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "raido://record-format",
			MIMEType: "text/markdown",
			Text:     RecordFormatContract,
		},
	}, nil
}

func parseDue(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
