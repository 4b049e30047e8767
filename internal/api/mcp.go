package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/fieldsync/internal/queue"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Queue   *queue.Queue
	Monitor Connectivity // optional
	Sync    Syncer       // optional
	Version string
}

// NewMCPServer creates an MCP server exposing sync status and dead-letter
// management.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"fieldsync",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("fieldsync: offline mutation queue for safety field reports. Inspect sync state and resolve failed submissions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Report connectivity and the number of pending and dead-letter mutations."),
		),
		mcpSyncStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_dead_letters",
			mcp.WithDescription("List mutations that exhausted their retries, with the last failure reason."),
		),
		mcpListDeadLetters(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_dead_letter",
			mcp.WithDescription("Readmit a dead-letter mutation with a fresh retry budget."),
			mcp.WithString("id", mcp.Description("Mutation id"), mcp.Required()),
		),
		mcpRetryDeadLetter(deps),
	)

	s.AddTool(
		mcp.NewTool("discard_dead_letter",
			mcp.WithDescription("Permanently drop a dead-letter mutation without delivering it."),
			mcp.WithString("id", mcp.Description("Mutation id"), mcp.Required()),
		),
		mcpDiscardDeadLetter(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"fieldsync://queue",
			"Mutation Queue",
			mcp.WithResourceDescription("Every queued mutation with its status, oldest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueue(deps),
	)

	return s
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st := deps.Queue.Stats()
		b, err := json.Marshal(StatusResponse{
			Online:      deps.Monitor != nil && deps.Monitor.Online(),
			Pending:     st.Pending,
			DeadLetters: st.DeadLetter,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

type deadLetterSummary struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
	Reason    string `json:"reason,omitempty"`
	Class     string `json:"class,omitempty"`
	Status    int    `json:"http_status,omitempty"`
}

func mcpListDeadLetters(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dead := deps.Queue.ListDeadLetters()
		out := make([]deadLetterSummary, 0, len(dead))
		for _, m := range dead {
			s := deadLetterSummary{
				ID:        m.ID,
				Kind:      string(m.Kind),
				CreatedAt: m.CreatedAt.Format(time.RFC3339),
			}
			if m.LastError != nil {
				s.Reason = m.LastError.Message
				s.Class = string(m.LastError.Class)
				s.Status = m.LastError.Status
			}
			out = append(out, s)
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal dead letters: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRetryDeadLetter(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		err = deps.Queue.RetryDeadLetter(id)
		switch {
		case errors.Is(err, queue.ErrNotFound):
			return mcpError(fmt.Sprintf("mutation %s not found", id)), nil
		case errors.Is(err, queue.ErrNotDeadLetter):
			return mcpError(fmt.Sprintf("mutation %s is not a dead letter", id)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("failed to retry: %v", err)), nil
		}

		if deps.Sync != nil {
			deps.Sync.Trigger()
		}
		return mcpText(fmt.Sprintf("Mutation %s queued for retry.", id)), nil
	}
}

func mcpDiscardDeadLetter(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		err = deps.Queue.DiscardDeadLetter(id)
		switch {
		case errors.Is(err, queue.ErrNotFound):
			return mcpError(fmt.Sprintf("mutation %s not found", id)), nil
		case errors.Is(err, queue.ErrNotDeadLetter):
			return mcpError(fmt.Sprintf("mutation %s is not a dead letter", id)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("failed to discard: %v", err)), nil
		}
		if deps.Sync != nil {
			deps.Sync.Trigger()
		}
		return mcpText(fmt.Sprintf("Mutation %s discarded.", id)), nil
	}
}

func mcpResourceQueue(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		views := viewsOf(deps.Queue.List(), deps.Queue.MaxRetries())
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queue: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
