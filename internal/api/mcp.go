package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"callscribe/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline  NotificationHandler
	Store     CallStore
	ResultDir string
}

// NewMCPServer creates an MCP server exposing the call store and the
// processing pipeline as tools, so an assistant can look up calls, read
// transcribed dialogs, and trigger processing.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"callscribe",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("callscribe — call transcription service: look up processed calls, read dialogs, and trigger processing."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_call",
			mcp.WithDescription("Look up the stored record of one call by its communication ID."),
			mcp.WithString("communication_id", mcp.Description("Numeric communication ID"), mcp.Required()),
		),
		mcpGetCall(deps),
	)

	s.AddTool(
		mcp.NewTool("get_dialog",
			mcp.WithDescription("Return the merged two-speaker dialog text of a processed call."),
			mcp.WithString("communication_id", mcp.Description("Numeric communication ID"), mcp.Required()),
		),
		mcpGetDialog(deps),
	)

	s.AddTool(
		mcp.NewTool("process_call",
			mcp.WithDescription("Run a call through the transcription pipeline (locate, download, transcribe)."),
			mcp.WithString("communication_id", mcp.Description("Numeric communication ID"), mcp.Required()),
		),
		mcpProcessCall(deps),
	)

	s.AddTool(
		mcp.NewTool("call_stats",
			mcp.WithDescription("Return total, archived, and active call counts."),
		),
		mcpCallStats(deps),
	)

	return s
}

func mcpGetCall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("communication_id")
		if err != nil || !validCommunicationID(id) {
			return mcpError("communication_id must be a non-empty numeric string"), nil
		}

		rec, err := deps.Store.GetCall(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("call %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get call: %v", err)), nil
		}

		b, err := json.Marshal(rec)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal call: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetDialog(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("communication_id")
		if err != nil || !validCommunicationID(id) {
			return mcpError("communication_id must be a non-empty numeric string"), nil
		}

		rec, err := deps.Store.GetCall(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("call %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get call: %v", err)), nil
		}
		if rec.TranscriptPath == storage.TranscriptNoWav {
			return mcpError(fmt.Sprintf("call %s has no audio recordings", id)), nil
		}
		if !rec.Processed() {
			return mcpError(fmt.Sprintf("call %s is not transcribed yet", id)), nil
		}
		if rec.IsArchived {
			return mcpError(fmt.Sprintf("call %s is archived at %s", id, rec.ArchivePath)), nil
		}

		dialog, err := os.ReadFile(filepath.Join(deps.ResultDir, rec.TranscriptPath, "dialog.txt"))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read dialog: %v", err)), nil
		}
		return mcpText(string(dialog)), nil
	}
}

func mcpProcessCall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("communication_id")
		if err != nil || !validCommunicationID(id) {
			return mcpError("communication_id must be a non-empty numeric string"), nil
		}

		res := deps.Pipeline.HandleNotification(ctx, id)
		body := map[string]any{
			"communication_id": id,
			"status":           res.Outcome,
			"message":          res.Message,
		}
		if res.Record != nil {
			body["call"] = res.Record
		}
		b, err := json.Marshal(body)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		if !res.OK() {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCallStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Store.Stats()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read stats: %v", err)), nil
		}
		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
