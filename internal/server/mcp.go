package server

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/yourorg/agentmemory/internal/auth"
	"github.com/yourorg/agentmemory/internal/memlog"
)

// MCPActor is the audit actor for tool calls without a known client IP.
const MCPActor = "mcp-client"

func (s *Server) newMCPServer() *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(
		"AgentMemory",
		Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(instructions),
	)

	read := readMemoryTool{s: s}
	srv.AddTool(read.Definition(), read.Handle)

	write := writeMemoryTool{s: s}
	srv.AddTool(write.Definition(), write.Handle)

	return srv
}

const instructions = "This server provides shared persistent memory for AI agents. " +
	"Use read_memory to retrieve stored knowledge and write_memory to add new learnings. " +
	"All writes are timestamped and append-only to preserve history."

type readMemoryTool struct{ s *Server }

func (t readMemoryTool) Definition() mcp.Tool {
	return mcp.NewTool("read_memory",
		mcp.WithDescription("Read the AGENTS.md memory file containing shared agent knowledge and learnings."),
	)
}

func (t readMemoryTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := t.s.log.Read(ctx)
	if err != nil {
		t.s.logger.Error("read_memory failed", "error", err)
		return mcp.NewToolResultError("Error reading memory: " + err.Error()), nil
	}
	return mcp.NewToolResultText(content), nil
}

type writeMemoryTool struct{ s *Server }

func (t writeMemoryTool) Definition() mcp.Tool {
	return mcp.NewTool("write_memory",
		mcp.WithDescription("Append a new rule, learning, or note to the AGENTS.md memory file."),
		mcp.WithString("rule",
			mcp.Required(),
			mcp.Description("The text to append. It is timestamped and added as a markdown list item."),
		),
	)
}

func (t writeMemoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rule, err := req.RequireString("rule")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	actor := auth.ClientIPFromContext(ctx, MCPActor)
	if _, err := t.s.appendEntry(ctx, rule, actor); err != nil {
		var verr *memlog.ValidationError
		if errors.As(err, &verr) {
			return mcp.NewToolResultError("Error: " + verr.Error()), nil
		}
		return mcp.NewToolResultError("Error writing to memory: " + err.Error()), nil
	}
	return mcp.NewToolResultText(SuccessMessage), nil
}
