package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
)

func registerTools(s *server.MCPServer, resolver Resolver, linker DocLinker, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("lookup_tool_use",
			mcp.WithDescription("Resolve a tool-use id to the conversation that produced it. "+
				"Returns the conversation entityId, the owning pylon's address, and the original tool invocation."),
			mcp.WithString("tool_use_id",
				mcp.Required(),
				mcp.Description("The tool-use id to resolve (e.g. toolu_01A...)"),
			),
		),
		lookupToolUseHandler(resolver, log),
	)

	s.AddTool(
		mcp.NewTool("attach_document",
			mcp.WithDescription("Link a document path to the conversation that issued the given tool use. "+
				"The document appears in the conversation's linked docs."),
			mcp.WithString("tool_use_id",
				mcp.Required(),
				mcp.Description("A tool-use id from the conversation to attach to"),
			),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("The document path to link"),
			),
		),
		attachDocumentHandler(resolver, linker, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 2))
}

func lookupToolUseHandler(resolver Resolver, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		toolUseID, err := req.RequireString("tool_use_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		resp, err := resolver.Lookup(toolUseID)
		if err != nil {
			log.Error("beacon lookup failed", zap.String("tool_use_id", toolUseID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Lookup failed: %v", err)), nil
		}
		if !resp.Success {
			return mcp.NewToolResultError(resp.Error), nil
		}

		result := map[string]any{
			"entityId":     resp.EntityID,
			"pylonAddress": resp.PylonAddress,
			"raw":          resp.Raw,
		}
		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func attachDocumentHandler(resolver Resolver, linker DocLinker, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		toolUseID, err := req.RequireString("tool_use_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if linker == nil {
			return mcp.NewToolResultError("document linking is not available on this instance"), nil
		}

		resp, err := resolver.Lookup(toolUseID)
		if err != nil {
			log.Error("beacon lookup failed", zap.String("tool_use_id", toolUseID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Lookup failed: %v", err)), nil
		}
		if !resp.Success || resp.EntityID == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Unknown tool use id %s", toolUseID)), nil
		}

		if err := linker.AddLinkedDoc(*resp.EntityID, path); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to link document: %v", err)), nil
		}

		log.Debug("document linked",
			zap.String("conversation", resp.EntityID.String()),
			zap.String("path", path))
		return mcp.NewToolResultText(fmt.Sprintf("Linked %s to conversation %s", path, resp.EntityID.String())), nil
	}
}
