package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/weirdion/weirdion/internal/lora"
	"github.com/weirdion/weirdion/internal/nodes"
	"github.com/weirdion/weirdion/internal/profile"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Profiles *profile.Store
	Nodes    *nodes.Registry // optional; list_nodes reports none without it
}

// NewMCPServer creates an MCP server with the weirdion tools and resources
// registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"weirdion",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("weirdion: LoRA prompt tags and generation profiles for image generation workflows."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("parse_lora_tags",
			mcp.WithDescription("Extract <lora:name:strength> tags from prompt text. Missing or non-numeric strengths default to 1.0."),
			mcp.WithString("text", mcp.Description("Prompt text"), mcp.Required()),
		),
		mcpParseLoraTags(),
	)

	s.AddTool(
		mcp.NewTool("strip_lora_tags",
			mcp.WithDescription("Remove every <lora:...> tag from prompt text, leaving all other text untouched."),
			mcp.WithString("text", mcp.Description("Prompt text"), mcp.Required()),
		),
		mcpStripLoraTags(),
	)

	s.AddTool(
		mcp.NewTool("resolve_profile",
			mcp.WithDescription("Resolve a profile selection to its generation parameters. \"Default\" follows the checkpoint's assigned profile when allowed."),
			mcp.WithString("profile", mcp.Description("Profile name (default \"Default\")")),
			mcp.WithString("checkpoint", mcp.Description("Checkpoint file name")),
			mcp.WithBoolean("allow_checkpoint_default", mcp.Description("Apply checkpoint default assignments (default true)")),
		),
		mcpResolveProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("list_nodes",
			mcp.WithDescription("List the registered weirdion nodes with their inputs and outputs."),
		),
		mcpListNodes(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"weirdion://profiles",
			"Generation Profiles",
			mcp.WithResourceDescription("Default profile, user profiles and checkpoint defaults as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfiles(deps),
	)

	return s
}

func mcpParseLoraTags() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		b, err := json.Marshal(lora.Parse(text))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal tags: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpStripLoraTags() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		return mcpText(lora.Strip(text)), nil
	}
}

func mcpResolveProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := nodes.NormalizeSelection(req.GetString("profile", ""))
		checkpoint := req.GetString("checkpoint", "")
		allow := req.GetBool("allow_checkpoint_default", true)

		res, err := deps.Profiles.ResolveProfile(name, checkpoint, allow)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal resolution: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListNodes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		infos := []nodes.Info{}
		if deps.Nodes != nil {
			infos = deps.Nodes.Describe(ctx)
		}
		b, err := json.Marshal(infos)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal nodes: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceProfiles(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		def, err := deps.Profiles.LoadDefaultProfile()
		if err != nil {
			return nil, fmt.Errorf("failed to load default profile: %w", err)
		}
		user, err := deps.Profiles.LoadUserProfiles()
		if err != nil {
			return nil, fmt.Errorf("failed to load user profiles: %w", err)
		}

		b, err := json.Marshal(map[string]any{
			"default_profile":     def,
			"profiles":            user.Profiles,
			"checkpoint_defaults": user.CheckpointDefaults,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal profiles: %w", err)
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
