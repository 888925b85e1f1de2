package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/weirdion/weirdion/internal/nodes"
	"github.com/weirdion/weirdion/internal/profile"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) MCPDeps {
	t.Helper()
	profiles := profile.NewStore(t.TempDir())
	registry, err := nodes.NewRegistry(nodes.Deps{Profiles: profiles})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	doc := profile.NewUserDocument()
	fast := profile.Seed()
	fast.Steps = 12
	doc.Profiles["Fast"] = fast
	doc.CheckpointDefaults["sdxl.safetensors"] = "Fast"
	if err := profiles.SaveUserProfiles(doc); err != nil {
		t.Fatalf("SaveUserProfiles: %v", err)
	}

	return MCPDeps{Profiles: profiles, Nodes: registry}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestNewMCPServer(t *testing.T) {
	if s := NewMCPServer(newTestMCPDeps(t), "test"); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_ParseLoraTags(t *testing.T) {
	handler := mcpParseLoraTags()

	result, err := handler(context.Background(), makeCallToolRequest("parse_lora_tags", map[string]interface{}{
		"text": "portrait <lora:ink:0.7> <lora:detail>",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var tags []struct {
		Name     string  `json:"name"`
		Strength float64 `json:"strength"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &tags); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if len(tags) != 2 || tags[0].Name != "ink" || tags[0].Strength != 0.7 || tags[1].Strength != 1.0 {
		t.Errorf("tags = %+v", tags)
	}
}

func TestMCPTool_ParseLoraTags_MissingText(t *testing.T) {
	result, err := mcpParseLoraTags()(context.Background(), makeCallToolRequest("parse_lora_tags", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing text")
	}
}

func TestMCPTool_StripLoraTags(t *testing.T) {
	result, err := mcpStripLoraTags()(context.Background(), makeCallToolRequest("strip_lora_tags", map[string]interface{}{
		"text": "a girl, <lora:style:0.8>, blonde hair",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := toolText(t, result); got != "a girl, , blonde hair" {
		t.Errorf("stripped = %q", got)
	}
}

func TestMCPTool_ResolveProfile(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpResolveProfile(deps)

	tests := []struct {
		name     string
		args     map[string]interface{}
		wantName string
		wantErr  bool
	}{
		{"checkpoint default", map[string]interface{}{"checkpoint": "sdxl.safetensors"}, "Fast", false},
		{"defaults disabled", map[string]interface{}{"profile": "Default", "checkpoint": "sdxl.safetensors", "allow_checkpoint_default": false}, "Default", false},
		{"explicit", map[string]interface{}{"profile": "Fast"}, "Fast", false},
		{"unknown", map[string]interface{}{"profile": "Nope"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("resolve_profile", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.IsError != tt.wantErr {
				t.Fatalf("IsError = %v, want %v (%s)", result.IsError, tt.wantErr, toolText(t, result))
			}
			if tt.wantErr {
				if !strings.Contains(toolText(t, result), "profile not found") {
					t.Errorf("error text = %q", toolText(t, result))
				}
				return
			}
			var res profile.Resolution
			if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
				t.Fatalf("parsing result: %v", err)
			}
			if res.Name != tt.wantName {
				t.Errorf("name = %q, want %q", res.Name, tt.wantName)
			}
		})
	}
}

func TestMCPTool_ListNodes(t *testing.T) {
	result, err := mcpListNodes(newTestMCPDeps(t))(context.Background(), makeCallToolRequest("list_nodes", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var infos []nodes.Info
	if err := json.Unmarshal([]byte(toolText(t, result)), &infos); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if len(infos) != 4 {
		t.Errorf("nodes = %d, want 4", len(infos))
	}
}

func TestMCPResource_Profiles(t *testing.T) {
	handler := mcpResourceProfiles(newTestMCPDeps(t))

	contents, err := handler(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "weirdion://profiles"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var got struct {
		DefaultProfile     profile.Profile            `json:"default_profile"`
		Profiles           map[string]profile.Profile `json:"profiles"`
		CheckpointDefaults map[string]string          `json:"checkpoint_defaults"`
	}
	if err := json.Unmarshal([]byte(text.Text), &got); err != nil {
		t.Fatalf("parsing resource: %v", err)
	}
	if got.DefaultProfile.Steps != 30 || got.Profiles["Fast"].Steps != 12 || got.CheckpointDefaults["sdxl.safetensors"] != "Fast" {
		t.Errorf("resource = %+v", got)
	}
}
