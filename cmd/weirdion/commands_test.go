package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/weirdion/weirdion/internal/profile"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"revision not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client(token string) *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      token,
		httpClient: ts.server.Client(),
	}
}

// isolate points config, profile and data directories at fresh temp dirs
// and returns the profile directory.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	profilesDir := t.TempDir()
	t.Setenv("WEIRDION_CONFIG_DIR", profilesDir)
	t.Setenv("WEIRDION_DATA_DIR", t.TempDir())
	t.Setenv("WEIRDION_CHECKPOINTS_DIR", "")
	t.Setenv("WEIRDION_LORAS_DIR", "")
	t.Setenv("WEIRDION_API_TOKEN", "")
	return profilesDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--no-color"}, args...))
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

const portraitYAML = `profiles:
  Portrait:
    steps: 25
    cfg: 6.5
    sampler: dpmpp_2m
    scheduler: karras
    denoise: 1
    clip_skip: -2
    note: soft light
checkpoint_defaults:
  sdxl/base.safetensors: Portrait
`

func TestAPIClient_SendsBearerToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /weirdion/profiles/history": `[{"id":"rev-1","created_at":"2026-01-02T03:04:05Z","profile_count":2,"checksum":"abc"}]`,
	})

	resp, err := ts.client("test-token").get(context.Background(), "/weirdion/profiles/history?limit=5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var revs []struct {
		ID           string `json:"id"`
		ProfileCount int    `json:"profile_count"`
	}
	if err := decodeJSON(resp, &revs); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(revs) != 1 || revs[0].ID != "rev-1" || revs[0].ProfileCount != 2 {
		t.Errorf("revisions = %+v", revs)
	}

	r := ts.requests[0]
	if r.Path != "/weirdion/profiles/history?limit=5" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestAPIClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})

	resp, err := ts.client("").get(context.Background(), "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want none", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorMessage(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client("").post(context.Background(), "/weirdion/profiles/history/nope/restore", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "revision not found") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestAPIClient_ServerDown(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: http.DefaultClient}
	_, err := c.get(context.Background(), "/health")
	if err == nil || !strings.Contains(err.Error(), "is weirdion running") {
		t.Errorf("error = %v, want hint about the server", err)
	}
}

func TestDecodeImport(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		data    string
		wantErr bool
	}{
		{"yaml", "p.yaml", portraitYAML, false},
		{"yml extension", "p.YML", portraitYAML, false},
		{"json", "p.json", `{"profiles":{},"checkpoint_defaults":{}}`, false},
		{"empty yaml", "p.yaml", "", false},
		{"bad yaml", "p.yaml", "profiles: [", true},
		{"yaml with dangling default", "p.yaml", "checkpoint_defaults:\n  a.safetensors: Missing\n", true},
		{"yaml with reserved name", "p.yaml", strings.Replace(portraitYAML, "Portrait:", "Default:", 1), true},
		{"json read as json", "p.json", portraitYAML, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeImport(tt.path, []byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, profile.ErrInvalid) {
				t.Errorf("error %v should wrap ErrInvalid", err)
			}
		})
	}
}

func TestEncodeDocument_YAMLImportsBack(t *testing.T) {
	doc, err := decodeImport("p.yaml", []byte(portraitYAML))
	if err != nil {
		t.Fatalf("decodeImport: %v", err)
	}

	var buf bytes.Buffer
	if err := encodeDocument(&buf, doc, "yaml"); err != nil {
		t.Fatalf("encodeDocument: %v", err)
	}
	back, err := decodeImport("export.yaml", buf.Bytes())
	if err != nil {
		t.Fatalf("re-import: %v\n%s", err, buf.String())
	}
	if back.Profiles["Portrait"].Note != "soft light" || back.CheckpointDefaults["sdxl/base.safetensors"] != "Portrait" {
		t.Errorf("re-imported document = %+v", back)
	}

	if err := encodeDocument(&buf, doc, "toml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestProfilesImportResolveAndList(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(portraitYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "profiles", "import", path); err != nil {
		t.Fatalf("import: %v", err)
	}

	out, err := execute(t, "profiles", "resolve", "--checkpoint", "sdxl/base.safetensors")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var res profile.Resolution
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("resolve output: %v\n%s", err, out)
	}
	if res.Name != "Portrait" || res.Source != profile.SourceCheckpoint || res.Profile.Steps != 25 {
		t.Errorf("resolution = %+v", res)
	}

	out, err = execute(t, "profiles", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || lines[0] != "Default" || !strings.HasPrefix(lines[1], "Portrait") {
		t.Errorf("list output = %q", out)
	}
	if !strings.Contains(lines[1], "sdxl/base.safetensors") {
		t.Errorf("list should show checkpoint assignment, got %q", lines[1])
	}
}

func TestProfilesValidate(t *testing.T) {
	dir := isolate(t)

	_, err := execute(t, "profiles", "validate")
	if err == nil || !strings.Contains(err.Error(), "1 profile document(s) invalid") {
		t.Fatalf("missing default document should be reported, got %v", err)
	}

	// show seeds the default document.
	if _, err := execute(t, "profiles", "show"); err != nil {
		t.Fatalf("show: %v", err)
	}
	if _, err := execute(t, "profiles", "validate"); err != nil {
		t.Fatalf("fresh profiles should validate: %v", err)
	}

	bad := `{"profiles":{"X":{"steps":0,"cfg":5,"sampler":"euler","scheduler":"normal","denoise":1,"clip_skip":-1,"note":""}},"checkpoint_defaults":{}}`
	if err := os.WriteFile(filepath.Join(dir, profile.UserFile), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = execute(t, "profiles", "validate")
	if err == nil || !strings.Contains(err.Error(), "1 profile document(s) invalid") {
		t.Errorf("error = %v, want one invalid document", err)
	}
}

func TestLoraStrip(t *testing.T) {
	out, err := execute(t, "lora", "strip", "a cat <lora:film:0.6>, night")
	if err != nil {
		t.Fatalf("strip: %v", err)
	}
	if out != "a cat , night\n" {
		t.Errorf("output = %q", out)
	}
}

func TestNodesRun_TextCombine(t *testing.T) {
	isolate(t)
	out, err := execute(t, "nodes", "run", "weirdion_TextCombine",
		"--input", "text1=masterpiece", "--input", "text2=portrait", "--input", "separator=, ")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var outputs []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal([]byte(out), &outputs); err != nil {
		t.Fatalf("output: %v\n%s", err, out)
	}
	if len(outputs) != 1 || outputs[0].Value != "masterpiece, portrait" {
		t.Errorf("outputs = %+v", outputs)
	}
}

func TestNodesRun_UnknownNode(t *testing.T) {
	isolate(t)
	_, err := execute(t, "nodes", "run", "NoSuchNode")
	if err == nil || !strings.Contains(err.Error(), "weirdion nodes list") {
		t.Errorf("error = %v, want hint to list nodes", err)
	}
}

func TestConfigSet_UnknownKeyListsValidKeys(t *testing.T) {
	isolate(t)
	_, err := execute(t, "config", "set", "server.nope", "1")
	if err == nil || !strings.Contains(err.Error(), "server.port") {
		t.Errorf("error = %v, want list of valid keys", err)
	}
}

func TestCountLabel(t *testing.T) {
	if got := countLabel(3, 100); got != "3" {
		t.Errorf("countLabel(3) = %q", got)
	}
	if got := countLabel(100, 100); got != "100+" {
		t.Errorf("countLabel(100) = %q", got)
	}
}
