package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rablabs/rab/internal/config"
)

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig(dir)
	cfg.Logging.File = filepath.Join(dir, "rab-test.log")
	// The analyzer binary must never be reached by tests that exercise
	// validation; a bogus path makes any accidental spawn fail loudly.
	cfg.Analyzer.Path = "/nonexistent/rust-analyzer"
	if mutate != nil {
		mutate(cfg)
	}

	s, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
	})
	return s
}

func callRequest(args string) *mcp.CallToolRequest {
	return &mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{
		Arguments: json.RawMessage(args),
	}}
}

// decodeResult unpacks the JSON text content of a tool result.
func decodeResult(t *testing.T, result *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &decoded))
	return decoded
}

func TestHandlersRejectRelativePathsBeforeIO(t *testing.T) {
	s := newTestServer(t, nil)

	handlers := map[string]func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"find_definition":   s.handleFindDefinition,
		"find_references":   s.handleFindReferences,
		"get_hover":         s.handleGetHover,
		"get_symbol_source": s.handleGetSymbolSource,
		"get_diagnostics":   s.handleGetDiagnostics,
		"document_symbols":  s.handleDocumentSymbols,
	}

	for name, handler := range handlers {
		t.Run(name, func(t *testing.T) {
			result, err := handler(context.Background(),
				callRequest(`{"file_path":"src/lib.rs","line":1,"character":2}`))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			decoded := decodeResult(t, result)
			assert.Equal(t, "relative_path", decoded["kind"])
		})
	}
}

func TestHandlersRejectMissingRequiredParams(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name    string
		handler func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    string
	}{
		{"no file_path", s.handleFindDefinition, `{}`},
		{"fuzzy without symbol", s.handleGetHover, `{"file_path":"/ws/lib.rs","code_block":"fn main()"}`},
		{"fuzzy without code_block", s.handleGetHover, `{"file_path":"/ws/lib.rs","symbol":"main"}`},
		{"line without character", s.handleFindReferences, `{"file_path":"/ws/lib.rs","line":4}`},
		{"rename without new_name", s.handleRenameSymbol, `{"file_path":"/ws/lib.rs","line":1,"character":1}`},
		{"workspace symbols without query", s.handleWorkspaceSymbols, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.handler(context.Background(), callRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			decoded := decodeResult(t, result)
			kind := decoded["kind"].(string)
			assert.Contains(t, []string{"missing_param", "invalid_param"}, kind)
		})
	}
}

func TestHandleGetTypeHierarchyRejectsBadDirection(t *testing.T) {
	s := newTestServer(t, nil)
	result, err := s.handleGetTypeHierarchy(context.Background(),
		callRequest(`{"file_path":"/ws/lib.rs","line":1,"character":1,"direction":"sideways"}`))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "invalid_param", decodeResult(t, result)["kind"])
}

func TestHandleAnalyzeManifest(t *testing.T) {
	dir := t.TempDir()
	manifestContent := `
[package]
name = "bridge-demo"
version = "1.2.3"
edition = "2021"

[dependencies]
serde = "1.0"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(manifestContent), 0o644))

	s := newTestServer(t, func(cfg *config.Config) { cfg.Project.Root = dir })

	// Defaults to the project root when no path is given.
	result, err := s.handleAnalyzeManifest(context.Background(), callRequest(`{}`))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	decoded := decodeResult(t, result)
	m := decoded["manifest"].(map[string]interface{})
	pkg := m["package"].(map[string]interface{})
	assert.Equal(t, "bridge-demo", pkg["name"])
	assert.Equal(t, "1.2.3", pkg["version"])
}

func TestHandleRunCargoCheck(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Check.Command = []string{"echo", diagJSON("src/lib.rs", "expected `;`")}
	})

	result, err := s.handleRunCargoCheck(context.Background(), callRequest(`{"output":"json"}`))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	decoded := decodeResult(t, result)
	assert.Equal(t, true, decoded["exit_ok"])
	assert.Equal(t, float64(1), decoded["count"])
	diags := decoded["diagnostics"].([]interface{})
	first := diags[0].(map[string]interface{})
	assert.Equal(t, "error", first["severity"])
	assert.Equal(t, "expected `;`", first["message"])
}

func diagJSON(file, message string) string {
	return `{"reason":"compiler-message","message":{"message":"` + message +
		`","level":"error","spans":[{"file_name":"` + file +
		`","line_start":1,"line_end":1,"column_start":1,"column_end":2,"is_primary":true}]}}`
}

func TestHandleRunCargoCheckRejectsRelativeWorkspace(t *testing.T) {
	s := newTestServer(t, nil)
	result, err := s.handleRunCargoCheck(context.Background(),
		callRequest(`{"workspace_root":"some/where"}`))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "relative_path", decodeResult(t, result)["kind"])
}

func TestHandleInfoOverview(t *testing.T) {
	s := newTestServer(t, nil)

	result, err := s.handleInfo(context.Background(), callRequest(`{}`))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	decoded := decodeResult(t, result)
	assert.Equal(t, "rab", decoded["server_name"])
	assert.Equal(t, "not started", decoded["session_state"])
	tools := decoded["tools"].([]interface{})
	assert.Len(t, tools, len(toolHelp))
}

func TestHandleInfoPerTool(t *testing.T) {
	s := newTestServer(t, nil)

	result, err := s.handleInfo(context.Background(), callRequest(`{"tool":"rename_symbol"}`))
	require.NoError(t, err)
	decoded := decodeResult(t, result)
	assert.Equal(t, "rename_symbol", decoded["tool"])
	assert.Contains(t, decoded["help"], "conflict")

	result, err = s.handleInfo(context.Background(), callRequest(`{"tool":"no_such_tool"}`))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestResolveErrorsSurfaceStructuredKinds(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "lib.rs")
	require.NoError(t, os.WriteFile(source, []byte("fn main() {}\n"), 0o644))

	s := newTestServer(t, nil)

	// Snippet absent from the file: the failure is input-scoped and carries
	// the snippet_not_found kind, and no analyzer is ever spawned.
	result, err := s.handleFindDefinition(context.Background(),
		callRequest(`{"file_path":"`+source+`","code_block":"fn missing()","symbol":"missing"}`))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "snippet_not_found", decodeResult(t, result)["kind"])

	// Occurrence past the match count.
	result, err = s.handleFindDefinition(context.Background(),
		callRequest(`{"file_path":"`+source+`","code_block":"fn main() {}","symbol":"main","occurrence":4}`))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "occurrence_out_of_range", decodeResult(t, result)["kind"])
}
