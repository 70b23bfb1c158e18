// Package mcp exposes the rust-analyzer bridge as MCP tools over stdio.
package mcp

import (
	"context"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rablabs/rab/internal/analyzer"
	"github.com/rablabs/rab/internal/check"
	"github.com/rablabs/rab/internal/config"
	"github.com/rablabs/rab/internal/locate"
	"github.com/rablabs/rab/internal/version"
)

// Server wires the tool registry to the analyzer client, position resolver
// and check runner.
type Server struct {
	server           *mcp.Server
	cfg              *config.Config
	client           *analyzer.Client
	resolver         *locate.Resolver
	runner           *check.Runner
	diagnosticLogger *DiagnosticLogger
	startedAt        time.Time
}

// NewServer builds the MCP server for one workspace. The analyzer process is
// not spawned here; the first tool call that needs it triggers the spawn.
func NewServer(cfg *config.Config) (*Server, error) {
	logger := NewDiagnosticLogger(true, cfg.Logging.File)

	sup := analyzer.NewSupervisor(analyzer.Options{
		ExecutablePath: cfg.Analyzer.Path,
		RootDir:        cfg.Project.Root,
		FullAnalysis:   cfg.Analyzer.FullAnalysis,
		RequestTimeout: cfg.RequestTimeout(),
		ShutdownGrace:  cfg.ShutdownGrace(),
	}, logger.Printf)

	s := &Server{
		cfg:      cfg,
		client:   analyzer.NewClient(sup),
		resolver: locate.NewResolver(locate.Options{RequireUniqueSnippet: cfg.Analyzer.RequireUniqueSnippet}),
		runner: check.NewRunner(check.Options{
			Timeout:   cfg.CheckTimeout(),
			OutputCap: int(cfg.Check.OutputCapBytes),
			Command:   cfg.Check.Command,
			Include:   cfg.Include,
			Exclude:   cfg.Exclude,
		}),
		diagnosticLogger: logger,
		startedAt:        time.Now(),
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "rab",
		Version: version.Version,
	}, nil)

	s.registerTools()
	return s, nil
}

// Start runs the stdio transport loop until ctx is cancelled or the client
// disconnects.
func (s *Server) Start(ctx context.Context) error {
	s.diagnosticLogger.Printf("starting MCP server (workspace=%s analyzer=%s)",
		s.cfg.Project.Root, s.cfg.Analyzer.Path)
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Shutdown stops the analyzer session gracefully and closes the log.
func (s *Server) Shutdown(ctx context.Context) error {
	s.diagnosticLogger.Printf("shutting down")
	err := s.client.Supervisor().Shutdown(ctx)
	_ = s.diagnosticLogger.Close()
	return err
}

// locatorProperties is the shared schema block for position parameters.
func locatorProperties() map[string]*jsonschema.Schema {
	return map[string]*jsonschema.Schema{
		"file_path": {
			Type:        "string",
			Description: "Absolute path to the source file",
		},
		"line": {
			Type:        "integer",
			Description: "Zero-based line for an exact position (requires character)",
		},
		"character": {
			Type:        "integer",
			Description: "Zero-based UTF-16 column for an exact position (requires line)",
		},
		"code_block": {
			Type:        "string",
			Description: "Snippet of code copied from the file, used to anchor a fuzzy position",
		},
		"symbol": {
			Type:        "string",
			Description: "Symbol name to locate inside the code block (whole-word match)",
		},
		"occurrence": {
			Type:        "integer",
			Description: "Zero-based index selecting among multiple matches of the symbol inside the block",
		},
		"output": {
			Type:        "string",
			Description: "Output format: json (default) or text",
		},
	}
}

func withProps(base map[string]*jsonschema.Schema, extra map[string]*jsonschema.Schema) map[string]*jsonschema.Schema {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func (s *Server) registerTools() {
	s.server.AddTool(&mcp.Tool{
		Name:        "info",
		Description: "Get bridge status, analyzer session state, and per-tool help. Use 'info' alone for an overview or pass a tool name.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"tool": {
					Type:        "string",
					Description: "Tool name to describe (e.g. 'find_definition')",
				},
				"output": {Type: "string", Description: "Output format: json (default) or text"},
			},
		},
	}, s.handleInfo)

	s.server.AddTool(&mcp.Tool{
		Name:        "find_definition",
		Description: "Find where the symbol at a position is defined. Accepts an exact line/character or a fuzzy code_block+symbol locator.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: locatorProperties(),
			Required:   []string{"file_path"},
		},
	}, s.handleFindDefinition)

	s.server.AddTool(&mcp.Tool{
		Name:        "find_references",
		Description: "List every usage of the symbol at a position across the workspace.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: withProps(locatorProperties(), map[string]*jsonschema.Schema{
				"include_declaration": {
					Type:        "boolean",
					Description: "Include the declaration site in the results",
				},
			}),
			Required: []string{"file_path"},
		},
	}, s.handleFindReferences)

	s.server.AddTool(&mcp.Tool{
		Name:        "get_hover",
		Description: "Get the type signature and documentation of the symbol at a position.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: locatorProperties(),
			Required:   []string{"file_path"},
		},
	}, s.handleGetHover)

	s.server.AddTool(&mcp.Tool{
		Name:        "get_symbol_source",
		Description: "Fetch the full source text of the definition of the symbol at a position.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: locatorProperties(),
			Required:   []string{"file_path"},
		},
	}, s.handleGetSymbolSource)

	s.server.AddTool(&mcp.Tool{
		Name:        "get_diagnostics",
		Description: "Get live analyzer diagnostics (errors, warnings) for one file.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"file_path": {Type: "string", Description: "Absolute path to the source file"},
				"output":    {Type: "string", Description: "Output format: json (default) or text"},
			},
			Required: []string{"file_path"},
		},
	}, s.handleGetDiagnostics)

	s.server.AddTool(&mcp.Tool{
		Name:        "document_symbols",
		Description: "Get the symbol outline (structs, functions, impls) of one file.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"file_path": {Type: "string", Description: "Absolute path to the source file"},
				"output":    {Type: "string", Description: "Output format: json (default) or text"},
			},
			Required: []string{"file_path"},
		},
	}, s.handleDocumentSymbols)

	s.server.AddTool(&mcp.Tool{
		Name:        "workspace_symbols",
		Description: "Search symbols across the whole workspace by name.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"query":  {Type: "string", Description: "Symbol name or prefix to search for"},
				"output": {Type: "string", Description: "Output format: json (default) or text"},
			},
			Required: []string{"query"},
		},
	}, s.handleWorkspaceSymbols)

	s.server.AddTool(&mcp.Tool{
		Name:        "rename_symbol",
		Description: "Rename the symbol at a position across the workspace. Reports conflicts instead of silently colliding; set apply=true to write the edits.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: withProps(locatorProperties(), map[string]*jsonschema.Schema{
				"new_name": {Type: "string", Description: "Replacement name"},
				"apply":    {Type: "boolean", Description: "Write the edits to disk (default: report only)"},
			}),
			Required: []string{"file_path", "new_name"},
		},
	}, s.handleRenameSymbol)

	s.server.AddTool(&mcp.Tool{
		Name:        "extract_function",
		Description: "Experimental: extract the code at a position into a new function. The result carries a confidence flag; review before applying.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: locatorProperties(),
			Required:   []string{"file_path"},
		},
	}, s.handleExtractFunction)

	s.server.AddTool(&mcp.Tool{
		Name:        "inline_function",
		Description: "Experimental: inline the function called at a position. The result carries a confidence flag; review before applying.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: locatorProperties(),
			Required:   []string{"file_path"},
		},
	}, s.handleInlineFunction)

	s.server.AddTool(&mcp.Tool{
		Name:        "run_cargo_check",
		Description: "Run cargo check under a hard timeout and output cap, returning structured diagnostics.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"workspace_root": {
					Type:        "string",
					Description: "Absolute workspace path (defaults to the configured project root)",
				},
				"output": {Type: "string", Description: "Output format: json (default) or text"},
			},
		},
	}, s.handleRunCargoCheck)

	s.server.AddTool(&mcp.Tool{
		Name:        "get_type_hierarchy",
		Description: "Get the supertypes and/or subtypes of the type at a position.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: withProps(locatorProperties(), map[string]*jsonschema.Schema{
				"direction": {
					Type:        "string",
					Description: "supertypes, subtypes, or both (default both)",
				},
			}),
			Required: []string{"file_path"},
		},
	}, s.handleGetTypeHierarchy)

	s.server.AddTool(&mcp.Tool{
		Name:        "analyze_manifest",
		Description: "Parse a Cargo.toml and report package info, dependencies, and workspace members.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"file_path": {
					Type:        "string",
					Description: "Absolute path to a Cargo.toml or its directory (defaults to the project root)",
				},
				"output": {Type: "string", Description: "Output format: json (default) or text"},
			},
		},
	}, s.handleAnalyzeManifest)
}
