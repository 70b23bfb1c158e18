package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rablabs/rab/internal/analyzer"
	raberrors "github.com/rablabs/rab/internal/errors"
	"github.com/rablabs/rab/internal/manifest"
	"github.com/rablabs/rab/internal/protocol"
	"github.com/rablabs/rab/internal/version"
)

func (s *Server) handleFindDefinition(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params LocatorParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse("find_definition", fmt.Errorf("invalid parameters: %w", err))
	}

	loc, err := params.toLocator()
	if err != nil {
		return createErrorResponse("find_definition", err)
	}
	pos, err := s.resolver.Resolve(loc)
	if err != nil {
		return createErrorResponse("find_definition", err)
	}

	locations, err := s.client.Definition(ctx, params.FilePath, pos)
	if err != nil {
		return createErrorResponse("find_definition", err)
	}

	payload := &DefinitionOut{Found: len(locations) > 0, Locations: []LocationOut{}}
	for _, l := range locations {
		payload.Locations = append(payload.Locations, toLocationOut(l))
	}
	if len(locations) > 0 {
		// Enrich with the symbol path at the definition target when the
		// outline covers it.
		targetPath := analyzer.PathFromURI(locations[0].URI)
		if outline, err := s.client.DocumentSymbols(ctx, targetPath); err == nil {
			if path := analyzer.SymbolPathAt(outline, locations[0].Range.Start); path != nil {
				payload.SymbolPath = strings.Join(path, "::")
			}
		}
	}
	return formatResult(params.Output, payload)
}

func (s *Server) handleFindReferences(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params ReferencesParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse("find_references", fmt.Errorf("invalid parameters: %w", err))
	}

	loc, err := params.toLocator()
	if err != nil {
		return createErrorResponse("find_references", err)
	}
	pos, err := s.resolver.Resolve(loc)
	if err != nil {
		return createErrorResponse("find_references", err)
	}

	locations, err := s.client.References(ctx, params.FilePath, pos, params.IncludeDeclaration)
	if err != nil {
		return createErrorResponse("find_references", err)
	}

	payload := &ReferencesOut{Count: len(locations), Locations: []LocationOut{}}
	for _, l := range locations {
		payload.Locations = append(payload.Locations, toLocationOut(l))
	}
	sortLocations(payload.Locations)
	return formatResult(params.Output, payload)
}

func (s *Server) handleGetHover(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params LocatorParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse("get_hover", fmt.Errorf("invalid parameters: %w", err))
	}

	loc, err := params.toLocator()
	if err != nil {
		return createErrorResponse("get_hover", err)
	}
	pos, err := s.resolver.Resolve(loc)
	if err != nil {
		return createErrorResponse("get_hover", err)
	}

	hover, err := s.client.Hover(ctx, params.FilePath, pos)
	if err != nil {
		return createErrorResponse("get_hover", err)
	}

	payload := &HoverOut{}
	if hover != nil {
		payload.Found = true
		payload.Contents = hover.Contents.Value
	}
	return formatResult(params.Output, payload)
}

func (s *Server) handleGetSymbolSource(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params LocatorParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse("get_symbol_source", fmt.Errorf("invalid parameters: %w", err))
	}

	loc, err := params.toLocator()
	if err != nil {
		return createErrorResponse("get_symbol_source", err)
	}
	pos, err := s.resolver.Resolve(loc)
	if err != nil {
		return createErrorResponse("get_symbol_source", err)
	}

	source, target, err := s.client.SymbolSource(ctx, params.FilePath, pos)
	if err != nil {
		return createErrorResponse("get_symbol_source", err)
	}

	payload := &SymbolSourceOut{Location: toLocationOut(*target), Source: source}
	return formatResult(params.Output, payload)
}

func (s *Server) handleGetDiagnostics(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params FileParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse("get_diagnostics", fmt.Errorf("invalid parameters: %w", err))
	}
	if err := params.validate(); err != nil {
		return createErrorResponse("get_diagnostics", err)
	}

	diags, err := s.client.Diagnostics(ctx, params.FilePath)
	if err != nil {
		return createErrorResponse("get_diagnostics", err)
	}

	payload := &DiagnosticsOut{File: params.FilePath, Count: len(diags)}
	for _, d := range diags {
		payload.Diagnostics = append(payload.Diagnostics, toCheckDiagnostic(params.FilePath, d))
	}
	sortCheckDiagnostics(payload.Diagnostics)
	return formatResult(params.Output, payload)
}

func (s *Server) handleDocumentSymbols(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params FileParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse("document_symbols", fmt.Errorf("invalid parameters: %w", err))
	}
	if err := params.validate(); err != nil {
		return createErrorResponse("document_symbols", err)
	}

	outline, err := s.client.DocumentSymbols(ctx, params.FilePath)
	if err != nil {
		return createErrorResponse("document_symbols", err)
	}

	payload := &OutlineOut{File: params.FilePath, Symbols: []OutlineSymbolOut{}}
	if outline.IsHierarchical() {
		payload.Symbols = toOutlineSymbols(outline.Symbols)
	} else {
		// Flat results are rendered as a single level.
		for _, sym := range outline.Flat {
			payload.Symbols = append(payload.Symbols, OutlineSymbolOut{
				Name: sym.Name,
				Kind: symbolKindName(sym.Kind),
				Line: sym.Location.Range.Start.Line,
			})
		}
	}
	payload.Count = countOutlineSymbols(payload.Symbols)
	return formatResult(params.Output, payload)
}

func toOutlineSymbols(symbols []protocol.DocumentSymbol) []OutlineSymbolOut {
	out := make([]OutlineSymbolOut, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, OutlineSymbolOut{
			Name:     sym.Name,
			Kind:     symbolKindName(sym.Kind),
			Detail:   sym.Detail,
			Line:     sym.Range.Start.Line,
			Children: toOutlineSymbols(sym.Children),
		})
	}
	return out
}

func countOutlineSymbols(symbols []OutlineSymbolOut) int {
	n := len(symbols)
	for _, sym := range symbols {
		n += countOutlineSymbols(sym.Children)
	}
	return n
}

func (s *Server) handleWorkspaceSymbols(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params WorkspaceSymbolsParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse("workspace_symbols", fmt.Errorf("invalid parameters: %w", err))
	}
	if params.Query == "" {
		return createErrorResponse("workspace_symbols",
			raberrors.NewValidationError(raberrors.KindMissingParam, "query", ""))
	}

	symbols, err := s.client.WorkspaceSymbols(ctx, params.Query)
	if err != nil {
		return createErrorResponse("workspace_symbols", err)
	}

	payload := &WorkspaceSymbolsOut{Query: params.Query, Count: len(symbols), Symbols: []WorkspaceSymbolOut{}}
	for _, sym := range symbols {
		payload.Symbols = append(payload.Symbols, WorkspaceSymbolOut{
			Name:      sym.Name,
			Kind:      symbolKindName(sym.Kind),
			Container: sym.ContainerName,
			File:      analyzer.PathFromURI(sym.Location.URI),
			Line:      sym.Location.Range.Start.Line,
		})
	}
	return formatResult(params.Output, payload)
}

func (s *Server) handleRenameSymbol(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params RenameParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse("rename_symbol", fmt.Errorf("invalid parameters: %w", err))
	}
	if params.NewName == "" {
		return createErrorResponse("rename_symbol",
			raberrors.NewValidationError(raberrors.KindMissingParam, "new_name", ""))
	}

	loc, err := params.toLocator()
	if err != nil {
		return createErrorResponse("rename_symbol", err)
	}
	pos, err := s.resolver.Resolve(loc)
	if err != nil {
		return createErrorResponse("rename_symbol", err)
	}

	edit, err := s.client.Rename(ctx, params.FilePath, pos, params.NewName)
	if err != nil {
		return createErrorResponse("rename_symbol", err)
	}
	if edit == nil || len(edit.Changes) == 0 {
		return createErrorResponse("rename_symbol",
			fmt.Errorf("analyzer returned no edits; the position may not name a renameable symbol"))
	}

	payload := &RenameOut{NewName: params.NewName}
	payload.Conflicts = findRenameConflicts(edit.Changes, params.NewName)
	payload.Changes = toFileEdits(edit.Changes)
	payload.FileCount = len(payload.Changes)
	for _, fc := range payload.Changes {
		payload.EditCount += len(fc.Edits)
	}

	// A rename that would collide with an existing identifier is reported,
	// never silently applied.
	if params.Apply && len(payload.Conflicts) == 0 {
		if err := applyWorkspaceEdit(edit.Changes); err != nil {
			return createErrorResponse("rename_symbol", err)
		}
		payload.Applied = true
	}
	return formatResult(params.Output, payload)
}

func (s *Server) handleExtractFunction(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleRefactor(ctx, req, "extract_function", "refactor.extract")
}

func (s *Server) handleInlineFunction(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleRefactor(ctx, req, "inline_function", "refactor.inline")
}

// handleRefactor drives the experimental code-action tools. The returned
// payload always flags the transformation as unverified.
func (s *Server) handleRefactor(ctx context.Context, req *mcp.CallToolRequest, operation, kind string) (*mcp.CallToolResult, error) {
	var params LocatorParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse(operation, fmt.Errorf("invalid parameters: %w", err))
	}

	loc, err := params.toLocator()
	if err != nil {
		return createErrorResponse(operation, err)
	}
	// The selection covers the whole snippet for fuzzy locators, so the
	// analyzer offers actions over the intended region, not just a point.
	span, err := s.resolver.SnippetRange(loc)
	if err != nil {
		return createErrorResponse(operation, err)
	}

	actions, err := s.client.CodeActions(ctx, params.FilePath, span, []string{kind})
	if err != nil {
		return createErrorResponse(operation, err)
	}

	var chosen *protocol.CodeAction
	for i := range actions {
		if strings.HasPrefix(actions[i].Kind, kind) {
			chosen = &actions[i]
			break
		}
	}
	if chosen == nil {
		return createErrorResponse(operation,
			fmt.Errorf("no %s action available at this position", kind))
	}

	if chosen.Edit == nil {
		resolved, err := s.client.ResolveCodeAction(ctx, *chosen)
		if err != nil {
			return createErrorResponse(operation, err)
		}
		chosen = resolved
	}

	payload := &RefactorOut{
		Action:       operation,
		Title:        chosen.Title,
		Experimental: true,
		Confidence:   "unverified",
		Changes:      []FileEditsOut{},
	}
	if chosen.Edit != nil {
		payload.Changes = toFileEdits(chosen.Edit.Changes)
	}
	return formatResult(params.Output, payload)
}

func (s *Server) handleRunCargoCheck(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params CheckParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse("run_cargo_check", fmt.Errorf("invalid parameters: %w", err))
	}

	workspace := params.WorkspaceRoot
	if workspace == "" {
		workspace = s.cfg.Project.Root
	}
	if !filepath.IsAbs(workspace) {
		return createErrorResponse("run_cargo_check",
			raberrors.NewValidationError(raberrors.KindRelativePath, "workspace_root", workspace))
	}

	result, err := s.runner.Run(ctx, workspace)
	if result == nil {
		return createErrorResponse("run_cargo_check", err)
	}
	if err != nil {
		s.diagnosticLogger.Printf("check run degraded: %v", err)
	}

	payload := &CheckOut{
		Workspace:    workspace,
		ExitOK:       result.ExitOK,
		TimedOut:     result.TimedOut,
		Truncated:    result.Truncated,
		SkippedLines: result.SkippedLines,
		Count:        len(result.Diagnostics),
		Diagnostics:  result.Diagnostics,
	}
	sortCheckDiagnostics(payload.Diagnostics)
	return formatResult(params.Output, payload)
}

func (s *Server) handleGetTypeHierarchy(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params HierarchyParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse("get_type_hierarchy", fmt.Errorf("invalid parameters: %w", err))
	}

	direction := params.Direction
	if direction == "" {
		direction = "both"
	}
	if direction != "supertypes" && direction != "subtypes" && direction != "both" {
		return createErrorResponse("get_type_hierarchy",
			raberrors.NewValidationError(raberrors.KindInvalidParam, "direction", direction))
	}

	loc, err := params.toLocator()
	if err != nil {
		return createErrorResponse("get_type_hierarchy", err)
	}
	pos, err := s.resolver.Resolve(loc)
	if err != nil {
		return createErrorResponse("get_type_hierarchy", err)
	}

	items, err := s.client.PrepareTypeHierarchy(ctx, params.FilePath, pos)
	if err != nil {
		return createErrorResponse("get_type_hierarchy", err)
	}
	if len(items) == 0 {
		return createErrorResponse("get_type_hierarchy",
			fmt.Errorf("no type found at this position"))
	}
	anchor := items[0]

	payload := &HierarchyOut{Anchor: toHierarchyItemOut(anchor)}
	if direction == "supertypes" || direction == "both" {
		supers, err := s.client.Supertypes(ctx, anchor)
		if err != nil {
			return createErrorResponse("get_type_hierarchy", err)
		}
		for _, item := range supers {
			payload.Supertypes = append(payload.Supertypes, toHierarchyItemOut(item))
		}
	}
	if direction == "subtypes" || direction == "both" {
		subs, err := s.client.Subtypes(ctx, anchor)
		if err != nil {
			return createErrorResponse("get_type_hierarchy", err)
		}
		for _, item := range subs {
			payload.Subtypes = append(payload.Subtypes, toHierarchyItemOut(item))
		}
	}
	return formatResult(params.Output, payload)
}

func toHierarchyItemOut(item protocol.TypeHierarchyItem) HierarchyItemOut {
	return HierarchyItemOut{
		Name:   item.Name,
		Kind:   symbolKindName(item.Kind),
		Detail: item.Detail,
		File:   analyzer.PathFromURI(item.URI),
		Line:   item.Range.Start.Line,
	}
}

func (s *Server) handleAnalyzeManifest(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params FileParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse("analyze_manifest", fmt.Errorf("invalid parameters: %w", err))
	}
	if params.FilePath == "" {
		params.FilePath = s.cfg.Project.Root
	}
	if err := params.validate(); err != nil {
		return createErrorResponse("analyze_manifest", err)
	}

	m, err := manifest.Load(params.FilePath)
	if err != nil {
		return createErrorResponse("analyze_manifest", err)
	}
	return formatResult(params.Output, &ManifestOut{Manifest: m})
}

func (s *Server) handleInfo(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params InfoParams
	if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
		return createErrorResponse("info", fmt.Errorf("invalid parameters: %w", err))
	}

	tool := strings.ToLower(strings.TrimSpace(params.Tool))
	if tool != "" {
		help, ok := toolHelp[tool]
		if !ok {
			return createErrorResponse("info",
				raberrors.NewValidationError(raberrors.KindInvalidParam, "tool", tool))
		}
		return createJSONResponse(map[string]interface{}{
			"tool": tool,
			"help": help,
		})
	}

	sessionState := "not started"
	capabilities := analyzer.Capabilities{}
	if sess := s.client.Supervisor().Session(); sess != nil {
		sessionState = sess.State().String()
		capabilities = sess.Capabilities
	}

	return createJSONResponse(map[string]interface{}{
		"server_name":    "rab",
		"server_version": version.FullInfo(),
		"go_version":     runtime.Version(),
		"platform":       runtime.GOOS + "/" + runtime.GOARCH,
		"workspace":      s.cfg.Project.Root,
		"analyzer_path":  s.cfg.Analyzer.Path,
		"full_analysis":  s.cfg.Analyzer.FullAnalysis,
		"session_state":  sessionState,
		"capabilities":   capabilities,
		"uptime":         time.Since(s.startedAt).Round(time.Second).String(),
		"log_file":       s.diagnosticLogger.Path(),
		"tools":          toolNames(),
	})
}

var toolHelp = map[string]string{
	"info":               "Report bridge status and capabilities, or describe one tool.",
	"find_definition":    "Resolve the definition of the symbol at a position. Position is either line+character (zero-based) or code_block+symbol+occurrence.",
	"find_references":    "List usages of the symbol at a position. Set include_declaration to include the definition site.",
	"get_hover":          "Type signature and docs for the symbol at a position.",
	"get_symbol_source":  "Full source text of the definition the position points at.",
	"get_diagnostics":    "Live analyzer errors and warnings for one file.",
	"document_symbols":   "Outline of structs, functions, and impls in one file.",
	"workspace_symbols":  "Search symbols across the workspace by name.",
	"rename_symbol":      "Rename across the workspace. Reports conflicts with existing names; set apply=true to write edits.",
	"extract_function":   "Experimental refactor: extract the selected code into a function. Review before applying.",
	"inline_function":    "Experimental refactor: inline the called function. Review before applying.",
	"run_cargo_check":    "cargo check under a hard timeout and output cap; returns structured diagnostics.",
	"get_type_hierarchy": "Supertypes and subtypes of the type at a position. direction: supertypes | subtypes | both.",
	"analyze_manifest":   "Parse Cargo.toml: package, dependencies, workspace members.",
}

func toolNames() []string {
	names := make([]string, 0, len(toolHelp))
	for name := range toolHelp {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortLocations(locs []LocationOut) {
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].File != locs[j].File {
			return locs[i].File < locs[j].File
		}
		if locs[i].Line != locs[j].Line {
			return locs[i].Line < locs[j].Line
		}
		return locs[i].Character < locs[j].Character
	})
}
