package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rablabs/rab/internal/protocol"
)

// Client wraps the supervisor with typed LSP calls. Tool handlers speak
// Client; only Client speaks raw method names and wire shapes.
type Client struct {
	sup *Supervisor
}

// NewClient binds a typed client to a supervisor.
func NewClient(sup *Supervisor) *Client {
	return &Client{sup: sup}
}

// Supervisor exposes the underlying lifecycle manager for the info tool.
func (c *Client) Supervisor() *Supervisor { return c.sup }

// DidOpen pushes a document's on-disk content to the analyzer. rust-analyzer
// only publishes diagnostics for documents it has been told are open.
func (c *Client) DidOpen(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return c.sup.Notify(ctx, "textDocument/didOpen", map[string]interface{}{
		"textDocument": map[string]interface{}{
			"uri":        FileURI(path),
			"languageId": "rust",
			"version":    1,
			"text":       string(content),
		},
	})
}

// Definition resolves the definition sites of the symbol at pos.
func (c *Client) Definition(ctx context.Context, path string, pos protocol.Position) ([]protocol.Location, error) {
	raw, err := c.sup.Call(ctx, "textDocument/definition", protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: FileURI(path)},
		Position:     pos,
	})
	if err != nil {
		return nil, err
	}
	var result protocol.DefinitionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result.Locations, nil
}

// References lists every usage of the symbol at pos.
func (c *Client) References(ctx context.Context, path string, pos protocol.Position, includeDeclaration bool) ([]protocol.Location, error) {
	raw, err := c.sup.Call(ctx, "textDocument/references", protocol.ReferenceParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: FileURI(path)},
		Position:     pos,
		Context:      protocol.ReferenceContext{IncludeDeclaration: includeDeclaration},
	})
	if err != nil {
		return nil, err
	}
	var locs []protocol.Location
	if string(raw) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &locs); err != nil {
		return nil, err
	}
	return locs, nil
}

// Hover returns type and documentation info for the symbol at pos, or nil
// when the analyzer has nothing to say there.
func (c *Client) Hover(ctx context.Context, path string, pos protocol.Position) (*protocol.Hover, error) {
	raw, err := c.sup.Call(ctx, "textDocument/hover", protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: FileURI(path)},
		Position:     pos,
	})
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var hover protocol.Hover
	if err := json.Unmarshal(raw, &hover); err != nil {
		return nil, err
	}
	return &hover, nil
}

// DocumentSymbols returns the outline of one document.
func (c *Client) DocumentSymbols(ctx context.Context, path string) (*protocol.SymbolOutline, error) {
	raw, err := c.sup.Call(ctx, "textDocument/documentSymbol", protocol.DocumentSymbolParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: FileURI(path)},
	})
	if err != nil {
		return nil, err
	}
	var outline protocol.SymbolOutline
	if err := json.Unmarshal(raw, &outline); err != nil {
		return nil, err
	}
	return &outline, nil
}

// WorkspaceSymbols queries symbols across the whole workspace.
func (c *Client) WorkspaceSymbols(ctx context.Context, query string) ([]protocol.SymbolInformation, error) {
	raw, err := c.sup.Call(ctx, "workspace/symbol", protocol.WorkspaceSymbolParams{Query: query})
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var symbols []protocol.SymbolInformation
	if err := json.Unmarshal(raw, &symbols); err != nil {
		return nil, err
	}
	return symbols, nil
}

// Rename computes the workspace edit that renames the symbol at pos.
func (c *Client) Rename(ctx context.Context, path string, pos protocol.Position, newName string) (*protocol.WorkspaceEdit, error) {
	raw, err := c.sup.Call(ctx, "textDocument/rename", protocol.RenameParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: FileURI(path)},
		Position:     pos,
		NewName:      newName,
	})
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var edit protocol.WorkspaceEdit
	if err := json.Unmarshal(raw, &edit); err != nil {
		return nil, err
	}
	return &edit, nil
}

// CodeActions lists the refactorings available over a range, optionally
// narrowed to specific action kinds.
func (c *Client) CodeActions(ctx context.Context, path string, span protocol.Range, only []string) ([]protocol.CodeAction, error) {
	raw, err := c.sup.Call(ctx, "textDocument/codeAction", protocol.CodeActionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: FileURI(path)},
		Range:        span,
		Context:      protocol.CodeActionContext{Diagnostics: []protocol.Diagnostic{}, Only: only},
	})
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var actions []protocol.CodeAction
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

// ResolveCodeAction fills in the edit of a lazily-resolved action.
func (c *Client) ResolveCodeAction(ctx context.Context, action protocol.CodeAction) (*protocol.CodeAction, error) {
	raw, err := c.sup.Call(ctx, "codeAction/resolve", action)
	if err != nil {
		return nil, err
	}
	var resolved protocol.CodeAction
	if err := json.Unmarshal(raw, &resolved); err != nil {
		return nil, err
	}
	return &resolved, nil
}

// PrepareTypeHierarchy anchors a type hierarchy query at pos.
func (c *Client) PrepareTypeHierarchy(ctx context.Context, path string, pos protocol.Position) ([]protocol.TypeHierarchyItem, error) {
	raw, err := c.sup.Call(ctx, "textDocument/prepareTypeHierarchy", protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: FileURI(path)},
		Position:     pos,
	})
	if err != nil {
		return nil, err
	}
	return decodeHierarchyItems(raw)
}

// Supertypes expands one hierarchy item upward.
func (c *Client) Supertypes(ctx context.Context, item protocol.TypeHierarchyItem) ([]protocol.TypeHierarchyItem, error) {
	raw, err := c.sup.Call(ctx, "typeHierarchy/supertypes", map[string]interface{}{"item": item})
	if err != nil {
		return nil, err
	}
	return decodeHierarchyItems(raw)
}

// Subtypes expands one hierarchy item downward.
func (c *Client) Subtypes(ctx context.Context, item protocol.TypeHierarchyItem) ([]protocol.TypeHierarchyItem, error) {
	raw, err := c.sup.Call(ctx, "typeHierarchy/subtypes", map[string]interface{}{"item": item})
	if err != nil {
		return nil, err
	}
	return decodeHierarchyItems(raw)
}

func decodeHierarchyItems(raw json.RawMessage) ([]protocol.TypeHierarchyItem, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var items []protocol.TypeHierarchyItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Diagnostics returns the analyzer's live diagnostics for one document. The
// document is opened first, then a cheap synchronous request pumps the
// message loop so the publishDiagnostics burst triggered by didOpen has a
// chance to land before the store is read.
func (c *Client) Diagnostics(ctx context.Context, path string) ([]protocol.Diagnostic, error) {
	sess, err := c.sup.EnsureReady(ctx)
	if err != nil {
		return nil, err
	}
	store := sess.diagnostics
	uri := FileURI(path)

	before := store.Seq()
	if err := c.DidOpen(ctx, path); err != nil {
		return nil, err
	}
	// documentSymbol is answered after the analyzer has processed the open;
	// its reply ordering gives the publish a window to arrive.
	if _, err := c.DocumentSymbols(ctx, path); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.Seq() == before && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}

	diags, _ := store.Get(uri)
	return diags, nil
}

// SymbolSource returns the full source text of the symbol defined at the
// definition target of pos, along with the definition location. When the
// outline does not cover the target, the snippet falls back to the single
// definition line.
func (c *Client) SymbolSource(ctx context.Context, path string, pos protocol.Position) (string, *protocol.Location, error) {
	locs, err := c.Definition(ctx, path, pos)
	if err != nil {
		return "", nil, err
	}
	target := protocol.Location{URI: FileURI(path), Range: protocol.Range{Start: pos, End: pos}}
	if len(locs) > 0 {
		target = locs[0]
	}

	targetPath := PathFromURI(target.URI)
	span := target.Range
	outline, err := c.DocumentSymbols(ctx, targetPath)
	if err == nil {
		if enclosing, ok := enclosingSymbolRange(outline, target.Range.Start); ok {
			span = enclosing
		}
	}

	text, err := readRange(targetPath, span)
	if err != nil {
		return "", nil, err
	}
	return text, &target, nil
}

// SymbolPathAt walks the document outline to the innermost symbol containing
// pos and returns the path segments from the root down, e.g.
// ["Parser", "parse_expr"].
func SymbolPathAt(outline *protocol.SymbolOutline, pos protocol.Position) []string {
	if outline == nil {
		return nil
	}
	if outline.IsHierarchical() {
		return hierarchicalPath(outline.Symbols, pos)
	}
	for _, sym := range outline.Flat {
		if sym.Location.Range.Contains(pos) {
			if sym.ContainerName != "" {
				return []string{sym.ContainerName, sym.Name}
			}
			return []string{sym.Name}
		}
	}
	return nil
}

func hierarchicalPath(symbols []protocol.DocumentSymbol, pos protocol.Position) []string {
	for _, sym := range symbols {
		if !sym.Range.Contains(pos) {
			continue
		}
		if child := hierarchicalPath(sym.Children, pos); child != nil {
			return append([]string{sym.Name}, child...)
		}
		return []string{sym.Name}
	}
	return nil
}

// enclosingSymbolRange finds the innermost outline symbol whose selection
// range contains pos and returns its full range.
func enclosingSymbolRange(outline *protocol.SymbolOutline, pos protocol.Position) (protocol.Range, bool) {
	if outline == nil {
		return protocol.Range{}, false
	}
	if outline.IsHierarchical() {
		return innermostRange(outline.Symbols, pos)
	}
	for _, sym := range outline.Flat {
		if sym.Location.Range.Contains(pos) {
			return sym.Location.Range, true
		}
	}
	return protocol.Range{}, false
}

func innermostRange(symbols []protocol.DocumentSymbol, pos protocol.Position) (protocol.Range, bool) {
	for _, sym := range symbols {
		if !sym.Range.Contains(pos) {
			continue
		}
		if inner, ok := innermostRange(sym.Children, pos); ok {
			return inner, true
		}
		return sym.Range, true
	}
	return protocol.Range{}, false
}

// readRange extracts the text covered by span from the file, whole lines.
func readRange(path string, span protocol.Range) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	lines := strings.Split(string(content), "\n")
	start := int(span.Start.Line)
	end := int(span.End.Line)
	if start >= len(lines) {
		return "", fmt.Errorf("range start line %d past end of %s", start, path)
	}
	if end >= len(lines) {
		end = len(lines) - 1
	}
	return strings.Join(lines[start:end+1], "\n"), nil
}
