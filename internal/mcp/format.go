package mcp

import (
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rablabs/rab/internal/analyzer"
	"github.com/rablabs/rab/internal/check"
	"github.com/rablabs/rab/internal/manifest"
	"github.com/rablabs/rab/internal/protocol"
)

// Output payload shapes. Field order in these structs is the documented
// field order of the JSON output; identical inputs produce identical bytes.

// LocationOut is one source location in caller-friendly form.
type LocationOut struct {
	File      string `json:"file"`
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
	EndLine   uint32 `json:"end_line"`
	EndChar   uint32 `json:"end_character"`
}

func toLocationOut(loc protocol.Location) LocationOut {
	return LocationOut{
		File:      analyzer.PathFromURI(loc.URI),
		Line:      loc.Range.Start.Line,
		Character: loc.Range.Start.Character,
		EndLine:   loc.Range.End.Line,
		EndChar:   loc.Range.End.Character,
	}
}

// DefinitionOut is the find_definition payload.
type DefinitionOut struct {
	Found      bool          `json:"found"`
	SymbolPath string        `json:"symbol_path,omitempty"`
	Locations  []LocationOut `json:"locations"`
}

// ReferencesOut is the find_references payload.
type ReferencesOut struct {
	Count     int           `json:"count"`
	Locations []LocationOut `json:"locations"`
}

// HoverOut is the get_hover payload.
type HoverOut struct {
	Found    bool   `json:"found"`
	Contents string `json:"contents,omitempty"`
}

// SymbolSourceOut is the get_symbol_source payload.
type SymbolSourceOut struct {
	Location LocationOut `json:"location"`
	Source   string      `json:"source"`
}

// DiagnosticsOut is the get_diagnostics payload. Live analyzer diagnostics
// are normalized into the same record shape the check runner produces.
type DiagnosticsOut struct {
	File        string             `json:"file"`
	Count       int                `json:"count"`
	Diagnostics []check.Diagnostic `json:"diagnostics"`
}

// OutlineSymbolOut is one node of the document_symbols payload.
type OutlineSymbolOut struct {
	Name     string             `json:"name"`
	Kind     string             `json:"kind"`
	Detail   string             `json:"detail,omitempty"`
	Line     uint32             `json:"line"`
	Children []OutlineSymbolOut `json:"children,omitempty"`
}

// OutlineOut is the document_symbols payload.
type OutlineOut struct {
	File    string             `json:"file"`
	Count   int                `json:"count"`
	Symbols []OutlineSymbolOut `json:"symbols"`
}

// WorkspaceSymbolOut is one workspace_symbols hit.
type WorkspaceSymbolOut struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Container string `json:"container,omitempty"`
	File      string `json:"file"`
	Line      uint32 `json:"line"`
}

// WorkspaceSymbolsOut is the workspace_symbols payload.
type WorkspaceSymbolsOut struct {
	Query   string               `json:"query"`
	Count   int                  `json:"count"`
	Symbols []WorkspaceSymbolOut `json:"symbols"`
}

// EditOut is one text replacement.
type EditOut struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
	EndLine   uint32 `json:"end_line"`
	EndChar   uint32 `json:"end_character"`
	NewText   string `json:"new_text"`
}

// FileEditsOut groups edits per file.
type FileEditsOut struct {
	File  string    `json:"file"`
	Edits []EditOut `json:"edits"`
}

// ConflictOut reports one site where the requested new name already exists.
type ConflictOut struct {
	File string `json:"file"`
	Line uint32 `json:"line"`
	Text string `json:"text"`
}

// RenameOut is the rename_symbol payload.
type RenameOut struct {
	NewName   string         `json:"new_name"`
	Applied   bool           `json:"applied"`
	FileCount int            `json:"file_count"`
	EditCount int            `json:"edit_count"`
	Conflicts []ConflictOut  `json:"conflicts,omitempty"`
	Changes   []FileEditsOut `json:"changes"`
}

// RefactorOut is the extract_function / inline_function payload. These
// transformations are not guaranteed semantics-preserving in every syntactic
// context, so the payload carries an explicit confidence flag instead of
// conflating success with verification.
type RefactorOut struct {
	Action       string         `json:"action"`
	Title        string         `json:"title"`
	Experimental bool           `json:"experimental"`
	Confidence   string         `json:"confidence"`
	Applied      bool           `json:"applied"`
	Changes      []FileEditsOut `json:"changes"`
}

// CheckOut is the run_cargo_check payload.
type CheckOut struct {
	Workspace    string             `json:"workspace"`
	ExitOK       bool               `json:"exit_ok"`
	TimedOut     bool               `json:"timed_out"`
	Truncated    bool               `json:"truncated"`
	SkippedLines int                `json:"skipped_lines"`
	Count        int                `json:"count"`
	Diagnostics  []check.Diagnostic `json:"diagnostics"`
}

// HierarchyItemOut is one node of the get_type_hierarchy payload.
type HierarchyItemOut struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
	File   string `json:"file"`
	Line   uint32 `json:"line"`
}

// HierarchyOut is the get_type_hierarchy payload.
type HierarchyOut struct {
	Anchor     HierarchyItemOut   `json:"anchor"`
	Supertypes []HierarchyItemOut `json:"supertypes,omitempty"`
	Subtypes   []HierarchyItemOut `json:"subtypes,omitempty"`
}

// ManifestOut is the analyze_manifest payload.
type ManifestOut struct {
	Manifest *manifest.Manifest `json:"manifest"`
}

// symbolKindNames maps LSP SymbolKind numbers to readable names.
var symbolKindNames = map[uint32]string{
	1: "file", 2: "module", 3: "namespace", 4: "package", 5: "class",
	6: "method", 7: "property", 8: "field", 9: "constructor", 10: "enum",
	11: "interface", 12: "function", 13: "variable", 14: "constant",
	15: "string", 16: "number", 17: "boolean", 18: "array", 19: "object",
	20: "key", 21: "null", 22: "enum_member", 23: "struct", 24: "event",
	25: "operator", 26: "type_parameter",
}

func symbolKindName(kind uint32) string {
	if name, ok := symbolKindNames[kind]; ok {
		return name
	}
	return fmt.Sprintf("kind_%d", kind)
}

// formatResult renders a payload in the requested output mode. JSON is the
// default; "text" produces a display rendering with the same field order.
func formatResult(output string, payload interface{}) (*mcp.CallToolResult, error) {
	if output == OutputText {
		return createTextResponse(renderText(payload))
	}
	return createJSONResponse(payload)
}

func renderText(payload interface{}) string {
	var b strings.Builder
	switch p := payload.(type) {
	case *DefinitionOut:
		if !p.Found {
			return "no definition found"
		}
		if p.SymbolPath != "" {
			fmt.Fprintf(&b, "symbol: %s\n", p.SymbolPath)
		}
		for _, loc := range p.Locations {
			fmt.Fprintf(&b, "%s:%d:%d\n", loc.File, loc.Line, loc.Character)
		}

	case *ReferencesOut:
		fmt.Fprintf(&b, "%d references\n", p.Count)
		for _, loc := range p.Locations {
			fmt.Fprintf(&b, "%s:%d:%d\n", loc.File, loc.Line, loc.Character)
		}

	case *HoverOut:
		if !p.Found {
			return "no hover information"
		}
		b.WriteString(p.Contents)
		b.WriteString("\n")

	case *SymbolSourceOut:
		fmt.Fprintf(&b, "%s:%d\n%s\n", p.Location.File, p.Location.Line, p.Source)

	case *DiagnosticsOut:
		fmt.Fprintf(&b, "%d diagnostics in %s\n", p.Count, p.File)
		writeDiagnosticLines(&b, p.Diagnostics)

	case *OutlineOut:
		fmt.Fprintf(&b, "%d symbols in %s\n", p.Count, p.File)
		writeOutlineLines(&b, p.Symbols, 0)

	case *WorkspaceSymbolsOut:
		fmt.Fprintf(&b, "%d symbols matching %q\n", p.Count, p.Query)
		for _, s := range p.Symbols {
			fmt.Fprintf(&b, "%s %s %s:%d\n", s.Kind, s.Name, s.File, s.Line)
		}

	case *RenameOut:
		if len(p.Conflicts) > 0 {
			fmt.Fprintf(&b, "rename to %q blocked by %d conflicts:\n", p.NewName, len(p.Conflicts))
			for _, c := range p.Conflicts {
				fmt.Fprintf(&b, "%s:%d: %s\n", c.File, c.Line, c.Text)
			}
			return b.String()
		}
		state := "planned"
		if p.Applied {
			state = "applied"
		}
		fmt.Fprintf(&b, "rename to %q %s: %d edits across %d files\n", p.NewName, state, p.EditCount, p.FileCount)
		for _, fc := range p.Changes {
			fmt.Fprintf(&b, "%s: %d edits\n", fc.File, len(fc.Edits))
		}

	case *RefactorOut:
		fmt.Fprintf(&b, "%s: %s (confidence: %s)\n", p.Action, p.Title, p.Confidence)
		for _, fc := range p.Changes {
			fmt.Fprintf(&b, "%s: %d edits\n", fc.File, len(fc.Edits))
		}

	case *CheckOut:
		status := "ok"
		if !p.ExitOK {
			status = "failed"
		}
		if p.TimedOut {
			status = "timed out"
		}
		fmt.Fprintf(&b, "check %s: %d diagnostics\n", status, p.Count)
		if p.Truncated {
			b.WriteString("output truncated at cap; diagnostics are from the retained prefix\n")
		}
		writeDiagnosticLines(&b, p.Diagnostics)

	case *HierarchyOut:
		fmt.Fprintf(&b, "type: %s (%s)\n", p.Anchor.Name, p.Anchor.Kind)
		for _, item := range p.Supertypes {
			fmt.Fprintf(&b, "supertype: %s %s:%d\n", item.Name, item.File, item.Line)
		}
		for _, item := range p.Subtypes {
			fmt.Fprintf(&b, "subtype: %s %s:%d\n", item.Name, item.File, item.Line)
		}

	case *ManifestOut:
		m := p.Manifest
		if m.Package != nil {
			fmt.Fprintf(&b, "package %s %s (edition %s)\n", m.Package.Name, m.Package.Version, m.Package.Edition)
		}
		for _, member := range m.WorkspaceMembers {
			fmt.Fprintf(&b, "member: %s\n", member)
		}
		for _, dep := range m.Dependencies {
			fmt.Fprintf(&b, "dep: %s %s\n", dep.Name, dep.Version)
		}

	default:
		fmt.Fprintf(&b, "%v\n", payload)
	}
	return b.String()
}

func writeDiagnosticLines(b *strings.Builder, diags []check.Diagnostic) {
	for _, d := range diags {
		fmt.Fprintf(b, "%s: %s:%d:%d: %s\n", d.Severity, d.File, d.Span.StartLine, d.Span.StartChar, d.Message)
	}
}

func writeOutlineLines(b *strings.Builder, symbols []OutlineSymbolOut, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, s := range symbols {
		fmt.Fprintf(b, "%s%s %s (line %d)\n", indent, s.Kind, s.Name, s.Line)
		writeOutlineLines(b, s.Children, depth+1)
	}
}

// severityName maps LSP numeric severities onto the shared severity labels.
func severityName(severity int) string {
	switch severity {
	case 1:
		return check.SeverityError
	case 2:
		return check.SeverityWarning
	case 3:
		return check.SeverityInfo
	case 4:
		return check.SeverityHint
	default:
		return check.SeverityInfo
	}
}

// toCheckDiagnostic normalizes a live LSP diagnostic into the record shape
// shared with the check runner.
func toCheckDiagnostic(file string, d protocol.Diagnostic) check.Diagnostic {
	out := check.Diagnostic{
		Severity: severityName(d.Severity),
		Message:  d.Message,
		File:     file,
		Span: check.Span{
			StartLine: d.Range.Start.Line,
			StartChar: d.Range.Start.Character,
			EndLine:   d.Range.End.Line,
			EndChar:   d.Range.End.Character,
		},
	}
	if len(d.Code) > 0 {
		out.Code = strings.Trim(string(d.Code), `"`)
	}
	for _, rel := range d.RelatedInformation {
		out.Related = append(out.Related, check.RelatedLocation{
			File: analyzer.PathFromURI(rel.Location.URI),
			Span: check.Span{
				StartLine: rel.Location.Range.Start.Line,
				StartChar: rel.Location.Range.Start.Character,
				EndLine:   rel.Location.Range.End.Line,
				EndChar:   rel.Location.Range.End.Character,
			},
			Message: rel.Message,
		})
	}
	return out
}
