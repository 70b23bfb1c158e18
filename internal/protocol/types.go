// Package protocol implements the wire layer shared with the external
// analyzer: JSON-RPC 2.0 messages with LSP Content-Length framing, plus the
// LSP payload types the bridge exchanges.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is a single JSON-RPC 2.0 frame. A request has ID+Method, a
// response has ID+Result/Error, a notification has Method only.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// IsResponse reports whether the message answers an outbound request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// IsNotification reports whether the message is server-initiated with no id.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// ResponseError is the JSON-RPC error object attached to a failed response.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface
func (e *ResponseError) Error() string {
	return fmt.Sprintf("analyzer error %d: %s", e.Code, e.Message)
}

// Position is a zero-based line and UTF-16 character offset.
type Position struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
}

// Range is a half-open [Start, End) span within a document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Contains reports whether pos falls inside the range (inclusive bounds).
func (r Range) Contains(pos Position) bool {
	startsBefore := r.Start.Line < pos.Line ||
		(r.Start.Line == pos.Line && r.Start.Character <= pos.Character)
	endsAfter := r.End.Line > pos.Line ||
		(r.End.Line == pos.Line && r.End.Character >= pos.Character)
	return startsBefore && endsAfter
}

// Location is a document URI plus a range within it.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// LocationLink is the richer definition-target shape some servers return.
type LocationLink struct {
	TargetURI            string `json:"targetUri"`
	TargetRange          Range  `json:"targetRange"`
	TargetSelectionRange Range  `json:"targetSelectionRange"`
}

// TextDocumentIdentifier names an open or on-disk document.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// TextDocumentPositionParams is the common (document, position) request body.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// ReferenceParams extends the position params with the declaration toggle.
type ReferenceParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
	Context      ReferenceContext       `json:"context"`
}

// ReferenceContext controls whether the declaration is part of the result.
type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// RenameParams requests a workspace-wide rename at a position.
type RenameParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
	NewName      string                 `json:"newName"`
}

// DocumentSymbolParams requests the symbol outline of one document.
type DocumentSymbolParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// WorkspaceSymbolParams queries symbols across the workspace.
type WorkspaceSymbolParams struct {
	Query string `json:"query"`
}

// MarkupContent is hover/documentation text with its format tag.
type MarkupContent struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Hover is the response payload of textDocument/hover.
type Hover struct {
	Contents MarkupContent `json:"contents"`
	Range    *Range        `json:"range,omitempty"`
}

// DocumentSymbol is one node of the hierarchical outline.
type DocumentSymbol struct {
	Name           string           `json:"name"`
	Detail         string           `json:"detail,omitempty"`
	Kind           uint32           `json:"kind"`
	Range          Range            `json:"range"`
	SelectionRange Range            `json:"selectionRange"`
	Children       []DocumentSymbol `json:"children,omitempty"`
}

// SymbolInformation is the flat (non-hierarchical) symbol shape.
type SymbolInformation struct {
	Name          string   `json:"name"`
	Kind          uint32   `json:"kind"`
	Location      Location `json:"location"`
	ContainerName string   `json:"containerName,omitempty"`
}

// Diagnostic is the LSP wire diagnostic shape.
type Diagnostic struct {
	Range              Range                          `json:"range"`
	Severity           int                            `json:"severity,omitempty"`
	Code               json.RawMessage                `json:"code,omitempty"`
	Source             string                         `json:"source,omitempty"`
	Message            string                         `json:"message"`
	RelatedInformation []DiagnosticRelatedInformation `json:"relatedInformation,omitempty"`
}

// DiagnosticRelatedInformation links a diagnostic to another location.
type DiagnosticRelatedInformation struct {
	Location Location `json:"location"`
	Message  string   `json:"message"`
}

// PublishDiagnosticsParams is the payload of textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// TextEdit is one replacement inside a WorkspaceEdit.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// WorkspaceEdit is the change set returned by textDocument/rename.
type WorkspaceEdit struct {
	Changes map[string][]TextEdit `json:"changes,omitempty"`
}

// TypeHierarchyItem is one node of a type hierarchy query.
type TypeHierarchyItem struct {
	Name           string          `json:"name"`
	Kind           uint32          `json:"kind"`
	Detail         string          `json:"detail,omitempty"`
	URI            string          `json:"uri"`
	Range          Range           `json:"range"`
	SelectionRange Range           `json:"selectionRange"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// CodeActionParams requests the refactorings available over a range.
type CodeActionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Range        Range                  `json:"range"`
	Context      CodeActionContext      `json:"context"`
}

// CodeActionContext narrows the action query to specific kinds.
type CodeActionContext struct {
	Diagnostics []Diagnostic `json:"diagnostics"`
	Only        []string     `json:"only,omitempty"`
}

// CodeAction is one available refactoring. The edit may be absent until the
// action is resolved.
type CodeAction struct {
	Title string          `json:"title"`
	Kind  string          `json:"kind,omitempty"`
	Edit  *WorkspaceEdit  `json:"edit,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DefinitionResult normalizes the three shapes textDocument/definition may
// return: a single Location, a Location array, or LocationLink array.
type DefinitionResult struct {
	Locations []Location
}

// UnmarshalJSON accepts Location | []Location | []LocationLink | null.
func (d *DefinitionResult) UnmarshalJSON(data []byte) error {
	d.Locations = nil
	if string(data) == "null" {
		return nil
	}
	var single Location
	if err := json.Unmarshal(data, &single); err == nil && single.URI != "" {
		d.Locations = []Location{single}
		return nil
	}
	var many []Location
	if err := json.Unmarshal(data, &many); err == nil && (len(many) == 0 || many[0].URI != "") {
		d.Locations = many
		return nil
	}
	var links []LocationLink
	if err := json.Unmarshal(data, &links); err != nil {
		return fmt.Errorf("definition result has unsupported shape: %w", err)
	}
	d.Locations = make([]Location, 0, len(links))
	for _, l := range links {
		d.Locations = append(d.Locations, Location{URI: l.TargetURI, Range: l.TargetSelectionRange})
	}
	return nil
}

// SymbolOutline normalizes textDocument/documentSymbol, which may return
// hierarchical DocumentSymbols or flat SymbolInformation.
type SymbolOutline struct {
	Symbols []DocumentSymbol
	Flat    []SymbolInformation
}

// UnmarshalJSON accepts []DocumentSymbol | []SymbolInformation | null.
// DocumentSymbol is detected by the presence of selectionRange.
func (s *SymbolOutline) UnmarshalJSON(data []byte) error {
	s.Symbols, s.Flat = nil, nil
	if string(data) == "null" {
		return nil
	}
	var probe []struct {
		SelectionRange *Range `json:"selectionRange"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("document symbol result has unsupported shape: %w", err)
	}
	if len(probe) > 0 && probe[0].SelectionRange == nil {
		return json.Unmarshal(data, &s.Flat)
	}
	return json.Unmarshal(data, &s.Symbols)
}

// IsHierarchical reports whether the outline carries nested symbols.
func (s *SymbolOutline) IsHierarchical() bool {
	return s.Flat == nil
}
