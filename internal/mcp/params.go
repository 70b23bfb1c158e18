package mcp

import (
	"path/filepath"

	raberrors "github.com/rablabs/rab/internal/errors"
	"github.com/rablabs/rab/internal/locate"
)

// Output modes supported by every tool.
const (
	OutputJSON = "json"
	OutputText = "text"
)

// LocatorParams is the shared position block: either an exact coordinate
// (line + character) or a fuzzy descriptor (code_block + symbol + occurrence).
type LocatorParams struct {
	FilePath   string `json:"file_path"`
	Line       *int   `json:"line,omitempty"`
	Character  *int   `json:"character,omitempty"`
	CodeBlock  string `json:"code_block,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
	Occurrence int    `json:"occurrence,omitempty"`
	Output     string `json:"output,omitempty"`
}

// toLocator validates the parameter block and builds the resolver input.
// Validation happens before any filesystem or process I/O.
func (p *LocatorParams) toLocator() (locate.Locator, error) {
	if p.FilePath == "" {
		return locate.Locator{}, raberrors.NewValidationError(raberrors.KindMissingParam, "file_path", "")
	}
	if !filepath.IsAbs(p.FilePath) {
		return locate.Locator{}, raberrors.NewValidationError(raberrors.KindRelativePath, "file_path", p.FilePath)
	}
	if p.Line != nil && p.Character != nil {
		return locate.Exact(p.FilePath, *p.Line, *p.Character), nil
	}
	if p.Line != nil || p.Character != nil {
		return locate.Locator{}, raberrors.NewValidationError(
			raberrors.KindInvalidParam, "position", "line and character must be provided together")
	}
	if p.CodeBlock == "" {
		return locate.Locator{}, raberrors.NewValidationError(raberrors.KindMissingParam, "code_block", "")
	}
	if p.Symbol == "" {
		return locate.Locator{}, raberrors.NewValidationError(raberrors.KindMissingParam, "symbol", "")
	}
	return locate.Fuzzy(p.FilePath, p.CodeBlock, p.Symbol, p.Occurrence), nil
}

// ReferencesParams adds the declaration toggle to the locator block.
type ReferencesParams struct {
	LocatorParams
	IncludeDeclaration bool `json:"include_declaration,omitempty"`
}

// RenameParams adds the replacement name and the apply switch.
type RenameParams struct {
	LocatorParams
	NewName string `json:"new_name"`
	Apply   bool   `json:"apply,omitempty"`
}

// FileParams is the single-document parameter block.
type FileParams struct {
	FilePath string `json:"file_path"`
	Output   string `json:"output,omitempty"`
}

func (p *FileParams) validate() error {
	if p.FilePath == "" {
		return raberrors.NewValidationError(raberrors.KindMissingParam, "file_path", "")
	}
	if !filepath.IsAbs(p.FilePath) {
		return raberrors.NewValidationError(raberrors.KindRelativePath, "file_path", p.FilePath)
	}
	return nil
}

// WorkspaceSymbolsParams is the workspace query block.
type WorkspaceSymbolsParams struct {
	Query  string `json:"query"`
	Output string `json:"output,omitempty"`
}

// CheckParams selects the workspace for a guarded check run.
type CheckParams struct {
	WorkspaceRoot string `json:"workspace_root,omitempty"`
	Output        string `json:"output,omitempty"`
}

// HierarchyParams adds the traversal direction to the locator block.
type HierarchyParams struct {
	LocatorParams
	Direction string `json:"direction,omitempty"` // supertypes | subtypes | both
}

// InfoParams selects which tool to describe.
type InfoParams struct {
	Tool   string `json:"tool,omitempty"`
	Output string `json:"output,omitempty"`
}
