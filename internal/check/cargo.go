package check

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Severity levels shared by check diagnostics and live analyzer diagnostics
// once both are rendered for the caller.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
	SeverityHint    = "hint"
)

// Span is a half-open source region in zero-based coordinates.
type Span struct {
	StartLine uint32 `json:"start_line"`
	StartChar uint32 `json:"start_character"`
	EndLine   uint32 `json:"end_line"`
	EndChar   uint32 `json:"end_character"`
}

// RelatedLocation points at a secondary site contributing to a diagnostic.
type RelatedLocation struct {
	File    string `json:"file"`
	Span    Span   `json:"span"`
	Message string `json:"message,omitempty"`
}

// Diagnostic is the normalized record produced from cargo's JSON stream. The
// live analyzer's diagnostics are rendered into the same shape by the tool
// layer, so callers see one model regardless of source.
type Diagnostic struct {
	Severity string            `json:"severity"`
	Message  string            `json:"message"`
	Code     string            `json:"code,omitempty"`
	File     string            `json:"file"`
	Span     Span              `json:"span"`
	Related  []RelatedLocation `json:"related,omitempty"`
}

// cargoMessage is the envelope of one line of cargo --message-format=json.
type cargoMessage struct {
	Reason  string `json:"reason"`
	Message *struct {
		Message string `json:"message"`
		Level   string `json:"level"`
		Code    *struct {
			Code string `json:"code"`
		} `json:"code"`
		Spans []cargoSpan `json:"spans"`
	} `json:"message"`
}

// cargoSpan carries 1-based coordinates; normalization subtracts one.
type cargoSpan struct {
	FileName    string  `json:"file_name"`
	LineStart   uint32  `json:"line_start"`
	LineEnd     uint32  `json:"line_end"`
	ColumnStart uint32  `json:"column_start"`
	ColumnEnd   uint32  `json:"column_end"`
	IsPrimary   bool    `json:"is_primary"`
	Label       *string `json:"label"`
}

func (s cargoSpan) toSpan() Span {
	sub := func(v uint32) uint32 {
		if v == 0 {
			return 0
		}
		return v - 1
	}
	return Span{
		StartLine: sub(s.LineStart),
		StartChar: sub(s.ColumnStart),
		EndLine:   sub(s.LineEnd),
		EndChar:   sub(s.ColumnEnd),
	}
}

func levelToSeverity(level string) string {
	switch level {
	case "error", "error: internal compiler error":
		return SeverityError
	case "warning":
		return SeverityWarning
	case "note":
		return SeverityInfo
	case "help":
		return SeverityHint
	default:
		return SeverityInfo
	}
}

// parseCargoLine turns one stream line into zero or more diagnostics. Lines
// that are not valid JSON count as skipped; valid non-diagnostic records
// (build-script output, artifact notices) produce nothing and are not
// counted as skipped.
func parseCargoLine(line []byte, workspace string, include, exclude []string) ([]Diagnostic, int) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, 0
	}

	var msg cargoMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return nil, 1
	}
	if msg.Reason != "compiler-message" || msg.Message == nil {
		return nil, 0
	}
	if len(msg.Message.Spans) == 0 {
		// Summary records like "aborting due to previous error".
		return nil, 0
	}

	var primary *cargoSpan
	var related []RelatedLocation
	for i := range msg.Message.Spans {
		span := msg.Message.Spans[i]
		if span.IsPrimary && primary == nil {
			primary = &msg.Message.Spans[i]
			continue
		}
		label := ""
		if span.Label != nil {
			label = *span.Label
		}
		related = append(related, RelatedLocation{
			File:    absInWorkspace(span.FileName, workspace),
			Span:    span.toSpan(),
			Message: label,
		})
	}
	if primary == nil {
		primary = &msg.Message.Spans[0]
		related = related[1:]
	}

	file := absInWorkspace(primary.FileName, workspace)
	if !pathSelected(primary.FileName, include, exclude) {
		return nil, 0
	}

	code := ""
	if msg.Message.Code != nil {
		code = msg.Message.Code.Code
	}
	return []Diagnostic{{
		Severity: levelToSeverity(msg.Message.Level),
		Message:  msg.Message.Message,
		Code:     code,
		File:     file,
		Span:     primary.toSpan(),
		Related:  related,
	}}, 0
}

func absInWorkspace(file, workspace string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(workspace, file)
}

// pathSelected applies the include then exclude glob lists to a
// workspace-relative path.
func pathSelected(rel string, include, exclude []string) bool {
	if len(include) > 0 {
		matched := false
		for _, pattern := range include {
			if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pattern := range exclude {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return false
		}
	}
	return true
}
