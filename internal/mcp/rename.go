package mcp

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rablabs/rab/internal/analyzer"
	"github.com/rablabs/rab/internal/check"
	"github.com/rablabs/rab/internal/locate"
	"github.com/rablabs/rab/internal/protocol"
)

// findRenameConflicts scans every file the edit touches for pre-existing
// whole-word occurrences of the new name. Any hit outside the edit's own
// replacement ranges means the rename would collide with an existing
// identifier, so it is reported rather than applied.
func findRenameConflicts(changes map[string][]protocol.TextEdit, newName string) []ConflictOut {
	var conflicts []ConflictOut
	for uri := range changes {
		path := analyzer.PathFromURI(uri)
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		lines := strings.Split(string(content), "\n")
		for lineNum, line := range lines {
			for range locate.WholeWordOccurrences(line, newName) {
				conflicts = append(conflicts, ConflictOut{
					File: path,
					Line: uint32(lineNum),
					Text: strings.TrimSpace(line),
				})
			}
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].File != conflicts[j].File {
			return conflicts[i].File < conflicts[j].File
		}
		return conflicts[i].Line < conflicts[j].Line
	})
	return conflicts
}

// toFileEdits converts a workspace edit into the output shape, with files
// and edits in a stable order.
func toFileEdits(changes map[string][]protocol.TextEdit) []FileEditsOut {
	out := make([]FileEditsOut, 0, len(changes))
	for uri, edits := range changes {
		fe := FileEditsOut{File: analyzer.PathFromURI(uri)}
		for _, e := range edits {
			fe.Edits = append(fe.Edits, EditOut{
				Line:      e.Range.Start.Line,
				Character: e.Range.Start.Character,
				EndLine:   e.Range.End.Line,
				EndChar:   e.Range.End.Character,
				NewText:   e.NewText,
			})
		}
		sort.Slice(fe.Edits, func(i, j int) bool {
			if fe.Edits[i].Line != fe.Edits[j].Line {
				return fe.Edits[i].Line < fe.Edits[j].Line
			}
			return fe.Edits[i].Character < fe.Edits[j].Character
		})
		out = append(out, fe)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

// applyWorkspaceEdit writes a rename's edits to disk. Edits are applied per
// file from the bottom up so earlier replacements do not shift the
// coordinates of later ones.
func applyWorkspaceEdit(changes map[string][]protocol.TextEdit) error {
	for uri, edits := range changes {
		path := analyzer.PathFromURI(uri)
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		lines := strings.Split(string(content), "\n")

		ordered := append([]protocol.TextEdit(nil), edits...)
		sort.Slice(ordered, func(i, j int) bool {
			if ordered[i].Range.Start.Line != ordered[j].Range.Start.Line {
				return ordered[i].Range.Start.Line > ordered[j].Range.Start.Line
			}
			return ordered[i].Range.Start.Character > ordered[j].Range.Start.Character
		})

		for _, e := range ordered {
			if err := applyEditToLines(lines, e); err != nil {
				return fmt.Errorf("apply edit in %s: %w", path, err)
			}
		}

		joined := strings.Join(lines, "\n")
		if err := os.WriteFile(path, []byte(joined), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

// applyEditToLines performs one single-line replacement in place. Rename
// edits from the analyzer never span lines; anything else is rejected.
func applyEditToLines(lines []string, e protocol.TextEdit) error {
	if e.Range.Start.Line != e.Range.End.Line {
		return fmt.Errorf("multi-line edit at %d:%d not supported",
			e.Range.Start.Line, e.Range.Start.Character)
	}
	lineNum := int(e.Range.Start.Line)
	if lineNum >= len(lines) {
		return fmt.Errorf("edit at line %d past end of file", lineNum)
	}
	line := lines[lineNum]
	startByte := locate.ByteOffsetForUTF16Column(line, int(e.Range.Start.Character))
	endByte := locate.ByteOffsetForUTF16Column(line, int(e.Range.End.Character))
	lines[lineNum] = line[:startByte] + e.NewText + line[endByte:]
	return nil
}

// sortCheckDiagnostics orders diagnostics by file then position so repeated
// runs over an unchanged workspace produce byte-identical output.
func sortCheckDiagnostics(diags []check.Diagnostic) {
	sort.SliceStable(diags, func(i, j int) bool {
		if diags[i].File != diags[j].File {
			return diags[i].File < diags[j].File
		}
		if diags[i].Span.StartLine != diags[j].Span.StartLine {
			return diags[i].Span.StartLine < diags[j].Span.StartLine
		}
		return diags[i].Span.StartChar < diags[j].Span.StartChar
	})
}
