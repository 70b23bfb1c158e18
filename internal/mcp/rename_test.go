package mcp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rablabs/rab/internal/analyzer"
	"github.com/rablabs/rab/internal/protocol"
)

func edit(line, start, end uint32, newText string) protocol.TextEdit {
	return protocol.TextEdit{
		Range: protocol.Range{
			Start: protocol.Position{Line: line, Character: start},
			End:   protocol.Position{Line: line, Character: end},
		},
		NewText: newText,
	}
}

func TestFindRenameConflicts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lib.rs")
	source := "fn count() -> u32 {\n    let total = 3;\n    total + counter\n}\n"
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))

	changes := map[string][]protocol.TextEdit{
		analyzer.FileURI(path): {edit(0, 3, 8, "total")},
	}

	// "total" already exists as a whole word on lines 1 and 2.
	conflicts := findRenameConflicts(changes, "total")
	require.Len(t, conflicts, 2)
	assert.Equal(t, uint32(1), conflicts[0].Line)
	assert.Equal(t, uint32(2), conflicts[1].Line)
	assert.Equal(t, "let total = 3;", conflicts[0].Text)

	// "tot" only appears as a substring, never as a whole word.
	assert.Empty(t, findRenameConflicts(changes, "tot"))

	// A fresh name has no conflicts.
	assert.Empty(t, findRenameConflicts(changes, "tally"))
}

func TestToFileEditsIsOrdered(t *testing.T) {
	changes := map[string][]protocol.TextEdit{
		"file:///ws/src/zeta.rs":  {edit(9, 2, 5, "x")},
		"file:///ws/src/alpha.rs": {edit(7, 4, 8, "x"), edit(2, 1, 5, "x")},
	}

	out := toFileEdits(changes)
	require.Len(t, out, 2)
	assert.Equal(t, "/ws/src/alpha.rs", out[0].File)
	assert.Equal(t, "/ws/src/zeta.rs", out[1].File)
	// Edits within a file are ordered by position.
	assert.Equal(t, uint32(2), out[0].Edits[0].Line)
	assert.Equal(t, uint32(7), out[0].Edits[1].Line)
}

func TestApplyWorkspaceEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "point.rs")
	source := "fn dist(p: Point, q: Point) -> f64 {\n    norm(p) + norm(q)\n}\n"
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))

	// Rename norm -> magnitude: two edits on the same line, applied bottom
	// up so the first replacement does not shift the second.
	changes := map[string][]protocol.TextEdit{
		analyzer.FileURI(path): {
			edit(1, 4, 8, "magnitude"),
			edit(1, 14, 18, "magnitude"),
		},
	}

	require.NoError(t, applyWorkspaceEdit(changes))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fn dist(p: Point, q: Point) -> f64 {\n    magnitude(p) + magnitude(q)\n}\n", string(got))
}

func TestApplyWorkspaceEditHandlesMultiByteColumns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uni.rs")
	// The emoji occupies two UTF-16 units; the edit columns are in UTF-16.
	source := "let label = \"🚀 go\"; let old = 1;\n"
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))

	// "old" starts at UTF-16 column 25: `let label = "🚀 go"; let ` is
	// 12 + 1 + 2 + 3 + 1 + 2 + 4 units.
	changes := map[string][]protocol.TextEdit{
		analyzer.FileURI(path): {edit(0, 25, 28, "fresh")},
	}

	require.NoError(t, applyWorkspaceEdit(changes))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "let label = \"🚀 go\"; let fresh = 1;\n", string(got))
}

func TestApplyWorkspaceEditRejectsMultiLineEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lib.rs")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\n"), 0o644))

	changes := map[string][]protocol.TextEdit{
		analyzer.FileURI(path): {{
			Range: protocol.Range{
				Start: protocol.Position{Line: 0, Character: 0},
				End:   protocol.Position{Line: 1, Character: 0},
			},
			NewText: "x",
		}},
	}
	assert.Error(t, applyWorkspaceEdit(changes))
}
