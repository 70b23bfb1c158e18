package locate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	raberrors "github.com/rablabs/rab/internal/errors"
	"github.com/rablabs/rab/internal/protocol"
)

const sampleSource = `use std::fmt;

pub struct Point {
    x: f64,
    y: f64,
}

impl Point {
    pub fn new(x: f64, y: f64) -> Point {
        Point { x, y }
    }

    pub fn x(&self) -> f64 {
        self.x
    }
}
`

func writeSample(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "point.rs")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolveExactIsPassthrough(t *testing.T) {
	r := NewResolver(Options{})
	pos, err := r.Resolve(Exact("/ws/src/lib.rs", 12, 7))
	require.NoError(t, err)
	assert.Equal(t, protocol.Position{Line: 12, Character: 7}, pos)

	// Idempotent: resolving the result again yields the same coordinate.
	again, err := r.Resolve(Exact("/ws/src/lib.rs", int(pos.Line), int(pos.Character)))
	require.NoError(t, err)
	assert.Equal(t, pos, again)
}

func TestResolveExactRejectsNegative(t *testing.T) {
	r := NewResolver(Options{})
	_, err := r.Resolve(Exact("/ws/src/lib.rs", -1, 0))
	assert.Equal(t, raberrors.KindInvalidParam, raberrors.KindOf(err))
}

func TestResolveFuzzy(t *testing.T) {
	path := writeSample(t, sampleSource)
	r := NewResolver(Options{})

	tests := []struct {
		name       string
		snippet    string
		symbol     string
		occurrence int
		wantLine   uint32
		wantChar   uint32
		wantKind   raberrors.ErrorKind
	}{
		{
			name:     "unique symbol at occurrence zero",
			snippet:  "pub fn new(x: f64, y: f64) -> Point {",
			symbol:   "new",
			wantLine: 8, wantChar: 11,
		},
		{
			name:       "second occurrence inside snippet",
			snippet:    "pub fn new(x: f64, y: f64) -> Point {\n        Point { x, y }\n    }",
			symbol:     "Point",
			occurrence: 1,
			wantLine:   9, wantChar: 8,
		},
		{
			name:     "whole word match skips substring hits",
			snippet:  "pub struct Point {\n    x: f64,\n    y: f64,\n}",
			symbol:   "x",
			wantLine: 3, wantChar: 4,
		},
		{
			name:     "snippet not found",
			snippet:  "fn does_not_exist()",
			symbol:   "does_not_exist",
			wantKind: raberrors.KindSnippetNotFound,
		},
		{
			name:       "occurrence out of range",
			snippet:    "pub fn new(x: f64, y: f64) -> Point {",
			symbol:     "new",
			occurrence: 3,
			wantKind:   raberrors.KindOccurrenceOutOfRange,
		},
		{
			name:     "symbol absent from snippet",
			snippet:  "pub fn new(x: f64, y: f64) -> Point {",
			symbol:   "missing",
			wantKind: raberrors.KindOccurrenceOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, err := r.Resolve(Fuzzy(path, tt.snippet, tt.symbol, tt.occurrence))
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, raberrors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, protocol.Position{Line: tt.wantLine, Character: tt.wantChar}, pos)
		})
	}
}

func TestResolveOccurrenceErrorReportsCounts(t *testing.T) {
	path := writeSample(t, sampleSource)
	r := NewResolver(Options{})

	_, err := r.Resolve(Fuzzy(path, "pub fn new(x: f64, y: f64) -> Point {", "f64", 5))
	var re *raberrors.ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 5, re.Requested)
	assert.Equal(t, 2, re.Found)
}

func TestResolveRepeatedSnippetUsesFirstMatch(t *testing.T) {
	source := "fn a() {\n    call();\n}\n\nfn b() {\n    call();\n}\n"
	path := writeSample(t, source)

	r := NewResolver(Options{})
	pos, err := r.Resolve(Fuzzy(path, "    call();", "call", 0))
	require.NoError(t, err)
	assert.Equal(t, protocol.Position{Line: 1, Character: 4}, pos)
}

func TestResolveRepeatedSnippetStrictPolicy(t *testing.T) {
	source := "fn a() {\n    call();\n}\n\nfn b() {\n    call();\n}\n"
	path := writeSample(t, source)

	r := NewResolver(Options{RequireUniqueSnippet: true})
	_, err := r.Resolve(Fuzzy(path, "    call();", "call", 0))
	require.Error(t, err)
	assert.Equal(t, raberrors.KindAmbiguousSnippet, raberrors.KindOf(err))

	var re *raberrors.ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 2, re.Found)
}

func TestResolveMultiByteCharactersUseUTF16Columns(t *testing.T) {
	// "héllo" before the symbol: é is one UTF-16 unit, the emoji is two.
	source := "fn main() {\n    let s = \"héllo 🚀\"; target();\n}\n"
	path := writeSample(t, source)

	r := NewResolver(Options{})
	pos, err := r.Resolve(Fuzzy(path, "let s = \"héllo 🚀\"; target();", "target", 0))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), pos.Line)
	// Bytes before "target" on line 1: 4 spaces + `let s = "héllo 🚀"; ` where
	// é is 1 unit and the rocket is 2.
	assert.Equal(t, uint32(24), pos.Character)
}

func TestResolveSnippetNotFoundSuggestsClosestLine(t *testing.T) {
	path := writeSample(t, sampleSource)
	r := NewResolver(Options{})

	_, err := r.Resolve(Fuzzy(path, "pub fn neww(x: f64, y: f64) -> Point {", "neww", 0))
	var re *raberrors.ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, raberrors.KindSnippetNotFound, re.Kind)
	assert.Contains(t, re.Detail, "pub fn new(x: f64, y: f64) -> Point {")
}

func TestResolveCacheRevalidatesOnContentChange(t *testing.T) {
	path := writeSample(t, "fn old() {}\n")
	r := NewResolver(Options{})

	pos, err := r.Resolve(Fuzzy(path, "fn old() {}", "old", 0))
	require.NoError(t, err)
	assert.Equal(t, protocol.Position{Line: 0, Character: 3}, pos)

	// Rewrite the file; the cached index must not serve stale offsets.
	require.NoError(t, os.WriteFile(path, []byte("// moved\nfn old() {}\n"), 0o644))
	pos, err = r.Resolve(Fuzzy(path, "fn old() {}", "old", 0))
	require.NoError(t, err)
	assert.Equal(t, protocol.Position{Line: 1, Character: 3}, pos)
}

func TestResolveMissingFuzzyFields(t *testing.T) {
	r := NewResolver(Options{})

	_, err := r.Resolve(Fuzzy("/ws/lib.rs", "", "sym", 0))
	assert.Equal(t, raberrors.KindMissingParam, raberrors.KindOf(err))

	_, err = r.Resolve(Fuzzy("/ws/lib.rs", "snippet", "", 0))
	assert.Equal(t, raberrors.KindMissingParam, raberrors.KindOf(err))

	_, err = r.Resolve(Fuzzy("/ws/lib.rs", "snippet", "sym", -2))
	assert.Equal(t, raberrors.KindInvalidParam, raberrors.KindOf(err))
}
