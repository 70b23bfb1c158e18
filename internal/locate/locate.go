// Package locate converts human-oriented position descriptions (a snippet of
// code plus a symbol name) into the exact zero-based coordinates the analyzer
// requires. Columns are UTF-16 code units, matching the LSP default encoding.
package locate

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/hbollon/go-edlib"

	raberrors "github.com/rablabs/rab/internal/errors"
	"github.com/rablabs/rab/internal/protocol"
)

// LocatorKind discriminates the two locator shapes.
type LocatorKind int

const (
	KindExact LocatorKind = iota
	KindFuzzy
)

// Locator describes a source position either exactly (zero-based line and
// UTF-16 character) or fuzzily (snippet + symbol + occurrence index).
type Locator struct {
	File string
	Kind LocatorKind

	// Exact coordinate.
	Line      int
	Character int

	// Fuzzy descriptor. Occurrence selects among whole-word matches of
	// Symbol inside the located snippet, 0-based.
	Snippet    string
	Symbol     string
	Occurrence int
}

// Exact builds a locator carrying a coordinate verbatim.
func Exact(file string, line, character int) Locator {
	return Locator{File: file, Kind: KindExact, Line: line, Character: character}
}

// Fuzzy builds a snippet-anchored locator.
func Fuzzy(file, snippet, symbol string, occurrence int) Locator {
	return Locator{File: file, Kind: KindFuzzy, Snippet: snippet, Symbol: symbol, Occurrence: occurrence}
}

// Options tunes resolution policy.
type Options struct {
	// RequireUniqueSnippet fails with ambiguous_snippet when the snippet
	// text matches more than once. When false the first occurrence wins.
	RequireUniqueSnippet bool
}

// fileText is the parsed form of one file, cached across resolutions and
// revalidated by content hash on every load.
type fileText struct {
	hash       uint64
	content    []byte
	lineStarts []int // byte offset where each line begins
}

// Resolver translates locators into coordinates. Safe for concurrent use.
type Resolver struct {
	opts Options

	mu    sync.Mutex
	cache map[string]*fileText
}

// NewResolver creates a resolver with the given policy.
func NewResolver(opts Options) *Resolver {
	return &Resolver{opts: opts, cache: make(map[string]*fileText)}
}

// Resolve turns a locator into an exact coordinate. Exact locators pass
// through after a non-negative check. Fuzzy locators resolve per the snippet
// then whole-word symbol match procedure; every failure mode carries a
// distinct kind so the caller knows how to fix the input.
func (r *Resolver) Resolve(loc Locator) (protocol.Position, error) {
	if loc.Kind == KindExact {
		if loc.Line < 0 || loc.Character < 0 {
			return protocol.Position{}, raberrors.NewValidationError(
				raberrors.KindInvalidParam, "position", fmt.Sprintf("%d:%d", loc.Line, loc.Character))
		}
		return protocol.Position{Line: uint32(loc.Line), Character: uint32(loc.Character)}, nil
	}

	if loc.Snippet == "" {
		return protocol.Position{}, raberrors.NewValidationError(raberrors.KindMissingParam, "code_block", "")
	}
	if loc.Symbol == "" {
		return protocol.Position{}, raberrors.NewValidationError(raberrors.KindMissingParam, "symbol", "")
	}
	if loc.Occurrence < 0 {
		return protocol.Position{}, raberrors.NewValidationError(
			raberrors.KindInvalidParam, "occurrence", fmt.Sprintf("%d", loc.Occurrence))
	}

	ft, err := r.load(loc.File)
	if err != nil {
		return protocol.Position{}, err
	}
	text := string(ft.content)

	snippetStarts := allIndexes(text, loc.Snippet)
	if len(snippetStarts) == 0 {
		return protocol.Position{}, &raberrors.ResolveError{
			Kind:      raberrors.KindSnippetNotFound,
			File:      loc.File,
			Symbol:    loc.Symbol,
			Detail:    snippetSuggestion(text, loc.Snippet),
			Timestamp: time.Now(),
		}
	}
	if len(snippetStarts) > 1 && r.opts.RequireUniqueSnippet {
		return protocol.Position{}, &raberrors.ResolveError{
			Kind:      raberrors.KindAmbiguousSnippet,
			File:      loc.File,
			Symbol:    loc.Symbol,
			Found:     len(snippetStarts),
			Timestamp: time.Now(),
		}
	}
	// Multiple matches permitted: search within the first occurrence only.
	snippetStart := snippetStarts[0]
	snippetEnd := snippetStart + len(loc.Snippet)

	matches := wholeWordIndexes(text[snippetStart:snippetEnd], loc.Symbol)
	if loc.Occurrence >= len(matches) {
		return protocol.Position{}, &raberrors.ResolveError{
			Kind:      raberrors.KindOccurrenceOutOfRange,
			File:      loc.File,
			Symbol:    loc.Symbol,
			Requested: loc.Occurrence,
			Found:     len(matches),
			Timestamp: time.Now(),
		}
	}

	offset := snippetStart + matches[loc.Occurrence]
	return ft.positionAt(offset), nil
}

// load reads and indexes a file, reusing the cached line index when the
// content hash is unchanged since the last load.
func (r *Resolver) load(path string) (*fileText, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	hash := xxhash.Sum64(content)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[path]; ok && cached.hash == hash {
		return cached, nil
	}
	ft := &fileText{hash: hash, content: content, lineStarts: indexLines(content)}
	r.cache[path] = ft
	return ft, nil
}

func indexLines(content []byte) []int {
	starts := []int{0}
	for i, b := range content {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// positionAt converts a byte offset into a zero-based line and UTF-16
// character coordinate using the file's actual line breaks.
func (f *fileText) positionAt(offset int) protocol.Position {
	line := sort.Search(len(f.lineStarts), func(i int) bool {
		return f.lineStarts[i] > offset
	}) - 1
	character := utf16Len(f.content[f.lineStarts[line]:offset])
	return protocol.Position{Line: uint32(line), Character: uint32(character)}
}

// utf16Len counts UTF-16 code units in a byte slice. Runes outside the BMP
// take two units (a surrogate pair).
func utf16Len(b []byte) int {
	n := 0
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r > 0xFFFF {
			n += 2
		} else {
			n++
		}
		b = b[size:]
	}
	return n
}

// allIndexes returns every byte offset where needle occurs in haystack.
func allIndexes(haystack, needle string) []int {
	var out []int
	from := 0
	for {
		i := strings.Index(haystack[from:], needle)
		if i < 0 {
			return out
		}
		out = append(out, from+i)
		from += i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// wholeWordIndexes returns the offsets of symbol within text where it is not
// embedded in a longer identifier.
func wholeWordIndexes(text, symbol string) []int {
	var out []int
	for _, i := range allIndexes(text, symbol) {
		if i > 0 && isWordByte(text[i-1]) {
			continue
		}
		end := i + len(symbol)
		if end < len(text) && isWordByte(text[end]) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// SnippetRange resolves the full span a fuzzy locator's snippet covers. An
// exact locator yields a zero-width range at its coordinate.
func (r *Resolver) SnippetRange(loc Locator) (protocol.Range, error) {
	pos, err := r.Resolve(loc)
	if err != nil {
		return protocol.Range{}, err
	}
	if loc.Kind == KindExact {
		return protocol.Range{Start: pos, End: pos}, nil
	}

	ft, err := r.load(loc.File)
	if err != nil {
		return protocol.Range{}, err
	}
	starts := allIndexes(string(ft.content), loc.Snippet)
	// Resolve already succeeded, so the snippet is present.
	start := ft.positionAt(starts[0])
	end := ft.positionAt(starts[0] + len(loc.Snippet))
	return protocol.Range{Start: start, End: end}, nil
}

// WholeWordOccurrences returns the byte offsets where symbol occurs in text
// as a whole word. Used by rename conflict scanning as well as resolution.
func WholeWordOccurrences(text, symbol string) []int {
	return wholeWordIndexes(text, symbol)
}

// ByteOffsetForUTF16Column converts a UTF-16 column within a line to a byte
// offset. A column past the end of the line maps to the line's full length.
func ByteOffsetForUTF16Column(line string, column int) int {
	units := 0
	for i, r := range line {
		if units >= column {
			return i
		}
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
	}
	return len(line)
}

// snippetSuggestion finds the file line most similar to the snippet's first
// line, giving the caller a concrete hint at what they probably meant.
func snippetSuggestion(text, snippet string) string {
	want := strings.TrimSpace(strings.SplitN(snippet, "\n", 2)[0])
	if want == "" {
		return "snippet not found"
	}

	bestScore := float32(0)
	bestLine := ""
	bestNum := 0
	for num, line := range strings.Split(text, "\n") {
		candidate := strings.TrimSpace(line)
		if candidate == "" {
			continue
		}
		score, err := edlib.StringsSimilarity(want, candidate, edlib.Levenshtein)
		if err != nil {
			continue
		}
		if score > bestScore {
			bestScore, bestLine, bestNum = score, candidate, num
		}
	}
	if bestScore < 0.5 {
		return "snippet not found; no similar line in file"
	}
	return fmt.Sprintf("snippet not found; closest line %d: %q", bestNum, bestLine)
}
