package analyzer

import (
	"sync"

	"github.com/rablabs/rab/internal/protocol"
)

// DiagnosticsStore holds the latest published diagnostics per document URI.
// rust-analyzer pushes these unsolicited; each publish replaces the previous
// set for that document, including the empty set that clears it.
type DiagnosticsStore struct {
	mu     sync.RWMutex
	byURI  map[string][]protocol.Diagnostic
	putSeq uint64
}

func NewDiagnosticsStore() *DiagnosticsStore {
	return &DiagnosticsStore{byURI: make(map[string][]protocol.Diagnostic)}
}

// Put replaces the diagnostic set for uri.
func (d *DiagnosticsStore) Put(uri string, diags []protocol.Diagnostic) {
	d.mu.Lock()
	d.byURI[uri] = diags
	d.putSeq++
	d.mu.Unlock()
}

// Get returns the current diagnostics for uri. The second return reports
// whether the analyzer has published anything for that document yet, which
// distinguishes "clean file" from "not analyzed".
func (d *DiagnosticsStore) Get(uri string) ([]protocol.Diagnostic, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	diags, ok := d.byURI[uri]
	return diags, ok
}

// Seq returns a counter that increments on every publish. Callers poll it to
// detect that a round of diagnostics has landed after a didOpen.
func (d *DiagnosticsStore) Seq() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.putSeq
}

// URIs returns every document with stored diagnostics, for workspace-wide
// summaries.
func (d *DiagnosticsStore) URIs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	uris := make([]string, 0, len(d.byURI))
	for uri := range d.byURI {
		uris = append(uris, uri)
	}
	return uris
}
