package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{
			name: "transport stream closed",
			err:  NewTransportError(KindStreamClosed, "stdin", nil),
			want: KindStreamClosed,
		},
		{
			name: "correlator timeout",
			err:  NewCorrelatorError(KindTimeout, "textDocument/hover", 7),
			want: KindTimeout,
		},
		{
			name: "wrapped supervisor error",
			err:  fmt.Errorf("ensure ready: %w", NewSupervisorError(KindSpawnFailed, "rust-analyzer", fmt.Errorf("no such file"))),
			want: KindSpawnFailed,
		},
		{
			name: "validation relative path",
			err:  NewValidationError(KindRelativePath, "file_path", "src/main.rs"),
			want: KindRelativePath,
		},
		{
			name: "plain error",
			err:  fmt.Errorf("boom"),
			want: "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestResolveErrorMessages(t *testing.T) {
	err := &ResolveError{
		Kind:      KindOccurrenceOutOfRange,
		File:      "/ws/src/lib.rs",
		Symbol:    "parse",
		Requested: 3,
		Found:     1,
	}
	assert.Contains(t, err.Error(), "occurrence 3")
	assert.Contains(t, err.Error(), "only 1 found")

	amb := &ResolveError{Kind: KindAmbiguousSnippet, File: "/ws/src/lib.rs", Found: 2}
	assert.Contains(t, amb.Error(), "2 locations")
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsTimeout(NewCorrelatorError(KindTimeout, "m", 1)))
	assert.True(t, IsTimeout(NewCheckError(KindCheckTimeout, "/ws", nil)))
	assert.False(t, IsTimeout(NewCorrelatorError(KindSessionClosed, "m", 1)))
	assert.True(t, IsSessionClosed(NewCorrelatorError(KindSessionClosed, "m", 2)))
}

func TestUnwrap(t *testing.T) {
	inner := fmt.Errorf("broken pipe")
	te := NewTransportError(KindStreamClosed, "write", inner)
	assert.ErrorIs(t, te, inner)
}
