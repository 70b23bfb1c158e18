package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	raberrors "github.com/rablabs/rab/internal/errors"
)

const sampleManifest = `
[package]
name = "demo"
version = "0.3.1"
edition = "2021"

[dependencies]
serde = { version = "1.0", features = ["derive"] }
anyhow = "1.0"
local-util = { path = "../util" }
tracing = { version = "0.1", optional = true }

[dev-dependencies]
proptest = "1.4"

[features]
default = ["tracing"]
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "Cargo.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, sampleManifest)

	m, err := Load(path)
	require.NoError(t, err)

	require.NotNil(t, m.Package)
	assert.Equal(t, "demo", m.Package.Name)
	assert.Equal(t, "0.3.1", m.Package.Version)
	assert.Equal(t, "2021", m.Package.Edition)

	// Dependencies are sorted by name for reproducible output.
	require.Len(t, m.Dependencies, 4)
	assert.Equal(t, "anyhow", m.Dependencies[0].Name)
	assert.Equal(t, "1.0", m.Dependencies[0].Version)

	assert.Equal(t, "local-util", m.Dependencies[1].Name)
	assert.Equal(t, "../util", m.Dependencies[1].Path)

	assert.Equal(t, "serde", m.Dependencies[2].Name)
	assert.Equal(t, []string{"derive"}, m.Dependencies[2].Features)

	assert.Equal(t, "tracing", m.Dependencies[3].Name)
	assert.True(t, m.Dependencies[3].Optional)

	require.Len(t, m.DevDependencies, 1)
	assert.Equal(t, "proptest", m.DevDependencies[0].Name)

	assert.Equal(t, []string{"tracing"}, m.Features["default"])
}

func TestLoadAcceptsDirectory(t *testing.T) {
	path := writeManifest(t, sampleManifest)
	m, err := Load(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, "demo", m.Package.Name)
}

func TestLoadWorkspaceManifest(t *testing.T) {
	path := writeManifest(t, `
[workspace]
members = ["crates/core", "crates/cli"]
`)
	m, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, m.Package)
	assert.Equal(t, []string{"crates/core", "crates/cli"}, m.WorkspaceMembers)
}

func TestLoadRejectsRelativePath(t *testing.T) {
	_, err := Load("Cargo.toml")
	assert.Equal(t, raberrors.KindRelativePath, raberrors.KindOf(err))
}

func TestLoadRejectsBrokenToml(t *testing.T) {
	path := writeManifest(t, "[package\nname=")
	_, err := Load(path)
	assert.Error(t, err)
}
