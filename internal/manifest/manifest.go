// Package manifest reads Cargo manifests so tool callers can inspect a
// workspace's crates and dependencies without shelling out to cargo.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"

	raberrors "github.com/rablabs/rab/internal/errors"
)

// Dependency is one resolved dependency entry, normalized across the string
// ("1.0") and table ({ version = "1.0", features = [...] }) manifest forms.
type Dependency struct {
	Name     string   `json:"name"`
	Version  string   `json:"version,omitempty"`
	Path     string   `json:"path,omitempty"`
	Git      string   `json:"git,omitempty"`
	Features []string `json:"features,omitempty"`
	Optional bool     `json:"optional"`
}

// Package is the [package] section.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Edition string `json:"edition,omitempty"`
}

// Manifest is the analyzed form of one Cargo.toml.
type Manifest struct {
	Path             string       `json:"path"`
	Package          *Package     `json:"package,omitempty"`
	WorkspaceMembers []string     `json:"workspace_members,omitempty"`
	Dependencies     []Dependency `json:"dependencies,omitempty"`
	DevDependencies  []Dependency `json:"dev_dependencies,omitempty"`
	BuildDependencies []Dependency `json:"build_dependencies,omitempty"`
	Features         map[string][]string `json:"features,omitempty"`
}

// rawManifest mirrors the TOML document; dependency values stay untyped until
// normalization because cargo permits both string and table forms.
type rawManifest struct {
	Package *struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
		Edition string `toml:"edition"`
	} `toml:"package"`
	Workspace *struct {
		Members []string `toml:"members"`
	} `toml:"workspace"`
	Dependencies      map[string]interface{} `toml:"dependencies"`
	DevDependencies   map[string]interface{} `toml:"dev-dependencies"`
	BuildDependencies map[string]interface{} `toml:"build-dependencies"`
	Features          map[string][]string    `toml:"features"`
}

// Load parses the Cargo.toml at path. Path must be absolute and may point at
// either the manifest file itself or its containing directory.
func Load(path string) (*Manifest, error) {
	if !filepath.IsAbs(path) {
		return nil, raberrors.NewValidationError(raberrors.KindRelativePath, "file_path", path)
	}
	if filepath.Base(path) != "Cargo.toml" {
		path = filepath.Join(path, "Cargo.toml")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var raw rawManifest
	if err := toml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	m := &Manifest{
		Path:              path,
		Dependencies:      normalizeDeps(raw.Dependencies),
		DevDependencies:   normalizeDeps(raw.DevDependencies),
		BuildDependencies: normalizeDeps(raw.BuildDependencies),
		Features:          raw.Features,
	}
	if raw.Package != nil {
		m.Package = &Package{Name: raw.Package.Name, Version: raw.Package.Version, Edition: raw.Package.Edition}
	}
	if raw.Workspace != nil {
		m.WorkspaceMembers = raw.Workspace.Members
	}
	return m, nil
}

// normalizeDeps flattens the two manifest dependency forms and sorts by name
// so repeated analyses of the same manifest are byte-identical.
func normalizeDeps(raw map[string]interface{}) []Dependency {
	if len(raw) == 0 {
		return nil
	}
	deps := make([]Dependency, 0, len(raw))
	for name, value := range raw {
		dep := Dependency{Name: name}
		switch v := value.(type) {
		case string:
			dep.Version = v
		case map[string]interface{}:
			if s, ok := v["version"].(string); ok {
				dep.Version = s
			}
			if s, ok := v["path"].(string); ok {
				dep.Path = s
			}
			if s, ok := v["git"].(string); ok {
				dep.Git = s
			}
			if b, ok := v["optional"].(bool); ok {
				dep.Optional = b
			}
			if list, ok := v["features"].([]interface{}); ok {
				for _, f := range list {
					if s, ok := f.(string); ok {
						dep.Features = append(dep.Features, s)
					}
				}
			}
		}
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps
}
