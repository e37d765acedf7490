package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/shipyard/shipyard/pkg/fsx"
	"github.com/shipyard/shipyard/pkg/types"
)

// ErrNoManifest is returned when no package.json is found for a package
var ErrNoManifest = errors.New("package manifest not found")

// licenseNames are checked in order next to a located manifest
var licenseNames = []string{"LICENSE", "license"}

// PackageInfo is the subset of package.json the bundler needs
type PackageInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Main    string `json:"main"`
	Author  any    `json:"author,omitempty"`
	License any    `json:"license,omitempty"`

	// Dir is the directory containing the manifest
	Dir string `json:"-"`
}

// Locator finds package manifests in an ordered list of directories
type Locator struct {
	fs   *fsx.FS
	dirs []string
}

// NewLocator searches dirs in order. Each dir is searched for
// node_modules/<pkg>/package.json, and for <pkg>/package.json when the dir
// is itself a node_modules directory.
func NewLocator(fs *fsx.FS, dirs []string) *Locator {
	return &Locator{fs: fs, dirs: dirs}
}

// Dirs returns the search order
func (l *Locator) Dirs() []string {
	return append([]string(nil), l.dirs...)
}

// Candidates lists the manifest paths checked for pkg, in order
func (l *Locator) Candidates(pkg string) []string {
	var out []string
	for _, dir := range l.dirs {
		if filepath.Base(dir) == "node_modules" {
			out = append(out, filepath.Join(dir, filepath.FromSlash(pkg), "package.json"))
		}
		out = append(out, filepath.Join(dir, "node_modules", filepath.FromSlash(pkg), "package.json"))
	}
	return out
}

// Locate returns the first manifest found for pkg
func (l *Locator) Locate(pkg string) (*PackageInfo, error) {
	for _, candidate := range l.Candidates(pkg) {
		data, err := l.fs.ReadFile(candidate)
		if err != nil {
			continue
		}
		var info PackageInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("parse %s: %w", candidate, err)
		}
		info.Dir = filepath.Dir(candidate)
		return &info, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoManifest, pkg)
}

// ResolveModule finds node_modules/<module> in the search dirs
func (l *Locator) ResolveModule(module string) (string, bool) {
	for _, dir := range l.dirs {
		candidates := []string{filepath.Join(dir, "node_modules", filepath.FromSlash(module))}
		if filepath.Base(dir) == "node_modules" {
			candidates = append([]string{filepath.Join(dir, filepath.FromSlash(module))}, candidates...)
		}
		for _, c := range candidates {
			if l.fs.Exists(c) {
				return c, true
			}
		}
	}
	return "", false
}

// License returns the path of the first license file next to the manifest
func (l *Locator) License(info *PackageInfo) (string, bool) {
	for _, name := range licenseNames {
		p := filepath.Join(info.Dir, name)
		if l.fs.Exists(p) {
			return p, true
		}
	}
	return "", false
}

// NewArtifactManifest derives the distributed manifest from a package's own
func NewArtifactManifest(info *PackageInfo, main string) types.ArtifactManifest {
	m := types.ArtifactManifest{Name: info.Name, Main: main, Author: info.Author}
	switch lic := info.License.(type) {
	case string:
		m.License = lic
	case map[string]any:
		if t, ok := lic["type"].(string); ok {
			m.License = t
		}
	}
	return m
}

// WriteManifest writes m as indented JSON with a trailing newline
func WriteManifest(ctx context.Context, fs *fsx.FS, targetDir string, m types.ArtifactManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return fs.Write(ctx, filepath.Join(targetDir, "package.json"), append(data, '\n'), 0644)
}
