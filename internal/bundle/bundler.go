package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shipyard/shipyard/pkg/fsx"
	"github.com/shipyard/shipyard/pkg/logger"
	"github.com/shipyard/shipyard/pkg/types"
	"github.com/shipyard/shipyard/pkg/utils"
)

// ErrEntryNotFound is returned when a bundle entry module cannot be resolved
var ErrEntryNotFound = errors.New("bundle entry not found")

// Output is what a bundler collaborator produces for one entry
type Output struct {
	Code []byte
	// Assets maps slash-separated paths relative to the target directory to contents
	Assets map[string][]byte
}

// Bundler packages an entry module and its dependency graph into one
// artifact, leaving every name in externals as an unresolved reference
type Bundler interface {
	Bundle(ctx context.Context, entryPath string, externals []string) (Output, error)
}

// Artifact describes what a bundle job wrote
type Artifact struct {
	TargetDir string
	MainFile  string
	// Files lists written paths in write order
	Files    []string
	Manifest *types.ArtifactManifest
	Duration time.Duration
}

// Service runs bundle jobs against a Bundler collaborator
type Service struct {
	fs       *fsx.FS
	bundler  Bundler
	locator  *Locator
	rewrites []types.AssetRewrite
	logger   logger.Logger
}

// NewService creates a bundling service
func NewService(fs *fsx.FS, b Bundler, locator *Locator, rewrites []types.AssetRewrite, log logger.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{fs: fs, bundler: b, locator: locator, rewrites: rewrites, logger: log}
}

// Locator returns the manifest locator
func (s *Service) Locator() *Locator { return s.locator }

// ResolveEntry turns a table row into an absolute entry path. An explicit
// entry is looked up under node_modules; otherwise the package manifest's
// main field is used, defaulting to index.js. A package without a
// manifest resolves to its directory's index.js.
func (s *Service) ResolveEntry(entry types.BundleEntry) (string, error) {
	if entry.Entry != "" {
		if p, ok := s.locator.ResolveModule(entry.Entry); ok {
			return s.withScriptExt(p), nil
		}
		if p, ok := s.locator.ResolveModule(entry.Entry + ".js"); ok {
			return p, nil
		}
		return "", fmt.Errorf("%w: %s", ErrEntryNotFound, entry.Entry)
	}

	info, err := s.locator.Locate(entry.Package)
	if errors.Is(err, ErrNoManifest) {
		if p, ok := s.locator.ResolveModule(entry.Package); ok {
			return s.withScriptExt(p), nil
		}
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrEntryNotFound, entry.Package, err)
	}
	main := info.Main
	if main == "" {
		main = "index.js"
	}
	return s.withScriptExt(filepath.Join(info.Dir, filepath.FromSlash(main))), nil
}

func (s *Service) withScriptExt(p string) string {
	if info, err := s.fs.Fs().Stat(p); err == nil {
		if info.IsDir() {
			return filepath.Join(p, "index.js")
		}
		return p
	}
	if s.fs.Exists(p + ".js") {
		return p + ".js"
	}
	return p
}

// Bundle runs one job: invoke the bundler, rewrite assets, then write the
// manifest, license, main file and assets into spec.TargetDir. A missing
// manifest is a warning; a bundler failure is returned.
func (s *Service) Bundle(ctx context.Context, spec types.BundleSpec) (Artifact, error) {
	start := time.Now()
	name := spec.PackageName
	if name == "" {
		name = filepath.Base(spec.EntryPath)
	}
	log := s.logger.WithStage(name)

	externals := spec.ExternalNames()
	if spec.PackageName != "" {
		externals = without(externals, spec.PackageName)
	}

	log.Debug("Bundling", logger.WithField("entry", spec.EntryPath), logger.WithField("externals", len(externals)))

	out, err := s.bundler.Bundle(ctx, spec.EntryPath, externals)
	if err != nil {
		log.Error("Bundle failed", logger.WithField("entry", spec.EntryPath), logger.WithError(err))
		return Artifact{}, fmt.Errorf("bundle %s: %w", name, err)
	}

	art := Artifact{
		TargetDir: spec.TargetDir,
		MainFile:  filepath.Base(spec.EntryPath),
	}

	if spec.PackageName != "" {
		if err := s.writeManifest(ctx, spec, art.MainFile, &art, log); err != nil {
			return art, err
		}
	}

	mainPath := filepath.Join(spec.TargetDir, art.MainFile)
	if err := s.fs.Write(ctx, mainPath, out.Code, 0644); err != nil {
		return art, err
	}
	art.Files = append(art.Files, mainPath)

	for _, key := range sortedKeys(out.Assets) {
		data := s.rewriteAsset(key, out.Assets[key], spec.Externals, log)
		p := filepath.Join(spec.TargetDir, filepath.FromSlash(key))
		if err := s.fs.Write(ctx, p, data, 0644); err != nil {
			return art, err
		}
		art.Files = append(art.Files, p)
	}

	art.Duration = time.Since(start)
	log.Success("Bundled", logger.WithField("target", spec.TargetDir), logger.WithField("files", len(art.Files)))
	return art, nil
}

func (s *Service) writeManifest(ctx context.Context, spec types.BundleSpec, mainFile string, art *Artifact, log logger.Logger) error {
	info, err := s.locator.Locate(spec.PackageName)
	if errors.Is(err, ErrNoManifest) {
		log.Warn("No package manifest found, skipping package.json",
			logger.WithField("package", spec.PackageName))
		return nil
	}
	if err != nil {
		return err
	}

	m := NewArtifactManifest(info, utils.StripExt(mainFile))
	if err := WriteManifest(ctx, s.fs, spec.TargetDir, m); err != nil {
		return err
	}
	art.Manifest = &m
	art.Files = append(art.Files, filepath.Join(spec.TargetDir, "package.json"))

	if lic, ok := s.locator.License(info); ok {
		dst := filepath.Join(spec.TargetDir, "LICENSE")
		if err := s.fs.Copy(ctx, lic, dst); err != nil {
			return err
		}
		art.Files = append(art.Files, dst)
	}
	return nil
}

// rewriteAsset applies the configured reference rewrites to one asset
func (s *Service) rewriteAsset(key string, data []byte, externals map[string]string, log logger.Logger) []byte {
	for _, rule := range s.rewrites {
		if !strings.HasSuffix(path.Clean(key), rule.Suffix) {
			continue
		}
		replacement, ok := externals[rule.External]
		if !ok {
			log.Warn("Asset rewrite target is not a known external",
				logger.WithField("asset", key),
				logger.WithField("external", rule.External))
			continue
		}
		data = bytes.ReplaceAll(data, []byte(rule.From), []byte(fmt.Sprintf("require(%q)", replacement)))
	}
	return data
}

func without(names []string, self string) []string {
	out := names[:0:0]
	for _, n := range names {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
