// Package config handles pipeline configuration loading and validation
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/shipyard/shipyard/pkg/types"
)

// SchemaVersion is the only supported pipeline file version
const SchemaVersion = "1.0"

// FileNames are the pipeline file names looked up in the project root, in order
var FileNames = []string{"shipyard.json", "shipyard.yaml", "shipyard.yml"}

// ErrNoConfig is returned by Find when no pipeline file exists
var ErrNoConfig = errors.New("no pipeline file found")

// Manager handles configuration operations
type Manager struct {
	fs afero.Fs
}

// NewManager creates a configuration manager on the real filesystem
func NewManager() *Manager {
	return &Manager{fs: afero.NewOsFs()}
}

// NewManagerWithFs creates a configuration manager on fs
func NewManagerWithFs(fs afero.Fs) *Manager {
	return &Manager{fs: fs}
}

// Find returns the first pipeline file present in dir
func (m *Manager) Find(dir string) (string, error) {
	for _, name := range FileNames {
		p := filepath.Join(dir, name)
		if ok, _ := afero.Exists(m.fs, p); ok {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoConfig, dir)
}

// Load loads path, or the pipeline file found in root when path is empty.
// Without any file the built-in defaults rooted at root are returned.
func (m *Manager) Load(path, root string) (*types.PipelineConfig, error) {
	if path == "" {
		found, err := m.Find(root)
		if errors.Is(err, ErrNoConfig) {
			cfg := DefaultConfig()
			cfg.SourceRoot = root
			return cfg, m.ValidateConfig(cfg)
		}
		path = found
	}

	return m.LoadConfig(path)
}

// LoadConfig loads configuration from a file. Sections absent from the file
// take their defaults; a relative sourceRoot resolves against the file's directory.
func (m *Manager) LoadConfig(path string) (*types.PipelineConfig, error) {
	data, err := afero.ReadFile(m.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	dir := filepath.Dir(path)
	switch {
	case cfg.SourceRoot == "":
		cfg.SourceRoot = dir
	case !filepath.IsAbs(cfg.SourceRoot):
		cfg.SourceRoot = filepath.Join(dir, cfg.SourceRoot)
	}

	return m.validateConfig(cfg)
}

// Parse decodes a pipeline file body, JSON first then YAML, and applies defaults
func Parse(data []byte) (*types.PipelineConfig, error) {
	var cfg types.PipelineConfig

	if err := json.Unmarshal(data, &cfg); err == nil {
		ApplyDefaults(&cfg)
		return &cfg, nil
	}

	// YAML goes through a generic map so json tags stay the single schema
	var yamlData map[string]interface{}
	if err := yaml.Unmarshal(data, &yamlData); err == nil && yamlData != nil {
		jsonData, err := json.Marshal(yamlData)
		if err == nil {
			if err := json.Unmarshal(jsonData, &cfg); err == nil {
				ApplyDefaults(&cfg)
				return &cfg, nil
			}
		}
	}

	return nil, fmt.Errorf("failed to parse config as JSON or YAML")
}

// ApplyDefaults fills every unset field from DefaultConfig. A nil table takes
// the default table; an explicitly empty one stays empty.
func ApplyDefaults(cfg *types.PipelineConfig) {
	def := DefaultConfig()

	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.OutputRoot == "" {
		cfg.OutputRoot = def.OutputRoot
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}

	b := &cfg.Bundles
	if b.CompiledDir == "" {
		b.CompiledDir = def.Bundles.CompiledDir
	}
	if b.ReplacementPrefix == "" {
		b.ReplacementPrefix = def.Bundles.ReplacementPrefix
	}
	if b.Packages == nil {
		b.Packages = def.Bundles.Packages
		// the default rewrites reference default packages
		if b.AssetRewrites == nil {
			b.AssetRewrites = def.Bundles.AssetRewrites
		}
	}
	if b.BaseExternals == nil {
		b.BaseExternals = def.Bundles.BaseExternals
	}
	if b.CopyJobs == nil {
		b.CopyJobs = def.Bundles.CopyJobs
	}
	if b.ManifestSearch == nil {
		b.ManifestSearch = def.Bundles.ManifestSearch
	}

	tr := &cfg.Transform
	if tr.VersionToken == "" {
		tr.VersionToken = def.Transform.VersionToken
	}
	if tr.DeclarationExts == nil {
		tr.DeclarationExts = def.Transform.DeclarationExts
	}
	if tr.Bootstraps == nil {
		tr.Bootstraps = def.Transform.Bootstraps
	}

	if cfg.Stages == nil {
		cfg.Stages = def.Stages
		if cfg.WatchRules == nil {
			cfg.WatchRules = def.WatchRules
		}
	}
	if cfg.Watch.SettlingDelay == 0 {
		cfg.Watch.SettlingDelay = def.Watch.SettlingDelay
	}
	if cfg.Watch.Ignore == nil {
		cfg.Watch.Ignore = def.Watch.Ignore
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = def.Retry.Attempts
	}
	if cfg.Retry.BackoffMs == 0 {
		cfg.Retry.BackoffMs = def.Retry.BackoffMs
	}
	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = def.Cache.Size
	}
	if cfg.Notifications.Title == "" {
		cfg.Notifications.Title = def.Notifications.Title
	}
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(config *types.PipelineConfig) error {
	if config.Version != SchemaVersion {
		return fmt.Errorf("unsupported config version: %s", config.Version)
	}
	if config.OutputRoot == "" {
		return fmt.Errorf("outputRoot is required")
	}
	switch config.Mode {
	case "", types.RunModeOnce, types.RunModeWatch:
	default:
		return fmt.Errorf("invalid mode: %s", config.Mode)
	}

	if err := validateStages(config.Stages, config.WatchRules); err != nil {
		return err
	}
	if err := validateBundles(config.Bundles); err != nil {
		return err
	}

	switch config.Logging.Level {
	case "", types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
	default:
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}
	if config.Cache.Size < 0 {
		return fmt.Errorf("cache size must not be negative")
	}
	return nil
}

// Private methods

func (m *Manager) validateConfig(cfg *types.PipelineConfig) (*types.PipelineConfig, error) {
	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateStages(stages []types.StageSpec, rules []types.WatchRule) error {
	if len(stages) == 0 {
		return fmt.Errorf("no stages defined")
	}

	names := make(map[string]bool)
	groups := make(map[string]bool)
	for i, s := range stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d: missing name", i)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate stage name: %s", s.Name)
		}
		names[s.Name] = true
		groups[s.GroupName()] = true

		if s.SourceGlob == "" {
			return fmt.Errorf("stage '%s': missing sourceGlob", s.Name)
		}
		if s.DestinationDir == "" {
			return fmt.Errorf("stage '%s': missing destinationDir", s.Name)
		}
		if s.Profile != types.ProfileClient && s.Profile != types.ProfileServer {
			return fmt.Errorf("stage '%s': invalid profile: %s", s.Name, s.Profile)
		}
	}

	if err := types.CheckIsolation(stages); err != nil {
		return err
	}

	for _, r := range rules {
		if r.PathPrefix == "" {
			return fmt.Errorf("watch rule for group '%s': missing pathPrefix", r.Group)
		}
		if !groups[r.Group] {
			return fmt.Errorf("watch rule '%s': unknown group: %s", r.PathPrefix, r.Group)
		}
	}
	return nil
}

func validateBundles(b types.BundleConfig) error {
	packages := make(map[string]bool)
	for i, e := range b.Packages {
		if e.Package == "" {
			return fmt.Errorf("bundle %d: missing package", i)
		}
		if packages[e.Package] {
			return fmt.Errorf("duplicate bundle package: %s", e.Package)
		}
		packages[e.Package] = true
	}

	for i, j := range b.CopyJobs {
		if j.Source == "" || j.Destination == "" {
			return fmt.Errorf("copy job %d: source and destination are required", i)
		}
	}

	for _, r := range b.AssetRewrites {
		if r.Suffix == "" || r.From == "" {
			return fmt.Errorf("asset rewrite for '%s': suffix and from are required", r.External)
		}
		if !packages[r.External] {
			return fmt.Errorf("asset rewrite '%s': %s is not a bundled package", r.Suffix, r.External)
		}
	}
	return nil
}
