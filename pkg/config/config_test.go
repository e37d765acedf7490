package config_test

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/shipyard/shipyard/pkg/config"
	"github.com/shipyard/shipyard/pkg/types"
)

func write(t *testing.T, fs afero.Fs, path string, data []byte) {
	t.Helper()
	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadConfig_JSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	configPath := "/repo/packages/next/shipyard.json"

	testConfig := map[string]interface{}{
		"version":    "1.0",
		"outputRoot": "out",
		"stages": []map[string]interface{}{
			{
				"name":           "lib",
				"sourceGlob":     "lib/**/*.ts",
				"destinationDir": "out/lib",
				"profile":        "server",
			},
		},
		"watchRules": []map[string]interface{}{
			{"pathPrefix": "lib/", "group": "lib"},
		},
	}
	data, _ := json.Marshal(testConfig)
	write(t, fs, configPath, data)

	cfg, err := config.NewManagerWithFs(fs).LoadConfig(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.OutputRoot != "out" {
		t.Errorf("expected output root out, got %s", cfg.OutputRoot)
	}
	if len(cfg.Stages) != 1 || cfg.Stages[0].Name != "lib" {
		t.Errorf("expected the single lib stage, got %+v", cfg.Stages)
	}
	if cfg.SourceRoot != "/repo/packages/next" {
		t.Errorf("expected source root to default to the config dir, got %s", cfg.SourceRoot)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	fs := afero.NewMemMapFs()
	configPath := "/repo/shipyard.yaml"

	testConfig := map[string]interface{}{
		"version":    "1.0",
		"sourceRoot": "packages/next",
		"stages": []map[string]interface{}{
			{
				"name":           "bin",
				"sourceGlob":     "bin/*",
				"destinationDir": "dist/bin",
				"profile":        "server",
				"options":        map[string]interface{}{"stripExtension": true, "executable": true},
			},
		},
		"bundles": map[string]interface{}{
			"packages": []map[string]interface{}{{"package": "arg"}},
			"copyJobs": []interface{}{},
		},
	}
	data, _ := yaml.Marshal(testConfig)
	write(t, fs, configPath, data)

	cfg, err := config.NewManagerWithFs(fs).LoadConfig(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.SourceRoot != filepath.Join("/repo", "packages/next") {
		t.Errorf("expected relative source root resolved against the config dir, got %s", cfg.SourceRoot)
	}
	if !cfg.Stages[0].Options.Executable || !cfg.Stages[0].Options.StripExtension {
		t.Errorf("expected stage options to be decoded, got %+v", cfg.Stages[0].Options)
	}
	if len(cfg.Bundles.Packages) != 1 {
		t.Errorf("expected 1 bundle, got %d", len(cfg.Bundles.Packages))
	}
	if cfg.Bundles.CopyJobs == nil || len(cfg.Bundles.CopyJobs) != 0 {
		t.Errorf("expected explicitly empty copy jobs to stay empty, got %v", cfg.Bundles.CopyJobs)
	}
	if len(cfg.Bundles.AssetRewrites) != 0 {
		t.Errorf("expected no default asset rewrites with a custom bundle table, got %v", cfg.Bundles.AssetRewrites)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	fs := afero.NewMemMapFs()
	manager := config.NewManagerWithFs(fs)

	if _, err := manager.LoadConfig("/missing/shipyard.json"); err == nil {
		t.Error("expected error for missing file")
	}

	write(t, fs, "/bad/shipyard.json", []byte("{ not: [valid"))
	if _, err := manager.LoadConfig("/bad/shipyard.json"); err == nil {
		t.Error("expected parse error")
	}
}

func TestParse_MissingSectionsTakeDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(`{"version": "1.0"}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	def := config.DefaultConfig()
	if len(cfg.Stages) != len(def.Stages) {
		t.Errorf("expected %d default stages, got %d", len(def.Stages), len(cfg.Stages))
	}
	if len(cfg.WatchRules) != len(def.WatchRules) {
		t.Errorf("expected default watch rules, got %d", len(cfg.WatchRules))
	}
	if cfg.Watch.SettlingDelay != 100 {
		t.Errorf("expected settling delay 100, got %d", cfg.Watch.SettlingDelay)
	}
	if cfg.Transform.VersionToken != "process.env.__NEXT_VERSION" {
		t.Errorf("unexpected version token %q", cfg.Transform.VersionToken)
	}
	if cfg.Mode != types.RunModeOnce {
		t.Errorf("expected once mode, got %s", cfg.Mode)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if err := config.NewManager().ValidateConfig(cfg); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if len(cfg.Bundles.Packages) != 48 {
		t.Errorf("expected 48 bundled packages, got %d", len(cfg.Bundles.Packages))
	}
	if len(cfg.Bundles.BaseExternals) != 17 {
		t.Errorf("expected 17 base externals, got %d", len(cfg.Bundles.BaseExternals))
	}

	var bin *types.StageSpec
	groups := map[string]int{}
	for i, s := range cfg.Stages {
		groups[s.GroupName()]++
		if s.Name == "bin" {
			bin = &cfg.Stages[i]
		}
	}
	if bin == nil || !bin.Options.Executable || !bin.Options.StripExtension {
		t.Errorf("expected an executable bin stage, got %+v", bin)
	}
	if groups["pages"] != 3 {
		t.Errorf("expected 3 stages in the pages group, got %d", groups["pages"])
	}
	if len(cfg.WatchRules) != len(groups) {
		t.Errorf("expected one watch rule per group, got %d rules for %d groups", len(cfg.WatchRules), len(groups))
	}

	for _, s := range cfg.Stages {
		if s.Name == "client" && s.Profile != types.ProfileClient {
			t.Errorf("client stage must use the client profile")
		}
	}
}

func TestValidateConfig(t *testing.T) {
	manager := config.NewManager()

	tests := []struct {
		name    string
		mutate  func(*types.PipelineConfig)
		wantErr string
	}{
		{
			name:    "unsupported version",
			mutate:  func(c *types.PipelineConfig) { c.Version = "2.0" },
			wantErr: "unsupported config version",
		},
		{
			name:    "no stages",
			mutate:  func(c *types.PipelineConfig) { c.Stages = nil; c.WatchRules = nil },
			wantErr: "no stages defined",
		},
		{
			name:    "duplicate stage",
			mutate:  func(c *types.PipelineConfig) { c.Stages = append(c.Stages, c.Stages[1]) },
			wantErr: "duplicate stage name",
		},
		{
			name:    "unknown profile",
			mutate:  func(c *types.PipelineConfig) { c.Stages[1].Profile = "browser" },
			wantErr: "invalid profile",
		},
		{
			name: "nested destinations",
			mutate: func(c *types.PipelineConfig) {
				c.Stages = append(c.Stages, types.StageSpec{
					Name: "polyfills", SourceGlob: "polyfills/*.js", DestinationDir: "dist/build/polyfills", Profile: types.ProfileClient,
				})
			},
			wantErr: "overlap",
		},
		{
			name: "rule for unknown group",
			mutate: func(c *types.PipelineConfig) {
				c.WatchRules = append(c.WatchRules, types.WatchRule{PathPrefix: "amp/", Group: "amp"})
			},
			wantErr: "unknown group",
		},
		{
			name:    "empty bundle entry",
			mutate:  func(c *types.PipelineConfig) { c.Bundles.Packages = append(c.Bundles.Packages, types.BundleEntry{}) },
			wantErr: "missing package",
		},
		{
			name: "duplicate bundle",
			mutate: func(c *types.PipelineConfig) {
				c.Bundles.Packages = append(c.Bundles.Packages, types.BundleEntry{Package: "chalk"})
			},
			wantErr: "duplicate bundle package",
		},
		{
			name: "rewrite of unbundled package",
			mutate: func(c *types.PipelineConfig) {
				c.Bundles.AssetRewrites[0].External = "uglify-js"
			},
			wantErr: "not a bundled package",
		},
		{
			name:    "invalid mode",
			mutate:  func(c *types.PipelineConfig) { c.Mode = "forever" },
			wantErr: "invalid mode",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *types.PipelineConfig) { c.Logging.Level = "trace" },
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)

			err := manager.ValidateConfig(cfg)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestManager_FindAndLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	manager := config.NewManagerWithFs(fs)

	if _, err := manager.Find("/project"); err == nil {
		t.Error("expected ErrNoConfig")
	}

	cfg, err := manager.Load("", "/project")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.SourceRoot != "/project" {
		t.Errorf("expected defaults rooted at /project, got %s", cfg.SourceRoot)
	}

	write(t, fs, "/project/shipyard.yml", []byte("version: \"1.0\"\noutputRoot: build-out\n"))
	found, err := manager.Find("/project")
	if err != nil || found != "/project/shipyard.yml" {
		t.Fatalf("expected shipyard.yml to be found, got %q (%v)", found, err)
	}

	cfg, err = manager.Load("", "/project")
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.OutputRoot != "build-out" {
		t.Errorf("expected outputRoot from the file, got %s", cfg.OutputRoot)
	}
}
