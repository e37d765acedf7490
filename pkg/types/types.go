// Package types provides core types and configurations for shipyard
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProfileName names an environment profile
type ProfileName string

const (
	ProfileClient ProfileName = "client"
	ProfileServer ProfileName = "server"
)

// RunMode selects whether the pipeline exits after one build or keeps watching
type RunMode string

const (
	RunModeOnce  RunMode = "once"
	RunModeWatch RunMode = "watch"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// BuildStatus represents the current state of a stage
type BuildStatus string

const (
	BuildStatusIdle      BuildStatus = "idle"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
)

// EventKind classifies a watch event
type EventKind string

const (
	EventAdd    EventKind = "add"
	EventChange EventKind = "change"
	EventError  EventKind = "error"
)

// StageOptions holds per-stage behavior flags
type StageOptions struct {
	StripExtension bool `json:"stripExtension,omitempty" yaml:"stripExtension,omitempty"`
	Executable     bool `json:"executable,omitempty" yaml:"executable,omitempty"`
}

// StageSpec identifies one transformation stage. Immutable once registered.
type StageSpec struct {
	Name           string       `json:"name" yaml:"name"`
	Group          string       `json:"group,omitempty" yaml:"group,omitempty"`
	SourceGlob     string       `json:"sourceGlob" yaml:"sourceGlob"`
	DestinationDir string       `json:"destinationDir" yaml:"destinationDir"`
	Profile        ProfileName  `json:"profile" yaml:"profile"`
	Options        StageOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

// GroupName returns the watch/run group the stage belongs to.
// Stages without an explicit group form a group of their own.
func (s StageSpec) GroupName() string {
	if s.Group != "" {
		return s.Group
	}
	return s.Name
}

// BundleEntry is one row of the declarative bundle table
type BundleEntry struct {
	Package string `json:"package" yaml:"package"`
	// Entry is the module to bundle, relative to node_modules. Empty means
	// the package manifest's main field.
	Entry string `json:"entry,omitempty" yaml:"entry,omitempty"`
}

// BundleSpec describes one bundling job
type BundleSpec struct {
	PackageName string
	EntryPath   string
	TargetDir   string
	// Externals maps package name to its replacement path in the output tree
	Externals map[string]string
}

// ExternalNames returns the sorted external package names
func (b BundleSpec) ExternalNames() []string {
	names := make([]string, 0, len(b.Externals))
	for name := range b.Externals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ArtifactManifest is the generated package.json of a bundled dependency
type ArtifactManifest struct {
	Name    string `json:"name"`
	Main    string `json:"main"`
	Author  any    `json:"author,omitempty"`
	License string `json:"license,omitempty"`
}

// TransformResult is produced once per source file per stage run
type TransformResult struct {
	OutputPath string
	Code       []byte
	SourceMap  []byte
}

// WatchRule maps a source-tree prefix to the stage group that re-runs on change
type WatchRule struct {
	PathPrefix string `json:"pathPrefix" yaml:"pathPrefix"`
	Group      string `json:"group" yaml:"group"`
}

// Matches reports whether a slash-separated relative path lives under the rule's prefix
func (r WatchRule) Matches(relPath string) bool {
	prefix := strings.TrimSuffix(r.PathPrefix, "/") + "/"
	return strings.HasPrefix(relPath, prefix)
}

// CopyJob copies a source (file or glob) into the output tree during Phase A
type CopyJob struct {
	Name        string `json:"name" yaml:"name"`
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
}

// AssetRewrite replaces a reference inside a bundled asset with the
// replacement path of an already-bundled external
type AssetRewrite struct {
	Suffix   string `json:"suffix" yaml:"suffix"`
	From     string `json:"from" yaml:"from"`
	External string `json:"external" yaml:"external"`
}

// Bootstrap is a file whose import placeholder gets a concrete expression
type Bootstrap struct {
	File        string `json:"file" yaml:"file"`
	Token       string `json:"token" yaml:"token"`
	Replacement string `json:"replacement" yaml:"replacement"`
}

// BundleConfig configures Phase A
type BundleConfig struct {
	CompiledDir       string         `json:"compiledDir" yaml:"compiledDir"`
	ReplacementPrefix string         `json:"replacementPrefix" yaml:"replacementPrefix"`
	Packages          []BundleEntry  `json:"packages" yaml:"packages"`
	BaseExternals     []string       `json:"baseExternals,omitempty" yaml:"baseExternals,omitempty"`
	AssetRewrites     []AssetRewrite `json:"assetRewrites,omitempty" yaml:"assetRewrites,omitempty"`
	CopyJobs          []CopyJob      `json:"copyJobs,omitempty" yaml:"copyJobs,omitempty"`
	// ManifestSearch lists directories searched, in order, for
	// node_modules/<pkg>/package.json. Relative entries resolve against the source root.
	ManifestSearch []string `json:"manifestSearch,omitempty" yaml:"manifestSearch,omitempty"`
	Minify         *bool    `json:"minify,omitempty" yaml:"minify,omitempty"`
}

// TransformConfig configures post-processing of transformed code
type TransformConfig struct {
	VersionToken    string      `json:"versionToken" yaml:"versionToken"`
	DeclarationExts []string    `json:"declarationExts,omitempty" yaml:"declarationExts,omitempty"`
	StripPrefixes   []string    `json:"stripPrefixes,omitempty" yaml:"stripPrefixes,omitempty"`
	Bootstraps      []Bootstrap `json:"bootstraps,omitempty" yaml:"bootstraps,omitempty"`
}

// RetryConfig bounds the filesystem resilience layer
type RetryConfig struct {
	Attempts  int `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	BackoffMs int `json:"backoffMs,omitempty" yaml:"backoffMs,omitempty"`
}

// Backoff returns the fixed delay between attempts
func (r RetryConfig) Backoff() time.Duration {
	return time.Duration(r.BackoffMs) * time.Millisecond
}

// WatchConfig configures the watch subscription
type WatchConfig struct {
	SettlingDelay int      `json:"settlingDelay,omitempty" yaml:"settlingDelay,omitempty"`
	Ignore        []string `json:"ignore,omitempty" yaml:"ignore,omitempty"`
}

// CacheConfig sizes the transform cache. Size 0 disables it.
type CacheConfig struct {
	Size int `json:"size" yaml:"size"`
}

// NotificationConfig represents notification settings
type NotificationConfig struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
}

// IsEnabled reports whether notifications are on (default true)
func (n NotificationConfig) IsEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	File  string   `json:"file,omitempty" yaml:"file,omitempty"`
	Level LogLevel `json:"level,omitempty" yaml:"level,omitempty"`
}

// PipelineConfig is the main configuration structure
type PipelineConfig struct {
	Version       string             `json:"version" yaml:"version"`
	SourceRoot    string             `json:"sourceRoot,omitempty" yaml:"sourceRoot,omitempty"`
	OutputRoot    string             `json:"outputRoot" yaml:"outputRoot"`
	Mode          RunMode            `json:"mode,omitempty" yaml:"mode,omitempty"`
	BuildVersion  string             `json:"buildVersion,omitempty" yaml:"buildVersion,omitempty"`
	AppendCommit  bool               `json:"appendCommit,omitempty" yaml:"appendCommit,omitempty"`
	Bundles       BundleConfig       `json:"bundles" yaml:"bundles"`
	Transform     TransformConfig    `json:"transform" yaml:"transform"`
	Stages        []StageSpec        `json:"stages" yaml:"stages"`
	WatchRules    []WatchRule        `json:"watchRules,omitempty" yaml:"watchRules,omitempty"`
	Watch         WatchConfig        `json:"watch,omitempty" yaml:"watch,omitempty"`
	Retry         RetryConfig        `json:"retry,omitempty" yaml:"retry,omitempty"`
	Cache         CacheConfig        `json:"cache,omitempty" yaml:"cache,omitempty"`
	Notifications NotificationConfig `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Logging       LoggingConfig      `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// StageState is the persisted record of a stage's last runs
type StageState struct {
	Stage     string        `json:"stage"`
	Status    BuildStatus   `json:"status"`
	LastRun   time.Time     `json:"lastRun"`
	Duration  time.Duration `json:"duration"`
	Files     int           `json:"files"`
	LastError string        `json:"lastError,omitempty"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
}

// WatchEvent is a single add/change/error notification from a subscription
type WatchEvent struct {
	Kind EventKind
	// Path is relative to the source root, slash separated
	Path string
	Err  error
	Time time.Time
}

func (e WatchEvent) String() string {
	if e.Kind == EventError {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Path)
}
