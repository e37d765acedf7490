package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shipyard/shipyard/internal/bundle"
	"github.com/shipyard/shipyard/internal/metrics"
	"github.com/shipyard/shipyard/internal/state"
	"github.com/shipyard/shipyard/internal/transform"
	"github.com/shipyard/shipyard/internal/version"
	pcontext "github.com/shipyard/shipyard/pkg/context"
	"github.com/shipyard/shipyard/pkg/fsx"
	"github.com/shipyard/shipyard/pkg/logger"
	"github.com/shipyard/shipyard/pkg/notifier"
	"github.com/shipyard/shipyard/pkg/types"
	"github.com/shipyard/shipyard/pkg/utils"
)

// Phase names used in logs, context and metrics
const (
	PhaseBundle    = "bundle"
	PhaseTransform = "transform"
)

// executableMode is applied to every output of an executable stage
const executableMode = 0755

// BuildOptions selects the build flavor
type BuildOptions struct {
	// Release clears the whole output root before bundling
	Release bool
}

// Scheduler runs Phase A (bundling) to completion, then Phase B
// (transformation)
type Scheduler struct {
	cfg         *types.PipelineConfig
	root        string
	outputRoot  string
	compiledDir string
	version     string

	fs       *fsx.FS
	registry *Registry
	engine   *transform.Engine
	bundles  *bundle.Service
	state    *state.Manager
	metrics  metrics.Recorder
	notifier notifier.Notifier
	logger   logger.Logger
}

// NewScheduler wires a scheduler from configuration and collaborators
func NewScheduler(cfg *types.PipelineConfig, deps Dependencies, log logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.Discard()
	}
	if deps.FS == nil || deps.Transformer == nil || deps.Bundler == nil {
		return nil, errors.New("scheduler requires a filesystem, a transformer and a bundler")
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopRecorder{}
	}

	root := cfg.SourceRoot
	if root == "" {
		root = "."
	}
	if deps.State == nil {
		deps.State = state.NewManager(deps.FS, root, log)
	}

	registry, err := NewRegistry(cfg.Stages, cfg.WatchRules)
	if err != nil {
		return nil, err
	}

	v, err := version.Resolve(deps.FS.Fs(), root, version.Options{
		Override:     cfg.BuildVersion,
		AppendCommit: cfg.AppendCommit,
	}, log)
	if err != nil {
		return nil, err
	}

	compiled := cfg.Bundles.CompiledDir
	if compiled == "" {
		compiled = "compiled"
	}

	locator := bundle.NewLocator(deps.FS, searchDirs(root, cfg.Bundles.ManifestSearch, deps.WorkingDir))

	s := &Scheduler{
		cfg:         cfg,
		root:        root,
		outputRoot:  filepath.Join(root, filepath.FromSlash(cfg.OutputRoot)),
		compiledDir: filepath.Join(root, filepath.FromSlash(compiled)),
		version:     v,
		fs:          deps.FS,
		registry:    registry,
		bundles:     bundle.NewService(deps.FS, deps.Bundler, locator, cfg.Bundles.AssetRewrites, log),
		state:       deps.State,
		metrics:     deps.Metrics,
		notifier:    deps.Notifier,
		logger:      log,
	}
	s.engine = transform.NewEngine(deps.FS, deps.Transformer, deps.Notifier, log, transform.Config{
		SourceRoot: root,
		Version:    v,
		Settings:   cfg.Transform,
	})
	return s, nil
}

// searchDirs resolves manifest search entries against root and inserts the
// working directory after the first entry
func searchDirs(root string, configured []string, workDir string) []string {
	if len(configured) == 0 {
		configured = []string{"."}
	}
	dirs := make([]string, 0, len(configured)+1)
	add := func(d string) {
		for _, existing := range dirs {
			if existing == d {
				return
			}
		}
		dirs = append(dirs, d)
	}
	for i, c := range configured {
		if filepath.IsAbs(c) {
			add(filepath.Clean(c))
		} else {
			add(filepath.Join(root, filepath.FromSlash(c)))
		}
		if i == 0 && workDir != "" {
			add(filepath.Clean(workDir))
		}
	}
	return dirs
}

// Registry returns the stage registry
func (s *Scheduler) Registry() *Registry { return s.registry }

// Version returns the resolved build version
func (s *Scheduler) Version() string { return s.version }

// State returns the stage state manager
func (s *Scheduler) State() *state.Manager { return s.state }

// Config returns the pipeline configuration
func (s *Scheduler) Config() *types.PipelineConfig { return s.cfg }

// Root returns the source root
func (s *Scheduler) Root() string { return s.root }

// Build runs a full build: Phase A fully, then Phase B fully
func (s *Scheduler) Build(ctx context.Context, opts BuildOptions) error {
	ctx = pcontext.EnrichContext(ctx)
	log := logger.WithContext(ctx, s.logger)
	start := time.Now()

	log.Info("Starting build",
		logger.WithField("version", s.version),
		logger.WithField("release", opts.Release))

	err := s.build(ctx, opts)
	if err != nil {
		s.metrics.IncBuildOutcome(metrics.OutcomeFailed)
		log.Error("Build failed", logger.WithError(err))
		s.notifier.Notify("Build failed", err)
		return err
	}

	s.metrics.IncBuildOutcome(metrics.OutcomeSuccess)
	log.Success("Build complete", logger.WithField("duration", notifier.FormatDuration(time.Since(start))))
	return nil
}

func (s *Scheduler) build(ctx context.Context, opts BuildOptions) error {
	if opts.Release {
		s.logger.Info("Clearing output root", logger.WithField("path", s.outputRoot))
		if err := s.fs.RemoveAll(ctx, s.outputRoot); err != nil {
			return err
		}
	}
	if err := s.PhaseA(ctx); err != nil {
		return err
	}
	return s.PhaseB(ctx)
}

// BundleOnly runs Phase A alone
func (s *Scheduler) BundleOnly(ctx context.Context) error {
	ctx = pcontext.EnrichContext(ctx)
	if err := s.PhaseA(ctx); err != nil {
		s.metrics.IncBuildOutcome(metrics.OutcomeFailed)
		return err
	}
	s.metrics.IncBuildOutcome(metrics.OutcomeSuccess)
	return nil
}

// Clean removes the output root, the compiled directory and stage state
func (s *Scheduler) Clean(ctx context.Context) error {
	for _, dir := range []string{s.outputRoot, s.compiledDir} {
		if err := s.fs.RemoveAll(ctx, dir); err != nil {
			return err
		}
		s.logger.Info("Removed", logger.WithField("path", dir))
	}
	return s.state.Clear(ctx)
}

// PhaseA bundles every dependency concurrently, then runs the copy jobs
// concurrently. The externals set is computed for all bundles up front and
// frozen, so every job sees the same snapshot minus itself.
func (s *Scheduler) PhaseA(ctx context.Context) error {
	ctx = pcontext.WithPhase(ctx, PhaseBundle)
	start := time.Now()
	defer func() { s.metrics.ObservePhaseDuration(PhaseBundle, time.Since(start)) }()

	if err := s.fs.RemoveAll(ctx, s.compiledDir); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(ctx, s.compiledDir); err != nil {
		return err
	}

	externals, err := s.externals()
	if err != nil {
		return err
	}

	s.logger.Info("Bundling dependencies",
		logger.WithField("packages", len(s.cfg.Bundles.Packages)),
		logger.WithField("externals", externals.Len()))

	g, _ := NewSafeGroup(ctx, s.logger)
	for _, entry := range s.cfg.Bundles.Packages {
		g.Go(entry.Package, func(ctx context.Context) error {
			return s.bundleOne(ctx, entry, externals)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("bundling phase: %w", err)
	}

	g, _ = NewSafeGroup(ctx, s.logger)
	for _, job := range s.cfg.Bundles.CopyJobs {
		g.Go(job.Name, func(ctx context.Context) error {
			return s.copyJob(ctx, job)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("bundling phase: %w", err)
	}

	s.logger.Success("Bundling phase complete",
		logger.WithField("duration", notifier.FormatDuration(time.Since(start))))
	return nil
}

func (s *Scheduler) externals() (*bundle.Registry, error) {
	reg := bundle.NewRegistry(s.cfg.Bundles.BaseExternals)
	prefix := strings.TrimSuffix(s.cfg.Bundles.ReplacementPrefix, "/")
	for _, entry := range s.cfg.Bundles.Packages {
		replacement := entry.Package
		if prefix != "" {
			replacement = prefix + "/" + entry.Package
		}
		if err := reg.Register(entry.Package, replacement); err != nil {
			return nil, err
		}
	}
	reg.Freeze()
	return reg, nil
}

func (s *Scheduler) bundleOne(ctx context.Context, entry types.BundleEntry, externals *bundle.Registry) error {
	start := time.Now()
	label := PhaseBundle + "/" + entry.Package

	entryPath, err := s.bundles.ResolveEntry(entry)
	if err == nil {
		_, err = s.bundles.Bundle(ctx, types.BundleSpec{
			PackageName: entry.Package,
			EntryPath:   entryPath,
			TargetDir:   filepath.Join(s.compiledDir, filepath.FromSlash(entry.Package)),
			Externals:   externals.Snapshot(entry.Package),
		})
	}

	s.metrics.ObserveStageDuration(label, time.Since(start))
	if err != nil {
		s.metrics.IncStageResult(label, metrics.ResultFatal)
		return err
	}
	s.metrics.IncStageResult(label, metrics.ResultSuccess)
	return nil
}

// copyJob copies a single file to the destination path, or every glob match
// into the destination directory keeping paths relative to the glob base
func (s *Scheduler) copyJob(ctx context.Context, job types.CopyJob) error {
	log := s.logger.WithStage(job.Name)
	dest := filepath.Join(s.root, filepath.FromSlash(job.Destination))

	if !utils.IsGlobPattern(job.Source) {
		src, ok := s.copySource(job.Source)
		if !ok {
			log.Warn("Copy source not found", logger.WithField("source", job.Source))
			return nil
		}
		if err := s.fs.Copy(ctx, src, dest); err != nil {
			return fmt.Errorf("copy %s: %w", job.Name, err)
		}
		log.Info("Copied", logger.WithField("destination", job.Destination))
		return nil
	}

	files, err := utils.Glob(s.fs.Fs(), s.root, job.Source)
	if err != nil {
		return fmt.Errorf("copy %s: %w", job.Name, err)
	}
	if len(files) == 0 {
		log.Warn("No files matched", logger.WithField("glob", job.Source))
		return nil
	}

	base := utils.StaticBase(job.Source)
	for _, f := range files {
		rel := f
		if base != "" {
			rel = strings.TrimPrefix(f, base+"/")
		}
		src := filepath.Join(s.root, filepath.FromSlash(f))
		if err := s.fs.Copy(ctx, src, filepath.Join(dest, filepath.FromSlash(rel))); err != nil {
			return fmt.Errorf("copy %s: %w", job.Name, err)
		}
	}
	log.Info("Copied", logger.WithField("files", len(files)), logger.WithField("destination", job.Destination))
	return nil
}

// copySource resolves a literal copy source: a path under the source root,
// or else a package name resolved through its manifest
func (s *Scheduler) copySource(source string) (string, bool) {
	p := filepath.Join(s.root, filepath.FromSlash(source))
	if s.fs.Exists(p) {
		return p, true
	}
	entry, err := s.bundles.ResolveEntry(types.BundleEntry{Package: source})
	if err != nil || !s.fs.Exists(entry) {
		return "", false
	}
	return entry, true
}

// PhaseB runs every transformation stage concurrently
func (s *Scheduler) PhaseB(ctx context.Context) error {
	ctx = pcontext.WithPhase(ctx, PhaseTransform)
	start := time.Now()
	defer func() { s.metrics.ObservePhaseDuration(PhaseTransform, time.Since(start)) }()

	if err := s.runStages(ctx, s.registry.Stages()); err != nil {
		return fmt.Errorf("transformation phase: %w", err)
	}

	s.logger.Success("Transformation phase complete",
		logger.WithField("stages", len(s.registry.Stages())),
		logger.WithField("duration", notifier.FormatDuration(time.Since(start))))
	return nil
}

// RunGroup re-runs every stage of one group
func (s *Scheduler) RunGroup(ctx context.Context, group string) error {
	stages, err := s.registry.Group(group)
	if err != nil {
		return err
	}
	return s.runStages(pcontext.WithPhase(ctx, PhaseTransform), stages)
}

func (s *Scheduler) runStages(ctx context.Context, stages []types.StageSpec) error {
	g, _ := NewSafeGroup(ctx, s.logger)
	for _, stage := range stages {
		g.Go(stage.Name, func(ctx context.Context) error {
			_, err := s.RunStage(ctx, stage)
			return err
		})
	}
	return g.Wait()
}

// RunStage runs one stage, marks executable outputs and records state and metrics
func (s *Scheduler) RunStage(ctx context.Context, stage types.StageSpec) (transform.Report, error) {
	ctx = pcontext.WithStage(ctx, stage.Name)
	start := time.Now()

	if err := s.state.BeginStage(ctx, stage.Name); err != nil {
		s.logger.Warn("Failed to record stage start", logger.WithField("stage", stage.Name), logger.WithError(err))
	}

	report, err := s.engine.RunStage(ctx, stage)
	if err == nil && stage.Options.Executable && !report.Empty {
		err = s.markExecutable(ctx, stage)
	}

	elapsed := time.Since(start)
	if serr := s.state.FinishStage(ctx, stage.Name, report.Files, elapsed, err); serr != nil {
		s.logger.Warn("Failed to record stage result", logger.WithField("stage", stage.Name), logger.WithError(serr))
	}

	s.metrics.ObserveStageDuration(stage.Name, elapsed)
	switch {
	case err != nil:
		s.metrics.IncStageResult(stage.Name, metrics.ResultFatal)
	case report.Empty:
		s.metrics.IncStageResult(stage.Name, metrics.ResultWarning)
	default:
		s.metrics.IncStageResult(stage.Name, metrics.ResultSuccess)
	}
	return report, err
}

// CompileFile compiles one file with the given stage's profile. The output
// of an executable stage gets executableMode.
func (s *Scheduler) CompileFile(ctx context.Context, relPath string, stage types.StageSpec) error {
	res, err := s.engine.CompileFile(pcontext.WithStage(ctx, stage.Name), relPath, stage)
	if err != nil || !stage.Options.Executable {
		return err
	}
	if err := s.fs.Chmod(ctx, res.OutputPath, executableMode); err != nil {
		return fmt.Errorf("stage %s: %w", stage.Name, err)
	}
	return nil
}

func (s *Scheduler) markExecutable(ctx context.Context, stage types.StageSpec) error {
	dir := filepath.Join(s.root, filepath.FromSlash(stage.DestinationDir))
	files, err := utils.Glob(s.fs.Fs(), dir, "**/*")
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.fs.Chmod(ctx, filepath.Join(dir, filepath.FromSlash(f)), executableMode); err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
	}
	return nil
}
