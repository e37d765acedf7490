package engine

import (
	"os"

	"github.com/spf13/afero"

	"github.com/shipyard/shipyard/internal/bundle"
	"github.com/shipyard/shipyard/internal/metrics"
	"github.com/shipyard/shipyard/internal/state"
	"github.com/shipyard/shipyard/internal/transform"
	"github.com/shipyard/shipyard/internal/watcher"
	"github.com/shipyard/shipyard/pkg/fsx"
	"github.com/shipyard/shipyard/pkg/logger"
	"github.com/shipyard/shipyard/pkg/notifier"
	"github.com/shipyard/shipyard/pkg/types"
)

// SubscribeFunc opens a watch subscription
type SubscribeFunc func(opts watcher.Options) (watcher.Subscription, error)

// Dependencies are the collaborators of a Scheduler and Controller
type Dependencies struct {
	FS          *fsx.FS
	Transformer transform.Transformer
	Bundler     bundle.Bundler
	Notifier    notifier.Notifier
	Metrics     metrics.Recorder
	State       *state.Manager
	Subscribe   SubscribeFunc
	// WorkingDir is searched for package manifests right after the source root
	WorkingDir string
}

// DependencyFactory creates the production collaborators for a pipeline
type DependencyFactory struct {
	config  *types.PipelineConfig
	logger  logger.Logger
	base    afero.Fs
	metrics metrics.Recorder
}

// NewDependencyFactory creates a factory over the real filesystem
func NewDependencyFactory(config *types.PipelineConfig, log logger.Logger) *DependencyFactory {
	return &DependencyFactory{
		config:  config,
		logger:  log,
		base:    afero.NewOsFs(),
		metrics: metrics.NoopRecorder{},
	}
}

// WithMetrics routes retry, cache and stage accounting to rec
func (f *DependencyFactory) WithMetrics(rec metrics.Recorder) *DependencyFactory {
	if rec != nil {
		f.metrics = rec
	}
	return f
}

// WithFs replaces the base filesystem
func (f *DependencyFactory) WithFs(fs afero.Fs) *DependencyFactory {
	f.base = fs
	return f
}

// CreateDefaults creates every default collaborator
func (f *DependencyFactory) CreateDefaults() (Dependencies, error) {
	layer := f.createFS()

	tr, err := transform.NewCachingTransformer(transform.NewEsbuildTransformer(), f.config.Cache.Size, f.metrics)
	if err != nil {
		return Dependencies{}, err
	}

	wd, _ := os.Getwd()
	return Dependencies{
		FS:          layer,
		Transformer: tr,
		Bundler:     bundle.NewEsbuildBundler(f.minify()),
		Notifier:    f.createNotifier(),
		Metrics:     f.metrics,
		State:       state.NewManager(layer, f.config.SourceRoot, f.logger),
		Subscribe:   f.subscribe,
		WorkingDir:  wd,
	}, nil
}

// CreateWithOverrides creates defaults, then replaces every non-nil override
func (f *DependencyFactory) CreateWithOverrides(overrides Dependencies) (Dependencies, error) {
	deps, err := f.CreateDefaults()
	if err != nil {
		return deps, err
	}

	if overrides.FS != nil {
		deps.FS = overrides.FS
		deps.State = state.NewManager(overrides.FS, f.config.SourceRoot, f.logger)
	}
	if overrides.Transformer != nil {
		deps.Transformer = overrides.Transformer
	}
	if overrides.Bundler != nil {
		deps.Bundler = overrides.Bundler
	}
	if overrides.Notifier != nil {
		deps.Notifier = overrides.Notifier
	}
	if overrides.Metrics != nil {
		deps.Metrics = overrides.Metrics
	}
	if overrides.State != nil {
		deps.State = overrides.State
	}
	if overrides.Subscribe != nil {
		deps.Subscribe = overrides.Subscribe
	}
	if overrides.WorkingDir != "" {
		deps.WorkingDir = overrides.WorkingDir
	}
	return deps, nil
}

func (f *DependencyFactory) createFS() *fsx.FS {
	opts := []fsx.Option{fsx.WithObserver(f.metrics)}
	if n := f.config.Retry.Attempts; n > 0 {
		opts = append(opts, fsx.WithAttempts(n))
	}
	if f.config.Retry.BackoffMs > 0 {
		opts = append(opts, fsx.WithBackoff(f.config.Retry.Backoff()))
	}
	return fsx.New(f.base, f.logger, opts...)
}

func (f *DependencyFactory) createNotifier() notifier.Notifier {
	if !f.config.Notifications.IsEnabled() {
		return notifier.Nop{}
	}
	return notifier.New(notifier.Config{
		Enabled:       true,
		Title:         f.config.Notifications.Title,
		BeepOnFailure: true,
	}, f.logger)
}

func (f *DependencyFactory) minify() bool {
	return f.config.Bundles.Minify == nil || *f.config.Bundles.Minify
}

func (f *DependencyFactory) subscribe(opts watcher.Options) (watcher.Subscription, error) {
	return watcher.New(opts, f.logger)
}
