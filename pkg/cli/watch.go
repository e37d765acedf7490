package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/shipyard/shipyard/internal/engine"
	"github.com/shipyard/shipyard/internal/metrics"
	"github.com/shipyard/shipyard/pkg/config"
	"github.com/shipyard/shipyard/pkg/logger"
	"github.com/shipyard/shipyard/pkg/types"
)

// devOptions are the flags of a watch session
type devOptions struct {
	noClean     bool
	metricsAddr string
	noReload    bool
}

func (c *CLI) newDevCmd() *cobra.Command {
	var opts devOptions

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Build, then rebuild on every source change",
		Long: `Run a full build, then watch the source directories. A new file is
compiled on its own; a changed file re-runs its whole stage group. A failed
rebuild is reported and watching continues. Ctrl+C stops the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadPipeline()
			if err != nil {
				return err
			}
			return c.runDev(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.noClean, "no-clean", false, "keep the output root from the previous run")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (e.g. :9464)")
	cmd.Flags().BoolVar(&opts.noReload, "no-reload", false, "do not restart the session when the pipeline file changes")
	return cmd
}

func (c *CLI) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build once or watch, as the pipeline file's mode says",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadPipeline()
			if err != nil {
				return err
			}
			if cfg.Mode == types.RunModeWatch {
				return c.runDev(cmd.Context(), cfg, devOptions{})
			}
			return c.runBuild(cmd, false)
		},
	}
	return cmd
}

// runDev runs watch sessions until interrupted. A valid change to the
// pipeline file ends the current session and starts one on the new config.
func (c *CLI) runDev(parent context.Context, cfg *types.PipelineConfig, opts devOptions) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if opts.metricsAddr != "" {
		reg := prom.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(reg)
		shutdown, err := c.serveMetrics(opts.metricsAddr, reg)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	reloaded := make(chan *types.PipelineConfig, 1)
	current := &sessionCancel{}
	if path := c.pipelineFile(); path != "" && !opts.noReload {
		rm, err := c.watchPipelineFile(ctx, path, reloaded, current)
		if err != nil {
			c.printWarning(fmt.Sprintf("Pipeline file changes will not be picked up: %v", err))
		} else {
			defer rm.Stop()
		}
	}

	clean := !opts.noClean
	for {
		sessionCtx, cancel := context.WithCancel(ctx)
		current.set(cancel)

		err := c.runSession(sessionCtx, cfg, recorder, clean)
		cancel()

		if ctx.Err() != nil {
			c.printSuccess("Stopped watching")
			return nil
		}
		select {
		case next := <-reloaded:
			c.printInfo("Pipeline file changed, restarting")
			cfg = next
			clean = false
			continue
		default:
		}
		if err != nil {
			c.printError(fmt.Sprintf("Watch session failed: %v", err))
		}
		return err
	}
}

// sessionCancel hands the running session's cancel func to the reload callback
type sessionCancel struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *sessionCancel) set(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

func (s *sessionCancel) fire() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *CLI) runSession(ctx context.Context, cfg *types.PipelineConfig, recorder metrics.Recorder, clean bool) error {
	factory := engine.NewDependencyFactory(cfg, c.logger).WithMetrics(recorder)
	s, deps, err := c.newPipeline(cfg, factory)
	if err != nil {
		return err
	}

	c.printInfo(fmt.Sprintf("Watching %s (v%s)", s.Root(), s.Version()))
	controller := engine.NewController(s, deps.Subscribe, deps.Notifier, c.logger)
	return controller.Run(ctx, engine.WatchOptions{
		Clean: clean,
		OnState: func(st engine.WatchState) {
			c.logger.Debug("Watch state", logger.WithField("state", st))
		},
	})
}

// pipelineFile returns the loaded pipeline file, or "" for built-in defaults
func (c *CLI) pipelineFile() string {
	if c.config.ConfigFile != "" {
		return c.config.ConfigFile
	}
	path, err := config.NewManager().Find(c.config.ProjectRoot)
	if err != nil {
		return ""
	}
	return path
}

func (c *CLI) watchPipelineFile(ctx context.Context, path string, out chan<- *types.PipelineConfig, current *sessionCancel) (*config.ReloadManager, error) {
	rm := config.NewReloadManager(path, config.NewManager(), c.logger)
	rm.OnReload(func(next *types.PipelineConfig, err error) {
		if err != nil {
			c.printWarning(fmt.Sprintf("Ignoring pipeline file change: %v", err))
			return
		}
		if f := c.rootCmd.PersistentFlags().Lookup("root"); f != nil && f.Changed {
			next.SourceRoot = c.config.ProjectRoot
		}
		select {
		case out <- next:
		default:
		}
		current.fire()
	})
	if err := rm.Start(ctx); err != nil {
		return nil, err
	}
	return rm, nil
}

// serveMetrics starts the metrics endpoint and returns its shutdown func
func (c *CLI) serveMetrics(addr string, reg *prom.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Metrics server stopped", logger.WithError(err))
		}
	}()
	c.printInfo(fmt.Sprintf("Serving metrics on http://%s/metrics", ln.Addr()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
