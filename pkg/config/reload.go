package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shipyard/shipyard/pkg/logger"
	"github.com/shipyard/shipyard/pkg/types"
)

// DefaultDebouncePeriod merges editor save bursts into one reload
const DefaultDebouncePeriod = 300 * time.Millisecond

// ReloadCallback receives the reloaded configuration, or the error that
// prevented loading it
type ReloadCallback func(*types.PipelineConfig, error)

// ReloadManager watches the pipeline file and reloads it on change.
// Reloads whose file content is unchanged are skipped.
type ReloadManager struct {
	configPath string
	loader     *Manager
	logger     logger.Logger

	mu        sync.Mutex
	callbacks []ReloadCallback
	debounce  time.Duration
	last      []byte
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// NewReloadManager creates a reload manager for configPath
func NewReloadManager(configPath string, loader *Manager, log logger.Logger) *ReloadManager {
	if loader == nil {
		loader = NewManager()
	}
	return &ReloadManager{
		configPath: configPath,
		loader:     loader,
		logger:     log,
		debounce:   DefaultDebouncePeriod,
	}
}

// OnReload registers a callback
func (rm *ReloadManager) OnReload(cb ReloadCallback) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.callbacks = append(rm.callbacks, cb)
}

// SetDebouncePeriod sets the debounce period for file change events
func (rm *ReloadManager) SetDebouncePeriod(period time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.debounce = period
}

// Start watches the file's directory until ctx is done or Stop is called
func (rm *ReloadManager) Start(ctx context.Context) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.watcher != nil {
		return fmt.Errorf("already watching configuration file")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// editors replace files by rename, so the directory is watched
	if err := w.Add(filepath.Dir(rm.configPath)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	rm.last, _ = os.ReadFile(rm.configPath)
	rm.watcher = w
	rm.done = make(chan struct{})

	go rm.loop(ctx, w, rm.done, rm.debounce)

	rm.logger.Debug("Started watching configuration file", logger.WithField("path", rm.configPath))
	return nil
}

// Stop ends watching; it is safe to call more than once
func (rm *ReloadManager) Stop() {
	rm.mu.Lock()
	w, done := rm.watcher, rm.done
	rm.watcher = nil
	rm.mu.Unlock()

	if w == nil {
		return
	}
	w.Close()
	<-done
}

func (rm *ReloadManager) loop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}, debounce time.Duration) {
	defer close(done)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Close()
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !rm.isConfigFileEvent(ev.Name) {
				continue
			}
			if ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Create) {
				if _, err := os.Stat(rm.configPath); os.IsNotExist(err) {
					rm.notify(nil, fmt.Errorf("configuration file was removed: %s", rm.configPath))
					continue
				}
			}
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			rm.logger.Warn("Configuration watcher error", logger.WithError(err))

		case <-timer.C:
			rm.reload()
		}
	}
}

func (rm *ReloadManager) isConfigFileEvent(eventPath string) bool {
	name := filepath.Base(rm.configPath)
	base := filepath.Base(eventPath)
	return base == name || (strings.HasPrefix(base, name) && strings.HasSuffix(base, ".tmp"))
}

// reload loads the file and notifies callbacks when its content changed
func (rm *ReloadManager) reload() {
	data, err := os.ReadFile(rm.configPath)
	if err != nil {
		rm.notify(nil, err)
		return
	}

	rm.mu.Lock()
	unchanged := bytes.Equal(data, rm.last)
	rm.last = data
	rm.mu.Unlock()
	if unchanged {
		rm.logger.Debug("Configuration file not modified, skipping reload")
		return
	}

	cfg, err := rm.loader.LoadConfig(rm.configPath)
	if err != nil {
		rm.logger.Error("Failed to reload configuration", logger.WithError(err))
		rm.notify(nil, err)
		return
	}
	rm.logger.Info("Configuration reloaded", logger.WithField("stages", len(cfg.Stages)))
	rm.notify(cfg, nil)
}

func (rm *ReloadManager) notify(cfg *types.PipelineConfig, err error) {
	rm.mu.Lock()
	callbacks := append([]ReloadCallback(nil), rm.callbacks...)
	rm.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rm.logger.Error("Reload callback panic recovered", logger.WithField("panic", r))
				}
			}()
			cb(cfg, err)
		}()
	}
}
