// Package watcher turns fsnotify notifications into settled add, change and
// error events for the watch controller.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shipyard/shipyard/pkg/logger"
	"github.com/shipyard/shipyard/pkg/types"
	"github.com/shipyard/shipyard/pkg/utils"
)

// DefaultSettlingDelay merges bursts of writes to the same path
const DefaultSettlingDelay = 100 * time.Millisecond

// Subscription emits events until closed. The events channel is closed
// when the subscription ends.
type Subscription interface {
	Events() <-chan types.WatchEvent
	Close() error
}

// Options configures a subscription
type Options struct {
	// Root is the source root; event paths are relative to it
	Root string
	// Prefixes limits watching to these top-level directories. Empty means Root.
	Prefixes []string
	// Ignore uses exclusion matcher syntax
	Ignore        []string
	SettlingDelay time.Duration
}

type pending struct {
	created  bool
	lastSeen time.Time
}

// FSNotify is a recursive fsnotify-backed Subscription
type FSNotify struct {
	watcher  *fsnotify.Watcher
	root     string
	prefixes []string
	ignore   *utils.ExclusionMatcher
	settling time.Duration
	logger   logger.Logger

	events  chan types.WatchEvent
	pending map[string]*pending
	// known holds files that existed at subscribe time or were emitted since.
	// A zero time means present; otherwise when the path was removed.
	known map[string]time.Time

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New subscribes to Root. Failure to set up the subscription is returned;
// missing prefix directories are skipped with a warning.
func New(opts Options, log logger.Logger) (*FSNotify, error) {
	if log == nil {
		log = logger.Discard()
	}
	if opts.SettlingDelay <= 0 {
		opts.SettlingDelay = DefaultSettlingDelay
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", opts.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %s: not a directory", opts.Root)
	}

	ignore, err := utils.NewExclusionMatcher(opts.Ignore)
	if err != nil {
		return nil, fmt.Errorf("invalid ignore pattern: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &FSNotify{
		watcher:  fw,
		root:     root,
		ignore:   ignore,
		settling: opts.SettlingDelay,
		logger:   log,
		events:   make(chan types.WatchEvent, 64),
		pending:  make(map[string]*pending),
		known:    make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, p := range opts.Prefixes {
		w.prefixes = append(w.prefixes, strings.TrimSuffix(utils.NormalizePattern(p), "/"))
	}

	dirs := []string{root}
	if len(w.prefixes) > 0 {
		dirs = dirs[:0]
		for _, p := range w.prefixes {
			dirs = append(dirs, filepath.Join(root, filepath.FromSlash(p)))
		}
	}

	watched := 0
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			log.Warn("Watch prefix does not exist", logger.WithField("path", dir))
			continue
		}
		if err := w.addTree(dir, true); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		watched++
	}
	if watched == 0 {
		fw.Close()
		return nil, fmt.Errorf("watch %s: no watchable directories", opts.Root)
	}

	go w.loop()

	log.Info("Watching for changes",
		logger.WithField("root", root),
		logger.WithField("directories", len(fw.WatchList())))
	return w, nil
}

// Events implements Subscription
func (w *FSNotify) Events() <-chan types.WatchEvent { return w.events }

// Close implements Subscription
func (w *FSNotify) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.closeErr = w.watcher.Close()
	})
	return w.closeErr
}

// List returns the watched directories
func (w *FSNotify) List() []string {
	return w.watcher.WatchList()
}

// addTree watches dir and every non-ignored directory below it. With seed
// set, the files found are recorded as known.
func (w *FSNotify) addTree(dir string, seed bool) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if seed {
				if rel, err := utils.ToSlashRel(w.root, p); err == nil && !w.ignore.IsExcluded(rel) {
					w.known[rel] = time.Time{}
				}
			}
			return nil
		}
		if rel, err := utils.ToSlashRel(w.root, p); err == nil && rel != "." && w.ignore.IsExcluded(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			w.logger.Warn("Failed to watch directory", logger.WithField("path", p), logger.WithError(err))
			return nil
		}
		w.logger.Debug("Watching directory", logger.WithField("path", p))
		return nil
	})
}

func (w *FSNotify) loop() {
	defer close(w.events)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
			w.arm(timer)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", logger.WithError(err))
			if !w.send(types.WatchEvent{Kind: types.EventError, Err: err, Time: time.Now()}) {
				return
			}

		case now := <-timer.C:
			if !w.flush(now) {
				return
			}
			w.arm(timer)
		}
	}
}

// handle records a raw event; emission happens once the path settles
func (w *FSNotify) handle(ev fsnotify.Event) {
	rel, err := utils.ToSlashRel(w.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	if w.ignore.IsExcluded(rel) || !w.inScope(rel) {
		return
	}

	created := ev.Op&fsnotify.Create == fsnotify.Create
	if created {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name, false); err != nil {
				w.logger.Warn("Failed to watch new directory", logger.WithField("path", rel), logger.WithError(err))
			}
			w.recordExisting(ev.Name)
			return
		}
	}
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if _, ok := w.known[rel]; ok {
			w.known[rel] = time.Now()
		}
	}
	if !created && ev.Op&fsnotify.Write != fsnotify.Write {
		// removes, renames and chmods are not build triggers
		return
	}
	if created && w.replaces(rel) {
		// an editor's atomic save renames a temp file over the original
		created = false
	}

	p, ok := w.pending[rel]
	if !ok {
		p = &pending{}
		w.pending[rel] = p
	}
	p.created = p.created || created
	p.lastSeen = time.Now()
}

// replaces reports whether a create lands on a file that is still present
// or was removed within the settling window
func (w *FSNotify) replaces(rel string) bool {
	removed, ok := w.known[rel]
	if !ok {
		return false
	}
	return removed.IsZero() || time.Since(removed) <= w.settling
}

// recordExisting queues files that landed in a new directory before it was watched
func (w *FSNotify) recordExisting(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := utils.ToSlashRel(w.root, p)
		if err != nil || w.ignore.IsExcluded(rel) {
			return nil
		}
		w.pending[rel] = &pending{created: true, lastSeen: time.Now()}
		return nil
	})
}

func (w *FSNotify) inScope(rel string) bool {
	if len(w.prefixes) == 0 {
		return true
	}
	for _, p := range w.prefixes {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// arm schedules the timer for the earliest pending deadline
func (w *FSNotify) arm(timer *time.Timer) {
	if len(w.pending) == 0 {
		return
	}
	var earliest time.Time
	for _, p := range w.pending {
		if earliest.IsZero() || p.lastSeen.Before(earliest) {
			earliest = p.lastSeen
		}
	}
	timer.Reset(time.Until(earliest.Add(w.settling)))
}

// flush emits settled paths in path order
func (w *FSNotify) flush(now time.Time) bool {
	var ready []string
	for rel, p := range w.pending {
		if now.Sub(p.lastSeen) >= w.settling {
			ready = append(ready, rel)
		}
	}
	sort.Strings(ready)

	for rel, removed := range w.known {
		if !removed.IsZero() && now.Sub(removed) > w.settling {
			delete(w.known, rel)
		}
	}

	for _, rel := range ready {
		p := w.pending[rel]
		delete(w.pending, rel)

		info, err := os.Stat(filepath.Join(w.root, filepath.FromSlash(rel)))
		if err != nil || info.IsDir() {
			continue
		}
		w.known[rel] = time.Time{}

		kind := types.EventChange
		if p.created {
			kind = types.EventAdd
		}
		if !w.send(types.WatchEvent{Kind: kind, Path: rel, Time: p.lastSeen}) {
			return false
		}
	}
	return true
}

func (w *FSNotify) send(ev types.WatchEvent) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.done:
		return false
	}
}
