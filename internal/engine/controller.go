package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shipyard/shipyard/internal/watcher"
	pcontext "github.com/shipyard/shipyard/pkg/context"
	"github.com/shipyard/shipyard/pkg/logger"
	"github.com/shipyard/shipyard/pkg/notifier"
	"github.com/shipyard/shipyard/pkg/types"
)

// ErrAlreadyWatching is returned when Run is called on an active controller
var ErrAlreadyWatching = errors.New("watch session already running")

// ErrSubscriptionClosed is returned when the watch subsystem ends on its own
var ErrSubscriptionClosed = errors.New("watch subscription closed")

// WatchState is the controller lifecycle state
type WatchState string

const (
	StateIdle     WatchState = "idle"
	StateWatching WatchState = "watching"
	StateReacting WatchState = "reacting"
	StateStopped  WatchState = "stopped"
)

// WatchOptions configures a watch session
type WatchOptions struct {
	// Clean clears the output root before the initial build
	Clean bool
	// OnState is called on every state transition, with the controller lock
	// held; it must not call back into the controller
	OnState func(WatchState)
}

type groupRun struct {
	running bool
	dirty   bool
}

// Controller builds once, then reacts to source events until stopped.
// Add events compile one file; change events re-run the whole group their
// path maps to. A failed reaction becomes a notification and watching goes on.
type Controller struct {
	scheduler *Scheduler
	subscribe SubscribeFunc
	notifier  notifier.Notifier
	logger    logger.Logger

	mu      sync.Mutex
	state   WatchState
	active  int
	groups  map[string]*groupRun
	onState func(WatchState)
	wg      sync.WaitGroup
}

// NewController creates a watch controller
func NewController(s *Scheduler, subscribe SubscribeFunc, n notifier.Notifier, log logger.Logger) *Controller {
	if n == nil {
		n = notifier.Nop{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Controller{
		scheduler: s,
		subscribe: subscribe,
		notifier:  n,
		logger:    log.WithStage("watch"),
		state:     StateIdle,
		groups:    make(map[string]*groupRun),
	}
}

// State returns the current state
func (c *Controller) State() WatchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setStateLocked(s WatchState) {
	if c.state == s {
		return
	}
	c.state = s
	if c.onState != nil {
		c.onState(s)
	}
}

// Run performs the initial build, subscribes and dispatches events until
// ctx is done. A failing initial build or subscription is returned.
func (c *Controller) Run(ctx context.Context, opts WatchOptions) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateStopped {
		c.mu.Unlock()
		return ErrAlreadyWatching
	}
	c.onState = opts.OnState
	c.setStateLocked(StateWatching)
	c.mu.Unlock()

	err := c.run(ctx, opts)

	c.wg.Wait()
	c.mu.Lock()
	c.setStateLocked(StateStopped)
	c.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Controller) run(ctx context.Context, opts WatchOptions) error {
	if err := c.scheduler.Build(ctx, BuildOptions{Release: opts.Clean}); err != nil {
		return fmt.Errorf("initial build: %w", err)
	}

	cfg := c.scheduler.Config()
	sub, err := c.subscribe(watcher.Options{
		Root:          c.scheduler.Root(),
		Prefixes:      c.scheduler.Registry().Prefixes(),
		Ignore:        cfg.Watch.Ignore,
		SettlingDelay: time.Duration(cfg.Watch.SettlingDelay) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("watch subscription: %w", err)
	}
	defer sub.Close()

	c.logger.Info("Watching for changes", logger.WithField("prefixes", c.scheduler.Registry().Prefixes()))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopping watcher")
			return ctx.Err()

		case ev, ok := <-sub.Events():
			if !ok {
				c.logger.Error("Watch subscription ended")
				return ErrSubscriptionClosed
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.Handle(ctx, ev)
			}()
		}
	}
}

// Handle reacts to one event synchronously
func (c *Controller) Handle(ctx context.Context, ev types.WatchEvent) {
	switch ev.Kind {
	case types.EventError:
		c.logger.Warn("Watch error", logger.WithError(ev.Err))
		return
	case types.EventAdd:
		c.react(func() { c.handleAdd(ctx, ev.Path) })
	case types.EventChange:
		c.react(func() { c.handleChange(ctx, ev.Path) })
	default:
		c.logger.Debug("Ignoring event", logger.WithField("event", ev.String()))
	}
}

// react brackets fn with the Reacting state
func (c *Controller) react(fn func()) {
	c.mu.Lock()
	c.active++
	if c.state == StateWatching {
		c.setStateLocked(StateReacting)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active--
		if c.active == 0 && c.state == StateReacting {
			c.setStateLocked(StateWatching)
		}
		c.mu.Unlock()
	}()

	fn()
}

func (c *Controller) handleAdd(ctx context.Context, relPath string) {
	stage, ok := c.scheduler.Registry().StageForFile(relPath)
	if !ok {
		c.logger.Info("New file matches no stage", logger.WithField("file", relPath))
		return
	}

	c.logger.Info("File added", logger.WithField("file", relPath), logger.WithField("stage", stage.Name))
	if err := c.scheduler.CompileFile(ctx, relPath, stage); err != nil {
		c.fail(relPath, err)
	}
}

func (c *Controller) handleChange(ctx context.Context, relPath string) {
	group, ok := c.scheduler.Registry().GroupForPath(relPath)
	if !ok {
		c.logger.Debug("Change outside watched groups", logger.WithField("file", relPath))
		return
	}
	c.logger.Info("File changed", logger.WithField("file", relPath), logger.WithField("group", group))
	c.runGroup(ctx, group)
}

// runGroup runs a group at most once at a time. Changes arriving during a
// run mark it dirty and it runs once more afterwards.
func (c *Controller) runGroup(ctx context.Context, group string) {
	c.mu.Lock()
	g, ok := c.groups[group]
	if !ok {
		g = &groupRun{}
		c.groups[group] = g
	}
	if g.running {
		g.dirty = true
		c.mu.Unlock()
		return
	}
	g.running = true
	c.mu.Unlock()

	for {
		rctx := pcontext.WithBuildID(ctx, pcontext.GenerateBuildID())
		if err := c.scheduler.RunGroup(rctx, group); err != nil {
			c.fail(group, err)
		}

		c.mu.Lock()
		if g.dirty && ctx.Err() == nil {
			g.dirty = false
			c.mu.Unlock()
			continue
		}
		g.running = false
		g.dirty = false
		c.mu.Unlock()
		return
	}
}

func (c *Controller) fail(subject string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.logger.Error("Rebuild failed", logger.WithField("target", subject), logger.WithError(err))
	c.notifier.Notify(fmt.Sprintf("Failed to compile %s", subject), err)
}
