// Package notifier provides build notification functionality
package notifier

import (
	"fmt"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/shipyard/shipyard/pkg/logger"
)

// Notifier is the fire-and-forget notification sink. Delivery failures are
// logged and never returned.
type Notifier interface {
	Notify(message string, err error)
}

// DeliverFunc sends one desktop notification
type DeliverFunc func(title, message, icon string) error

// BuildNotifier delivers notifications through beeep
type BuildNotifier struct {
	enabled bool
	title   string
	logger  logger.Logger
	deliver DeliverFunc
	beep    bool
}

// Config represents notification configuration
type Config struct {
	Enabled bool
	// Title prefixes every notification; defaults to "shipyard"
	Title string
	// BeepOnFailure plays the system beep with failure notifications
	BeepOnFailure bool
}

// New creates a new build notifier
func New(config Config, log logger.Logger) *BuildNotifier {
	title := config.Title
	if title == "" {
		title = "shipyard"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &BuildNotifier{
		enabled: config.Enabled,
		title:   title,
		logger:  log,
		deliver: func(title, message, icon string) error { return beeep.Notify(title, message, icon) },
		beep:    config.BeepOnFailure,
	}
}

// WithDeliver replaces the delivery function (tests, headless hosts)
func (n *BuildNotifier) WithDeliver(fn DeliverFunc) *BuildNotifier {
	n.deliver = fn
	return n
}

// Notify sends message, marking it as a failure when err is non-nil
func (n *BuildNotifier) Notify(message string, err error) {
	if !n.enabled {
		return
	}

	title := "✅ " + n.title
	if err != nil {
		title = "❌ " + n.title
		message = fmt.Sprintf("%s: %v", message, err)
	}

	n.send(title, message)

	if err != nil && n.beep {
		if berr := beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration); berr != nil {
			n.logger.Debug("Failed to play sound", logger.WithError(berr))
		}
	}
}

// NotifyStageComplete notifies that a stage finished
func (n *BuildNotifier) NotifyStageComplete(stage string, duration time.Duration) {
	n.Notify(fmt.Sprintf("Compiled %s in %s", stage, FormatDuration(duration)), nil)
}

// NotifyStageFailure notifies that a stage failed
func (n *BuildNotifier) NotifyStageFailure(stage string, err error) {
	n.Notify(fmt.Sprintf("Failed to compile %s", stage), err)
}

func (n *BuildNotifier) send(title, message string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Debug("Notification delivery panicked", logger.WithField("panic", r))
		}
	}()

	if err := n.deliver(title, message, ""); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithError(err))
	}
}

// Nop discards every notification
type Nop struct{}

func (Nop) Notify(string, error) {}

// FormatDuration renders a build duration compactly
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
