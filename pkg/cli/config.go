package cli

import (
	"io"
	"os"

	"github.com/shipyard/shipyard/internal/engine"
)

// Config holds the global flag values of one CLI invocation
type Config struct {
	ConfigFile  string
	ProjectRoot string
	Verbosity   string
	LogFile     string
	Version     string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		ProjectRoot: ".",
		Verbosity:   "info",
	}
}

// Option customizes a CLI
type Option func(*CLI)

// WithOutput redirects command output and errors
func WithOutput(out, errOut io.Writer) Option {
	return func(c *CLI) {
		c.output = out
		c.errorOut = errOut
	}
}

// WithLogOutput routes plain log lines to w instead of colored stderr
func WithLogOutput(w io.Writer) Option {
	return func(c *CLI) {
		c.logOutput = w
	}
}

// WithDependencies replaces the non-nil pipeline collaborators
func WithDependencies(deps engine.Dependencies) Option {
	return func(c *CLI) {
		c.overrides = deps
	}
}

func defaultOutputs(c *CLI) {
	c.output = os.Stdout
	c.errorOut = os.Stderr
}
