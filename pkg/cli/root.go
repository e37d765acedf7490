// Package cli provides the command-line interface for shipyard
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/shipyard/shipyard/internal/engine"
	"github.com/shipyard/shipyard/pkg/config"
	"github.com/shipyard/shipyard/pkg/logger"
	"github.com/shipyard/shipyard/pkg/types"
)

// EnvPrefix prefixes every environment variable bound to a flag
const EnvPrefix = "SHIPYARD"

// CLI holds one command tree and its invocation state
type CLI struct {
	config    *Config
	rootCmd   *cobra.Command
	viper     *viper.Viper
	logger    logger.Logger
	overrides engine.Dependencies

	output    io.Writer
	errorOut  io.Writer
	logOutput io.Writer
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config, opts ...Option) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	c := &CLI{
		config: cfg,
		viper:  viper.New(),
		logger: logger.Discard(),
	}
	defaultOutputs(c)
	for _, opt := range opts {
		opt(c)
	}

	c.setupCommands()
	return c
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "shipyard",
		Short: "Two-phase build pipeline for a JavaScript/TypeScript framework package",
		Long: `shipyard bundles third-party dependencies into self-contained artifacts,
then transpiles the package sources stage by stage into the distribution tree.
In dev mode it keeps watching and rebuilds only what changed.`,

		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.initializeConfig,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	c.rootCmd.SetOut(c.output)
	c.rootCmd.SetErr(c.errorOut)

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("shipyard v{{.Version}}\n")

	c.rootCmd.AddCommand(
		c.newBuildCmd(),
		c.newDevCmd(),
		c.newRunCmd(),
		c.newBundleCmd(),
		c.newListCmd(),
		c.newStatusCmd(),
		c.newWaitCmd(),
		c.newCleanCmd(),
		c.newInitCmd(),
		c.newValidateCmd(),
		c.newVersionCmd(),
	)
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", "", "pipeline file (default: shipyard.json or shipyard.yaml in the root)")
	flags.StringVar(&c.config.ProjectRoot, "root", ".", "package source root")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&c.config.LogFile, "log-file", "", "also write logs to this file")
}

// initializeConfig loads .env from the root, then lets SHIPYARD_* variables
// fill every flag not given on the command line
func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	root := c.config.ProjectRoot
	if f := cmd.Flags().Lookup("root"); f != nil && !f.Changed {
		if env := c.lookupEnv("root"); env != "" {
			root = env
		}
	}
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	c.viper.SetEnvPrefix(EnvPrefix)
	c.viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.viper.AutomaticEnv()
	if err := c.viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed && c.viper.IsSet(f.Name) {
			_ = cmd.Flags().Set(f.Name, c.viper.GetString(f.Name))
		}
	})

	c.logger = c.newLogger(c.config.LogFile, c.config.Verbosity)
	return nil
}

func (c *CLI) lookupEnv(key string) string {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	_ = v.BindEnv(key)
	return v.GetString(key)
}

// loadPipeline loads the pipeline file, or the defaults, for the root flag
func (c *CLI) loadPipeline() (*types.PipelineConfig, error) {
	cfg, err := config.NewManager().Load(c.config.ConfigFile, c.config.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f := c.rootCmd.PersistentFlags().Lookup("root"); f != nil && f.Changed && c.config.ConfigFile != "" {
		cfg.SourceRoot = c.config.ProjectRoot
	}
	if cfg.Logging.Level != "" && !c.verbosityChanged() {
		c.logger = c.newLogger(c.logFile(cfg), string(cfg.Logging.Level))
	} else if cfg.Logging.File != "" && c.config.LogFile == "" {
		c.logger = c.newLogger(cfg.Logging.File, c.config.Verbosity)
	}
	return cfg, nil
}

// verbosityChanged reports whether the flag or its environment variable was given
func (c *CLI) verbosityChanged() bool {
	f := c.rootCmd.PersistentFlags().Lookup("verbosity")
	return f != nil && f.Changed
}

func (c *CLI) newLogger(file, level string) logger.Logger {
	if c.logOutput == nil {
		return logger.CreateLogger(file, level)
	}
	return logger.CreateLoggerWithOutput(file, level, c.logOutput)
}

func (c *CLI) logFile(cfg *types.PipelineConfig) string {
	if c.config.LogFile != "" {
		return c.config.LogFile
	}
	return cfg.Logging.File
}

// newPipeline wires a scheduler and its dependencies for cfg
func (c *CLI) newPipeline(cfg *types.PipelineConfig, factory *engine.DependencyFactory) (*engine.Scheduler, engine.Dependencies, error) {
	if factory == nil {
		factory = engine.NewDependencyFactory(cfg, c.logger)
	}
	deps, err := factory.CreateWithOverrides(c.overrides)
	if err != nil {
		return nil, deps, fmt.Errorf("failed to create dependencies: %w", err)
	}
	s, err := engine.NewScheduler(cfg, deps, c.logger)
	if err != nil {
		return nil, deps, err
	}
	return s, deps, nil
}

func (c *CLI) printSuccess(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.GreenString("[shipyard]"), message)
}

func (c *CLI) printError(message string) {
	fmt.Fprintf(c.errorOut, "%s %s\n", color.RedString("[shipyard]"), message)
}

func (c *CLI) printInfo(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.CyanString("[shipyard]"), message)
}

func (c *CLI) printWarning(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.YellowString("[shipyard]"), message)
}
