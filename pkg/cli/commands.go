package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shipyard/shipyard/internal/engine"
	"github.com/shipyard/shipyard/pkg/config"
	"github.com/shipyard/shipyard/pkg/types"
)

func (c *CLI) newBuildCmd() *cobra.Command {
	var release bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run a full build once",
		Long: `Bundle every dependency (phase A), then transpile every stage (phase B).
With --release the whole output root is cleared first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBuild(cmd, release)
		},
	}

	cmd.Flags().BoolVar(&release, "release", false, "clear the output root before building")
	return cmd
}

func (c *CLI) runBuild(cmd *cobra.Command, release bool) error {
	cfg, err := c.loadPipeline()
	if err != nil {
		return err
	}
	s, _, err := c.newPipeline(cfg, nil)
	if err != nil {
		return err
	}

	start := time.Now()
	c.printInfo(fmt.Sprintf("Building %s v%s", s.Root(), s.Version()))
	if err := s.Build(cmd.Context(), engine.BuildOptions{Release: release}); err != nil {
		c.printError(fmt.Sprintf("Build failed: %v", err))
		return err
	}
	c.printSuccess(fmt.Sprintf("Build completed in %v", time.Since(start).Round(time.Millisecond)))
	return nil
}

func (c *CLI) newBundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bundle",
		Short: "Run the bundling phase only",
		Long:  `Bundle every configured dependency into the compiled directory and run the copy jobs.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadPipeline()
			if err != nil {
				return err
			}
			s, _, err := c.newPipeline(cfg, nil)
			if err != nil {
				return err
			}
			if err := s.BundleOnly(cmd.Context()); err != nil {
				c.printError(fmt.Sprintf("Bundling failed: %v", err))
				return err
			}
			c.printSuccess(fmt.Sprintf("Bundled %d packages", len(cfg.Bundles.Packages)))
			return nil
		},
	}
}

func (c *CLI) newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove build output and stage state",
		Long:  `Remove the output root, the compiled directory and every stage state file.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadPipeline()
			if err != nil {
				return err
			}
			s, _, err := c.newPipeline(cfg, nil)
			if err != nil {
				return err
			}
			if err := s.Clean(cmd.Context()); err != nil {
				return fmt.Errorf("clean failed: %w", err)
			}
			c.printSuccess("Cleaned build output")
			return nil
		},
	}
}

func (c *CLI) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stages, groups and watch rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadPipeline()
			if err != nil {
				return err
			}
			reg, err := engine.NewRegistry(cfg.Stages, cfg.WatchRules)
			if err != nil {
				return err
			}
			c.printList(reg, cfg)
			return nil
		},
	}
}

func (c *CLI) printList(reg *engine.Registry, cfg *types.PipelineConfig) {
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tGROUP\tPROFILE\tSOURCE\tDESTINATION")
	for _, s := range reg.Stages() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.GroupName(), s.Profile, s.SourceGlob, s.DestinationDir)
	}
	w.Flush()

	fmt.Fprintln(c.output)
	w = tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WATCH PREFIX\tGROUP")
	for _, r := range reg.Rules() {
		fmt.Fprintf(w, "%s\t%s\n", r.PathPrefix, r.Group)
	}
	w.Flush()

	fmt.Fprintf(c.output, "\n%d stages in %d groups, %d bundled packages\n",
		len(reg.Stages()), len(reg.Groups()), len(cfg.Bundles.Packages))
}

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last run of every stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadPipeline()
			if err != nil {
				return err
			}
			_, deps, err := c.newPipeline(cfg, nil)
			if err != nil {
				return err
			}
			states, err := deps.State.Discover()
			if err != nil {
				return err
			}
			if len(states) == 0 {
				c.printInfo("No stage has run yet")
				return nil
			}
			c.printStatus(states)
			return nil
		},
	}
}

func (c *CLI) printStatus(states []*types.StageState) {
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tFILES\tDURATION\tLAST RUN\tRUNS\tFAILURES")
	for _, st := range states {
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%s\t%d\t%d\n",
			st.Stage,
			statusColor(st.Status),
			st.Files,
			st.Duration.Round(time.Millisecond),
			st.LastRun.Format(time.DateTime),
			st.Runs,
			st.Failures)
	}
	w.Flush()

	for _, st := range states {
		if st.LastError != "" {
			fmt.Fprintf(c.output, "\n%s: %s\n", st.Stage, st.LastError)
		}
	}
}

func statusColor(s types.BuildStatus) string {
	switch s {
	case types.BuildStatusSucceeded:
		return color.GreenString(string(s))
	case types.BuildStatusFailed:
		return color.RedString(string(s))
	case types.BuildStatusBuilding:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func (c *CLI) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadPipeline()
			if err != nil {
				return err
			}
			if _, err := engine.NewRegistry(cfg.Stages, cfg.WatchRules); err != nil {
				return fmt.Errorf("invalid stage registry: %w", err)
			}
			c.printSuccess(fmt.Sprintf("Configuration is valid (%d stages, %d bundles)",
				len(cfg.Stages), len(cfg.Bundles.Packages)))
			return nil
		},
	}
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tool version and the resolved build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(c.output, "shipyard v%s\n", c.config.Version)

			cfg, err := c.loadPipeline()
			if err != nil {
				return nil
			}
			s, _, err := c.newPipeline(cfg, nil)
			if err != nil {
				c.logger.Debug(fmt.Sprintf("no build version: %v", err))
				return nil
			}
			fmt.Fprintf(c.output, "build version %s\n", s.Version())
			return nil
		},
	}
}

// configFileName picks the file init writes when --config is not given
func configFileName(format string) (string, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return config.FileNames[1], nil
	case "json":
		return config.FileNames[0], nil
	default:
		return "", fmt.Errorf("unknown format %q (json, yaml)", format)
	}
}
