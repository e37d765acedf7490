package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shipyard/shipyard/pkg/config"
	"github.com/shipyard/shipyard/pkg/types"
)

func (c *CLI) newInitCmd() *cobra.Command {
	var force bool
	var format string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default pipeline file",
		Long: `Write the built-in pipeline (stages, bundled packages, copy jobs and
watch rules) to shipyard.yaml in the root so it can be edited.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInit(format, force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing pipeline file")
	cmd.Flags().StringVar(&format, "format", "yaml", "file format (yaml, json)")
	return cmd
}

func (c *CLI) runInit(format string, force bool) error {
	path := c.config.ConfigFile
	if path == "" {
		name, err := configFileName(format)
		if err != nil {
			return err
		}
		path = filepath.Join(c.config.ProjectRoot, name)
	}

	if existing, err := config.NewManager().Find(filepath.Dir(path)); err == nil && !force {
		return fmt.Errorf("configuration already exists at %s. Use --force to overwrite", existing)
	}

	cfg := config.DefaultConfig()
	data, err := marshalPipeline(cfg, filepath.Ext(path))
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	c.printSuccess(fmt.Sprintf("Created %s", path))
	c.printInfo(fmt.Sprintf("%d stages, %d bundled packages. Run 'shipyard build' to build once or 'shipyard dev' to watch.",
		len(cfg.Stages), len(cfg.Bundles.Packages)))
	return nil
}

func marshalPipeline(cfg *types.PipelineConfig, ext string) ([]byte, error) {
	if ext == ".json" {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		return append(data, '\n'), nil
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
