package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shipyard/shipyard/internal/state"
	"github.com/shipyard/shipyard/pkg/types"
)

func (c *CLI) newWaitCmd() *cobra.Command {
	var timeout time.Duration
	var status string
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "wait [stage...]",
		Short: "Wait for stages to reach a status",
		Long: `Poll the stage state files until every named stage (default: all
configured stages) reaches the given status. Useful to block a script
until a running dev session has finished its build.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWait(cmd.Context(), args, status, timeout, pollInterval)
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Minute, "give up after this long (0 waits forever)")
	cmd.Flags().StringVarP(&status, "status", "s", string(types.BuildStatusSucceeded), "status to wait for (idle, building, succeeded, failed)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "how often to read the state files")
	return cmd
}

// WaitResult is the outcome of waiting for one stage
type WaitResult struct {
	Stage    string
	Status   types.BuildStatus
	Duration time.Duration
	Success  bool
	TimedOut bool
}

func (c *CLI) runWait(ctx context.Context, stages []string, status string, timeout, pollInterval time.Duration) error {
	want := types.BuildStatus(status)
	switch want {
	case types.BuildStatusIdle, types.BuildStatusBuilding, types.BuildStatusSucceeded, types.BuildStatusFailed:
	default:
		return fmt.Errorf("invalid status '%s'. Valid statuses: idle, building, succeeded, failed", status)
	}
	if pollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	cfg, err := c.loadPipeline()
	if err != nil {
		return err
	}
	if len(stages) == 0 {
		for _, s := range cfg.Stages {
			stages = append(stages, s.Name)
		}
	}

	_, deps, err := c.newPipeline(cfg, nil)
	if err != nil {
		return err
	}

	c.printInfo(fmt.Sprintf("Waiting for %d stage(s) to reach status '%s'", len(stages), want))
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results := waitForStages(ctx, deps.State, stages, want, pollInterval)
	return c.displayWaitResults(results)
}

// waitForStages polls until every stage reached want or ctx is done.
// A stage without a state file counts as idle.
func waitForStages(ctx context.Context, sm *state.Manager, stages []string, want types.BuildStatus, pollInterval time.Duration) []WaitResult {
	start := time.Now()
	results := make([]WaitResult, len(stages))
	for i, name := range stages {
		results[i] = WaitResult{Stage: name}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		pending := 0
		for i := range results {
			r := &results[i]
			if r.Success {
				continue
			}
			r.Status = types.BuildStatusIdle
			if st, err := sm.Read(r.Stage); err == nil && st != nil {
				r.Status = st.Status
			}
			if r.Status == want {
				r.Success = true
				r.Duration = time.Since(start)
				continue
			}
			pending++
		}
		if pending == 0 {
			return results
		}

		select {
		case <-ctx.Done():
			for i := range results {
				if !results[i].Success {
					results[i].TimedOut = true
					results[i].Duration = time.Since(start)
				}
			}
			return results
		case <-ticker.C:
		}
	}
}

func (c *CLI) displayWaitResults(results []WaitResult) error {
	succeeded, timedOut := 0, 0
	for _, r := range results {
		var line string
		switch {
		case r.Success:
			line = "reached"
			succeeded++
		case r.TimedOut:
			line = fmt.Sprintf("TIMEOUT (last status: %s)", r.Status)
			timedOut++
		default:
			line = fmt.Sprintf("INCOMPLETE (status: %s)", r.Status)
		}
		fmt.Fprintf(c.output, "  %-20s %-30s %v\n", r.Stage, line, r.Duration.Round(time.Millisecond))
	}

	c.printInfo(fmt.Sprintf("Summary: %d reached, %d timed out", succeeded, timedOut))
	if succeeded != len(results) {
		return fmt.Errorf("not all stages reached the desired status")
	}
	return nil
}
