package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caldera-sim/simforge/internal/scheduler"
	"github.com/caldera-sim/simforge/internal/structure"
	"github.com/caldera-sim/simforge/internal/worker"
)

var computeCmd = &cobra.Command{
	Use:   "compute STRUCTURE",
	Short: "Run (or resume) a submitted batch and print its result",
	Long: "simforge compute STRUCTURE [--batch N] [--output last|traj]\n\n" +
		"STRUCTURE is the path to a Worker's inp-{stru_id}.json run spec\n" +
		"(written by Worker.Run under DIR/_data/). Without --batch, every\n" +
		"batch group belonging to that structure is run.",
	Args: cobra.ExactArgs(1),
	RunE: runCompute,
}

func init() {
	computeCmd.Flags().Int("batch", -1, "batch group index to run; every group if omitted")
	computeCmd.Flags().String("output", "last", "what to print to stdout: last|traj")
}

// struIDFromInpPath recovers the stru_id and Worker directory from an
// inp-{stru_id}.json path of the shape DIR/_data/inp-{stru_id}.json.
func struIDFromInpPath(inpPath string) (dir, struID string, err error) {
	base := filepath.Base(inpPath)
	if !strings.HasPrefix(base, "inp-") || !strings.HasSuffix(base, ".json") {
		return "", "", fmt.Errorf("%s does not look like an inp-{stru_id}.json run spec", inpPath)
	}
	struID = strings.TrimSuffix(strings.TrimPrefix(base, "inp-"), ".json")
	dataDir := filepath.Dir(inpPath)
	dir = filepath.Dir(dataDir)
	return dir, struID, nil
}

func runCompute(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	if output != "last" && output != "traj" {
		return fmt.Errorf("--output must be one of last, traj")
	}

	inpPath := args[0]
	dir, struID, err := struIDFromInpPath(inpPath)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(inpPath)
	if err != nil {
		return fmt.Errorf("read run spec %s: %w", inpPath, err)
	}
	var rs worker.RunSpec
	if err := json.Unmarshal(raw, &rs); err != nil {
		return fmt.Errorf("parse run spec %s: %w", inpPath, err)
	}

	ctx := cmd.Context()
	sched, err := scheduler.New(ctx, scheduler.Config{Kind: rs.SchedulerKind})
	if err != nil {
		return err
	}

	w, err := worker.New(dir, sched, rs.DriverKind, rs.Setting, rs.BatchSize, nil)
	if err != nil {
		return err
	}
	defer w.Close()

	groups, err := selectedGroups(cmd, w, struID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := w.RunBatch(ctx, struID, g); err != nil {
			return fmt.Errorf("run batch %d: %w", g, err)
		}
	}

	if err := w.Inspect(ctx, false); err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	results, err := w.Retrieve(ctx, true)
	if err != nil {
		return fmt.Errorf("retrieve: %w", err)
	}

	out, failed := collectOutput(results, output)
	if err := structure.WriteXYZ(os.Stdout, out); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if failed {
		return fmt.Errorf("one or more batches reported an engine failure")
	}
	return nil
}

func selectedGroups(cmd *cobra.Command, w *worker.Worker, struID string) ([]int, error) {
	if cmd.Flags().Changed("batch") {
		batch, _ := cmd.Flags().GetInt("batch")
		return []int{batch}, nil
	}
	n, err := w.NumGroups(struID)
	if err != nil {
		return nil, err
	}
	groups := make([]int, n)
	for i := range groups {
		groups[i] = i
	}
	return groups, nil
}

func collectOutput(results []worker.Result, output string) (out []*structure.Structure, failed bool) {
	for _, res := range results {
		if res.Error {
			failed = true
		}
		switch {
		case res.Structure != nil:
			out = append(out, res.Structure)
		case res.Trajectory != nil:
			if output == "last" {
				if last := res.Trajectory.Last(); last != nil {
					out = append(out, last.Structure)
				}
				continue
			}
			for i := range res.Trajectory.Frames {
				out = append(out, res.Trajectory.Frames[i].Structure)
			}
		}
	}
	return out, failed
}
