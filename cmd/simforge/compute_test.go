package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/caldera-sim/simforge/internal/driver"
	"github.com/caldera-sim/simforge/internal/scheduler"
	"github.com/caldera-sim/simforge/internal/setting"
	"github.com/caldera-sim/simforge/internal/structure"
	"github.com/caldera-sim/simforge/internal/trajectory"
	"github.com/caldera-sim/simforge/internal/worker"
)

// fakeCLICapability mirrors internal/worker's own fakeSPCCapability: it
// never shells out, writing atoms back unchanged to out.xyz.
type fakeCLICapability struct{}

func (fakeCLICapability) Name() string                  { return "fake-cli" }
func (fakeCLICapability) DefaultTask() setting.Task      { return setting.TaskSPC }
func (fakeCLICapability) SupportedTasks() []setting.Task { return []setting.Task{setting.TaskSPC} }
func (fakeCLICapability) SavedFnames() []string          { return []string{"out.xyz"} }
func (fakeCLICapability) RemovedFnames() []string        { return []string{"out.xyz"} }
func (fakeCLICapability) DuplicatesBoundaryFrame() bool  { return true }

func (fakeCLICapability) IRun(ctx context.Context, dir string, atoms *structure.Structure, ds setting.DriverSetting, resumeSteps int) error {
	f, err := os.Create(filepath.Join(dir, "out.xyz"))
	if err != nil {
		return err
	}
	defer f.Close()
	return structure.WriteXYZ(f, []*structure.Structure{atoms.Minimal()})
}

func (fakeCLICapability) ReadTrajectorySegment(dir string) ([]trajectory.Frame, error) {
	path := filepath.Join(dir, "out.xyz")
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	frames, err := structure.ReadXYZ(f)
	if err != nil {
		return nil, err
	}
	out := make([]trajectory.Frame, len(frames))
	for i, s := range frames {
		out[i] = trajectory.Frame{Structure: s}
	}
	return out, nil
}

func (fakeCLICapability) ReadForceConvergence(dir string) (bool, error) { return true, nil }

func init() {
	driver.Register("fake-cli", func() driver.Capability { return fakeCLICapability{} })
}

func TestStruIDFromInpPath(t *testing.T) {
	dir, struID, err := struIDFromInpPath("/work/dir/_data/inp-abc123.json")
	if err != nil {
		t.Fatal(err)
	}
	if dir != "/work/dir" {
		t.Fatalf("expected dir /work/dir, got %s", dir)
	}
	if struID != "abc123" {
		t.Fatalf("expected stru_id abc123, got %s", struID)
	}
}

func TestStruIDFromInpPathRejectsMismatchedName(t *testing.T) {
	if _, _, err := struIDFromInpPath("/work/dir/_data/other.json"); err == nil {
		t.Fatal("expected an error for a non-inp-*.json path")
	}
}

func TestComputeEndToEnd(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sch, err := scheduler.New(ctx, scheduler.Config{Kind: "local"})
	if err != nil {
		t.Fatal(err)
	}
	ds := setting.DriverSetting{Task: setting.TaskSPC}
	w, err := worker.New(dir, sch, "fake-cli", ds, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	frames := []*structure.Structure{
		{
			Cell:      [3][3]float64{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
			PBC:       [3]bool{true, true, true},
			Symbols:   []string{"Ar"},
			Positions: [][3]float64{{0, 0, 0}},
		},
	}
	if err := w.Run(ctx, frames); err != nil {
		t.Fatal(err)
	}
	w.Close()

	entries, err := os.ReadDir(filepath.Join(dir, "_data"))
	if err != nil {
		t.Fatal(err)
	}
	var inpPath string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			inpPath = filepath.Join(dir, "_data", e.Name())
		}
	}
	if inpPath == "" {
		t.Fatal("expected an inp-*.json run spec to have been written")
	}

	rootCmd.SetArgs([]string{"compute", inpPath})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("compute failed: %v", err)
	}
}
