package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/caldera-sim/simforge/internal/setting"
	"github.com/caldera-sim/simforge/internal/structure"
	"github.com/caldera-sim/simforge/internal/trajectory"
)

// fakeCapability is a Capability that never shells out: IRun appends
// framesPerRun frames directly to out.xyz, each one atom further along
// the x axis than the last, so tests can assert on frame count and
// ordering without an external engine binary.
type fakeCapability struct {
	framesPerRun int
	nextX        float64
}

func (f *fakeCapability) Name() string                  { return "fake" }
func (f *fakeCapability) DefaultTask() setting.Task      { return setting.TaskMin }
func (f *fakeCapability) SupportedTasks() []setting.Task { return []setting.Task{setting.TaskMin} }
func (f *fakeCapability) SavedFnames() []string          { return []string{"out.xyz"} }
func (f *fakeCapability) RemovedFnames() []string        { return []string{"out.xyz"} }
func (f *fakeCapability) DuplicatesBoundaryFrame() bool  { return true }

func (f *fakeCapability) IRun(ctx context.Context, dir string, atoms *structure.Structure, ds setting.DriverSetting, resumeSteps int) error {
	path := filepath.Join(dir, "out.xyz")
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	frames := make([]*structure.Structure, f.framesPerRun)
	for i := range frames {
		s := atoms.Minimal()
		s.Positions[0][0] = f.nextX
		f.nextX++
		frames[i] = s
	}
	return structure.WriteXYZ(file, frames)
}

func (f *fakeCapability) ReadTrajectorySegment(dir string) ([]trajectory.Frame, error) {
	path := filepath.Join(dir, "out.xyz")
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	frames, err := structure.ReadXYZ(file)
	if err != nil {
		return nil, err
	}
	out := make([]trajectory.Frame, len(frames))
	for i, s := range frames {
		out[i] = trajectory.Frame{Structure: s}
	}
	return out, nil
}

func (f *fakeCapability) ReadForceConvergence(dir string) (bool, error) { return true, nil }

// fakeConvergedCapability wraps fakeCapability but stamps a converged
// Fmax onto every frame it reads back, and counts IRun invocations so
// tests can assert the engine was not relaunched once converged.
type fakeConvergedCapability struct {
	fakeCapability
	irunCalls int
}

func (f *fakeConvergedCapability) IRun(ctx context.Context, dir string, atoms *structure.Structure, ds setting.DriverSetting, resumeSteps int) error {
	f.irunCalls++
	return f.fakeCapability.IRun(ctx, dir, atoms, ds, resumeSteps)
}

func (f *fakeConvergedCapability) ReadTrajectorySegment(dir string) ([]trajectory.Frame, error) {
	frames, err := f.fakeCapability.ReadTrajectorySegment(dir)
	if err != nil {
		return nil, err
	}
	fmax := 0.01
	for i := range frames {
		frames[i].Info.Fmax = &fmax
	}
	return frames, nil
}

func sampleAtoms() *structure.Structure {
	return &structure.Structure{
		Cell:      [3][3]float64{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
		PBC:       [3]bool{true, true, true},
		Symbols:   []string{"Ar"},
		Positions: [][3]float64{{0, 0, 0}},
	}
}

func minSetting() setting.DriverSetting {
	return setting.DriverSetting{
		Task:   setting.TaskMin,
		Common: setting.Common{Steps: 10},
		Min:    &setting.MinParams{MinStyle: "bfgs", Fmax: 0.05},
	}
}

func TestRunColdStartWritesFrames(t *testing.T) {
	cap := &fakeCapability{framesPerRun: 3}
	dir := filepath.Join(t.TempDir(), "wdir")
	d, err := NewDriver(cap, dir, minSetting(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Run(context.Background(), sampleAtoms(), true); err != nil {
		t.Fatal(err)
	}
	traj, err := d.ReadTrajectory()
	if err != nil {
		t.Fatal(err)
	}
	if traj.Len() != 3 {
		t.Fatalf("expected 3 frames after cold start, got %d", traj.Len())
	}
}

func TestRunResumeCheckpointsAndStitches(t *testing.T) {
	cap := &fakeCapability{framesPerRun: 3}
	dir := filepath.Join(t.TempDir(), "wdir")
	d, err := NewDriver(cap, dir, minSetting(), nil)
	if err != nil {
		t.Fatal(err)
	}
	atoms := sampleAtoms()
	if _, err := d.Run(context.Background(), atoms, true); err != nil {
		t.Fatal(err)
	}
	last, err := d.Run(context.Background(), atoms, true)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil {
		t.Fatal("expected non-nil final structure")
	}

	names, err := listRunDirs(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "0000.run" {
		t.Fatalf("expected exactly one checkpoint dir 0000.run, got %v", names)
	}

	traj, err := d.ReadTrajectory()
	if err != nil {
		t.Fatal(err)
	}
	// first run: 3 frames, last dropped as boundary duplicate; second
	// run: 3 more frames kept whole.
	if traj.Len() != 5 {
		t.Fatalf("expected 5 stitched frames, got %d", traj.Len())
	}
	for i := 1; i < traj.Len(); i++ {
		prevX := traj.Frames[i-1].Structure.Positions[0][0]
		currX := traj.Frames[i].Structure.Positions[0][0]
		if currX <= prevX {
			t.Fatalf("expected strictly increasing x across stitched frames at %d: %v -> %v", i, prevX, currX)
		}
	}
}

func TestRunSystemChangeDiscardsOldTrajectoryWithoutCheckpointing(t *testing.T) {
	cap := &fakeCapability{framesPerRun: 2}
	dir := filepath.Join(t.TempDir(), "wdir")
	d, err := NewDriver(cap, dir, minSetting(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Run(context.Background(), sampleAtoms(), true); err != nil {
		t.Fatal(err)
	}

	changed := sampleAtoms()
	changed.Positions[0][0] = 5.0
	if _, err := d.Run(context.Background(), changed, true); err != nil {
		t.Fatal(err)
	}

	// a system change tears down and runs from scratch; it must not
	// checkpoint the old (different-system) trajectory, or ReadTrajectory
	// would stitch the old system's frames in with the new one's.
	names, err := listRunDirs(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no checkpoint dirs after a system-change restart, got %v", names)
	}

	traj, err := d.ReadTrajectory()
	if err != nil {
		t.Fatal(err)
	}
	if traj.Len() != 2 {
		t.Fatalf("expected only the new system's 2 frames, got %d", traj.Len())
	}
}

func TestReadConvergenceMinTask(t *testing.T) {
	cap := &fakeCapability{framesPerRun: 1}
	dir := filepath.Join(t.TempDir(), "wdir")
	d, err := NewDriver(cap, dir, minSetting(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Run(context.Background(), sampleAtoms(), true); err != nil {
		t.Fatal(err)
	}
	// fakeCapability never sets Fmax on frames, so it stays nil and
	// convergence must report false rather than panic.
	ok, err := d.ReadConvergence()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected unconverged when no fmax was recorded")
	}
}

func TestRunOnAlreadyConvergedSystemDoesNotRelaunch(t *testing.T) {
	cap := &fakeConvergedCapability{fakeCapability: fakeCapability{framesPerRun: 3}}
	dir := filepath.Join(t.TempDir(), "wdir")
	d, err := NewDriver(cap, dir, minSetting(), nil)
	if err != nil {
		t.Fatal(err)
	}
	atoms := sampleAtoms()
	if _, err := d.Run(context.Background(), atoms, true); err != nil {
		t.Fatal(err)
	}
	firstTraj, err := d.ReadTrajectory()
	if err != nil {
		t.Fatal(err)
	}
	if firstTraj.Len() != 3 {
		t.Fatalf("expected 3 frames after the first run, got %d", firstTraj.Len())
	}
	if cap.irunCalls != 1 {
		t.Fatalf("expected exactly 1 engine launch so far, got %d", cap.irunCalls)
	}

	// same atoms again: the run is already converged, so Run must
	// return immediately without relaunching the engine or growing the
	// trajectory (spec §8.3).
	if _, err := d.Run(context.Background(), atoms, true); err != nil {
		t.Fatal(err)
	}
	if cap.irunCalls != 1 {
		t.Fatalf("expected the engine not to be relaunched on a converged system, got %d calls", cap.irunCalls)
	}

	secondTraj, err := d.ReadTrajectory()
	if err != nil {
		t.Fatal(err)
	}
	if secondTraj.Len() != firstTraj.Len() {
		t.Fatalf("expected trajectory length unchanged, got %d -> %d", firstTraj.Len(), secondTraj.Len())
	}

	names, err := listRunDirs(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no checkpoint dir for a converged run, got %v", names)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	for _, kind := range []string{"classical-md", "ab-initio", "ml-potential"} {
		cap, err := New(kind)
		if err != nil {
			t.Fatalf("expected %s to be registered: %v", kind, err)
		}
		if cap.Name() != kind {
			t.Fatalf("expected Name() == %q, got %q", kind, cap.Name())
		}
	}
	if _, err := New("nonexistent"); err == nil {
		t.Fatal("expected error for unregistered engine kind")
	}
}
