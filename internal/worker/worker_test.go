package worker

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/caldera-sim/simforge/internal/driver"
	"github.com/caldera-sim/simforge/internal/jobdb"
	"github.com/caldera-sim/simforge/internal/scheduler"
	"github.com/caldera-sim/simforge/internal/setting"
	"github.com/caldera-sim/simforge/internal/store"
	"github.com/caldera-sim/simforge/internal/structure"
	"github.com/caldera-sim/simforge/internal/trajectory"
)

// fakeSPCCapability is a single-point Capability that never shells
// out: IRun writes atoms back unchanged to out.xyz, the same role
// driver_test.go's fakeCapability plays for internal/driver's own
// tests.
type fakeSPCCapability struct{}

func (fakeSPCCapability) Name() string                  { return "fake-spc" }
func (fakeSPCCapability) DefaultTask() setting.Task      { return setting.TaskSPC }
func (fakeSPCCapability) SupportedTasks() []setting.Task { return []setting.Task{setting.TaskSPC} }
func (fakeSPCCapability) SavedFnames() []string          { return []string{"out.xyz"} }
func (fakeSPCCapability) RemovedFnames() []string        { return []string{"out.xyz"} }
func (fakeSPCCapability) DuplicatesBoundaryFrame() bool  { return true }

func (fakeSPCCapability) IRun(ctx context.Context, dir string, atoms *structure.Structure, ds setting.DriverSetting, resumeSteps int) error {
	f, err := os.Create(filepath.Join(dir, "out.xyz"))
	if err != nil {
		return err
	}
	defer f.Close()
	return structure.WriteXYZ(f, []*structure.Structure{atoms.Minimal()})
}

func (fakeSPCCapability) ReadTrajectorySegment(dir string) ([]trajectory.Frame, error) {
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

func (fakeSPCCapability) ReadForceConvergence(dir string) (bool, error) { return true, nil }

func init() {
	driver.Register("fake-spc", func() driver.Capability { return fakeSPCCapability{} })
}

func testSetting() setting.DriverSetting {
	return setting.DriverSetting{Task: setting.TaskSPC}
}

func sampleFrames(n int) []*structure.Structure {
	frames := make([]*structure.Structure, n)
	for i := range frames {
		frames[i] = &structure.Structure{
			Cell:      [3][3]float64{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
			PBC:       [3]bool{true, true, true},
			Symbols:   []string{"Ar"},
			Positions: [][3]float64{{float64(i), 0, 0}},
		}
	}
	return frames
}

// groupIndexOf extracts the group index embedded in rec.BatchID's
// "-group-N" suffix. SearchQueued's order comes from a map snapshot
// and carries no relation to N, so tests that drive RunBatch across
// every queued record must recover N this way rather than assuming
// slice position equals group index.
func groupIndexOf(t *testing.T, rec *jobdb.BatchRecord) int {
	t.Helper()
	idx := strings.LastIndex(rec.BatchID, "-group-")
	if idx < 0 {
		t.Fatalf("batch id %q has no -group-N suffix", rec.BatchID)
	}
	n, err := strconv.Atoi(rec.BatchID[idx+len("-group-"):])
	if err != nil {
		t.Fatalf("batch id %q has malformed group suffix: %v", rec.BatchID, err)
	}
	return n
}

func newTestWorker(t *testing.T, batchSize int) *Worker {
	t.Helper()
	sch, err := scheduler.New(context.Background(), scheduler.Config{Kind: "local"})
	if err != nil {
		t.Fatal(err)
	}
	w, err := New(t.TempDir(), sch, "fake-spc", testSetting(), batchSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestSplitGroupsMatchesWorkedExamples(t *testing.T) {
	cases := []struct {
		n, b       int
		wantStarts []int
		wantEnds   []int
	}{
		{3, 2, []int{0, 2}, []int{2, 3}},
		{5, 2, []int{0, 2, 4}, []int{2, 4, 5}},
		{4, 2, []int{0, 2}, []int{2, 4}},
	}
	for _, c := range cases {
		starts, ends := splitGroups(c.n, c.b)
		if len(starts) != len(c.wantStarts) {
			t.Fatalf("n=%d b=%d: got %d groups, want %d", c.n, c.b, len(starts), len(c.wantStarts))
		}
		for i := range starts {
			if starts[i] != c.wantStarts[i] || ends[i] != c.wantEnds[i] {
				t.Fatalf("n=%d b=%d: group %d = [%d,%d), want [%d,%d)", c.n, c.b, i, starts[i], ends[i], c.wantStarts[i], c.wantEnds[i])
			}
		}
	}
}

func TestRunPartitionsWDirsDisjointAndComplete(t *testing.T) {
	w := newTestWorker(t, 2)
	frames := sampleFrames(5)
	if err := w.Run(context.Background(), frames); err != nil {
		t.Fatal(err)
	}

	queued, err := w.DB.SearchQueued()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 3 {
		t.Fatalf("expected ceil(5/2)=3 BatchRecords, got %d", len(queued))
	}

	seen := make(map[string]bool)
	for _, rec := range queued {
		for _, wdir := range rec.WDirNames {
			if seen[wdir] {
				t.Fatalf("wdir %s appears in more than one batch", wdir)
			}
			seen[wdir] = true
		}
	}
	for i := 0; i < 5; i++ {
		wdir := store.WDirName(i)
		if !seen[wdir] {
			t.Fatalf("expected wdir %s to be covered by some batch", wdir)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	w := newTestWorker(t, 2)
	frames := sampleFrames(3)
	if err := w.Run(context.Background(), frames); err != nil {
		t.Fatal(err)
	}
	first, _ := w.DB.SearchQueued()

	if err := w.Run(context.Background(), frames); err != nil {
		t.Fatal(err)
	}
	second, _ := w.DB.SearchQueued()

	if len(first) != len(second) {
		t.Fatalf("re-running Run with identical frames inserted new BatchRecords: %d -> %d", len(first), len(second))
	}
}

func TestRunBatchAndRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, 2)
	frames := sampleFrames(3)
	if err := w.Run(ctx, frames); err != nil {
		t.Fatal(err)
	}

	queued, err := w.DB.SearchQueued()
	if err != nil {
		t.Fatal(err)
	}
	struID := queued[0].StruID
	for _, rec := range queued {
		if err := w.RunBatch(ctx, struID, groupIndexOf(t, rec)); err != nil {
			t.Fatal(err)
		}
	}

	results, err := w.Retrieve(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, res := range results {
		if res.Trajectory == nil || res.Trajectory.Last() == nil {
			t.Fatalf("expected a readable trajectory for %s, got %+v", res.WDir, res)
		}
	}

	finished, err := w.DB.SearchFinished()
	if err != nil {
		t.Fatal(err)
	}
	if len(finished) != 0 {
		t.Fatalf("expected zero unretrieved-finished records after Retrieve, got %d", len(finished))
	}
}

