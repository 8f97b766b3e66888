package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/caldera-sim/simforge/internal/driver"
	"github.com/caldera-sim/simforge/internal/scheduler"
	"github.com/caldera-sim/simforge/internal/setting"
	"github.com/caldera-sim/simforge/internal/structure"
)

// fakeReactorCapability is a ReactorCapability that never shells out:
// IRun interpolates a straight-line chain between is and fs and writes
// it as a single optimiser step, already converged.
type fakeReactorCapability struct{}

func (fakeReactorCapability) Name() string           { return "fake-reactor" }
func (fakeReactorCapability) SavedFnames() []string   { return []string{"steps.xyz", "converged"} }
func (fakeReactorCapability) RemovedFnames() []string { return []string{"steps.xyz", "converged"} }

func (fakeReactorCapability) IRun(ctx context.Context, dir string, is, fs *structure.Structure, ds setting.DriverSetting, resumeSteps int) error {
	chain := make([]*structure.Structure, ds.Rxn.NImages)
	chain[0] = is.Minimal()
	chain[len(chain)-1] = fs.Minimal()
	for i := 1; i < len(chain)-1; i++ {
		chain[i] = is.Minimal()
	}
	f, err := os.Create(filepath.Join(dir, "steps.xyz"))
	if err != nil {
		return err
	}
	if err := structure.WriteXYZ(f, chain); err != nil {
		f.Close()
		return err
	}
	f.Close()
	return os.WriteFile(filepath.Join(dir, "converged"), []byte("1"), 0o644)
}

func (fakeReactorCapability) ReadSteps(dir string) ([]driver.Chain, error) {
	path := filepath.Join(dir, "steps.xyz")
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
	return []driver.Chain{driver.Chain(frames)}, nil
}

func (fakeReactorCapability) ReadEngineConverged(dir string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, "converged"))
	if err != nil {
		return false, nil
	}
	return string(data) == "1", nil
}

func (fakeReactorCapability) ReadClimbingFmax(dir string) (float64, bool, error) {
	return 0, true, nil
}

func init() {
	driver.RegisterReactor("fake-reactor", func() driver.ReactorCapability { return fakeReactorCapability{} })
}

func rxnSetting() setting.DriverSetting {
	return setting.DriverSetting{
		Task:   setting.TaskRxn,
		Common: setting.Common{Steps: 10},
		Rxn:    &setting.RxnParams{NImages: 3, Fmax: 0.05},
	}
}

func samplePair() Pair {
	is := &structure.Structure{
		Cell:      [3][3]float64{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
		PBC:       [3]bool{true, true, true},
		Symbols:   []string{"Ar"},
		Positions: [][3]float64{{0, 0, 0}},
	}
	fs := &structure.Structure{
		Cell:      [3][3]float64{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
		PBC:       [3]bool{true, true, true},
		Symbols:   []string{"Ar"},
		Positions: [][3]float64{{1, 0, 0}},
	}
	return Pair{is, fs}
}

func newTestReactorWorker(t *testing.T, batchSize int) *ReactorWorker {
	t.Helper()
	sch, err := scheduler.New(context.Background(), scheduler.Config{Kind: "local"})
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewReactorWorker(t.TempDir(), sch, "fake-reactor", rxnSetting(), batchSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.DB.Close() })
	return w
}

func TestReactorRunPlansOnePairPerWDir(t *testing.T) {
	ctx := context.Background()
	w := newTestReactorWorker(t, 2)
	pairs := []Pair{samplePair(), samplePair(), samplePair()}
	if err := w.Run(ctx, pairs); err != nil {
		t.Fatal(err)
	}
	queued, err := w.DB.SearchQueued()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected ceil(3/2)=2 BatchRecords, got %d", len(queued))
	}
	total := 0
	for _, rec := range queued {
		total += len(rec.WDirNames)
	}
	if total != 3 {
		t.Fatalf("expected 3 wdirs total across batches, got %d", total)
	}
}

func TestReactorRunBatchAndRetrieve(t *testing.T) {
	ctx := context.Background()
	w := newTestReactorWorker(t, 2)
	pairs := []Pair{samplePair(), samplePair()}
	if err := w.Run(ctx, pairs); err != nil {
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
	if len(results) != 2 {
		t.Fatalf("expected 2 reaction paths, got %d", len(results))
	}
	for _, res := range results {
		if len(res.Steps) == 0 {
			t.Fatalf("expected at least one optimiser step for %s", res.WDir)
		}
		if len(res.Steps[0]) != 3 {
			t.Fatalf("expected 3 images per step (nimages=3), got %d", len(res.Steps[0]))
		}
		if !res.Converged {
			t.Fatalf("expected %s to be converged", res.WDir)
		}
	}
}
