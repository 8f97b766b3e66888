// Package worker implements Worker, the orchestrator that batches
// input structures, submits them through a Scheduler, and retrieves
// their trajectories once an engine finishes (spec.md §4.3).
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/caldera-sim/simforge/internal/driver"
	"github.com/caldera-sim/simforge/internal/errs"
	"github.com/caldera-sim/simforge/internal/jobdb"
	"github.com/caldera-sim/simforge/internal/scheduler"
	"github.com/caldera-sim/simforge/internal/setting"
	"github.com/caldera-sim/simforge/internal/store"
	"github.com/caldera-sim/simforge/internal/structure"
	"github.com/caldera-sim/simforge/internal/trajectory"

	"github.com/google/uuid"
)

// defaultMaxResubmissions resolves spec §9's open question on bounded
// resubmission: the source resubmits unconditionally, which this
// production design declines to imitate.
const defaultMaxResubmissions = 3

// defaultReadConcurrency bounds how many working directories Retrieve
// reads in parallel (spec §4.3.4), the Go replacement for
// worker/drive.py's joblib.Parallel(n_jobs=...) pool.
const defaultReadConcurrency = 8

// RunSpec is the full run specification persisted to
// _data/inp-{stru_id}.json for review (spec §6).
type RunSpec struct {
	DriverKind    string                `json:"driver_kind"`
	Setting       setting.DriverSetting `json:"setting"`
	SchedulerKind string                `json:"scheduler_kind"`
	BatchSize     int                   `json:"batch_size"`
}

// Result is one retrieved structure or trajectory, tagged with the
// wdir and confid it came from (the Go counterpart of the frames that
// worker/drive.py's _iread_results stamps with info["confid"]/
// info["wdir"]).
type Result struct {
	WDir       string
	ConfID     int
	Structure  *structure.Structure   // set when reading converged single-point results
	Trajectory *trajectory.Trajectory // set when reading full trajectories
	Error      bool
}

// Worker batches structures under Dir, submits each batch through a
// Scheduler, and retrieves finished trajectories. It is single-writer
// per directory: concurrent Workers on the same Dir are undefined
// behaviour the caller must prevent (spec §5).
type Worker struct {
	Dir        string
	BatchSize  int
	DriverKind string
	Setting    setting.DriverSetting

	// Compact switches RunBatch/Inspect/Retrieve to SingleWorker's
	// policy of reusing one _shared/ directory and recording results in
	// _data/cached.xyz instead of one cand{id}/ directory per structure
	// (spec §4.3.5).
	Compact bool

	MaxResubmissions int
	ReadConcurrency  int

	Scheduler scheduler.Scheduler
	Store     *store.InputStructureStore
	DB        *jobdb.DB

	Log *log.Logger
}

// New builds a Worker rooted at dir, opening its InputStructureStore
// and the JobDatabase file conventional for sched's kind (spec §6).
func New(dir string, sched scheduler.Scheduler, driverKind string, ds setting.DriverSetting, batchSize int, logger *log.Logger) (*Worker, error) {
	if batchSize <= 0 {
		return nil, &errs.ConfigurationError{Reason: "batchsize must be > 0"}
	}
	resolved, err := setting.Resolve(ds)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("worker: create %s: %w", dir, err)
	}
	st, err := store.New(filepath.Join(dir, "_data"))
	if err != nil {
		return nil, err
	}
	db, err := jobdb.Open(jobdb.PathFor(dir, sched.Kind()))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(log.Writer(), "", 0)
	}
	return &Worker{
		Dir:              dir,
		BatchSize:        batchSize,
		DriverKind:       driverKind,
		Setting:          resolved,
		MaxResubmissions: defaultMaxResubmissions,
		ReadConcurrency:  defaultReadConcurrency,
		Scheduler:        sched,
		Store:            st,
		DB:               db,
		Log:              logger,
	}, nil
}

// splitGroups partitions nframes into batches of batchsize, the last
// one short if nframes is not a multiple of batchsize, matching
// worker/drive.py:_split_groups exactly (including its
// floor-then-append-remainder construction).
func splitGroups(nframes, batchsize int) (starts, ends []int) {
	ngroups := nframes / batchsize
	bounds := []int{0}
	for i := 0; i < ngroups; i++ {
		bounds = append(bounds, (i+1)*batchsize)
	}
	if bounds[len(bounds)-1] != nframes {
		bounds = append(bounds, nframes)
	}
	starts = bounds[:len(bounds)-1]
	ends = bounds[1:]
	return starts, ends
}

// NumGroups returns how many batch groups struID's input was split
// into, letting a caller (cmd/simforge's compute subcommand) iterate
// "all batches" without reaching into unexported planning state.
func (w *Worker) NumGroups(struID string) (int, error) {
	frames, err := w.Store.Load(struID)
	if err != nil {
		return 0, err
	}
	starts, _ := splitGroups(len(frames), w.BatchSize)
	return len(starts), nil
}

func sameWDirSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := append([]string(nil), a...), append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// Run preprocesses frames into the content-addressed store, plans
// batches, and submits every batch not already queued (spec §4.3.1-3).
// Re-running with identical frames inserts zero new BatchRecords.
func (w *Worker) Run(ctx context.Context, frames []*structure.Structure) error {
	if len(frames) == 0 {
		return nil
	}

	struID, _, startGlobalID, err := w.Store.Put(frames)
	if err != nil {
		return err
	}

	globalIDs := store.GlobalIDs(startGlobalID, len(frames))
	wdirs := make([]string, len(frames))
	seen := make(map[string]bool, len(frames))
	for i, id := range globalIDs {
		wdirs[i] = store.WDirName(id)
		if seen[wdirs[i]] {
			return fmt.Errorf("worker: duplicate wdir %s across input batch", wdirs[i])
		}
		seen[wdirs[i]] = true
	}

	if err := w.writeRunSpec(struID); err != nil {
		return err
	}

	queued, err := w.DB.FindQueuedByStruID(struID)
	if err != nil {
		return err
	}

	starts, ends := splitGroups(len(frames), w.BatchSize)
	for ig, s := range starts {
		e := ends[ig]
		batchWdirs := wdirs[s:e]

		if alreadyQueued(queued, batchWdirs) {
			w.Log.Printf("group-%d at %s was already submitted", ig, struID)
			continue
		}

		u, err := uuid.NewUUID()
		if err != nil {
			return fmt.Errorf("worker: generate batch uid: %w", err)
		}
		batchID := fmt.Sprintf("%s-group-%d", u.String(), ig)

		jobID, err := w.submitBatch(ctx, u.String(), batchID, struID, ig, batchWdirs)
		if err != nil {
			var schedErr *errs.SchedulerError
			if errors.As(err, &schedErr) {
				w.Log.Printf("submission refused for %s: %v", batchID, err)
				continue
			}
			return err
		}

		if _, err := w.DB.Insert(jobdb.BatchRecord{
			UID:       u.String(),
			StruID:    struID,
			BatchID:   batchID,
			WDirNames: batchWdirs,
			JobID:     jobID,
			Queued:    true,
		}); err != nil {
			return err
		}
	}
	return nil
}

func alreadyQueued(queued []*jobdb.BatchRecord, wdirs []string) bool {
	for _, rec := range queued {
		if sameWDirSet(rec.WDirNames, wdirs) {
			return true
		}
	}
	return false
}

func (w *Worker) writeRunSpec(struID string) error {
	spec := RunSpec{
		DriverKind:    w.DriverKind,
		Setting:       w.Setting,
		SchedulerKind: w.Scheduler.Kind(),
		BatchSize:     w.BatchSize,
	}
	path := filepath.Join(w.Dir, "_data", fmt.Sprintf("inp-%s.json", struID))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("worker: write run spec: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(spec)
}

// submitBatch writes the job script and the queue-scheduler
// configuration snapshot, then hands the batch to the Scheduler
// (spec.py's QueueDriverBasedWorker._irun, generalised over any
// Scheduler realisation rather than one queue backend).
func (w *Worker) submitBatch(ctx context.Context, uid, batchID, struID string, groupIndex int, wdirs []string) (jobID string, err error) {
	cfgPath := filepath.Join(w.Dir, fmt.Sprintf("worker-%s.yaml", uid))
	cfg := workerSnapshot{
		DriverKind: w.DriverKind,
		Setting:    w.Setting,
		BatchSize:  w.BatchSize,
		StruID:     struID,
		GroupIndex: groupIndex,
		WDirNames:  wdirs,
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("worker: marshal worker snapshot: %w", err)
	}
	if err := os.WriteFile(cfgPath, raw, 0o644); err != nil {
		return "", fmt.Errorf("worker: write worker snapshot: %w", err)
	}

	scriptPath := filepath.Join(w.Dir, fmt.Sprintf("run-%s.script", uid))
	inpPath := filepath.Join(w.Dir, "_data", fmt.Sprintf("inp-%s.json", struID))
	userCommand := fmt.Sprintf("simforge compute %s --batch %d", inpPath, groupIndex)

	if err := w.Scheduler.Write(scriptPath, batchID, userCommand); err != nil {
		return "", &errs.SchedulerError{BatchID: batchID, Reason: err.Error()}
	}
	jobID, err = w.Scheduler.Submit(ctx, scriptPath)
	if err != nil {
		return "", &errs.SchedulerError{BatchID: batchID, Reason: err.Error()}
	}
	return jobID, nil
}

// workerSnapshot is the worker-{uid}.yaml configuration file (spec §6),
// written for every submitted batch whichever Scheduler realisation
// runs it, the Go analogue of drive.py's
// worker_params dict dumped via yaml.dump.
type workerSnapshot struct {
	DriverKind string                `yaml:"driver_kind"`
	Setting    setting.DriverSetting `yaml:"setting"`
	BatchSize  int                   `yaml:"batch_size"`
	StruID     string                `yaml:"stru_id"`
	GroupIndex int                   `yaml:"group_index"`
	WDirNames  []string              `yaml:"wdir_names"`
}

// RunBatch executes every structure of one already-planned batch
// directly in-process: it reads the batch's frames back out of the
// content store and runs the configured Driver against each
// cand{global_id}/ directory in turn (worker/drive.py's
// CommandDriverBasedWorker._irun, non-compact branch). cmd/simforge's
// compute subcommand calls this when it is itself invoked as a job
// script body.
func (w *Worker) RunBatch(ctx context.Context, struID string, groupIndex int) error {
	rec, err := w.findBatchByGroup(struID, groupIndex)
	if err != nil {
		return err
	}
	frames, err := w.Store.Load(struID)
	if err != nil {
		return err
	}

	// The wdir names carry global ids, which count across every batch
	// stored under Dir; frames holds only struID's structures, and this
	// group's first one sits at groupIndex*BatchSize among them.
	start := groupIndex * w.BatchSize
	if w.Compact {
		return w.runBatchCompact(ctx, rec, frames, start)
	}

	for i, wdir := range rec.WDirNames {
		idx := start + i
		if idx >= len(frames) {
			return fmt.Errorf("worker: batch %s references out-of-range structure index %d", rec.BatchID, idx)
		}
		atoms := frames[idx]
		wdirPath := filepath.Join(w.Dir, wdir)
		if err := os.MkdirAll(wdirPath, 0o755); err != nil {
			return fmt.Errorf("worker: create %s: %w", wdirPath, err)
		}

		cap, err := driver.New(w.DriverKind)
		if err != nil {
			return &errs.ConfigurationError{Reason: err.Error()}
		}
		d, err := driver.NewDriver(cap, wdirPath, w.Setting, w.Log)
		if err != nil {
			return err
		}
		if _, err := d.Run(ctx, atoms, true); err != nil {
			var startupErr *errs.DriverStartupError
			if errors.As(err, &startupErr) {
				w.Log.Printf("driver failed to start for %s: %v", wdir, err)
				continue
			}
			var emptyErr *errs.TrajectoryEmpty
			if errors.As(err, &emptyErr) {
				w.Log.Printf("no readable frames for %s: %v", wdir, err)
				continue
			}
			return err
		}
	}
	return nil
}

func globalIDFromWDir(wdir string) int {
	var n int
	fmt.Sscanf(wdir, "cand%d", &n)
	return n
}

func (w *Worker) findBatchByGroup(struID string, groupIndex int) (*jobdb.BatchRecord, error) {
	queued, err := w.DB.FindQueuedByStruID(struID)
	if err != nil {
		return nil, err
	}
	suffix := fmt.Sprintf("-group-%d", groupIndex)
	for _, rec := range queued {
		if len(rec.BatchID) >= len(suffix) && rec.BatchID[len(rec.BatchID)-len(suffix):] == suffix {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("worker: no queued batch group-%d for stru_id %s", groupIndex, struID)
}

// Inspect polls every queued batch's scheduler job; a batch whose job
// has ended is verified for wdir completeness before being marked
// finished. If resubmit is set, an incomplete batch whose job ended is
// resubmitted up to MaxResubmissions times (spec §4.3.3, §9's bounded
// resubmission decision).
func (w *Worker) Inspect(ctx context.Context, resubmit bool) error {
	queued, err := w.DB.SearchQueued()
	if err != nil {
		return err
	}
	for _, rec := range queued {
		scriptPath := filepath.Join(w.Dir, fmt.Sprintf("run-%s.script", rec.UID))

		done, err := w.Scheduler.IsFinished(ctx, rec.JobID)
		if err != nil {
			w.Log.Printf("inspect: transient error polling %s: %v", rec.BatchID, err)
			continue
		}
		if !done {
			w.Log.Printf("%s is running...", rec.BatchID)
			continue
		}

		complete := w.batchComplete(rec.WDirNames)
		if complete {
			w.Log.Printf("%s is finished...", rec.BatchID)
			if err := w.DB.Update(rec.DocID, jobdb.BatchRecord{Finished: true}); err != nil {
				return err
			}
			continue
		}

		if !resubmit {
			w.Log.Printf("%s ended without finishing all wdirs; waiting", rec.BatchID)
			continue
		}
		if rec.ResubmitCount >= w.MaxResubmissions {
			w.Log.Printf("%s exceeded max resubmissions (%d); leaving queued", rec.BatchID, w.MaxResubmissions)
			continue
		}
		newJobID, err := w.Scheduler.Submit(ctx, scriptPath)
		if err != nil {
			w.Log.Printf("resubmit failed for %s: %v", rec.BatchID, err)
			continue
		}
		w.Log.Printf("%s is re-submitted (attempt %d)", rec.BatchID, rec.ResubmitCount+1)
		if err := w.DB.Update(rec.DocID, jobdb.BatchRecord{ResubmitCount: rec.ResubmitCount + 1, JobID: newJobID}); err != nil {
			return err
		}
	}
	return nil
}

// batchComplete reports whether every wdir in the batch has a result:
// a cand{id}/ directory in non-compact mode, or an entry in
// _data/cached.meta in compact mode (worker/drive.py inspect's
// self._compact branch).
func (w *Worker) batchComplete(wdirs []string) bool {
	if w.Compact {
		cached, err := readCachedWDirs(w.cachedMetaPath())
		if err != nil {
			return false
		}
		for _, wdir := range wdirs {
			if !cached[wdir] {
				return false
			}
		}
		return true
	}
	for _, wdir := range wdirs {
		if _, err := os.Stat(filepath.Join(w.Dir, wdir)); err != nil {
			return false
		}
	}
	return true
}

// Retrieve inspects, then reads the trajectory of every finished batch
// (unretrieved ones unless includeRetrieved is set), bounding
// concurrent directory reads at ReadConcurrency (spec §4.3.4, the Go
// replacement for worker/drive.py's joblib.Parallel read pool).
func (w *Worker) Retrieve(ctx context.Context, includeRetrieved bool) ([]Result, error) {
	if err := w.Inspect(ctx, false); err != nil {
		return nil, err
	}

	var recs []*jobdb.BatchRecord
	var err error
	if includeRetrieved {
		recs, err = w.DB.SearchAllFinished()
	} else {
		recs, err = w.DB.SearchFinished()
	}
	if err != nil {
		return nil, err
	}

	var jobs []wdirJob
	for _, rec := range recs {
		for _, wdir := range rec.WDirNames {
			jobs = append(jobs, wdirJob{wdir: wdir, rec: rec})
		}
	}

	if w.Compact {
		return w.retrieveCompact(jobs, recs)
	}

	results := make([]Result, len(jobs))
	sem := semaphore.NewWeighted(int64(w.ReadConcurrency))
	g, gctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			res, err := w.readWDir(job.wdir)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, rec := range recs {
		if err := w.DB.Update(rec.DocID, jobdb.BatchRecord{Retrieved: true}); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// wdirJob pairs a wdir with the BatchRecord that produced it, used by
// Retrieve to flatten every finished batch's wdirs into one read list.
type wdirJob struct {
	wdir string
	rec  *jobdb.BatchRecord
}

func (w *Worker) readWDir(wdir string) (Result, error) {
	cap, err := driver.New(w.DriverKind)
	if err != nil {
		return Result{}, &errs.ConfigurationError{Reason: err.Error()}
	}
	d, err := driver.NewDriver(cap, filepath.Join(w.Dir, wdir), w.Setting, w.Log)
	if err != nil {
		return Result{}, err
	}
	traj, err := d.ReadTrajectory()
	if err != nil {
		return Result{}, err
	}
	last := traj.Last()
	if last == nil {
		w.Log.Printf("no readable frames in %s", wdir)
		return Result{WDir: wdir, ConfID: globalIDFromWDir(wdir)}, nil
	}
	errored := last.Info.Error
	if errored {
		w.Log.Printf("found failed calculation at %s", wdir)
	}
	return Result{WDir: wdir, ConfID: globalIDFromWDir(wdir), Trajectory: traj, Error: errored}, nil
}

// Close releases the Worker's JobDatabase lock handle.
func (w *Worker) Close() error {
	return w.DB.Close()
}
