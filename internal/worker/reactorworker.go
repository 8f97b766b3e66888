package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/caldera-sim/simforge/internal/driver"
	"github.com/caldera-sim/simforge/internal/errs"
	"github.com/caldera-sim/simforge/internal/jobdb"
	"github.com/caldera-sim/simforge/internal/scheduler"
	"github.com/caldera-sim/simforge/internal/setting"
	"github.com/caldera-sim/simforge/internal/store"
	"github.com/caldera-sim/simforge/internal/structure"

	"github.com/google/uuid"
)

// Pair is one (IS, FS) reaction endpoint pair, the unit of work
// ReactorWorker batches instead of a single Structure (spec §4.4).
type Pair [2]*structure.Structure

// ReactorResult is one retrieved reaction path, read back as an
// ordered list of optimiser steps, each an ordered image chain with
// the endpoints pinned at positions 0 and len-1 (spec §4.4).
type ReactorResult struct {
	WDir      string
	PairID    int
	Steps     []driver.Chain
	Converged bool
}

// ReactorWorker is Worker's ReactorCapability-driven sibling: every
// wdir holds one reaction path rather than one structure, and its
// Driver is a Reactor running a string-method / NEB engine (spec
// §4.4). It shares Worker's store/JobDatabase/Scheduler plumbing by
// flattening each pair into two consecutive frames before handing them
// to the same content-addressed store.
type ReactorWorker struct {
	Dir         string
	BatchSize   int // pairs per batch, not frames
	ReactorKind string
	Setting     setting.DriverSetting

	MaxResubmissions int
	ReadConcurrency  int

	Scheduler scheduler.Scheduler
	Store     *store.InputStructureStore
	DB        *jobdb.DB

	Log *log.Logger
}

// NewReactorWorker builds a ReactorWorker rooted at dir. Unlike
// Worker, it is not wired to cmd/simforge's compute subcommand: the
// spec's external interface is scoped to single-structure batches
// (spec §6), so RunBatch is meant to be invoked in-process by whatever
// embeds this package rather than by a job script exec'd under a
// queue scheduler.
func NewReactorWorker(dir string, sched scheduler.Scheduler, reactorKind string, ds setting.DriverSetting, batchSize int, logger *log.Logger) (*ReactorWorker, error) {
	if batchSize <= 0 {
		return nil, &errs.ConfigurationError{Reason: "batchsize must be > 0"}
	}
	resolved, err := setting.Resolve(ds)
	if err != nil {
		return nil, err
	}
	if resolved.Task != setting.TaskRxn {
		return nil, &errs.ConfigurationError{Reason: "reactor worker requires task rxn"}
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
	return &ReactorWorker{
		Dir:              dir,
		BatchSize:        batchSize,
		ReactorKind:      reactorKind,
		Setting:          resolved,
		MaxResubmissions: defaultMaxResubmissions,
		ReadConcurrency:  defaultReadConcurrency,
		Scheduler:        sched,
		Store:            st,
		DB:               db,
		Log:              logger,
	}, nil
}

// Run preprocesses pairs, plans batches of BatchSize pairs, and
// submits every batch not already queued. Re-running with an
// identical set of pairs inserts zero new BatchRecords, the same
// guarantee Worker.Run makes (spec §8).
func (w *ReactorWorker) Run(ctx context.Context, pairs []Pair) error {
	if len(pairs) == 0 {
		return nil
	}

	frames := make([]*structure.Structure, 0, 2*len(pairs))
	for _, p := range pairs {
		frames = append(frames, p[0], p[1])
	}

	struID, _, startGlobalID, err := w.Store.Put(frames)
	if err != nil {
		return err
	}
	if startGlobalID%2 != 0 {
		return fmt.Errorf("worker: reactor store misaligned at global id %d, pairs must start on an even boundary", startGlobalID)
	}
	pairStart := startGlobalID / 2

	wdirs := make([]string, len(pairs))
	seen := make(map[string]bool, len(pairs))
	for i := range pairs {
		wdirs[i] = store.WDirName(pairStart + i)
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

	starts, ends := splitGroups(len(pairs), w.BatchSize)
	for ig, s := range starts {
		e := ends[ig]
		batchWdirs := wdirs[s:e]

		if alreadyQueued(queued, batchWdirs) {
			w.Log.Printf("reactor group-%d at %s was already submitted", ig, struID)
			continue
		}

		u, err := uuid.NewUUID()
		if err != nil {
			return fmt.Errorf("worker: generate batch uid: %w", err)
		}
		batchID := fmt.Sprintf("%s-group-%d", u.String(), ig)

		scriptPath := filepath.Join(w.Dir, fmt.Sprintf("run-%s.script", u.String()))
		userCommand := fmt.Sprintf("# reactor batch %s (stru_id=%s, group=%d): invoke ReactorWorker.RunBatch in-process", batchID, struID, ig)
		if err := w.Scheduler.Write(scriptPath, batchID, userCommand); err != nil {
			return &errs.SchedulerError{BatchID: batchID, Reason: err.Error()}
		}
		jobID, err := w.Scheduler.Submit(ctx, scriptPath)
		if err != nil {
			w.Log.Printf("submission refused for %s: %v", batchID, err)
			continue
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

// writeRunSpec persists the reactor run's configuration for review,
// the pair-aware analogue of Worker.writeRunSpec.
func (w *ReactorWorker) writeRunSpec(struID string) error {
	spec := RunSpec{
		DriverKind:    w.ReactorKind,
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

// RunBatch runs every pair of one already-planned batch directly
// in-process, one Reactor per wdir (worker/drive.py's
// CommandDriverBasedWorker._irun generalised to Chain-shaped work).
func (w *ReactorWorker) RunBatch(ctx context.Context, struID string, groupIndex int) error {
	rec, err := w.findBatchByGroup(struID, groupIndex)
	if err != nil {
		return err
	}
	frames, err := w.Store.Load(struID)
	if err != nil {
		return err
	}

	// The wdir names carry global pair ids, which count across every
	// batch stored under Dir; frames holds only struID's pairs, and this
	// group's first pair sits at groupIndex*BatchSize among them.
	pairStart := groupIndex * w.BatchSize
	for i, wdir := range rec.WDirNames {
		pairID := pairStart + i
		isIdx, fsIdx := 2*pairID, 2*pairID+1
		if fsIdx >= len(frames) {
			return fmt.Errorf("worker: batch %s references out-of-range pair id %d", rec.BatchID, pairID)
		}
		is, fs := frames[isIdx], frames[fsIdx]

		wdirPath := filepath.Join(w.Dir, wdir)
		if err := os.MkdirAll(wdirPath, 0o755); err != nil {
			return fmt.Errorf("worker: create %s: %w", wdirPath, err)
		}

		cap, err := driver.NewReactor(w.ReactorKind)
		if err != nil {
			return &errs.ConfigurationError{Reason: err.Error()}
		}
		r, err := driver.NewReactorDriver(cap, wdirPath, w.Setting)
		if err != nil {
			return err
		}
		if _, err := r.Run(ctx, is, fs); err != nil {
			var startupErr *errs.DriverStartupError
			if errors.As(err, &startupErr) {
				w.Log.Printf("reactor failed to start for %s: %v", wdir, err)
				continue
			}
			return err
		}
	}
	return nil
}

func (w *ReactorWorker) findBatchByGroup(struID string, groupIndex int) (*jobdb.BatchRecord, error) {
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

// Inspect mirrors Worker.Inspect: poll every queued batch's scheduler
// job, mark it finished once every wdir in it has a result on disk.
func (w *ReactorWorker) Inspect(ctx context.Context, resubmit bool) error {
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

		if w.batchComplete(rec.WDirNames) {
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

func (w *ReactorWorker) batchComplete(wdirs []string) bool {
	for _, wdir := range wdirs {
		if _, err := os.Stat(filepath.Join(w.Dir, wdir)); err != nil {
			return false
		}
	}
	return true
}

// Retrieve inspects, then reads every finished batch's reaction paths,
// bounding concurrent directory reads at ReadConcurrency.
func (w *ReactorWorker) Retrieve(ctx context.Context, includeRetrieved bool) ([]ReactorResult, error) {
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

	results := make([]ReactorResult, len(jobs))
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

func (w *ReactorWorker) readWDir(wdir string) (ReactorResult, error) {
	cap, err := driver.NewReactor(w.ReactorKind)
	if err != nil {
		return ReactorResult{}, &errs.ConfigurationError{Reason: err.Error()}
	}
	r, err := driver.NewReactorDriver(cap, filepath.Join(w.Dir, wdir), w.Setting)
	if err != nil {
		return ReactorResult{}, err
	}
	steps, err := r.ReadTrajectory()
	if err != nil {
		return ReactorResult{}, err
	}
	if len(steps) == 0 {
		w.Log.Printf("no readable steps in %s", wdir)
		return ReactorResult{WDir: wdir, PairID: globalIDFromWDir(wdir)}, nil
	}

	converged, err := r.ReadConvergence()
	if err != nil {
		return ReactorResult{}, err
	}
	if !converged {
		w.Log.Printf("reaction path at %s has not converged", wdir)
	}
	return ReactorResult{WDir: wdir, PairID: globalIDFromWDir(wdir), Steps: steps, Converged: converged}, nil
}
