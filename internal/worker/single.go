package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/caldera-sim/simforge/internal/driver"
	"github.com/caldera-sim/simforge/internal/errs"
	"github.com/caldera-sim/simforge/internal/jobdb"
	"github.com/caldera-sim/simforge/internal/scheduler"
	"github.com/caldera-sim/simforge/internal/setting"
	"github.com/caldera-sim/simforge/internal/structure"
)

// cachedXYZName and cachedMetaName are compact mode's shared result
// files: one append-only trajectory of converged structures plus a
// parallel wdir tag per appended frame (worker/drive.py's cached.xyz,
// generalised with a sidecar since the XYZ codec carries no per-frame
// metadata columns).
const (
	cachedXYZName  = "cached.xyz"
	cachedMetaName = "cached.meta"
)

// NewSingleWorker builds a Worker configured for compact mode: every
// structure in a batch is run sequentially against one shared _shared/
// directory instead of one cand{id}/ directory apiece, trading
// per-structure isolation for far fewer files on disk (spec §4.3.5).
// Intended for cheap single-point engines where restart checkpointing
// is unnecessary.
func NewSingleWorker(dir string, sched scheduler.Scheduler, driverKind string, ds setting.DriverSetting, batchSize int, logger *log.Logger) (*Worker, error) {
	w, err := New(dir, sched, driverKind, ds, batchSize, logger)
	if err != nil {
		return nil, err
	}
	w.Compact = true
	return w, nil
}

func (w *Worker) cachedMetaPath() string {
	return filepath.Join(w.Dir, "_data", cachedMetaName)
}

func (w *Worker) cachedXYZPath() string {
	return filepath.Join(w.Dir, "_data", cachedXYZName)
}

// readCachedWDirs returns the set of wdirs already recorded in
// cached.meta. A missing file means nothing has been cached yet.
func readCachedWDirs(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("worker: read %s: %w", path, err)
	}
	defer f.Close()

	wdirs := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			wdirs[line] = true
		}
	}
	return wdirs, scanner.Err()
}

// appendCached appends final to _data/cached.xyz and tags it with wdir
// in _data/cached.meta, in that order — a reader that sees the tag
// always sees a matching frame.
func (w *Worker) appendCached(wdir string, final *structure.Structure) error {
	xyzFile, err := os.OpenFile(w.cachedXYZPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("worker: open %s: %w", w.cachedXYZPath(), err)
	}
	defer xyzFile.Close()
	if err := structure.WriteXYZ(xyzFile, []*structure.Structure{final}); err != nil {
		return fmt.Errorf("worker: append %s: %w", w.cachedXYZPath(), err)
	}

	metaFile, err := os.OpenFile(w.cachedMetaPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("worker: open %s: %w", w.cachedMetaPath(), err)
	}
	defer metaFile.Close()
	_, err = fmt.Fprintln(metaFile, wdir)
	return err
}

// runBatchCompact runs every not-yet-cached structure of a batch
// sequentially against one shared driver.Driver bound to _shared/,
// appending each final structure to cached.xyz (worker/drive.py
// CommandDriverBasedWorker._irun's compact branch). Reusing one Driver
// instance across the loop matters: its internal notion of the
// previous structure is what lets Run detect a changed system and
// discard _shared/'s old files, running each new structure from
// scratch instead of wrongly resuming the prior one's state. start is
// the index of the batch's first structure within frames. _shared/ is
// emptied first, since a new Driver has no record of which structure
// it last held.
func (w *Worker) runBatchCompact(ctx context.Context, rec *jobdb.BatchRecord, frames []*structure.Structure, start int) error {
	sharedDir := filepath.Join(w.Dir, "_shared")
	if err := os.RemoveAll(sharedDir); err != nil {
		return fmt.Errorf("worker: clear %s: %w", sharedDir, err)
	}
	if err := os.MkdirAll(sharedDir, 0o755); err != nil {
		return fmt.Errorf("worker: create %s: %w", sharedDir, err)
	}

	cached, err := readCachedWDirs(w.cachedMetaPath())
	if err != nil {
		return err
	}

	cap, err := driver.New(w.DriverKind)
	if err != nil {
		return &errs.ConfigurationError{Reason: err.Error()}
	}
	d, err := driver.NewDriver(cap, sharedDir, w.Setting, w.Log)
	if err != nil {
		return err
	}

	for i, wdir := range rec.WDirNames {
		if cached[wdir] {
			continue
		}
		idx := start + i
		if idx >= len(frames) {
			return fmt.Errorf("worker: batch %s references out-of-range structure index %d", rec.BatchID, idx)
		}
		atoms := frames[idx]

		final, err := d.Run(ctx, atoms, true)
		if err != nil {
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
		if err := w.appendCached(wdir, final); err != nil {
			return err
		}
	}
	return nil
}

// retrieveCompact reads every requested wdir's converged structure out
// of cached.xyz/cached.meta in one pass, rather than opening a Driver
// per wdir (worker/drive.py retrieve's self._compact branch).
func (w *Worker) retrieveCompact(jobs []wdirJob, recs []*jobdb.BatchRecord) ([]Result, error) {
	metaFile, err := os.Open(w.cachedMetaPath())
	if err != nil {
		return nil, fmt.Errorf("worker: read %s: %w", w.cachedMetaPath(), err)
	}
	var order []string
	scanner := bufio.NewScanner(metaFile)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			order = append(order, line)
		}
	}
	metaFile.Close()
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	xyzFile, err := os.Open(w.cachedXYZPath())
	if err != nil {
		return nil, fmt.Errorf("worker: read %s: %w", w.cachedXYZPath(), err)
	}
	cachedFrames, err := structure.ReadXYZ(xyzFile)
	xyzFile.Close()
	if err != nil {
		return nil, err
	}
	if len(cachedFrames) != len(order) {
		return nil, fmt.Errorf("worker: %s has %d frames but %s tags %d", cachedXYZName, len(cachedFrames), cachedMetaName, len(order))
	}

	byWDir := make(map[string]*structure.Structure, len(order))
	for i, wdir := range order {
		byWDir[wdir] = cachedFrames[i]
	}

	results := make([]Result, 0, len(jobs))
	for _, job := range jobs {
		s, ok := byWDir[job.wdir]
		if !ok {
			w.Log.Printf("no cached result for %s", job.wdir)
			results = append(results, Result{WDir: job.wdir, ConfID: globalIDFromWDir(job.wdir)})
			continue
		}
		results = append(results, Result{WDir: job.wdir, ConfID: globalIDFromWDir(job.wdir), Structure: s})
	}

	for _, rec := range recs {
		if err := w.DB.Update(rec.DocID, jobdb.BatchRecord{Retrieved: true}); err != nil {
			return nil, err
		}
	}
	return results, nil
}
