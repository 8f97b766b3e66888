// Package jobdb implements JobDatabase, the append-only document
// store of submitted batches (spec §3, §4.5, §6).
package jobdb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// BatchRecord is one row in the JobDatabase. Lifecycle flags are set
// once and never cleared: queued -> finished -> retrieved (spec §3).
type BatchRecord struct {
	DocID int `json:"doc_id"`

	UID       string   `json:"uid"`
	StruID    string   `json:"stru_id"`
	BatchID   string   `json:"batch_id"`
	WDirNames []string `json:"wdir_names"`

	// JobID is the scheduler-returned identifier from Submit, the
	// string later calls to IsFinished/Cancel must use. Its shape is
	// realisation-specific (a script path, a Slurm job id, a GCP Batch
	// resource name); the Worker never parses it.
	JobID string `json:"job_id"`

	Queued    bool `json:"queued"`
	Finished  bool `json:"finished"`
	Retrieved bool `json:"retrieved"`

	// ResubmitCount resolves spec §9's open question on bounded
	// resubmission: it is incremented each time Inspect resubmits this
	// batch's script, and consulted against Worker.MaxResubmissions.
	ResubmitCount int `json:"resubmit_count"`
}

// DB is a JSON-file-backed document store for one scheduler kind. It
// is single-writer-per-directory: every mutating method takes an
// exclusive OS file lock on a sibling .lock file for the duration of
// the read-modify-write cycle (spec §5's "exclusive write lock on the
// backing file", resolving §9's open question on concurrent writers).
type DB struct {
	path string

	mu       sync.Mutex // serialises this process's own goroutines
	lockFile *os.File
}

// Open opens (creating if absent) the JobDatabase file at path, e.g.
// DIR/_local_jobs.json or DIR/_slurm_jobs.json (spec §6: one file per
// scheduler kind).
func Open(path string) (*DB, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			return nil, fmt.Errorf("jobdb: create %s: %w", path, err)
		}
	}
	lockPath := path + ".lock"
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jobdb: open lock file: %w", err)
	}
	return &DB{path: path, lockFile: lf}, nil
}

func (db *DB) withLock(fn func(docs map[int]*BatchRecord) (map[int]*BatchRecord, error)) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := syscall.Flock(int(db.lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("jobdb: acquire file lock: %w", err)
	}
	defer syscall.Flock(int(db.lockFile.Fd()), syscall.LOCK_UN)

	docs, err := db.readLocked()
	if err != nil {
		return err
	}
	docs, err = fn(docs)
	if err != nil {
		return err
	}
	return db.writeLocked(docs)
}

func (db *DB) readLocked() (map[int]*BatchRecord, error) {
	raw, err := os.ReadFile(db.path)
	if err != nil {
		return nil, fmt.Errorf("jobdb: read %s: %w", db.path, err)
	}
	var asStr map[string]*BatchRecord
	if err := json.Unmarshal(raw, &asStr); err != nil {
		return nil, fmt.Errorf("jobdb: parse %s: %w", db.path, err)
	}
	docs := make(map[int]*BatchRecord, len(asStr))
	for k, v := range asStr {
		id := v.DocID
		if id == 0 {
			var n int
			fmt.Sscanf(k, "%d", &n)
			id = n
			v.DocID = id
		}
		docs[id] = v
	}
	return docs, nil
}

func (db *DB) writeLocked(docs map[int]*BatchRecord) error {
	asStr := make(map[string]*BatchRecord, len(docs))
	for id, rec := range docs {
		asStr[fmt.Sprintf("%d", id)] = rec
	}
	raw, err := json.MarshalIndent(asStr, "", "  ")
	if err != nil {
		return fmt.Errorf("jobdb: marshal: %w", err)
	}
	tmp := db.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("jobdb: write temp file: %w", err)
	}
	if err := os.Rename(tmp, db.path); err != nil {
		return fmt.Errorf("jobdb: rename into place: %w", err)
	}
	return nil
}

// Insert adds rec, assigning it a fresh doc id and a UUIDv1 if UID is
// unset (spec §3: "uid: UUIDv1 assigned at submission").
func (db *DB) Insert(rec BatchRecord) (int, error) {
	var newID int
	err := db.withLock(func(docs map[int]*BatchRecord) (map[int]*BatchRecord, error) {
		if rec.UID == "" {
			u, err := uuid.NewUUID()
			if err != nil {
				return nil, fmt.Errorf("jobdb: generate uuid: %w", err)
			}
			rec.UID = u.String()
		}
		maxID := 0
		for id := range docs {
			if id > maxID {
				maxID = id
			}
		}
		newID = maxID + 1
		rec.DocID = newID
		docs[newID] = &rec
		return docs, nil
	})
	return newID, err
}

// Update merges fields into the record with the given doc id. Only
// non-zero/true fields in patch are applied; lifecycle flags are
// monotone — Update never clears an already-set flag (spec §3's
// "never downgrades" invariant).
func (db *DB) Update(docID int, patch BatchRecord) error {
	return db.withLock(func(docs map[int]*BatchRecord) (map[int]*BatchRecord, error) {
		rec, ok := docs[docID]
		if !ok {
			return nil, fmt.Errorf("jobdb: no record with doc_id %d", docID)
		}
		if patch.Queued {
			rec.Queued = true
		}
		if patch.Finished {
			rec.Finished = true
		}
		if patch.Retrieved {
			rec.Retrieved = true
		}
		if patch.ResubmitCount != 0 {
			rec.ResubmitCount = patch.ResubmitCount
		}
		if patch.JobID != "" {
			rec.JobID = patch.JobID
		}
		return docs, nil
	})
}

// snapshot returns a defensive copy of the current documents.
func (db *DB) snapshot() ([]*BatchRecord, error) {
	var out []*BatchRecord
	err := db.withLock(func(docs map[int]*BatchRecord) (map[int]*BatchRecord, error) {
		for _, rec := range docs {
			cp := *rec
			out = append(out, &cp)
		}
		return docs, nil
	})
	return out, err
}

// SearchQueued returns records with queued=true and finished=false.
func (db *DB) SearchQueued() ([]*BatchRecord, error) {
	all, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	var out []*BatchRecord
	for _, r := range all {
		if r.Queued && !r.Finished {
			out = append(out, r)
		}
	}
	return out, nil
}

// SearchFinished returns records with finished=true and
// retrieved=false.
func (db *DB) SearchFinished() ([]*BatchRecord, error) {
	all, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	var out []*BatchRecord
	for _, r := range all {
		if r.Finished && !r.Retrieved {
			out = append(out, r)
		}
	}
	return out, nil
}

// SearchAllFinished returns every finished record, regardless of
// retrieval state (used by retrieve(include_retrieved=true)).
func (db *DB) SearchAllFinished() ([]*BatchRecord, error) {
	all, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	var out []*BatchRecord
	for _, r := range all {
		if r.Finished {
			out = append(out, r)
		}
	}
	return out, nil
}

// FindByBatchID returns the record whose BatchID matches, or nil.
func (db *DB) FindByBatchID(batchID string) (*BatchRecord, error) {
	all, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.BatchID == batchID {
			return r, nil
		}
	}
	return nil, nil
}

// FindQueuedByStruID returns queued records for a content hash,
// matching worker/drive.py's queued_names/queued_frames idempotency
// check in Worker.Run.
func (db *DB) FindQueuedByStruID(struID string) ([]*BatchRecord, error) {
	all, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	var out []*BatchRecord
	for _, r := range all {
		if r.Queued && r.StruID == struID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Close releases the lock file handle.
func (db *DB) Close() error {
	return db.lockFile.Close()
}

// PathFor returns the conventional JobDatabase path for a scheduler
// kind under dir (spec §6: "_{scheduler}_jobs.json").
func PathFor(dir, schedulerKind string) string {
	return filepath.Join(dir, fmt.Sprintf("_%s_jobs.json", schedulerKind))
}
