// Package store implements InputStructureStore, the content-addressed
// store of input structure batches (spec §2, §4.3.1).
package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/caldera-sim/simforge/internal/structure"
)

// InputStructureStore owns the _data/ subdirectory of one Worker
// instance's directory.
type InputStructureStore struct {
	Dir string // the Worker's DIR/_data
}

// New returns a store rooted at dataDir, creating it if absent.
func New(dataDir string) (*InputStructureStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &InputStructureStore{Dir: dataDir}, nil
}

// Put writes frames as a canonical batch, keyed by its content hash.
// If {stru_id}.xyz already exists, the existing file is kept untouched
// (spec §4.3.1 step 2: "If a file by that name already exists, keep
// the existing one"). It returns the stru_id, the discarded info
// entries, and the starting global_id the caller should assign.
func (s *InputStructureStore) Put(frames []*structure.Structure) (struID string, info []structure.InfoEntry, startGlobalID int, err error) {
	batch, entries := structure.Canonicalize(frames)
	hash, err := batch.ContentHash()
	if err != nil {
		return "", nil, 0, fmt.Errorf("store: content hash: %w", err)
	}

	storedPath := filepath.Join(s.Dir, hash+".xyz")
	existing, err := s.readInfoTable()
	if err != nil {
		return "", nil, 0, err
	}

	if _, statErr := os.Stat(storedPath); statErr == nil {
		// Already have this exact batch on disk; find where its rows
		// start in the accumulated info table.
		start := 0
		for _, row := range existing {
			if row.struID == hash {
				break
			}
			start++
		}
		return hash, entries, start, nil
	}

	f, err := os.Create(storedPath)
	if err != nil {
		return "", nil, 0, fmt.Errorf("store: create %s: %w", storedPath, err)
	}
	defer f.Close()
	if err := structure.WriteXYZ(f, batch.Frames); err != nil {
		return "", nil, 0, fmt.Errorf("store: write %s: %w", storedPath, err)
	}

	start := len(existing)
	if err := s.appendInfoTable(hash, entries, start); err != nil {
		return "", nil, 0, err
	}
	return hash, entries, start, nil
}

// Load reads back the canonical batch for a given stru_id.
func (s *InputStructureStore) Load(struID string) ([]*structure.Structure, error) {
	f, err := os.Open(filepath.Join(s.Dir, struID+".xyz"))
	if err != nil {
		return nil, fmt.Errorf("store: open %s.xyz: %w", struID, err)
	}
	defer f.Close()
	return structure.ReadXYZ(f)
}

type infoRow struct {
	globalID int
	struID   string
	confID   int
	step     int
	wdir     string
}

// readInfoTable reads every {stru_id}_info.txt in Dir and returns the
// accumulated rows sorted by global_id, matching
// worker/drive.py:_read_cached_info.
func (s *InputStructureStore) readInfoTable() ([]infoRow, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("store: read dir: %w", err)
	}
	var rows []infoRow
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_info.txt") {
			continue
		}
		f, err := os.Open(filepath.Join(s.Dir, e.Name()))
		if err != nil {
			return nil, err
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 4 {
				continue
			}
			gid, _ := strconv.Atoi(fields[0])
			confid, _ := strconv.Atoi(fields[2])
			step, _ := strconv.Atoi(fields[3])
			wdir := ""
			if len(fields) > 4 {
				wdir = fields[4]
			}
			rows = append(rows, infoRow{
				globalID: gid, struID: fields[1], confID: confid, step: step, wdir: wdir,
			})
		}
		f.Close()
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].globalID < rows[j].globalID })
	return rows, nil
}

// appendInfoTable writes a new {stru_id}_info.txt with global ids
// assigned contiguously starting at start.
func (s *InputStructureStore) appendInfoTable(struID string, entries []structure.InfoEntry, start int) error {
	path := filepath.Join(s.Dir, struID+"_info.txt")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("store: create info table: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%-12s  %-32s  %-12s  %-12s  %s\n", "#id", "MD5", "confid", "step", "wdir")
	for i, e := range entries {
		fmt.Fprintf(w, "%-12d  %-32s  %-12d  %-12d  %s\n", start+i, struID, e.ConfID, e.Step, e.WDir)
	}
	return w.Flush()
}

// GlobalIDs returns the contiguous range of global_id values assigned
// to a batch, given its starting id and frame count.
func GlobalIDs(start, count int) []int {
	ids := make([]int, count)
	for i := range ids {
		ids[i] = start + i
	}
	return ids
}

// WDirName returns the per-structure working-directory name for a
// global id ("cand{global_id}", spec §3).
func WDirName(globalID int) string {
	return fmt.Sprintf("cand%d", globalID)
}
