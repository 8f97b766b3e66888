package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var runDirPattern = regexp.MustCompile(`^[0-9]{4}\.run$`)

// listRunDirs returns every NNNN.run/ subdirectory of dir, in
// ascending numeric order (spec §4.2's "enumerate NNNN.run folders in
// order").
func listRunDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("driver: list run dirs: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && runDirPattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// verifyCheckpoint reports whether dir already holds a previous
// calculation (spec §4.2 step 1: "if the working directory does not
// yet exist, create it and run from scratch").
func verifyCheckpoint(dir string) bool {
	_, err := os.Stat(dir)
	return err == nil
}

// saveCheckpoint moves every file in savedFnames into a freshly
// numbered NNNN.run/ directory and deletes everything else that isn't
// itself a NNNN.run/ directory (spec §4.2 step 4). It returns the path
// to the new checkpoint directory.
func saveCheckpoint(dir string, savedFnames []string) (string, error) {
	prev, err := listRunDirs(dir)
	if err != nil {
		return "", err
	}
	curr := filepath.Join(dir, fmt.Sprintf("%04d.run", len(prev)))
	if err := os.MkdirAll(curr, 0o755); err != nil {
		return "", fmt.Errorf("driver: create checkpoint dir: %w", err)
	}

	saved := make(map[string]bool, len(savedFnames))
	for _, f := range savedFnames {
		saved[f] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("driver: read %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if runDirPattern.MatchString(name) {
			continue
		}
		full := filepath.Join(dir, name)
		if saved[name] {
			if err := os.Rename(full, filepath.Join(curr, name)); err != nil {
				return "", fmt.Errorf("driver: move %s into checkpoint: %w", name, err)
			}
		} else {
			if err := os.RemoveAll(full); err != nil {
				return "", fmt.Errorf("driver: remove stale %s: %w", name, err)
			}
		}
	}
	return curr, nil
}

// resetDirectory discards dir entirely and recreates it empty. Used
// when the input system changed since the previous Run (spec §4.2
// step 2: "tear down ... and run from scratch"): the prior segments,
// checkpointed or still live, belong to a different structure and must
// not survive to be stitched into the new run's trajectory.
func resetDirectory(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("driver: discard %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("driver: recreate %s: %w", dir, err)
	}
	return nil
}

// cleanup deletes every file in removedFnames from dir (spec §4.2
// step 5, run before each engine launch).
func cleanup(dir string, removedFnames []string) error {
	for _, f := range removedFnames {
		full := filepath.Join(dir, f)
		if _, err := os.Stat(full); err == nil {
			if err := os.Remove(full); err != nil {
				return fmt.Errorf("driver: cleanup %s: %w", full, err)
			}
		}
	}
	return nil
}
