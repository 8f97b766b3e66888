package driver

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caldera-sim/simforge/internal/setting"
	"github.com/caldera-sim/simforge/internal/structure"
	"github.com/caldera-sim/simforge/internal/trajectory"
)

func init() {
	Register("classical-md", func() Capability { return &Classical{Command: "lmp_serial"} })
}

// Classical drives a classical-potential engine (a LAMMPS-like binary
// found on PATH) through ASE-style min/md/spc tasks, grounded on
// GDPy/computation/asedriver.py's AseDriver: one xyz trajectory file
// plus one per-frame metadata file per working directory, both
// preserved across restarts.
type Classical struct {
	// Command is the external engine binary invoked once per IRun. It
	// is expected to read ./in.structure (extended xyz) and append one
	// frame per dump_period steps to ./traj.xyz and one "energy fmax"
	// line per frame to ./frames.meta.
	Command string
}

const (
	classicalTrajFname = "traj.xyz"
	classicalLogFname  = "dyn.log"
	classicalDeviFname = "model_devi.dat"
	classicalMetaFname = "frames.meta"
)

func (c *Classical) Name() string             { return "classical-md" }
func (c *Classical) DefaultTask() setting.Task { return setting.TaskMin }
func (c *Classical) SupportedTasks() []setting.Task {
	return []setting.Task{setting.TaskMin, setting.TaskMD, setting.TaskSPC}
}
func (c *Classical) SavedFnames() []string {
	return []string{classicalLogFname, classicalTrajFname, classicalDeviFname, classicalMetaFname}
}
func (c *Classical) RemovedFnames() []string {
	return []string{classicalLogFname, classicalTrajFname, classicalDeviFname, classicalMetaFname}
}

// DuplicatesBoundaryFrame is true: the engine is relaunched on the
// last accepted structure, so it re-evaluates and re-writes that frame
// before producing any new ones (asedriver.py's `atoms = traj[-1]`
// restart seed).
func (c *Classical) DuplicatesBoundaryFrame() bool { return true }

func (c *Classical) IRun(ctx context.Context, dir string, atoms *structure.Structure, ds setting.DriverSetting, resumeSteps int) error {
	inPath := filepath.Join(dir, "in.structure")
	f, err := os.Create(inPath)
	if err != nil {
		return fmt.Errorf("classical: write input structure: %w", err)
	}
	werr := structure.WriteXYZ(f, []*structure.Structure{atoms})
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("classical: write input structure: %w", werr)
	}

	steps := ds.Common.Steps
	if resumeSteps > 0 {
		steps = steps - resumeSteps + 1
		if steps < 1 {
			steps = 1
		}
	}

	args := []string{
		"-task", string(ds.Task),
		"-in", "in.structure",
		"-traj", classicalTrajFname,
		"-log", classicalLogFname,
		"-devi", classicalDeviFname,
		"-meta", classicalMetaFname,
		"-steps", fmt.Sprint(steps),
		"-dump-period", fmt.Sprint(ds.Common.DumpPeriod),
	}
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("classical: %s: %w: %s", c.Command, err, string(out))
	}
	return nil
}

func (c *Classical) ReadTrajectorySegment(dir string) ([]trajectory.Frame, error) {
	path := filepath.Join(dir, classicalTrajFname)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("classical: read trajectory: %w", err)
	}
	frames, err := structure.ReadXYZ(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("classical: parse trajectory: %w", err)
	}

	energies, fmaxes := readFramesMeta(filepath.Join(dir, classicalMetaFname), len(frames))

	out := make([]trajectory.Frame, len(frames))
	for i, s := range frames {
		fr := trajectory.Frame{
			Structure: s,
			Info:      trajectory.FrameAnnotations{Step: i},
		}
		if i < len(energies) {
			fr.Energy = energies[i]
		}
		if i < len(fmaxes) {
			v := fmaxes[i]
			fr.Info.Fmax = &v
		}
		out[i] = fr
	}
	return out, nil
}

// ReadForceConvergence is always true: a classical potential has no
// internal SCF-like convergence flag of its own.
func (c *Classical) ReadForceConvergence(dir string) (bool, error) { return true, nil }

// readFramesMeta parses a "energy fmax" per-line sidecar file,
// returning one slice per column; either return value may be shorter
// than want if the engine wrote fewer lines than frames.
func readFramesMeta(path string, want int) (energies, fmaxes []float64) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() && len(energies) < want {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		e, err1 := strconv.ParseFloat(fields[0], 64)
		fm, err2 := strconv.ParseFloat(fields[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		energies = append(energies, e)
		fmaxes = append(fmaxes, fm)
	}
	return energies, fmaxes
}
