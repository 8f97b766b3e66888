package driver

import (
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
	Register("ab-initio", func() Capability { return &AbInitio{Command: "abinit-run"} })
}

// AbInitio drives an external electronic-structure code through
// single-point and geometry-relaxation tasks. Unlike Classical, the
// engine emits exactly one frame per invocation directly in its own
// working directory (no internal dump loop), so the restart protocol's
// checkpoint segments never repeat a frame at their boundary.
type AbInitio struct {
	// Command is the external ab-initio binary. It is expected to read
	// ./in.structure (extended xyz) and write one frame to ./out.xyz,
	// its energy/fmax to ./out.meta ("energy fmax" on one line), and an
	// scf-convergence marker to ./scf.converged (present iff the last
	// run's SCF cycle converged).
	Command string
}

const (
	abinitioOutFname      = "out.xyz"
	abinitioMetaFname     = "out.meta"
	abinitioSCFFlagFname  = "scf.converged"
	abinitioLogFname      = "abinit.log"
)

func (a *AbInitio) Name() string             { return "ab-initio" }
func (a *AbInitio) DefaultTask() setting.Task { return setting.TaskSPC }
func (a *AbInitio) SupportedTasks() []setting.Task {
	return []setting.Task{setting.TaskMin, setting.TaskSPC}
}
func (a *AbInitio) SavedFnames() []string {
	return []string{abinitioOutFname, abinitioMetaFname, abinitioSCFFlagFname, abinitioLogFname}
}
func (a *AbInitio) RemovedFnames() []string {
	return []string{abinitioOutFname, abinitioMetaFname, abinitioSCFFlagFname, abinitioLogFname}
}

// DuplicatesBoundaryFrame is false: the engine writes exactly one
// frame per call and is never asked to re-emit the seed structure.
func (a *AbInitio) DuplicatesBoundaryFrame() bool { return false }

func (a *AbInitio) IRun(ctx context.Context, dir string, atoms *structure.Structure, ds setting.DriverSetting, resumeSteps int) error {
	inPath := filepath.Join(dir, "in.structure")
	f, err := os.Create(inPath)
	if err != nil {
		return fmt.Errorf("abinitio: write input structure: %w", err)
	}
	werr := structure.WriteXYZ(f, []*structure.Structure{atoms})
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("abinitio: write input structure: %w", werr)
	}

	args := []string{"-task", string(ds.Task), "-in", "in.structure", "-out", abinitioOutFname, "-meta", abinitioMetaFname}
	if ds.Task == setting.TaskMin {
		args = append(args, "-fmax", fmt.Sprint(ds.Min.Fmax), "-steps", fmt.Sprint(ds.Common.Steps))
	}
	cmd := exec.CommandContext(ctx, a.Command, args...)
	cmd.Dir = dir
	logOut, err := os.Create(filepath.Join(dir, abinitioLogFname))
	if err != nil {
		return fmt.Errorf("abinitio: open log: %w", err)
	}
	defer logOut.Close()
	cmd.Stdout = logOut
	cmd.Stderr = logOut
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("abinitio: %s: %w", a.Command, err)
	}
	return nil
}

func (a *AbInitio) ReadTrajectorySegment(dir string) ([]trajectory.Frame, error) {
	path := filepath.Join(dir, abinitioOutFname)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("abinitio: read output: %w", err)
	}
	frames, err := structure.ReadXYZ(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("abinitio: parse output: %w", err)
	}

	energy, fmax, ok := readSingleMeta(filepath.Join(dir, abinitioMetaFname))
	out := make([]trajectory.Frame, len(frames))
	for i, s := range frames {
		fr := trajectory.Frame{Structure: s, Info: trajectory.FrameAnnotations{Step: i}}
		if ok {
			fr.Energy = energy
			fr.Info.Fmax = &fmax
		}
		out[i] = fr
	}
	return out, nil
}

// ReadForceConvergence reports the engine's own SCF convergence flag,
// grounded on asedriver.py's `self.calc.read_convergence()` catch:
// absence of the marker file (e.g. before the engine has ever run) is
// treated as converged, matching the Python code's "assume ok" default.
// When present, its contents ("1"/"0") carry the actual verdict.
func (a *AbInitio) ReadForceConvergence(dir string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, abinitioSCFFlagFname))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("abinitio: read scf flag: %w", err)
	}
	return strings.TrimSpace(string(data)) != "0", nil
}

func readSingleMeta(path string) (energy, fmax float64, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, 0, false
	}
	e, err1 := strconv.ParseFloat(fields[0], 64)
	fm, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return e, fm, true
}
