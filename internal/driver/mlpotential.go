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
	Register("ml-potential", func() Capability { return &MLPotential{Command: "mlp-run"} })
}

// MLPotential drives an external committee machine-learning potential
// through min/md/spc tasks. It reports per-frame committee deviation
// (devi_f, max/min/avg_devi_v, max/min/avg_devi_f) the way
// asedriver.py's retrieve_and_save_deviation does for a GDPy
// MixedCalculator ensemble, via a dedicated deviation sidecar rather
// than riding inside the xyz trajectory.
type MLPotential struct {
	// Command is the external committee-potential binary. It is
	// expected to read ./in.structure and append one frame per
	// dump_period steps to ./traj.xyz, one "energy fmax" line per frame
	// to ./frames.meta, and one devi-key header + row per frame to
	// ./model_devi.dat (GDPCONFIG.VALID_DEVI_FRAME_KEYS column order).
	Command string
}

const (
	mlpTrajFname = "traj.xyz"
	mlpMetaFname = "frames.meta"
	mlpDeviFname = "model_devi.dat"
	mlpLogFname  = "dyn.log"
)

func (m *MLPotential) Name() string             { return "ml-potential" }
func (m *MLPotential) DefaultTask() setting.Task { return setting.TaskMD }
func (m *MLPotential) SupportedTasks() []setting.Task {
	return []setting.Task{setting.TaskMin, setting.TaskMD, setting.TaskSPC}
}
func (m *MLPotential) SavedFnames() []string {
	return []string{mlpTrajFname, mlpMetaFname, mlpDeviFname, mlpLogFname}
}
func (m *MLPotential) RemovedFnames() []string {
	return []string{mlpTrajFname, mlpMetaFname, mlpDeviFname, mlpLogFname}
}

// DuplicatesBoundaryFrame is true: like Classical, the engine is
// relaunched on the last accepted structure and re-evaluates it.
func (m *MLPotential) DuplicatesBoundaryFrame() bool { return true }

func (m *MLPotential) IRun(ctx context.Context, dir string, atoms *structure.Structure, ds setting.DriverSetting, resumeSteps int) error {
	inPath := filepath.Join(dir, "in.structure")
	f, err := os.Create(inPath)
	if err != nil {
		return fmt.Errorf("mlpotential: write input structure: %w", err)
	}
	werr := structure.WriteXYZ(f, []*structure.Structure{atoms})
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("mlpotential: write input structure: %w", werr)
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
		"-traj", mlpTrajFname,
		"-meta", mlpMetaFname,
		"-devi", mlpDeviFname,
		"-steps", fmt.Sprint(steps),
		"-dump-period", fmt.Sprint(ds.Common.DumpPeriod),
	}
	cmd := exec.CommandContext(ctx, m.Command, args...)
	cmd.Dir = dir
	logOut, err := os.Create(filepath.Join(dir, mlpLogFname))
	if err != nil {
		return fmt.Errorf("mlpotential: open log: %w", err)
	}
	defer logOut.Close()
	cmd.Stdout = logOut
	cmd.Stderr = logOut
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mlpotential: %s: %w", m.Command, err)
	}
	return nil
}

func (m *MLPotential) ReadTrajectorySegment(dir string) ([]trajectory.Frame, error) {
	path := filepath.Join(dir, mlpTrajFname)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mlpotential: read trajectory: %w", err)
	}
	frames, err := structure.ReadXYZ(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("mlpotential: parse trajectory: %w", err)
	}

	energies, fmaxes := readFramesMeta(filepath.Join(dir, mlpMetaFname), len(frames))
	devis := readDeviTable(filepath.Join(dir, mlpDeviFname), len(frames))

	out := make([]trajectory.Frame, len(frames))
	for i, s := range frames {
		fr := trajectory.Frame{Structure: s, Info: trajectory.FrameAnnotations{Step: i}}
		if i < len(energies) {
			fr.Energy = energies[i]
		}
		if i < len(fmaxes) {
			v := fmaxes[i]
			fr.Info.Fmax = &v
		}
		if i < len(devis) {
			fr.Info.DeviFrame = devis[i]
		}
		out[i] = fr
	}
	return out, nil
}

// ReadForceConvergence is always true: a trained potential has no SCF
// analogue; its reliability is instead reported per-frame via
// DeviFrame, which the caller inspects separately.
func (m *MLPotential) ReadForceConvergence(dir string) (bool, error) { return true, nil }

// readDeviTable parses a GDPCONFIG.VALID_DEVI_FRAME_KEYS-style table: a
// header row naming the columns, then one numeric row per frame.
func readDeviTable(path string, want int) []map[trajectory.DeviFrameKey]float64 {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return nil
	}
	keys := strings.Fields(sc.Text())

	var out []map[trajectory.DeviFrameKey]float64
	for sc.Scan() && len(out) < want {
		fields := strings.Fields(sc.Text())
		row := make(map[trajectory.DeviFrameKey]float64, len(fields))
		for i, raw := range fields {
			if i >= len(keys) {
				break
			}
			key := trajectory.DeviFrameKey(keys[i])
			if !trajectory.ValidDeviFrameKeys[key] {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			row[key] = v
		}
		out = append(out, row)
	}
	return out
}
