package driver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caldera-sim/simforge/internal/errs"
	"github.com/caldera-sim/simforge/internal/setting"
	"github.com/caldera-sim/simforge/internal/structure"
)

// Chain is one reaction-path snapshot: an ordered sequence of images
// with the initial and final states pinned at index 0 and len-1 (spec
// §4.4). ReactorCapability.IRun and ReadSteps operate on Chains rather
// than single Structures, which is why Reactor does not implement
// Capability.
type Chain []*structure.Structure

// ReactorCapability is the engine-specific surface a double-ended
// (NEB / string-method) adapter must implement, the Chain-shaped
// analogue of Capability.
type ReactorCapability interface {
	Name() string

	SavedFnames() []string
	RemovedFnames() []string

	// IRun launches the reactor engine on the chain whose endpoints are
	// is and fs. resumeSteps is the number of chain steps held in the
	// NNNN.run/ backups that existed before this call's checkpoint.
	// NEBReactor ignores it: every launch writes is and fs afresh and
	// the engine builds the chain from them; the chain recorded by an
	// earlier run is not read back.
	IRun(ctx context.Context, dir string, is, fs *structure.Structure, ds setting.DriverSetting, resumeSteps int) error

	// ReadSteps reads every optimiser-step snapshot of the chain found
	// directly in dir, outer index step, inner index image.
	ReadSteps(dir string) ([]Chain, error)

	// ReadEngineConverged reports the engine's own "reached required
	// accuracy" flag, independent of the climbing-image force check
	// layered on top by Reactor.ReadConvergence.
	ReadEngineConverged(dir string) (bool, error)

	// ReadClimbingFmax reads the climbing image's current max force, as
	// last reported by the engine. Returns ok == false if the engine
	// has not yet written one (e.g. the first resumeSteps == 0 call).
	ReadClimbingFmax(dir string) (fmax float64, ok bool, err error)
}

func init() {
	RegisterReactor("reactor", func() ReactorCapability { return &NEBReactor{Command: "neb-run"} })
}

var reactorRegistry = map[string]func() ReactorCapability{}

// RegisterReactor associates a kind name with a ReactorCapability
// factory, the Chain-shaped analogue of Register.
func RegisterReactor(kind string, fn func() ReactorCapability) { reactorRegistry[kind] = fn }

// NewReactor builds the named reactor engine's ReactorCapability.
func NewReactor(kind string) (ReactorCapability, error) {
	fn, ok := reactorRegistry[kind]
	if !ok {
		return nil, fmt.Errorf("driver: unknown reactor kind %q", kind)
	}
	return fn(), nil
}

// Reactor runs a ReactorCapability against one working directory,
// carrying the NEB restart state across calls to Run, the Chain-shaped
// analogue of Driver (spec §4.4).
type Reactor struct {
	cap ReactorCapability
	dir string
	ds  setting.DriverSetting
}

// NewReactorDriver builds a Reactor for cap rooted at dir, running
// with the resolved rxn setting ds.
func NewReactorDriver(cap ReactorCapability, dir string, ds setting.DriverSetting) (*Reactor, error) {
	resolved, err := setting.Resolve(ds)
	if err != nil {
		return nil, err
	}
	if resolved.Task != setting.TaskRxn {
		return nil, &errs.ConfigurationError{Reason: "reactor requires task rxn"}
	}
	return &Reactor{cap: cap, dir: dir, ds: resolved}, nil
}

// Run launches (or resumes) the chain optimisation between is and fs,
// returning the final chain (spec §4.4's climbing-image NEB). The
// checkpoint/restart bookkeeping mirrors Driver.Run: an existing
// directory is checkpointed into a NNNN.run/ backup before relaunch,
// then the engine's turnover files are cleared.
func (r *Reactor) Run(ctx context.Context, is, fs *structure.Structure) ([]Chain, error) {
	exists := verifyCheckpoint(r.dir)
	resumeSteps := 0
	if exists {
		prev, err := r.readSegments()
		if err != nil {
			return nil, err
		}
		resumeSteps = len(prev)
		if _, err := saveCheckpoint(r.dir, r.cap.SavedFnames()); err != nil {
			return nil, err
		}
	}
	if err := cleanup(r.dir, r.cap.RemovedFnames()); err != nil {
		return nil, err
	}
	if err := r.cap.IRun(ctx, r.dir, is, fs, r.ds, resumeSteps); err != nil {
		return nil, &errs.DriverStartupError{Engine: r.cap.Name(), Reason: err.Error()}
	}
	return r.ReadTrajectory()
}

func (r *Reactor) readSegments() ([]Chain, error) {
	names, err := listRunDirs(r.dir)
	if err != nil {
		return nil, err
	}
	var all []Chain
	for _, name := range names {
		steps, err := r.cap.ReadSteps(filepath.Join(r.dir, name))
		if err != nil {
			return nil, err
		}
		all = append(all, steps...)
	}
	return all, nil
}

// ReadTrajectory stitches every NNNN.run/ backup segment together with
// the live directory's own trailing steps. Reactor adapters never
// duplicate a boundary step: the engine's own step log is monotone
// across a restart by construction, so every recorded step is kept.
func (r *Reactor) ReadTrajectory() ([]Chain, error) {
	all, err := r.readSegments()
	if err != nil {
		return nil, err
	}
	live, err := r.cap.ReadSteps(r.dir)
	if err != nil {
		return nil, err
	}
	return append(all, live...), nil
}

// ReadConvergence combines the climbing image's max force against
// fmax with the engine's own "reached required accuracy" flag (spec
// §4.4). A climbing image fmax the engine has not yet reported counts
// as not converged.
func (r *Reactor) ReadConvergence() (bool, error) {
	engineOK, err := r.cap.ReadEngineConverged(r.dir)
	if err != nil {
		return false, err
	}
	if !engineOK {
		return false, nil
	}
	fmax, ok, err := r.cap.ReadClimbingFmax(r.dir)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return fmax <= r.ds.Rxn.Fmax, nil
}

// NEBReactor drives an external climbing-image NEB / string-method
// binary over a chain of nimages structures, grounded on GDPy's
// Sella-backed "rxn" task in asedriver.py (AseDriverSetting.task ==
// "rxn") generalised from its single-engine special case to a
// dedicated double-ended adapter.
type NEBReactor struct {
	// Command is the external NEB binary. It is expected to read
	// ./is.structure and ./fs.structure (extended xyz, one frame each)
	// and write one chain snapshot per optimiser step to
	// ./neb_steps.xyz, nimages frames per step in image order, plus a
	// convergence marker to ./neb.converged.
	Command string

	// nimages records the image count of the most recent IRun. ReadSteps
	// does not use it: it reads the count back from the neb.nimages
	// file that IRun writes.
	nimages int
}

const (
	nebIsFname        = "is.structure"
	nebFsFname        = "fs.structure"
	nebStepsFname     = "neb_steps.xyz"
	nebConvergedFname = "neb.converged"
	nebFmaxFname      = "neb.fmax"
	nebLogFname       = "neb.log"
	nebImagesFname    = "neb.nimages"
)

func (n *NEBReactor) Name() string { return "reactor" }
func (n *NEBReactor) SavedFnames() []string {
	return []string{nebStepsFname, nebConvergedFname, nebFmaxFname, nebLogFname, nebImagesFname}
}
func (n *NEBReactor) RemovedFnames() []string {
	return []string{nebStepsFname, nebConvergedFname, nebFmaxFname, nebLogFname}
}

func (n *NEBReactor) IRun(ctx context.Context, dir string, is, fs *structure.Structure, ds setting.DriverSetting, resumeSteps int) error {
	if err := writeOneXYZ(filepath.Join(dir, nebIsFname), is); err != nil {
		return fmt.Errorf("reactor: write is structure: %w", err)
	}
	if err := writeOneXYZ(filepath.Join(dir, nebFsFname), fs); err != nil {
		return fmt.Errorf("reactor: write fs structure: %w", err)
	}
	n.nimages = ds.Rxn.NImages
	if err := os.WriteFile(filepath.Join(dir, nebImagesFname), []byte(fmt.Sprint(n.nimages)), 0o644); err != nil {
		return fmt.Errorf("reactor: write image count: %w", err)
	}

	args := []string{
		"-is", nebIsFname,
		"-fs", nebFsFname,
		"-nimages", fmt.Sprint(ds.Rxn.NImages),
		"-steps-out", nebStepsFname,
		"-converged-out", nebConvergedFname,
		"-climbing-fmax-out", nebFmaxFname,
		"-fmax", fmt.Sprint(ds.Rxn.Fmax),
		"-steps", fmt.Sprint(ds.Common.Steps),
		"-spring-k", fmt.Sprint(ds.Rxn.SpringK),
	}
	if ds.Rxn.Climb {
		args = append(args, "-climb")
	}
	cmd := exec.CommandContext(ctx, n.Command, args...)
	cmd.Dir = dir
	logOut, err := os.Create(filepath.Join(dir, nebLogFname))
	if err != nil {
		return fmt.Errorf("reactor: open log: %w", err)
	}
	defer logOut.Close()
	cmd.Stdout = logOut
	cmd.Stderr = logOut
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("reactor: %s: %w", n.Command, err)
	}
	return nil
}

func (n *NEBReactor) ReadSteps(dir string) ([]Chain, error) {
	path := filepath.Join(dir, nebStepsFname)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reactor: read steps: %w", err)
	}
	frames, err := structure.ReadXYZ(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("reactor: parse steps: %w", err)
	}

	nimages, err := readImageCount(filepath.Join(dir, nebImagesFname))
	if err != nil {
		return nil, fmt.Errorf("reactor: determine image count for %s: %w", dir, err)
	}
	if len(frames)%nimages != 0 {
		return nil, fmt.Errorf("reactor: %d frames not divisible by %d images", len(frames), nimages)
	}
	steps := make([]Chain, len(frames)/nimages)
	for s := range steps {
		steps[s] = Chain(frames[s*nimages : (s+1)*nimages])
	}
	return steps, nil
}

func (n *NEBReactor) ReadEngineConverged(dir string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, nebConvergedFname))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reactor: read convergence flag: %w", err)
	}
	return strings.TrimSpace(string(data)) == "1", nil
}

// ReadClimbingFmax reads the scalar the engine last wrote to
// neb.fmax. Absent until the engine's first completed step.
func (n *NEBReactor) ReadClimbingFmax(dir string) (float64, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, nebFmaxFname))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("reactor: read climbing fmax: %w", err)
	}
	fmax, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, false, fmt.Errorf("reactor: parse climbing fmax: %w", err)
	}
	return fmax, true, nil
}

func readImageCount(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n := 0
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid image count %d", n)
	}
	return n, nil
}

func writeOneXYZ(path string, s *structure.Structure) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = structure.WriteXYZ(f, []*structure.Structure{s})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
