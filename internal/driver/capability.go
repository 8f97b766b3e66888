// Package driver implements the Driver abstraction: running one
// external compute engine on one Structure in one working directory,
// with a uniform checkpoint/restart protocol and trajectory output
// (spec §4.2).
package driver

import (
	"context"

	"github.com/caldera-sim/simforge/internal/setting"
	"github.com/caldera-sim/simforge/internal/structure"
	"github.com/caldera-sim/simforge/internal/trajectory"
)

// Capability is the engine-specific surface a concrete adapter must
// implement. It replaces the teacher corpus's would-be inheritance
// tree (AbstractDriver -> concrete drivers) with a capability
// interface: the restart protocol and trajectory stitching live as
// free functions parameterised over Capability, and concrete engines
// share no storage (spec §9's "Inheritance tree" re-architecture
// note).
type Capability interface {
	// Name identifies the engine ("classical-md", "ab-initio", "ml-potential", "reactor").
	Name() string

	DefaultTask() setting.Task
	SupportedTasks() []setting.Task

	// SavedFnames lists files preserved across a restart (moved into
	// the new NNNN.run/ checkpoint directory). RemovedFnames lists
	// files deleted before the engine is relaunched.
	SavedFnames() []string
	RemovedFnames() []string

	// DuplicatesBoundaryFrame declares whether this engine repeats the
	// last frame of a segment as the first frame of the next,
	// resolving spec §9's per-engine stitching policy.
	DuplicatesBoundaryFrame() bool

	// IRun launches the engine in dir against atoms with the resolved
	// setting. resumeSteps, when > 0, is the step count already
	// consumed by prior segments, so the adapter can ask the engine for
	// only the remaining steps. IRun must not panic on engine failure;
	// it returns a wrapped error instead (spec §9's "exception-as-
	// control-flow" re-architecture note).
	IRun(ctx context.Context, dir string, atoms *structure.Structure, ds setting.DriverSetting, resumeSteps int) error

	// ReadTrajectorySegment reads whatever trajectory exists directly
	// in dir (a single segment: either a NNNN.run/ backup or the live
	// working directory). It must not recurse into subdirectories.
	ReadTrajectorySegment(dir string) ([]trajectory.Frame, error)

	// ReadForceConvergence reports the engine's own internal
	// convergence flag (e.g. SCF convergence), independent of the
	// geometry/step convergence check layered on top by ReadConvergence.
	// Engines with no such internal flag always return true.
	ReadForceConvergence(dir string) (bool, error)
}
