// Package setting implements DriverSetting, the typed and validated
// parameter bundle for one driver task (spec §3, §4.6).
package setting

import "github.com/caldera-sim/simforge/internal/errs"

// Task discriminates the DriverSetting variants.
type Task string

const (
	TaskMin Task = "min"
	TaskMD  Task = "md"
	TaskRxn Task = "rxn"
	TaskSPC Task = "spc"
)

// MDStyle enumerates the supported ensemble kinds for an MD task.
type MDStyle string

const (
	MDStyleNVE MDStyle = "nve"
	MDStyleNVT MDStyle = "nvt"
	MDStyleNPT MDStyle = "npt"
)

// Common holds fields shared by every task.
type Common struct {
	DumpPeriod int    // steps between trajectory frames
	CkptPeriod int    // steps between checkpoint saves
	Steps      int    // total steps to run
	Constraint string // index-range text, LAMMPS-style 1-based or 0-based
	RandomSeed *int   // optional
}

// MinParams holds the min-task payload.
type MinParams struct {
	MinStyle  string
	Fmax      float64 // force-convergence threshold, eV/Å
	CellFiler string  // optional cell filter kind; empty if none
}

// MDParams holds the md-task payload. Timestep/Temp/Press are always
// stored and reported in fs/K/bar (spec §4.6's unit-normalisation
// boundary). The engine adapters in internal/driver pass only the
// task, step count and dump period to their engines; none of these MD
// parameters is passed on or converted to an engine's native units.
type MDParams struct {
	MDStyle               MDStyle
	TimestepFs            float64
	TempK                 float64
	TdampFs               float64
	PressBar              float64
	PdampFs               float64
	VelocitySeed          *int
	IgnoreAtomsVelocities bool
	RemoveRotation        bool
	RemoveTranslation     bool
}

// RxnParams holds the rxn-task (NEB/string method) payload.
type RxnParams struct {
	NImages int
	Climb   bool
	SpringK float64
	Fmax    float64 // climbing-image force-convergence threshold, eV/Å
}

// DriverSetting is the tagged record discriminated by Task. Exactly
// one of Min/MD/Rxn is populated, matching the active Task; SPC has no
// task-specific payload.
type DriverSetting struct {
	Task   Task
	Common Common
	Min    *MinParams
	MD     *MDParams
	Rxn    *RxnParams
}

// Resolve validates a loosely-typed setting and normalises it,
// matching spec §4.6:
//   - unknown tasks are rejected with UnknownTask,
//   - per-task required keys are enforced,
//   - steps == 0 for task "min" is reinterpreted as a single-point run.
func Resolve(ds DriverSetting) (DriverSetting, error) {
	switch ds.Task {
	case TaskMin:
		if ds.Min == nil {
			return ds, &errs.ConfigurationError{Reason: "min task requires Min params"}
		}
		if ds.Min.Fmax <= 0 {
			return ds, &errs.ConfigurationError{Reason: "min task requires fmax > 0"}
		}
		if ds.Common.Steps == 0 {
			// steps==0 for min means "single-point": no geometry updates,
			// the engine runs exactly once.
			ds.Task = TaskSPC
		}
	case TaskMD:
		if ds.MD == nil {
			return ds, &errs.ConfigurationError{Reason: "md task requires MD params"}
		}
		if ds.MD.TimestepFs <= 0 {
			return ds, &errs.ConfigurationError{Reason: "md task requires timestep"}
		}
		switch ds.MD.MDStyle {
		case MDStyleNVE, MDStyleNVT, MDStyleNPT:
		default:
			return ds, &errs.ConfigurationError{Reason: "md_style must be one of nve, nvt, npt"}
		}
	case TaskRxn:
		if ds.Rxn == nil {
			return ds, &errs.ConfigurationError{Reason: "rxn task requires Rxn params"}
		}
		if ds.Rxn.NImages < 2 {
			return ds, &errs.ConfigurationError{Reason: "rxn task requires nimages >= 2"}
		}
		if ds.Rxn.Fmax <= 0 {
			return ds, &errs.ConfigurationError{Reason: "rxn task requires fmax > 0"}
		}
	case TaskSPC:
		// no task-specific payload required
	default:
		return ds, &errs.UnknownTask{Task: string(ds.Task)}
	}

	if ds.Common.DumpPeriod <= 0 {
		ds.Common.DumpPeriod = 1
	}
	if ds.Common.CkptPeriod <= 0 {
		ds.Common.CkptPeriod = 100
	}
	return ds, nil
}

// IsSinglePoint reports whether this setting reduces to one
// single-point evaluation with no geometry updates (spc, or min with
// steps==0 before Resolve folds it into spc).
func (ds DriverSetting) IsSinglePoint() bool {
	return ds.Task == TaskSPC || (ds.Task == TaskMin && ds.Common.Steps == 0)
}
