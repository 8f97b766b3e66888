// Package trajectory implements Trajectory, the per-frame deviation
// annotation model, and checkpoint-segment stitching (spec §3, §4.2,
// §6).
package trajectory

import (
	"github.com/caldera-sim/simforge/internal/setting"
	"github.com/caldera-sim/simforge/internal/structure"
)

// DeviFrameKey is one of the closed set of committee-uncertainty keys
// that may appear on a frame's annotations (grounded on
// GDPy/config.py:VALID_DEVI_FRAME_KEYS).
type DeviFrameKey string

const (
	DeviTE       DeviFrameKey = "devi_te"
	DeviMaxV     DeviFrameKey = "max_devi_v"
	DeviMinV     DeviFrameKey = "min_devi_v"
	DeviAvgV     DeviFrameKey = "avg_devi_v"
	DeviMaxF     DeviFrameKey = "max_devi_f"
	DeviMinF     DeviFrameKey = "min_devi_f"
	DeviAvgF     DeviFrameKey = "avg_devi_f"
	DeviMaxAE    DeviFrameKey = "max_devi_ae"
	DeviMinAE    DeviFrameKey = "min_devi_ae"
	DeviAvgAE    DeviFrameKey = "avg_devi_ae"
)

// ValidDeviFrameKeys is the closed set of scalar per-frame deviation
// keys (GDPy/config.py:VALID_DEVI_FRAME_KEYS).
var ValidDeviFrameKeys = map[DeviFrameKey]bool{
	DeviTE: true, DeviMaxV: true, DeviMinV: true, DeviAvgV: true,
	DeviMaxF: true, DeviMinF: true, DeviAvgF: true,
	DeviMaxAE: true, DeviMinAE: true, DeviAvgAE: true,
}

// DeviAtomicKeyForces is the one key of the closed set of per-atom
// deviation arrays (GDPy/config.py:VALID_DEVI_ATOMIC_KEYS).
const DeviAtomicKeyForces = "devi_f"

// FrameAnnotations carries the known, typed per-frame metadata the
// spec calls out explicitly, rather than a free-form atoms.info dict
// (spec §9's "Dynamic atoms.info dict" re-architecture note). Unknown
// keys that an engine adapter does not recognise live in Extras.
type FrameAnnotations struct {
	Step  int
	WDir  string
	Fmax  *float64 // set for min tasks
	Time  *float64 // set for md tasks (= step * timestep)
	Error bool      // set on the first frame when the engine reported non-convergence

	DeviFrame  map[DeviFrameKey]float64
	DeviForces [][3]float64 // devi_f, per-atom

	Extras map[string]any
}

// Frame pairs a Structure with its energy/forces/stress and
// annotations.
type Frame struct {
	Structure *structure.Structure
	Energy    float64
	Forces    [][3]float64
	Stress    *[6]float64 // optional, Voigt order
	Info      FrameAnnotations
}

// Trajectory is the ordered sequence of frames produced by one Driver
// run, carrying the setting that produced it so consumers can recover
// task, timestep, etc.
type Trajectory struct {
	Frames  []Frame
	Setting setting.DriverSetting
}

func (t *Trajectory) Len() int { return len(t.Frames) }

// Last returns the trajectory's final frame, or nil if empty.
func (t *Trajectory) Last() *Frame {
	if len(t.Frames) == 0 {
		return nil
	}
	return &t.Frames[len(t.Frames)-1]
}
