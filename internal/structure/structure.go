// Package structure implements the atomic-configuration data model and
// the canonical, content-addressed serialisation used to identify
// input batches.
package structure

import "math"

// equalityTolerance bounds how far cell/position components may drift
// and still compare equal (spec: 1e-8).
const equalityTolerance = 1e-8

// Structure is one atomic configuration. Info carries free-form
// metadata and is intentionally excluded from Equal — it is an
// unordered map and must never influence content addressing.
type Structure struct {
	Cell        [3][3]float64
	PBC         [3]bool
	Symbols     []string
	Positions   [][3]float64
	Velocities  [][3]float64 // optional, nil if absent
	Tags        []int        // optional, nil if absent
	MoveMask    []bool       // per-atom mobility mask; optional, nil means all mobile
	Info        map[string]any
}

// NumAtoms returns len(Symbols).
func (s *Structure) NumAtoms() int { return len(s.Symbols) }

// Equal reports whether two structures agree on cell, symbols, and
// positions within equalityTolerance. Atom order matters: reordered
// atoms compare unequal even if the multiset of positions matches.
func (s *Structure) Equal(other *Structure) bool {
	if s == nil || other == nil {
		return s == other
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(s.Cell[i][j]-other.Cell[i][j]) > equalityTolerance {
				return false
			}
		}
	}
	if len(s.Symbols) != len(other.Symbols) {
		return false
	}
	for i := range s.Symbols {
		if s.Symbols[i] != other.Symbols[i] {
			return false
		}
	}
	if len(s.Positions) != len(other.Positions) {
		return false
	}
	for i := range s.Positions {
		for k := 0; k < 3; k++ {
			if math.Abs(s.Positions[i][k]-other.Positions[i][k]) > equalityTolerance {
				return false
			}
		}
	}
	return true
}

// systemChangeTolerance is the tolerance the Driver restart protocol
// uses to decide whether the input atoms changed between two calls to
// Driver.Run (spec §4.2 step 2). It is tighter than Equal's tolerance
// on purpose: the restart probe must catch near-identical floating
// point noise that Equal's looser 1e-8 would paper over.
const systemChangeTolerance = 1e-15

// SystemChanged reports whether prev and next differ enough (cell,
// symbols, positions, PBC) to require tearing down and restarting the
// driver from scratch, per the restart protocol's system-change check.
func SystemChanged(prev, next *Structure) bool {
	if prev == nil {
		return false
	}
	if len(prev.Symbols) != len(next.Symbols) {
		return true
	}
	for i := range prev.Symbols {
		if prev.Symbols[i] != next.Symbols[i] {
			return true
		}
	}
	for i := 0; i < 3; i++ {
		if prev.PBC[i] != next.PBC[i] {
			return true
		}
		for j := 0; j < 3; j++ {
			if math.Abs(prev.Cell[i][j]-next.Cell[i][j]) > systemChangeTolerance {
				return true
			}
		}
	}
	if len(prev.Positions) != len(next.Positions) {
		return true
	}
	for i := range prev.Positions {
		for k := 0; k < 3; k++ {
			if math.Abs(prev.Positions[i][k]-next.Positions[i][k]) > systemChangeTolerance {
				return true
			}
		}
	}
	return false
}

// Minimal returns a copy of s stripped to cell, symbols, positions,
// PBC, and mobility mask. Info is dropped, matching the worker's
// preprocessing step that discards free-form metadata before content
// addressing (spec §4.3.1).
func (s *Structure) Minimal() *Structure {
	out := &Structure{
		Cell:    s.Cell,
		PBC:     s.PBC,
		Symbols: append([]string(nil), s.Symbols...),
	}
	out.Positions = make([][3]float64, len(s.Positions))
	copy(out.Positions, s.Positions)
	if s.MoveMask != nil {
		out.MoveMask = append([]bool(nil), s.MoveMask...)
	}
	return out
}

// ConfID returns the caller-provided integer tag from Info["confid"],
// or -1 if absent, matching the info table's default for untagged
// structures.
func (s *Structure) ConfID() int {
	if s.Info == nil {
		return -1
	}
	if v, ok := s.Info["confid"]; ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	return -1
}

// Step returns Info["step"], or -1 if absent.
func (s *Structure) Step() int {
	if s.Info == nil {
		return -1
	}
	if v, ok := s.Info["step"]; ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	return -1
}

// WDir returns Info["wdir"], or "" if absent.
func (s *Structure) WDir() string {
	if s.Info == nil {
		return ""
	}
	if v, ok := s.Info["wdir"]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}
