package structure

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// WriteXYZ writes frames in extended-XYZ form with exactly three
// per-atom columns, in this order: symbols, positions, move_mask. The
// comment line carries the lattice and PBC flags. This is the sole
// format used for MD5 hashing (spec §6) so its byte layout must be
// deterministic for structures that compare Equal.
func WriteXYZ(w io.Writer, frames []*Structure) error {
	bw := bufio.NewWriter(w)
	for _, s := range frames {
		fmt.Fprintf(bw, "%d\n", s.NumAtoms())
		fmt.Fprintf(bw, "Lattice=\"%s\" Properties=species:S:1:pos:R:3:move_mask:L:1 pbc=\"%s %s %s\"\n",
			latticeString(s.Cell), pbcFlag(s.PBC[0]), pbcFlag(s.PBC[1]), pbcFlag(s.PBC[2]))
		for i, sym := range s.Symbols {
			mobile := true
			if s.MoveMask != nil {
				mobile = s.MoveMask[i]
			}
			fmt.Fprintf(bw, "%-3s %20.10f %20.10f %20.10f %s\n",
				sym, s.Positions[i][0], s.Positions[i][1], s.Positions[i][2], boolFlag(mobile))
		}
	}
	return bw.Flush()
}

func latticeString(cell [3][3]float64) string {
	parts := make([]string, 0, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			parts = append(parts, strconv.FormatFloat(cell[i][j], 'f', 10, 64))
		}
	}
	return strings.Join(parts, " ")
}

func pbcFlag(b bool) string {
	if b {
		return "T"
	}
	return "F"
}

func boolFlag(b bool) string {
	if b {
		return "T"
	}
	return "F"
}

// ReadXYZ parses frames written by WriteXYZ.
func ReadXYZ(r io.Reader) ([]*Structure, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var frames []*Structure
	for sc.Scan() {
		header := strings.TrimSpace(sc.Text())
		if header == "" {
			continue
		}
		n, err := strconv.Atoi(header)
		if err != nil {
			return nil, fmt.Errorf("xyz: bad atom count %q: %w", header, err)
		}
		if !sc.Scan() {
			return nil, fmt.Errorf("xyz: truncated comment line")
		}
		comment := sc.Text()
		s := &Structure{}
		if err := parseComment(comment, s); err != nil {
			return nil, fmt.Errorf("xyz: bad comment line: %w", err)
		}
		s.Symbols = make([]string, n)
		s.Positions = make([][3]float64, n)
		s.MoveMask = make([]bool, n)
		for i := 0; i < n; i++ {
			if !sc.Scan() {
				return nil, fmt.Errorf("xyz: truncated frame at atom %d", i)
			}
			fields := strings.Fields(sc.Text())
			if len(fields) < 5 {
				return nil, fmt.Errorf("xyz: malformed atom line %q", sc.Text())
			}
			s.Symbols[i] = fields[0]
			for k := 0; k < 3; k++ {
				v, err := strconv.ParseFloat(fields[k+1], 64)
				if err != nil {
					return nil, fmt.Errorf("xyz: bad position: %w", err)
				}
				s.Positions[i][k] = v
			}
			s.MoveMask[i] = fields[4] == "T"
		}
		frames = append(frames, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

func parseComment(comment string, s *Structure) error {
	latIdx := strings.Index(comment, "Lattice=\"")
	if latIdx < 0 {
		return fmt.Errorf("missing Lattice field")
	}
	rest := comment[latIdx+len("Lattice=\""):]
	end := strings.Index(rest, "\"")
	if end < 0 {
		return fmt.Errorf("unterminated Lattice field")
	}
	vals := strings.Fields(rest[:end])
	if len(vals) != 9 {
		return fmt.Errorf("expected 9 lattice components, got %d", len(vals))
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v, err := strconv.ParseFloat(vals[i*3+j], 64)
			if err != nil {
				return err
			}
			s.Cell[i][j] = v
		}
	}

	pbcIdx := strings.Index(comment, "pbc=\"")
	if pbcIdx < 0 {
		return fmt.Errorf("missing pbc field")
	}
	prest := comment[pbcIdx+len("pbc=\""):]
	pend := strings.Index(prest, "\"")
	if pend < 0 {
		return fmt.Errorf("unterminated pbc field")
	}
	pvals := strings.Fields(prest[:pend])
	if len(pvals) != 3 {
		return fmt.Errorf("expected 3 pbc flags, got %d", len(pvals))
	}
	for i := 0; i < 3; i++ {
		s.PBC[i] = pvals[i] == "T"
	}
	return nil
}
