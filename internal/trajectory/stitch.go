package trajectory

// Stitch concatenates checkpoint segments into one trajectory.
// segments[i] is the trajectory recovered from the i-th NNNN.run/
// backup directory, in increasing order, followed last by the live
// working directory's own trajectory (passed as the final segment).
//
// When duplicatesBoundaryFrame is true, every segment except the last
// has its final frame dropped before concatenation, because that
// frame is the first frame of the following segment (the engine wrote
// it twice across the restart boundary). When false, every segment is
// taken whole — the engine's checkpoint file never repeats a frame at
// the boundary, matching the per-adapter policy spec §9 calls out.
//
// Each adapter's ReadTrajectorySegment numbers Info.Step from 0 within
// its own segment, so a naive concatenation resets to 0 at every
// restart boundary. Stitch renumbers the result 1..len(out) so the
// stitched trajectory's step values are strictly monotonic across
// restarts, matching spec §8's invariant.
func Stitch(segments [][]Frame, duplicatesBoundaryFrame bool) []Frame {
	var out []Frame
	for i, seg := range segments {
		isLast := i == len(segments)-1
		if duplicatesBoundaryFrame && !isLast && len(seg) > 0 {
			seg = seg[:len(seg)-1]
		}
		out = append(out, seg...)
	}
	for i := range out {
		out[i].Info.Step = i + 1
	}
	return out
}
