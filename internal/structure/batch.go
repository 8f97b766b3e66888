package structure

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
)

// CanonicalStructureBatch is a list of Structures written with a
// deterministic column order so that two semantically equal batches
// hash to the same MD5 (spec §3).
type CanonicalStructureBatch struct {
	Frames []*Structure
}

// InfoEntry is the side table preserved alongside a canonicalised
// batch: the caller-provided confid/step/wdir that Minimal() stripped
// out of each Structure's Info.
type InfoEntry struct {
	ConfID int
	Step   int
	WDir   string
}

// Canonicalize strips each structure to its minimal form (discarding
// Info) and returns the canonical batch plus a side table of the
// discarded (confid, step, wdir) tuples, matching
// worker/drive.py:copy_minimal_frames.
func Canonicalize(frames []*Structure) (*CanonicalStructureBatch, []InfoEntry) {
	batch := &CanonicalStructureBatch{Frames: make([]*Structure, len(frames))}
	info := make([]InfoEntry, len(frames))
	for i, s := range frames {
		batch.Frames[i] = s.Minimal()
		info[i] = InfoEntry{ConfID: s.ConfID(), Step: s.Step(), WDir: s.WDir()}
	}
	return batch, info
}

// ContentHash serialises the batch to canonical XYZ and returns its
// MD5 hex digest — the batch's stru_id. Two batches that are pairwise
// Equal produce byte-identical XYZ and therefore identical hashes;
// this is the property spec §8's "canonicalised structure batches ...
// MD5s are equal" invariant depends on.
func (b *CanonicalStructureBatch) ContentHash() (string, error) {
	var buf bytes.Buffer
	if err := WriteXYZ(&buf, b.Frames); err != nil {
		return "", err
	}
	sum := md5.Sum(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}
