// Package changes decides when block edits near the surface of a chunk
// warrant re-rendering it.
package changes

import "explora.ai/internal/coord"

// DefaultThreshold is the number of tracked edits that promotes a chunk.
const DefaultThreshold = 20

type key struct {
	world string
	chunk coord.ChunkCoord
}

// Detector tracks edited near-surface blocks per chunk. Editing a tracked
// block again removes it from the set. It is owned by one goroutine.
type Detector struct {
	threshold int
	tracked   map[key]map[coord.BlockCoord]struct{}
}

func NewDetector(threshold int) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold, tracked: map[key]map[coord.BlockCoord]struct{}{}}
}

func (d *Detector) Threshold() int { return d.threshold }

// NearSurface reports whether y lies at most one block below the highest
// occupied block of its column.
func NearSurface(y, surfaceY int32) bool { return y >= surfaceY-1 }

// BlockChanged applies one edit. When the chunk's set reaches the threshold
// the chunk is returned with true and its set is cleared.
func (d *Detector) BlockChanged(world string, b coord.BlockCoord, surfaceY int32) (coord.ChunkCoord, bool) {
	c := b.Chunk()
	if !NearSurface(b.Y, surfaceY) {
		return c, false
	}
	k := key{world: world, chunk: c}
	set := d.tracked[k]
	if set == nil {
		set = map[coord.BlockCoord]struct{}{}
		d.tracked[k] = set
	}
	if _, ok := set[b]; ok {
		delete(set, b)
	} else {
		set[b] = struct{}{}
	}
	if len(set) < d.threshold {
		if len(set) == 0 {
			delete(d.tracked, k)
		}
		return c, false
	}
	delete(d.tracked, k)
	return c, true
}

// Tracked returns the number of edits held for a chunk.
func (d *Detector) Tracked(world string, c coord.ChunkCoord) int {
	return len(d.tracked[key{world: world, chunk: c}])
}

// Chunks returns the number of chunks with at least one tracked edit.
func (d *Detector) Chunks() int { return len(d.tracked) }
