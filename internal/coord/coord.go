package coord

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// Chunks per region side.
const RegionChunks = 32

// BlockCoord is an absolute voxel position.
type BlockCoord struct {
	X, Y, Z int32
}

func (b BlockCoord) Chunk() ChunkCoord { return ChunkCoord{X: b.X >> 4, Z: b.Z >> 4} }

func (b BlockCoord) String() string { return fmt.Sprintf("(%d,%d,%d)", b.X, b.Y, b.Z) }

// ChunkCoord identifies a 16x16 column of the world.
type ChunkCoord struct {
	X int32 `json:"x"`
	Z int32 `json:"z"`
}

func (c ChunkCoord) Region() RegionCoord { return RegionCoord{X: c.X >> 5, Z: c.Z >> 5} }

// Local returns the chunk's slot inside its region.
func (c ChunkCoord) Local() (int, int) { return int(c.X & 31), int(c.Z & 31) }

func (c ChunkCoord) String() string { return fmt.Sprintf("[%d,%d]", c.X, c.Z) }

// RegionCoord identifies a 32x32 grid of chunks.
type RegionCoord struct {
	X int32 `json:"x"`
	Z int32 `json:"z"`
}

// Chunk returns the absolute chunk at a local slot of r.
func (r RegionCoord) Chunk(localX, localZ int) ChunkCoord {
	return ChunkCoord{
		X: r.X*RegionChunks + int32(localX&31),
		Z: r.Z*RegionChunks + int32(localZ&31),
	}
}

// FileName returns "r.X.Z.<ext>".
func (r RegionCoord) FileName(ext string) string {
	return fmt.Sprintf("r.%d.%d.%s", r.X, r.Z, ext)
}

func (r RegionCoord) String() string { return fmt.Sprintf("r.%d.%d", r.X, r.Z) }

var regionFileRe = regexp.MustCompile(`^r\.(-?\d+)\.(-?\d+)\.([a-z]+)$`)

// ParseRegionFileName parses names such as "r.-1.2.mca".
func ParseRegionFileName(name string) (RegionCoord, string, bool) {
	m := regionFileRe.FindStringSubmatch(name)
	if m == nil {
		return RegionCoord{}, "", false
	}
	x, err := strconv.ParseInt(m[1], 10, 32)
	if err != nil {
		return RegionCoord{}, "", false
	}
	z, err := strconv.ParseInt(m[2], 10, 32)
	if err != nil {
		return RegionCoord{}, "", false
	}
	return RegionCoord{X: int32(x), Z: int32(z)}, m[3], true
}

type ChunkSet map[ChunkCoord]struct{}

func (s ChunkSet) Add(c ChunkCoord) bool {
	if _, ok := s[c]; ok {
		return false
	}
	s[c] = struct{}{}
	return true
}

func (s ChunkSet) Has(c ChunkCoord) bool {
	_, ok := s[c]
	return ok
}

func (s ChunkSet) Clone() ChunkSet {
	out := make(ChunkSet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Sorted returns the members ordered by X then Z.
func (s ChunkSet) Sorted() []ChunkCoord {
	out := make([]ChunkCoord, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Z < out[j].Z
	})
	return out
}

type RegionSet map[RegionCoord]struct{}

func (s RegionSet) Add(r RegionCoord) bool {
	if _, ok := s[r]; ok {
		return false
	}
	s[r] = struct{}{}
	return true
}

func (s RegionSet) Has(r RegionCoord) bool {
	_, ok := s[r]
	return ok
}

func (s RegionSet) Sorted() []RegionCoord {
	out := make([]RegionCoord, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Z < out[j].Z
	})
	return out
}
