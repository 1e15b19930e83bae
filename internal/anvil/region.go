package anvil

import (
	"fmt"
	"os"

	"github.com/Tnze/go-mc/save/region"

	"explora.ai/internal/coord"
)

// Region is a read-only view of one region file.
type Region struct {
	Coord coord.RegionCoord

	f   *os.File
	mca *region.Region
}

// OpenRegion reads the region header. Chunk payloads are read lazily.
func OpenRegion(path string, rc coord.RegionCoord) (*Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	mca, err := region.Load(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("region %s: header: %w", rc, err)
	}
	return &Region{Coord: rc, f: f, mca: mca}, nil
}

func (r *Region) Close() error {
	if r == nil || r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Occupied reports whether the slot has a sector allocated.
func (r *Region) Occupied(localX, localZ int) bool {
	return r.mca.ExistSector(localX&31, localZ&31)
}

// OccupiedChunks lists absolute chunk coordinates of all allocated slots,
// row-major (index = z*32 + x).
func (r *Region) OccupiedChunks() []coord.ChunkCoord {
	var out []coord.ChunkCoord
	for i := 0; i < coord.RegionChunks*coord.RegionChunks; i++ {
		lx, lz := i%coord.RegionChunks, i/coord.RegionChunks
		if r.mca.ExistSector(lx, lz) {
			out = append(out, r.Coord.Chunk(lx, lz))
		}
	}
	return out
}

// Chunk decodes a slot. Empty slots return ErrAbsent, undecodable ones
// wrap ErrCorrupted.
func (r *Region) Chunk(localX, localZ int) (c *Chunk, err error) {
	defer func() {
		if p := recover(); p != nil {
			c = nil
			err = fmt.Errorf("%w: read sector: panic: %v", ErrCorrupted, p)
		}
	}()
	localX, localZ = localX&31, localZ&31
	if !r.mca.ExistSector(localX, localZ) {
		return nil, ErrAbsent
	}
	data, err := r.mca.ReadSector(localX, localZ)
	if err != nil {
		return nil, fmt.Errorf("%w: read sector (%d,%d): %v", ErrCorrupted, localX, localZ, err)
	}
	return DecodeChunk(data)
}
