package anvil

// Classes answers the material questions the column scans need.
type Classes interface {
	Transparent(BlockState) bool
	Water(BlockState) bool
	Waterlogged(BlockState) bool
	Foliage(BlockState) bool
}

// WaterState stands in for the water part of a waterlogged block.
var WaterState = BlockState{Name: "minecraft:water"}

type Voxel struct {
	Block BlockState
	Biome string
}

// Column is the result of one top-down scan.
//
// Surface is the first visible voxel (water included) and Floor is the first
// solid voxel under it. Without water tracking both are the same voxel.
type Column struct {
	Found    bool
	Surface  Voxel
	SurfaceY int32
	HasFloor bool
	Floor    Voxel
	FloorY   int32
}

// ScanColumn walks column (x, z) of a chunk (chunk-relative coordinates)
// downward from maxHeight.
//
// With water set, a water voxel records the surface and the scan keeps
// descending to the first non-water voxel. A waterlogged voxel ends the scan
// immediately: the surface becomes water at that height and the floor is the
// block itself one level below.
func ScanColumn(c *Chunk, x, z int, maxHeight int32, cls Classes, water bool) Column {
	var col Column
	submerged := false
	walkColumn(c, x, z, maxHeight, func(s *Section, cx, cy, cz int, y int32) bool {
		b, ok := s.Block(cx, cy, cz)
		if !ok || cls.Transparent(b) {
			return true
		}
		v := Voxel{Block: b, Biome: s.Biome(cx, cy, cz)}
		if !water {
			col = Column{Found: true, Surface: v, SurfaceY: y, HasFloor: true, Floor: v, FloorY: y}
			return false
		}
		if !submerged {
			col.Found = true
			col.Surface = v
			col.SurfaceY = y
		}
		switch {
		case cls.Water(b):
			submerged = true
			return true
		case cls.Waterlogged(b):
			col.Surface = Voxel{Block: WaterState, Biome: v.Biome}
			col.SurfaceY = y
			col.HasFloor = true
			col.Floor = v
			col.FloorY = y - 1
			return false
		default:
			col.HasFloor = true
			col.Floor = v
			col.FloorY = y
			return false
		}
	})
	return col
}

// ScanCaveFloor skips the solid ceiling at the top of the column and returns
// the first solid, non-foliage voxel below the first opening.
func ScanCaveFloor(c *Chunk, x, z int, maxHeight int32, cls Classes) Column {
	var col Column
	ceiling := 0
	open := false
	walkColumn(c, x, z, maxHeight, func(s *Section, cx, cy, cz int, y int32) bool {
		b, ok := s.Block(cx, cy, cz)
		if !ok {
			return true
		}
		solid := !cls.Transparent(b) && !cls.Foliage(b)
		if !solid {
			if ceiling > 0 {
				open = true
			}
			return true
		}
		if !open {
			ceiling++
			return true
		}
		v := Voxel{Block: b, Biome: s.Biome(cx, cy, cz)}
		col = Column{Found: true, Surface: v, SurfaceY: y, HasFloor: true, Floor: v, FloorY: y}
		return false
	})
	return col
}

// walkColumn visits voxels from maxHeight down to the bottom of the chunk
// until fn returns false.
func walkColumn(c *Chunk, x, z int, maxHeight int32, fn func(s *Section, cx, cy, cz int, y int32) bool) {
	if c == nil || len(c.Sections) == 0 {
		return
	}
	x, z = x&0xF, z&0xF
	abs := maxHeight - c.MinSection*16
	if abs < 0 {
		return
	}
	top := int(abs >> 4)
	startY := int(abs & 0xF)
	if top >= len(c.Sections) {
		top = len(c.Sections) - 1
		startY = 15
	}
	for i := top; i >= 0; i-- {
		s := c.Sections[i]
		if s == nil {
			continue
		}
		from := 15
		if i == int(abs>>4) {
			from = startY
		}
		base := (int32(i) + c.MinSection) * 16
		for cy := from; cy >= 0; cy-- {
			if !fn(s, x, cy, z, base+int32(cy)) {
				return
			}
		}
	}
}
