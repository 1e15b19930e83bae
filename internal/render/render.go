package render

import (
	"errors"
	"fmt"
	"math/bits"

	"explora.ai/internal/anvil"
	"explora.ai/internal/coord"
)

// RegionPixels is the side of a region raster at scale 1.
const RegionPixels = coord.RegionChunks * 16

// Heights written for corrupted chunks.
const nominalHeight = 64

const (
	overlayInk   uint32 = 0xFFF800F8
	overlayPaper uint32 = 0xFF000000
)

type Options struct {
	// Scale is the number of blocks per source pixel (1, 2, 4, 8 or 16).
	Scale int
	// Zoom replicates every pixel into a Zoom x Zoom block.
	Zoom int
	// Height is the highest Y a column scan starts from.
	Height        int32
	Shade         bool
	ShadeWater    bool
	ShadeAltitude bool
	// Caves renders the first floor under the top solid layer with
	// altitude-only shading.
	Caves bool
}

func DefaultOptions() Options {
	return Options{
		Scale:         1,
		Zoom:          2,
		Height:        319,
		Shade:         true,
		ShadeWater:    true,
		ShadeAltitude: true,
	}
}

func (o Options) Validate() error {
	if o.Scale < 1 || o.Scale > 16 || bits.OnesCount(uint(o.Scale)) != 1 {
		return fmt.Errorf("scale must be a power of two in [1,16], got %d", o.Scale)
	}
	if o.Zoom < 1 || o.Zoom > 8 {
		return fmt.Errorf("zoom must be in [1,8], got %d", o.Zoom)
	}
	return nil
}

func (o Options) waterMode() bool { return o.Shade && o.ShadeWater && !o.Caves }

// ChunkSource yields decoded chunks by region slot. Empty slots return
// anvil.ErrAbsent; any other error is drawn as a corrupted chunk.
type ChunkSource interface {
	Chunk(localX, localZ int) (*anvil.Chunk, error)
}

// Tile is one rendered region.
type Tile struct {
	Region    coord.RegionCoord
	Size      int
	Pixels    []uint32
	Meta      Metadata
	Chunks    int
	Corrupted int
}

// Renderer binds a color catalog to base options. Dimensions listed in
// CavesDimensions render in caves mode.
type Renderer struct {
	Colors          *Catalog
	Options         Options
	CavesDimensions []string
}

func NewRenderer(colors *Catalog, opts Options, cavesDimensions []string) (Renderer, error) {
	if colors == nil {
		colors = DefaultCatalog()
	}
	if err := opts.Validate(); err != nil {
		return Renderer{}, err
	}
	return Renderer{Colors: colors, Options: opts, CavesDimensions: cavesDimensions}, nil
}

// OptionsFor returns the options used for a dimension.
func (r Renderer) OptionsFor(dimension string) Options {
	opts := r.Options
	for _, d := range r.CavesDimensions {
		if d == dimension {
			opts.Caves = true
			break
		}
	}
	return opts
}

// Render draws every chunk of a region. opts must be valid.
func (r Renderer) Render(src ChunkSource, rc coord.RegionCoord, opts Options) Tile {
	size := RegionPixels / opts.Scale
	buf := newBuffers(size, opts)
	tile := Tile{Region: rc, Meta: Metadata{Chunks: []ChunkMeta{}}}

	for i := 0; i < coord.RegionChunks*coord.RegionChunks; i++ {
		lx, lz := i%coord.RegionChunks, i/coord.RegionChunks
		ch, err := src.Chunk(lx, lz)
		if errors.Is(err, anvil.ErrAbsent) {
			continue
		}
		c := rc.Chunk(lx, lz)
		if err != nil || ch == nil {
			tile.Corrupted++
			tile.Meta.Chunks = append(tile.Meta.Chunks, ChunkMeta{X: c.X, Z: c.Z, Biomes: []string{}})
			buf.drawCorrupted(lx, lz)
			continue
		}
		tile.Chunks++
		tile.Meta.Chunks = append(tile.Meta.Chunks, ChunkMeta{X: c.X, Z: c.Z, Biomes: ch.Biomes()})
		r.drawChunk(buf, ch, lx, lz, opts)
	}

	switch {
	case opts.Caves:
		buf.flatShade()
	case opts.Shade:
		buf.shade(opts.ShadeAltitude)
	}

	tile.Pixels, tile.Size = Zoom(buf.pixels, size, opts.Zoom)
	return tile
}

type buffers struct {
	size      int
	scaleBits uint

	pixels      []uint32
	terrain     []int32
	water       []int32
	waterPixels []uint32
}

func newBuffers(size int, opts Options) *buffers {
	n := size * size
	b := &buffers{
		size:      size,
		scaleBits: uint(bits.TrailingZeros(uint(opts.Scale))),
		pixels:    make([]uint32, n),
		terrain:   make([]int32, n),
	}
	if opts.waterMode() {
		b.water = make([]int32, n)
		b.waterPixels = make([]uint32, n)
	}
	return b
}

// forEachColumn visits the sampled columns of one chunk slot with their
// pixel index.
func (b *buffers) forEachColumn(lx, lz int, fn func(cx, cz, i int)) {
	step := 1 << b.scaleBits
	perChunk := 16 >> b.scaleBits
	ox, oz := lx*perChunk, lz*perChunk
	for cz := 0; cz < 16; cz += step {
		for cx := 0; cx < 16; cx += step {
			fn(cx, cz, (oz+cz>>b.scaleBits)*b.size+ox+cx>>b.scaleBits)
		}
	}
}

func (r Renderer) drawChunk(b *buffers, ch *anvil.Chunk, lx, lz int, opts Options) {
	water := b.water != nil
	b.forEachColumn(lx, lz, func(cx, cz, i int) {
		if opts.Caves {
			col := anvil.ScanCaveFloor(ch, cx, cz, opts.Height, r.Colors)
			if col.Found {
				b.pixels[i] = r.Colors.Color(col.Surface)
				b.terrain[i] = col.SurfaceY
			}
			return
		}
		col := anvil.ScanColumn(ch, cx, cz, opts.Height, r.Colors, water)
		if !col.Found {
			return
		}
		b.pixels[i] = r.Colors.Color(col.Surface)
		b.terrain[i] = col.SurfaceY
		if !water {
			return
		}
		b.water[i] = col.SurfaceY
		if col.HasFloor {
			b.waterPixels[i] = r.Colors.Color(col.Floor)
			b.terrain[i] = col.FloorY
		} else {
			b.waterPixels[i] = b.pixels[i]
		}
	})
}

func (b *buffers) drawCorrupted(lx, lz int) {
	b.forEachColumn(lx, lz, func(cx, cz, i int) {
		if ((cx>>2)+(cz>>2))&1 == 0 {
			b.pixels[i] = overlayInk
		} else {
			b.pixels[i] = overlayPaper
		}
		b.terrain[i] = nominalHeight
		if b.water != nil {
			b.water[i] = nominalHeight
			b.waterPixels[i] = b.pixels[i]
		}
	})
}

func (b *buffers) flatShade() {
	for i, p := range b.pixels {
		if p == 0 {
			continue
		}
		alt := clampInt(int(b.terrain[i]/4), -50, 50)
		b.pixels[i] = shade(p, alt*4)
	}
}

func (b *buffers) shade(altitude bool) {
	water := b.water
	if water == nil {
		water = b.terrain
	}
	var altMul float32
	if altitude {
		altMul = 12.0 / 256.0
	}
	size := b.size
	i := 0
	for z := 0; z < size; z++ {
		for x := 0; x < size; x, i = x+1, i+1 {
			p := b.pixels[i]
			if p == 0 {
				continue
			}
			if b.terrain[i] != water[i] {
				ratio := clampFloat(0.5-0.5/40*float32(water[i]-b.terrain[i]), 0, 1)
				b.pixels[i] = blend(p, b.waterPixels[i], ratio)
				continue
			}
			var zs, xs int32
			switch {
			case size == 1:
			case z == 0:
				zs = water[i+size] - water[i]
			case z == size-1:
				zs = water[i] - water[i-size]
			default:
				zs = (water[i+size] - water[i-size]) * 2
			}
			switch {
			case size == 1:
			case x == 0:
				xs = water[i+1] - water[i]
			case x == size-1:
				xs = water[i] - water[i-1]
			default:
				xs = (water[i+1] - water[i-1]) * 2
			}
			s := clampFloat(float32(xs+zs), -8, 8)
			alt := clampFloat(float32(water[i]-64)*altMul, -4, 12)
			b.pixels[i] = shade(p, int((s+alt)*8))
		}
	}
}

// Zoom replicates each pixel of a size x size raster into a factor x factor
// block. It returns the new raster and its side.
func Zoom(src []uint32, size, factor int) ([]uint32, int) {
	if factor <= 1 {
		return src, size
	}
	w := size * factor
	out := make([]uint32, w*w)
	for y := 0; y < size; y++ {
		row := src[y*size : (y+1)*size]
		for dy := 0; dy < factor; dy++ {
			dst := out[(y*factor+dy)*w : (y*factor+dy+1)*w]
			for x, p := range row {
				for dx := 0; dx < factor; dx++ {
					dst[x*factor+dx] = p
				}
			}
		}
	}
	return out, w
}
