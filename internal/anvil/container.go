package anvil

import "math/bits"

// Minimum index widths for section palettes.
const (
	BlockMinBits = 4
	BiomeMinBits = 1
)

// Flat index counts per section.
const (
	BlocksPerSection = 16 * 16 * 16
	BiomesPerSection = 4 * 4 * 4
)

// Container resolves palette entries for one section. The variants are Empty,
// Uniform and Packed; callers switch on the concrete type.
type Container[T any] interface {
	// At returns the entry at a flat index. ok is false only for Empty.
	At(index int) (v T, ok bool)
	Palette() []T
	sealed()
}

// Empty is a section without a palette.
type Empty[T any] struct{}

func (Empty[T]) At(int) (T, bool) {
	var zero T
	return zero, false
}
func (Empty[T]) Palette() []T { return nil }
func (Empty[T]) sealed()      {}

// Uniform applies a single palette entry to the whole section.
type Uniform[T any] struct {
	Value T
}

func (u Uniform[T]) At(int) (T, bool) { return u.Value, true }
func (u Uniform[T]) Palette() []T     { return []T{u.Value} }
func (Uniform[T]) sealed()            {}

// Packed stores fixed-width palette indices, several per 64-bit word,
// without spanning words.
type Packed[T any] struct {
	palette []T
	words   []uint64
	bits    int
	perWord int
	mask    uint64
}

func (p Packed[T]) At(index int) (T, bool) {
	return p.palette[p.paletteIndex(index)], true
}

func (p Packed[T]) Palette() []T { return p.palette }
func (Packed[T]) sealed()        {}

// Bits returns the index width.
func (p Packed[T]) Bits() int { return p.bits }

// paletteIndex falls back to entry 0 when the word is missing or the index
// exceeds the palette.
func (p Packed[T]) paletteIndex(index int) int {
	word := index / p.perWord
	if index < 0 || word >= len(p.words) {
		return 0
	}
	shift := (index % p.perWord) * p.bits
	v := (p.words[word] >> uint(shift)) & p.mask
	if v >= uint64(len(p.palette)) {
		return 0
	}
	return int(v)
}

// NewContainer picks the container variant for a palette and its packed data.
func NewContainer[T any](palette []T, data []int64, minBits int) Container[T] {
	switch len(palette) {
	case 0:
		return Empty[T]{}
	case 1:
		return Uniform[T]{Value: palette[0]}
	}
	b := BitWidth(len(palette), minBits)
	words := make([]uint64, len(data))
	for i, w := range data {
		words[i] = uint64(w)
	}
	return Packed[T]{
		palette: palette,
		words:   words,
		bits:    b,
		perWord: IndicesPerWord(b),
		mask:    (uint64(1) << uint(b)) - 1,
	}
}

// BitWidth is 0 for palettes of size <= 1, else max(minBits, ceil(log2(n))).
func BitWidth(n, minBits int) int {
	if n <= 1 {
		return 0
	}
	b := bits.Len(uint(n - 1))
	if b < minBits {
		b = minBits
	}
	return b
}

// IndicesPerWord is floor(64/b), or 1 for b == 0.
func IndicesPerWord(b int) int {
	if b <= 0 {
		return 1
	}
	return 64 / b
}

// Pack encodes indices in the layout read by Packed.
func Pack(indices []int, b int) []int64 {
	if b <= 0 {
		return nil
	}
	per := IndicesPerWord(b)
	mask := (uint64(1) << uint(b)) - 1
	out := make([]int64, (len(indices)+per-1)/per)
	for i, idx := range indices {
		shift := uint((i % per) * b)
		w := uint64(out[i/per])
		w |= (uint64(idx) & mask) << shift
		out[i/per] = int64(w)
	}
	return out
}

// BlockIndex is the flat index of a voxel inside a 16^3 section.
func BlockIndex(x, y, z int) int {
	return (y&0xF)*256 + (z&0xF)*16 + (x & 0xF)
}

// BiomeIndex is the flat index of a voxel's 4x4x4 biome cell.
func BiomeIndex(x, y, z int) int {
	x, y, z = x&0xF, y&0xF, z&0xF
	return (y>>2&0xF)*16 + (z>>2&0xF)*4 + (x >> 2 & 0xF)
}
