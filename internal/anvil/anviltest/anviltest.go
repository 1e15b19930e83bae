// Package anviltest builds region files for tests in other packages.
package anviltest

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/Tnze/go-mc/nbt"
	"github.com/Tnze/go-mc/save/region"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"explora.ai/internal/anvil"
)

// Section describes one section to encode. Nil index slices mean "no data
// array", which is how single-entry palettes are stored.
type Section struct {
	Y            int8
	Palette      []anvil.BlockState
	Indices      []int
	Biomes       []string
	BiomeIndices []int
}

type Chunk struct {
	X, Z        int32
	YPos        int32
	OmitYPos    bool
	DataVersion int32
	Sections    []Section
}

type sectionTag struct {
	Y           int8        `nbt:"Y"`
	BlockStates paletteTag  `nbt:"block_states"`
	Biomes      biomePalTag `nbt:"biomes"`
}

type paletteTag struct {
	Palette []anvil.BlockState `nbt:"palette"`
	Data    []int64            `nbt:"data"`
}

type biomePalTag struct {
	Palette []string `nbt:"palette"`
	Data    []int64  `nbt:"data"`
}

type chunkTag struct {
	DataVersion int32        `nbt:"DataVersion"`
	XPos        int32        `nbt:"xPos"`
	ZPos        int32        `nbt:"zPos"`
	YPos        int32        `nbt:"yPos"`
	Status      string       `nbt:"Status"`
	Sections    []sectionTag `nbt:"sections"`
}

type chunkTagNoY struct {
	DataVersion int32        `nbt:"DataVersion"`
	XPos        int32        `nbt:"xPos"`
	ZPos        int32        `nbt:"zPos"`
	Status      string       `nbt:"Status"`
	Sections    []sectionTag `nbt:"sections"`
}

// Block is a plain block state.
func Block(name string) anvil.BlockState {
	return anvil.BlockState{Name: "minecraft:" + name, Properties: map[string]string{}}
}

// Waterlogged returns a block state carrying waterlogged=true.
func Waterlogged(name string) anvil.BlockState {
	return anvil.BlockState{Name: "minecraft:" + name, Properties: map[string]string{"waterlogged": "true"}}
}

// Uniform is a section filled with one block and one biome.
func Uniform(y int8, b anvil.BlockState, biome string) Section {
	return Section{Y: y, Palette: []anvil.BlockState{b}, Biomes: []string{biome}}
}

// Layers builds a section whose block at section-relative height cy is
// layers[cy]. Missing entries are air.
func Layers(y int8, biome string, layers ...anvil.BlockState) Section {
	palette := []anvil.BlockState{Block("air")}
	pos := map[string]int{paletteKey(palette[0]): 0}
	idx := make([]int, anvil.BlocksPerSection)
	for cy := 0; cy < 16 && cy < len(layers); cy++ {
		k := paletteKey(layers[cy])
		p, ok := pos[k]
		if !ok {
			p = len(palette)
			palette = append(palette, layers[cy])
			pos[k] = p
		}
		for z := 0; z < 16; z++ {
			for x := 0; x < 16; x++ {
				idx[anvil.BlockIndex(x, cy, z)] = p
			}
		}
	}
	s := Section{Y: y, Palette: palette, Biomes: []string{biome}}
	if len(palette) > 1 {
		s.Indices = idx
	}
	return s
}

func paletteKey(b anvil.BlockState) string {
	k := b.Name
	if b.Properties["waterlogged"] == "true" {
		k += "[waterlogged]"
	}
	return k
}

// Encode returns a sector payload: compression byte followed by the tag tree.
func Encode(t testing.TB, c Chunk, compression byte) []byte {
	t.Helper()
	sections := make([]sectionTag, 0, len(c.Sections))
	for _, s := range c.Sections {
		st := sectionTag{Y: s.Y}
		st.BlockStates.Palette = s.Palette
		if s.Indices != nil {
			st.BlockStates.Data = anvil.Pack(s.Indices, anvil.BitWidth(len(s.Palette), anvil.BlockMinBits))
		}
		st.Biomes.Palette = s.Biomes
		if s.BiomeIndices != nil {
			st.Biomes.Data = anvil.Pack(s.BiomeIndices, anvil.BitWidth(len(s.Biomes), anvil.BiomeMinBits))
		}
		sections = append(sections, st)
	}
	var doc any = chunkTag{DataVersion: c.DataVersion, XPos: c.X, ZPos: c.Z, YPos: c.YPos, Status: "minecraft:full", Sections: sections}
	if c.OmitYPos {
		doc = chunkTagNoY{DataVersion: c.DataVersion, XPos: c.X, ZPos: c.Z, Status: "minecraft:full", Sections: sections}
	}

	var raw bytes.Buffer
	if err := nbt.NewEncoder(&raw).Encode(doc, ""); err != nil {
		t.Fatalf("nbt encode: %v", err)
	}

	var out bytes.Buffer
	out.WriteByte(compression)
	switch compression {
	case anvil.CompressionGzip:
		w := gzip.NewWriter(&out)
		_, _ = w.Write(raw.Bytes())
		if err := w.Close(); err != nil {
			t.Fatalf("gzip: %v", err)
		}
	case anvil.CompressionZlib:
		w := zlib.NewWriter(&out)
		_, _ = w.Write(raw.Bytes())
		if err := w.Close(); err != nil {
			t.Fatalf("zlib: %v", err)
		}
	default:
		out.Write(raw.Bytes())
	}
	return out.Bytes()
}

// Slot is a local chunk position inside a region.
type Slot struct{ X, Z int }

// WriteRegion creates a region file holding the given sector payloads.
func WriteRegion(t testing.TB, path string, sectors map[Slot][]byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	r, err := region.Create(path)
	if err != nil {
		t.Fatalf("region.Create: %v", err)
	}
	for s, data := range sectors {
		if err := r.WriteSector(s.X, s.Z, data); err != nil {
			t.Fatalf("WriteSector(%d,%d): %v", s.X, s.Z, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("region close: %v", err)
	}
}
