package anvil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/Tnze/go-mc/nbt"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Sector compression schemes.
const (
	CompressionGzip byte = 1
	CompressionZlib byte = 2
	CompressionNone byte = 3

	compressionExternal byte = 0x80
)

// DefaultMinSection is used when a chunk has no yPos tag.
const DefaultMinSection = -4

var (
	// ErrCorrupted marks chunk payloads that cannot be decoded.
	ErrCorrupted = errors.New("corrupted chunk")
	// ErrAbsent marks empty region slots.
	ErrAbsent = errors.New("chunk absent")
)

type BlockState struct {
	Name       string            `nbt:"Name"`
	Properties map[string]string `nbt:"Properties"`
}

func (b BlockState) Property(key string) string {
	if b.Properties == nil {
		return ""
	}
	return b.Properties[key]
}

type Section struct {
	Y      int32
	Blocks Container[BlockState]
	Biomes Container[string]
}

// Block takes section-relative coordinates.
func (s *Section) Block(x, y, z int) (BlockState, bool) {
	return s.Blocks.At(BlockIndex(x, y, z))
}

// Biome takes section-relative coordinates. Sections without biome data
// return "".
func (s *Section) Biome(x, y, z int) string {
	v, _ := s.Biomes.At(BiomeIndex(x, y, z))
	return v
}

type Chunk struct {
	X, Z        int32
	DataVersion int32
	Status      string
	// MinSection is the Y of Sections[0].
	MinSection int32
	// Sections is dense by Y. Missing sections are nil.
	Sections []*Section
}

// Section returns the section with the given section Y, or nil.
func (c *Chunk) Section(y int32) *Section {
	i := y - c.MinSection
	if i < 0 || int(i) >= len(c.Sections) {
		return nil
	}
	return c.Sections[i]
}

// Biomes returns the distinct biome identities referenced by any section.
func (c *Chunk) Biomes() []string {
	seen := map[string]struct{}{}
	for _, s := range c.Sections {
		if s == nil {
			continue
		}
		for _, b := range s.Biomes.Palette() {
			if b != "" {
				seen[b] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

type chunkNBT struct {
	DataVersion int32        `nbt:"DataVersion"`
	XPos        int32        `nbt:"xPos"`
	ZPos        int32        `nbt:"zPos"`
	YPos        int32        `nbt:"yPos"`
	Status      string       `nbt:"Status"`
	Sections    []sectionNBT `nbt:"sections"`
}

type sectionNBT struct {
	Y           int8          `nbt:"Y"`
	BlockStates blockStateNBT `nbt:"block_states"`
	Biomes      biomesNBT     `nbt:"biomes"`
}

type blockStateNBT struct {
	Palette []BlockState `nbt:"palette"`
	Data    []int64      `nbt:"data"`
}

type biomesNBT struct {
	Palette []string `nbt:"palette"`
	Data    []int64  `nbt:"data"`
}

// DecodeChunk decodes one region sector payload (compression byte followed by
// the compressed tag tree). It never panics; every failure wraps ErrCorrupted.
func DecodeChunk(sector []byte) (c *Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = fmt.Errorf("%w: panic: %v", ErrCorrupted, r)
		}
	}()
	if len(sector) < 2 {
		return nil, fmt.Errorf("%w: short sector (%d bytes)", ErrCorrupted, len(sector))
	}
	raw, err := decompress(sector[0], sector[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	doc := chunkNBT{YPos: DefaultMinSection}
	if err := nbt.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: nbt: %v", ErrCorrupted, err)
	}
	return doc.build(), nil
}

func decompress(kind byte, payload []byte) ([]byte, error) {
	if kind&compressionExternal != 0 {
		return nil, fmt.Errorf("external chunk storage (type %d) not supported", kind)
	}
	var r io.ReadCloser
	switch kind {
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		r = zr
	case CompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		r = zr
	case CompressionNone:
		return payload, nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", kind)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (doc chunkNBT) build() *Chunk {
	c := &Chunk{
		X:           doc.XPos,
		Z:           doc.ZPos,
		DataVersion: doc.DataVersion,
		Status:      doc.Status,
		MinSection:  doc.YPos,
	}
	for _, sn := range doc.Sections {
		y := int32(sn.Y)
		if y < c.MinSection {
			// lighting-only section below the world
			continue
		}
		i := int(y - c.MinSection)
		for len(c.Sections) <= i {
			c.Sections = append(c.Sections, nil)
		}
		c.Sections[i] = &Section{
			Y:      y,
			Blocks: NewContainer(sn.BlockStates.Palette, sn.BlockStates.Data, BlockMinBits),
			Biomes: NewContainer(sn.Biomes.Palette, sn.Biomes.Data, BiomeMinBits),
		}
	}
	return c
}
