package render

import (
	_ "embed"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"explora.ai/internal/anvil"
)

//go:embed colors.yaml
var defaultCatalogYAML []byte

type rgb uint32

func (c *rgb) UnmarshalYAML(n *yaml.Node) error {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(n.Value), "#"), 16, 32)
	if err != nil || v > 0xFFFFFF {
		return fmt.Errorf("line %d: bad color %q", n.Line, n.Value)
	}
	*c = rgb(v)
	return nil
}

type tint struct {
	Grass   rgb `yaml:"grass"`
	Foliage rgb `yaml:"foliage"`
	Water   rgb `yaml:"water"`
}

func (t tint) group(name string) (rgb, bool) {
	switch name {
	case "grass":
		return t.Grass, true
	case "foliage":
		return t.Foliage, true
	case "water":
		return t.Water, true
	}
	return 0, false
}

type catalogFile struct {
	DefaultTint       tint                `yaml:"default_tint"`
	TintGroups        map[string][]string `yaml:"tint_groups"`
	Biomes            map[string]tint     `yaml:"biomes"`
	Blocks            map[string]rgb      `yaml:"blocks"`
	Transparent       []string            `yaml:"transparent"`
	Foliage           []string            `yaml:"foliage"`
	AlwaysWaterlogged []string            `yaml:"always_waterlogged"`
}

// Catalog maps block states and biomes to map colors. It also classifies
// blocks for the column scans.
type Catalog struct {
	blocks      map[string]rgb
	tintGroup   map[string]string
	biomes      map[string]tint
	defaultTint tint

	transparent map[string]struct{}
	foliage     map[string]struct{}
	waterlogged map[string]struct{}
}

var defaultCatalog = sync.OnceValues(func() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
})

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := defaultCatalog()
	if err != nil {
		panic(fmt.Sprintf("embedded colors.yaml: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file in the colors.yaml layout.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := ParseCatalog(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func ParseCatalog(b []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("colors: %w", err)
	}
	c := &Catalog{
		blocks:      f.Blocks,
		tintGroup:   map[string]string{},
		biomes:      f.Biomes,
		defaultTint: f.DefaultTint,
		transparent: toSet(f.Transparent),
		foliage:     toSet(f.Foliage),
		waterlogged: toSet(f.AlwaysWaterlogged),
	}
	if c.blocks == nil {
		c.blocks = map[string]rgb{}
	}
	if c.biomes == nil {
		c.biomes = map[string]tint{}
	}
	for group, names := range f.TintGroups {
		if _, ok := f.DefaultTint.group(group); !ok {
			return nil, fmt.Errorf("colors: unknown tint group %q", group)
		}
		for _, n := range names {
			c.tintGroup[n] = group
		}
	}
	return c, nil
}

func toSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

// Color returns the opaque ARGB color of a voxel.
func (c *Catalog) Color(v anvil.Voxel) uint32 {
	base, ok := c.blocks[v.Block.Name]
	if !ok {
		base = fallbackColor(v.Block.Name)
	}
	if group, ok := c.tintGroup[v.Block.Name]; ok {
		t, ok := c.biomes[v.Biome]
		if !ok {
			t = c.defaultTint
		}
		tc, _ := t.group(group)
		base = multiply(base, tc)
	}
	return 0xFF000000 | uint32(base)
}

func (c *Catalog) Transparent(b anvil.BlockState) bool {
	_, ok := c.transparent[b.Name]
	return ok
}

func (c *Catalog) Water(b anvil.BlockState) bool {
	return b.Name == "minecraft:water" || b.Name == "minecraft:bubble_column"
}

func (c *Catalog) Waterlogged(b anvil.BlockState) bool {
	if b.Property("waterlogged") == "true" {
		return true
	}
	_, ok := c.waterlogged[b.Name]
	return ok
}

func (c *Catalog) Foliage(b anvil.BlockState) bool {
	_, ok := c.foliage[b.Name]
	return ok
}

func multiply(a, b rgb) rgb {
	r := (uint32(a>>16&0xFF) * uint32(b>>16&0xFF)) / 255
	g := (uint32(a>>8&0xFF) * uint32(b>>8&0xFF)) / 255
	bl := (uint32(a&0xFF) * uint32(b&0xFF)) / 255
	return rgb(r<<16 | g<<8 | bl)
}

// fallbackColor gives unknown blocks a stable muted color.
func fallbackColor(name string) rgb {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	s := h.Sum32()
	r := 0x40 + (s >> 16 & 0x7F)
	g := 0x40 + (s >> 8 & 0x7F)
	b := 0x40 + (s & 0x7F)
	return rgb(r<<16 | g<<8 | b)
}
