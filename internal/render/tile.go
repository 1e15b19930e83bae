package render

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"explora.ai/internal/anvil"
	"explora.ai/internal/coord"
)

type ChunkMeta struct {
	X      int32    `json:"x"`
	Z      int32    `json:"z"`
	Biomes []string `json:"biomes"`
}

// Metadata is the JSON sidecar of a tile: every stored chunk of the region
// in slot order. A chunk that failed to decode has no biomes.
type Metadata struct {
	Chunks []ChunkMeta `json:"chunks"`
}

// Image converts the ARGB raster to an image.
func (t Tile) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, t.Size, t.Size))
	for i, p := range t.Pixels {
		o := i * 4
		img.Pix[o] = uint8(p >> 16)
		img.Pix[o+1] = uint8(p >> 8)
		img.Pix[o+2] = uint8(p)
		img.Pix[o+3] = uint8(p >> 24)
	}
	return img
}

func (t Tile) PNG() ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, t.Image()); err != nil {
		return nil, fmt.Errorf("png %s: %w", t.Region, err)
	}
	return buf.Bytes(), nil
}

// TilePaths returns the image and metadata paths of a region tile.
func TilePaths(dir string, rc coord.RegionCoord) (pngPath, metaPath string) {
	return filepath.Join(dir, rc.FileName("png")), filepath.Join(dir, rc.FileName("json"))
}

// WriteTile writes r.X.Z.png and r.X.Z.json into dir. Each file is replaced
// atomically.
func WriteTile(dir string, t Tile) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	img, err := t.PNG()
	if err != nil {
		return err
	}
	meta, err := json.Marshal(t.Meta)
	if err != nil {
		return fmt.Errorf("metadata %s: %w", t.Region, err)
	}
	pngPath, metaPath := TilePaths(dir, t.Region)
	if err := writeFileAtomic(pngPath, img); err != nil {
		return err
	}
	return writeFileAtomic(metaPath, meta)
}

// RenderFile opens a region file and renders it with the options of its
// dimension.
func (r Renderer) RenderFile(path string, rc coord.RegionCoord, dimension string) (Tile, error) {
	reg, err := anvil.OpenRegion(path, rc)
	if err != nil {
		return Tile{}, err
	}
	defer reg.Close()
	return r.Render(reg, rc, r.OptionsFor(dimension)), nil
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

//go:embed tile_meta.schema.json
var metaSchemaJSON []byte

const metaSchemaURL = "https://explora.ai/schemas/tile_meta.schema.json"

var metaSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(metaSchemaURL, bytes.NewReader(metaSchemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(metaSchemaURL)
})

// ValidateMetadata checks a metadata document against the tile schema.
func ValidateMetadata(b []byte) error {
	s, err := metaSchema()
	if err != nil {
		return fmt.Errorf("tile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return s.Validate(v)
}
