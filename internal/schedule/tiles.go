package schedule

import (
	"fmt"
	"path/filepath"

	"explora.ai/internal/render"
	"explora.ai/internal/scan"
)

// TileWriter renders regions from their region folders into the tile tree.
type TileWriter struct {
	Renderer  render.Renderer
	RenderDir string
	// Dirs maps dimension keys to region folders.
	Dirs map[string]scan.RegionDir
}

// NewTileWriter indexes dirs by key.
func NewTileWriter(r render.Renderer, renderDir string, dirs []scan.RegionDir) *TileWriter {
	w := &TileWriter{Renderer: r, RenderDir: renderDir, Dirs: make(map[string]scan.RegionDir, len(dirs))}
	for _, d := range dirs {
		w.Dirs[d.Key()] = d
	}
	return w
}

// Render is a RenderFunc.
func (w *TileWriter) Render(job Job) (Output, error) {
	d, ok := w.Dirs[job.World]
	if !ok {
		return Output{}, fmt.Errorf("no region folder for %q", job.World)
	}
	src := filepath.Join(d.Path, job.Region.FileName("mca"))
	tile, err := w.Renderer.RenderFile(src, job.Region, d.Dimension)
	if err != nil {
		return Output{}, err
	}
	out := scan.OutputDir(w.RenderDir, job.World)
	if err := render.WriteTile(out, tile); err != nil {
		return Output{}, err
	}
	pngPath, metaPath := render.TilePaths(out, job.Region)
	return Output{Chunks: tile.Chunks, Corrupted: tile.Corrupted, Files: []string{pngPath, metaPath}}, nil
}
