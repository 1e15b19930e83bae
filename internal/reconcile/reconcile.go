// Package reconcile works out which regions need rendering.
package reconcile

import (
	"os"

	"explora.ai/internal/coord"
	"explora.ai/internal/render"
	"explora.ai/internal/scan"
)

// MissingTiles lists, per dimension key, the region files whose tile image
// or metadata is absent under renderDir. Unreadable region folders are
// returned in skipped.
func MissingTiles(dirs []scan.RegionDir, renderDir string) (missing map[string]coord.RegionSet, skipped []error) {
	missing = map[string]coord.RegionSet{}
	for _, d := range dirs {
		files, err := scan.ListRegions(d.Path)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		out := scan.OutputDir(renderDir, d.Key())
		for _, f := range files {
			pngPath, metaPath := render.TilePaths(out, f.Coord)
			if exists(pngPath) && exists(metaPath) {
				continue
			}
			set := missing[d.Key()]
			if set == nil {
				set = coord.RegionSet{}
				missing[d.Key()] = set
			}
			set.Add(f.Coord)
		}
	}
	return missing, skipped
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DirtyRegions maps every chunk of a delta to its region.
func DirtyRegions(delta map[string]coord.ChunkSet) map[string]coord.RegionSet {
	out := make(map[string]coord.RegionSet, len(delta))
	for world, chunks := range delta {
		if len(chunks) == 0 {
			continue
		}
		set := coord.RegionSet{}
		for c := range chunks {
			set.Add(c.Region())
		}
		out[world] = set
	}
	return out
}

// Count is the number of regions across worlds.
func Count(jobs map[string]coord.RegionSet) int {
	n := 0
	for _, set := range jobs {
		n += len(set)
	}
	return n
}
