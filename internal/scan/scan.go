// Package scan discovers region directories under a server root and reads
// the occupied chunk slots of their region files.
package scan

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"explora.ai/internal/anvil"
	"explora.ai/internal/coord"
)

const regionDirName = "region"

const (
	Overworld = "overworld"
	Nether    = "nether"
	TheEnd    = "the_end"
)

// RegionDir is one dimension's region folder.
type RegionDir struct {
	// World is the top-level folder under the scanned root.
	World     string
	Dimension string
	Path      string
	// Primary is set for the first region folder found in a world.
	Primary bool
}

// Key names the dimension for exploration files and tile folders.
func (d RegionDir) Key() string {
	if d.Primary {
		return d.World
	}
	return d.World + "_" + strings.ReplaceAll(d.Dimension, "/", "_")
}

// OutputDir is the tile folder of a dimension key under renderDir.
func OutputDir(renderDir, key string) string {
	return filepath.Join(renderDir, strings.ToLower(key))
}

// DimensionName maps the path between a world folder and the parent of its
// region folder to a dimension name.
func DimensionName(rel string) string {
	rel = filepath.ToSlash(rel)
	switch {
	case rel == "" || rel == ".":
		return Overworld
	case strings.EqualFold(rel, "DIM-1"):
		return Nether
	case strings.EqualFold(rel, "DIM1"):
		return TheEnd
	}
	return rel
}

// FindRegionDirs walks every top-level folder of root breadth first and
// returns its region folders. Symlinks are not followed.
func FindRegionDirs(root string) ([]RegionDir, error) {
	top, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	var out []RegionDir
	for _, e := range top {
		if !e.IsDir() {
			continue
		}
		worldPath := filepath.Join(root, e.Name())
		found := 0
		queue := []string{worldPath}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			entries, err := os.ReadDir(cur)
			if err != nil {
				continue
			}
			for _, sub := range entries {
				if !sub.IsDir() {
					continue
				}
				p := filepath.Join(cur, sub.Name())
				if sub.Name() != regionDirName {
					queue = append(queue, p)
					continue
				}
				rel, err := filepath.Rel(worldPath, cur)
				if err != nil {
					rel = sub.Name()
				}
				out = append(out, RegionDir{
					World:     e.Name(),
					Dimension: DimensionName(rel),
					Path:      p,
					Primary:   found == 0,
				})
				found++
			}
		}
	}
	return out, nil
}

// RegionFile is a region file found in a region folder.
type RegionFile struct {
	Coord coord.RegionCoord
	Path  string
}

// ListRegions returns the r.X.Z.mca files of dir in coordinate order.
func ListRegions(dir string) ([]RegionFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []RegionFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rc, ext, ok := coord.ParseRegionFileName(e.Name())
		if !ok || ext != "mca" {
			continue
		}
		out = append(out, RegionFile{Coord: rc, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Coord.X != out[j].Coord.X {
			return out[i].Coord.X < out[j].Coord.X
		}
		return out[i].Coord.Z < out[j].Coord.Z
	})
	return out, nil
}

// OccupiedChunks reads only the header of a region file and returns the
// absolute coordinates of its occupied slots.
func OccupiedChunks(path string, rc coord.RegionCoord) (coord.ChunkSet, error) {
	r, err := anvil.OpenRegion(path, rc)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	set := coord.ChunkSet{}
	for _, c := range r.OccupiedChunks() {
		set.Add(c)
	}
	return set, nil
}

// Dimension is the scan outcome for one region folder.
type Dimension struct {
	Dir     RegionDir
	Chunks  coord.ChunkSet
	Regions int
	Failed  int
}

// Result maps dimension keys to their scans.
type Result map[string]*Dimension

// Keys returns the dimension keys, sorted.
func (r Result) Keys() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type Scanner struct {
	Logger *log.Logger
	// Workers bounds concurrent region reads per folder.
	Workers int
}

func (s *Scanner) printf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// Scan reads every region folder under root. Unreadable region files are
// logged and skipped. A scan is not cancellable: stopping halfway would
// leave baselines for only some dimensions.
func (s *Scanner) Scan(root string) (Result, error) {
	dirs, err := FindRegionDirs(root)
	if err != nil {
		return nil, err
	}
	out := Result{}
	for _, d := range dirs {
		s.printf("scan: world=%s dimension=%s", d.World, d.Dimension)
		dim, err := s.ScanDir(d)
		if err != nil {
			s.printf("scan: skip %s: %v", d.Path, err)
			continue
		}
		out[d.Key()] = dim
		s.printf("scan: %s: %d chunks in %d regions (%d failed)", d.Key(), len(dim.Chunks), dim.Regions, dim.Failed)
	}
	return out, nil
}

// ScanDir reads the occupied chunks of every region file in one folder.
func (s *Scanner) ScanDir(d RegionDir) (*Dimension, error) {
	files, err := ListRegions(d.Path)
	if err != nil {
		return nil, err
	}
	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	dim := &Dimension{Dir: d, Chunks: coord.ChunkSet{}}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(workers)
	for _, f := range files {
		g.Go(func() error {
			set, err := OccupiedChunks(f.Path, f.Coord)
			mu.Lock()
			defer mu.Unlock()
			dim.Regions++
			if err != nil {
				dim.Failed++
				s.printf("scan: failed to load region %s: %v", filepath.Base(f.Path), err)
				return nil
			}
			for c := range set {
				dim.Chunks.Add(c)
			}
			return nil
		})
	}
	_ = g.Wait()
	return dim, nil
}
