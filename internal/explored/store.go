// Package explored keeps the per-world set of explored chunks and the delta
// of chunks that still have to be persisted and synced.
//
// A Store is owned by a single goroutine. Disk writes run on snapshots
// (WriteDelta on Pending) so they can happen elsewhere; the owner applies
// the outcome with Acknowledge.
package explored

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"explora.ai/internal/coord"
)

// Delta maps a world to chunks explored or re-rendered since the last
// acknowledged cycle.
type Delta map[string]coord.ChunkSet

func (d Delta) add(world string, c coord.ChunkCoord) bool {
	set := d[world]
	if set == nil {
		set = coord.ChunkSet{}
		d[world] = set
	}
	return set.Add(c)
}

// Worlds returns the worlds with at least one chunk, sorted.
func (d Delta) Worlds() []string {
	out := make([]string, 0, len(d))
	for w, set := range d {
		if len(set) > 0 {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

// Len is the total number of chunks across worlds.
func (d Delta) Len() int {
	n := 0
	for _, set := range d {
		n += len(set)
	}
	return n
}

func (d Delta) Clone() Delta {
	out := make(Delta, len(d))
	for w, set := range d {
		if len(set) > 0 {
			out[w] = set.Clone()
		}
	}
	return out
}

// Only returns the part of d whose world passes keep.
func (d Delta) Only(keep func(world string) bool) Delta {
	out := Delta{}
	for w, set := range d {
		if keep(w) {
			out[w] = set
		}
	}
	return out
}

type Store struct {
	dir    string
	logger *log.Logger

	explored  map[string]coord.ChunkSet
	dimension map[string]string
	delta     Delta
}

// Load reads every exploration file in dir. Unreadable or invalid files are
// logged and skipped. Files naming the same world are merged, keeping the
// dimension of the first. A missing dir is created.
func Load(dir string, logger *log.Logger) (*Store, error) {
	s := &Store{
		dir:       dir,
		logger:    logger,
		explored:  map[string]coord.ChunkSet{},
		dimension: map[string]string{},
		delta:     Delta{},
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("explored: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("explored: %w", err)
	}
	files := 0
	for _, e := range entries {
		if e.IsDir() || !IsFileName(e.Name()) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err == nil {
			var f File
			f, err = ParseFile(b)
			if err == nil {
				set, dup := s.explored[f.World]
				if dup {
					s.printf("explored: %s also holds world %q, merging its chunks", e.Name(), f.World)
				} else {
					set = make(coord.ChunkSet, len(f.ExploredChunks))
					s.explored[f.World] = set
					s.dimension[f.World] = f.Dimension
				}
				added := 0
				for _, c := range f.ExploredChunks {
					if set.Add(c) {
						added++
					}
				}
				files++
				s.printf("explored: loaded %d chunks from %s", added, e.Name())
				continue
			}
		}
		s.printf("explored: skip %s: %v", e.Name(), err)
	}
	if files == 0 {
		s.printf("explored: no exploration files in %s", dir)
	}
	return s, nil
}

func (s *Store) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) IsExplored(world string, c coord.ChunkCoord) bool {
	return s.explored[world].Has(c)
}

// RecordIfNew adds c to the explored set and the delta of world. It reports
// whether c was new.
func (s *Store) RecordIfNew(world string, c coord.ChunkCoord) bool {
	set := s.explored[world]
	if set == nil {
		set = coord.ChunkSet{}
		s.explored[world] = set
	}
	if !set.Add(c) {
		return false
	}
	s.delta.add(world, c)
	return true
}

// MarkDirty queues an already explored chunk for the next cycle.
func (s *Store) MarkDirty(world string, c coord.ChunkCoord) {
	s.delta.add(world, c)
}

// Pending returns a copy of the delta.
func (s *Store) Pending() Delta { return s.delta.Clone() }

// Acknowledge removes exactly the chunks of d from the delta. Chunks added
// after d was taken stay pending.
func (s *Store) Acknowledge(d Delta) {
	for w, set := range d {
		cur := s.delta[w]
		for c := range set {
			delete(cur, c)
		}
		if len(cur) == 0 {
			delete(s.delta, w)
		}
	}
}

// Flush persists the delta and acknowledges the worlds that were written.
func (s *Store) Flush() []FlushResult {
	pending := s.Pending()
	results := WriteDelta(s.dir, pending)
	ok := map[string]bool{}
	for _, r := range results {
		if r.Err != nil {
			s.printf("explored: flush world=%s: %v", r.World, r.Err)
			continue
		}
		ok[r.World] = true
	}
	s.Acknowledge(pending.Only(func(w string) bool { return ok[w] }))
	return results
}

// Replace swaps in the explored set of a world, as after a full scan.
func (s *Store) Replace(world, dimension string, chunks coord.ChunkSet) {
	s.explored[world] = chunks.Clone()
	s.dimension[world] = dimension
}

// Worlds lists the worlds with an explored set, sorted.
func (s *Store) Worlds() []string {
	out := make([]string, 0, len(s.explored))
	for w := range s.explored {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Count(world string) int { return len(s.explored[world]) }

func (s *Store) Dimension(world string) string { return s.dimension[world] }

// All returns the explored chunks of a world, sorted.
func (s *Store) All(world string) []coord.ChunkCoord {
	return s.explored[world].Sorted()
}

// PendingLen is the number of chunks of world waiting in the delta.
func (s *Store) PendingLen(world string) int { return len(s.delta[world]) }
