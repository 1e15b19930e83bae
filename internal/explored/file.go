package explored

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"explora.ai/internal/coord"
)

const (
	filePrefix = "explored_chunks_"
	fileSuffix = ".json"

	unknown = "unknown"
)

// ErrNoFile is returned for a world whose exploration file does not exist.
var ErrNoFile = errors.New("exploration file missing")

// File is the persisted form of one world's explored chunks.
type File struct {
	World          string             `json:"world"`
	Dimension      string             `json:"dimension"`
	ExploredChunks []coord.ChunkCoord `json:"exploredChunks"`
}

// FileName is the exploration file name of a world.
func FileName(world string) string { return filePrefix + world + fileSuffix }

// IsFileName reports whether name looks like an exploration file.
func IsFileName(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}

//go:embed explored.schema.json
var schemaJSON []byte

const schemaURL = "https://explora.ai/schemas/explored.schema.json"

var fileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
})

// ParseFile validates and decodes an exploration file. Missing world and
// dimension keys default to "unknown".
func ParseFile(b []byte) (File, error) {
	s, err := fileSchema()
	if err != nil {
		return File{}, fmt.Errorf("explored schema: %w", err)
	}
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return File{}, err
	}
	if err := s.Validate(raw); err != nil {
		return File{}, err
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return File{}, err
	}
	if f.World == "" {
		f.World = unknown
	}
	if f.Dimension == "" {
		f.Dimension = unknown
	}
	return f, nil
}

// ReadFile reads the exploration file of a world from dir.
func ReadFile(dir, world string) (File, error) {
	b, err := os.ReadFile(filepath.Join(dir, FileName(world)))
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, fmt.Errorf("%s: %w", world, ErrNoFile)
		}
		return File{}, err
	}
	f, err := ParseFile(b)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", FileName(world), err)
	}
	return f, nil
}

func writeFile(dir string, f File) error {
	if f.ExploredChunks == nil {
		f.ExploredChunks = []coord.ChunkCoord{}
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, FileName(f.World))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// merge appends the chunks of add that f does not hold yet, sorted, and
// returns how many were appended.
func (f *File) merge(add coord.ChunkSet) int {
	have := make(coord.ChunkSet, len(f.ExploredChunks))
	for _, c := range f.ExploredChunks {
		have.Add(c)
	}
	n := 0
	for _, c := range add.Sorted() {
		if have.Add(c) {
			f.ExploredChunks = append(f.ExploredChunks, c)
			n++
		}
	}
	return n
}

// FlushResult reports the outcome of persisting one world's delta.
type FlushResult struct {
	World string
	Added int
	Total int
	Err   error
}

// WriteDelta merges a delta into the exploration files under dir. Each world
// is handled on its own; a failure for one world never stops the others.
// Worlds without a file report ErrNoFile.
func WriteDelta(dir string, delta Delta) []FlushResult {
	var out []FlushResult
	for _, world := range delta.Worlds() {
		chunks := delta[world]
		if len(chunks) == 0 {
			continue
		}
		res := FlushResult{World: world}
		f, err := ReadFile(dir, world)
		if err != nil {
			res.Err = err
			out = append(out, res)
			continue
		}
		// The file name decides the world; the stored key may be stale.
		f.World = world
		res.Added = f.merge(chunks)
		res.Total = len(f.ExploredChunks)
		if res.Added > 0 {
			if err := writeFile(dir, f); err != nil {
				res.Err = fmt.Errorf("write %s: %w", FileName(world), err)
			}
		}
		out = append(out, res)
	}
	return out
}

// WriteBaseline stores a scanned chunk set for a world. An existing file is
// merged with the scan, never shrunk.
func WriteBaseline(dir, world, dimension string, chunks coord.ChunkSet) (FlushResult, error) {
	res := FlushResult{World: world}
	f, err := ReadFile(dir, world)
	switch {
	case errors.Is(err, ErrNoFile):
		f = File{World: world, Dimension: dimension}
	case err != nil:
		return res, err
	}
	f.World = world
	if dimension != "" {
		f.Dimension = dimension
	}
	res.Added = f.merge(chunks)
	res.Total = len(f.ExploredChunks)
	if err := writeFile(dir, f); err != nil {
		return res, fmt.Errorf("write %s: %w", FileName(world), err)
	}
	return res, nil
}
