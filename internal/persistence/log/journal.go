// Package log journals accepted game events as zstd-compressed JSON lines.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"explora.ai/internal/coord"
)

// Event kinds.
const (
	KindChunkEntered = "chunk_entered"
	KindBlockChanged = "block_changed"
	KindPromoted     = "promoted"
)

const journalPrefix = "events"

// Event is one journal line. Y and SurfaceY are set for block changes only.
type Event struct {
	Time     time.Time `json:"time"`
	Kind     string    `json:"kind"`
	World    string    `json:"world"`
	X        int32     `json:"x"`
	Z        int32     `json:"z"`
	Y        *int32    `json:"y,omitempty"`
	SurfaceY *int32    `json:"surface_y,omitempty"`
}

func ChunkEntered(world string, c coord.ChunkCoord) Event {
	return Event{Kind: KindChunkEntered, World: world, X: c.X, Z: c.Z}
}

func BlockChanged(world string, b coord.BlockCoord, surfaceY int32) Event {
	y, s := b.Y, surfaceY
	return Event{Kind: KindBlockChanged, World: world, X: b.X, Z: b.Z, Y: &y, SurfaceY: &s}
}

// Promoted records a chunk whose edit count reached the threshold.
func Promoted(world string, c coord.ChunkCoord) Event {
	return Event{Kind: KindPromoted, World: world, X: c.X, Z: c.Z}
}

// Journal writes events under dir. A nil *Journal discards events.
type Journal struct{ w *JSONLZstdWriter }

func NewJournal(dir, layout string) *Journal {
	return &Journal{w: NewJSONLZstdWriter(dir, journalPrefix, layout)}
}

// Writer exposes the segment writer, for hooking rotation.
func (j *Journal) Writer() *JSONLZstdWriter {
	if j == nil {
		return nil
	}
	return j.w
}

func (j *Journal) WriteEvent(e Event) error {
	if j == nil {
		return nil
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return j.w.Write(e)
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.w.Close()
}

// Segments lists the journal files under dir, oldest first.
func Segments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, journalPrefix+"-") || !strings.HasSuffix(n, ".jsonl.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, n))
	}
	sort.Strings(out)
	return out, nil
}

// ErrStop ends ReadJournal early without an error.
var ErrStop = errors.New("stop reading journal")

// ReadJournal calls fn for every event of every segment under dir, in order.
func ReadJournal(dir string, fn func(Event) error) error {
	segs, err := Segments(dir)
	if err != nil {
		return err
	}
	for _, p := range segs {
		if err := readSegment(p, fn); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func readSegment(path string, fn func(Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(b, &e); err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}
