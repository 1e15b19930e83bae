package r2s3

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"explora.ai/internal/coord"
)

const (
	putAttempts = 4
	putTimeout  = time.Minute
)

// Uploader is the part of Client the mirror needs.
type Uploader interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Tile is one rendered region: r.X.Z.png and its r.X.Z.json sidecar in a
// dimension's output directory.
type Tile struct {
	Dir    string
	Region coord.RegionCoord
}

func (t Tile) id() string { return filepath.Join(t.Dir, t.Region.String()) }

func (t Tile) files() [2]string {
	return [2]string{
		filepath.Join(t.Dir, t.Region.FileName("png")),
		filepath.Join(t.Dir, t.Region.FileName("json")),
	}
}

// TilesOf groups tile files into tiles, in order of first appearance.
// Files that are not a tile png or json are ignored.
func TilesOf(files []string) []Tile {
	seen := map[Tile]bool{}
	var tiles []Tile
	for _, f := range files {
		rc, ext, ok := coord.ParseRegionFileName(filepath.Base(f))
		if !ok || (ext != "png" && ext != "json") {
			continue
		}
		t := Tile{Dir: filepath.Clean(filepath.Dir(f)), Region: rc}
		if !seen[t] {
			seen[t] = true
			tiles = append(tiles, t)
		}
	}
	return tiles
}

type MirrorOptions struct {
	// Prefix is prepended to every object key.
	Prefix string
	// Zoom is the zoom segment of every object key, matching the
	// backend's /:world/:zoom/:x/:z tile route.
	Zoom int
	Workers int
	// QueueCapacity bounds the tiles waiting for upload. A new tile that
	// finds the queue full is dropped and counted.
	QueueCapacity int
	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration
	Logger  *log.Logger
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	InFlight      int
	Enqueued      uint64
	Coalesced     uint64
	Dropped       uint64
	Uploaded      uint64
	Unchanged     uint64
	Failed        uint64
	LastSuccess   time.Time
	LastError     time.Time
}

type stamp struct {
	mod  time.Time
	size int64
}

// Mirror uploads rendered tiles in the background. Both files of a tile go
// up in one job, png first, so the bucket never holds metadata for an image
// it does not have. A tile whose files did not change since its last upload
// is skipped. A nil *Mirror ignores every call.
type Mirror struct {
	client    Uploader
	renderDir string
	prefix    string
	zoom      string
	capacity  int
	backoff   time.Duration
	logger    *log.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Tile
	queued   map[string]bool
	inflight map[string]bool
	closed   bool
	// last uploaded stamp per object key
	mirrored map[string]stamp
	stats    Stats

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewMirror(client Uploader, renderDir string, opts MirrorOptions) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Zoom <= 0 {
		opts.Zoom = 1
	}
	m := &Mirror{
		client:    client,
		renderDir: filepath.Clean(renderDir),
		prefix:    strings.Trim(filepath.ToSlash(opts.Prefix), "/"),
		zoom:      strconv.Itoa(opts.Zoom),
		capacity:  opts.QueueCapacity,
		backoff:   opts.Backoff,
		logger:    opts.Logger,
		queued:    map[string]bool{},
		inflight:  map[string]bool{},
		mirrored:  map[string]stamp{},
	}
	m.cond = sync.NewCond(&m.mu)
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go m.work()
	}
	return m
}

// Enqueue queues the tiles behind files, which are tile pngs or json
// sidecars under the render dir. A tile already waiting is not queued
// twice. It returns the number of tiles newly queued.
func (m *Mirror) Enqueue(files []string) int {
	if m == nil || m.client == nil {
		return 0
	}
	tiles := TilesOf(files)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	n := 0
	for _, t := range tiles {
		m.stats.Enqueued++
		id := t.id()
		if m.queued[id] {
			m.stats.Coalesced++
			continue
		}
		if len(m.queue) >= m.capacity {
			m.stats.Dropped++
			m.printf("mirror: queue full, dropped %s (%d dropped so far)", id, m.stats.Dropped)
			continue
		}
		m.queue = append(m.queue, t)
		m.queued[id] = true
		n++
	}
	m.cond.Broadcast()
	return n
}

// Close uploads what is queued and stops the workers.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.cond.Broadcast()
		m.mu.Unlock()
		m.wg.Wait()
	})
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.QueueDepth = len(m.queue)
	st.QueueCapacity = m.capacity
	st.InFlight = len(m.inflight)
	return st
}

func (m *Mirror) work() {
	defer m.wg.Done()
	for {
		t, ok := m.next()
		if !ok {
			return
		}
		m.mirror(t)
		m.mu.Lock()
		delete(m.inflight, t.id())
		m.cond.Broadcast()
		m.mu.Unlock()
	}
}

// next takes the first queued tile that no other worker is uploading. It
// blocks until there is one, and reports false once closed and empty.
func (m *Mirror) next() (Tile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for i, t := range m.queue {
			id := t.id()
			if m.inflight[id] {
				continue
			}
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			delete(m.queued, id)
			m.inflight[id] = true
			return t, true
		}
		if m.closed && len(m.queue) == 0 {
			return Tile{}, false
		}
		m.cond.Wait()
	}
}

func (m *Mirror) mirror(t Tile) {
	keys, err := m.ObjectKeys(t)
	if err != nil {
		m.failed(t, err)
		return
	}
	files := t.files()
	var stamps [2]stamp
	for i, f := range files {
		st, err := os.Stat(f)
		if err != nil {
			m.failed(t, err)
			return
		}
		stamps[i] = stamp{mod: st.ModTime(), size: st.Size()}
	}

	m.mu.Lock()
	unchanged := m.mirrored[keys[0]] == stamps[0] && m.mirrored[keys[1]] == stamps[1]
	if unchanged {
		m.stats.Unchanged++
	}
	m.mu.Unlock()
	if unchanged {
		return
	}

	for i, f := range files {
		body, err := os.ReadFile(f)
		if err == nil {
			err = m.put(keys[i], body)
		}
		if err != nil {
			m.mu.Lock()
			delete(m.mirrored, keys[0])
			delete(m.mirrored, keys[1])
			m.mu.Unlock()
			m.failed(t, fmt.Errorf("%s: %w", keys[i], err))
			return
		}
	}

	m.mu.Lock()
	m.mirrored[keys[0]] = stamps[0]
	m.mirrored[keys[1]] = stamps[1]
	m.stats.Uploaded++
	m.stats.LastSuccess = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Mirror) put(key string, body []byte) error {
	delay := m.backoff
	var err error
	for attempt := 1; attempt <= putAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
		err = m.client.Put(ctx, key, body, ContentTypeFor(key))
		cancel()
		if err == nil {
			return nil
		}
		if attempt < putAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

func (m *Mirror) failed(t Tile, err error) {
	m.mu.Lock()
	m.stats.Failed++
	m.stats.LastError = time.Now().UTC()
	m.mu.Unlock()
	m.printf("mirror: %s: %v", t.id(), err)
}

// ObjectKeys returns the png and json keys of t:
// <prefix>/<world>/<zoom>/r.X.Z.<ext>, where world is the tile directory
// relative to the render dir.
func (m *Mirror) ObjectKeys(t Tile) ([2]string, error) {
	base, err := filepath.Abs(m.renderDir)
	if err != nil {
		return [2]string{}, err
	}
	dir, err := filepath.Abs(t.Dir)
	if err != nil {
		return [2]string{}, err
	}
	rel, err := filepath.Rel(base, dir)
	if err != nil {
		return [2]string{}, err
	}
	world := filepath.ToSlash(rel)
	if world == "." || world == ".." || strings.HasPrefix(world, "../") {
		return [2]string{}, fmt.Errorf("%s is not a world directory under %s", t.Dir, m.renderDir)
	}
	keyDir := path.Join(m.prefix, world, m.zoom)
	return [2]string{
		path.Join(keyDir, t.Region.FileName("png")),
		path.Join(keyDir, t.Region.FileName("json")),
	}, nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
