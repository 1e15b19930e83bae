package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"explora.ai/internal/config"
	"explora.ai/internal/coord"
	"explora.ai/internal/explored"
	"explora.ai/internal/metrics"
	"explora.ai/internal/persistence/archive"
	"explora.ai/internal/persistence/indexdb"
	"explora.ai/internal/persistence/r2s3"
	"explora.ai/internal/protocol"
	"explora.ai/internal/reconcile"
	"explora.ai/internal/render"
	"explora.ai/internal/scan"
	"explora.ai/internal/schedule"
	"explora.ai/internal/syncclient"
)

// Backend is the remote map service.
type Backend interface {
	StreamChunks(ctx context.Context, world string, chunks []coord.ChunkCoord, batchSize int, delay time.Duration) syncclient.StreamReport
	DeleteAllChunks(ctx context.Context) error
	UploadTiles(ctx context.Context, zip []byte, deleteExisting bool) error
	PostPlayers(ctx context.Context, players []protocol.PlayerStatus) error
	PostStatus(ctx context.Context, status protocol.ServerStatus) error
}

// Deps are the collaborators of a pipeline. Ledger, Mirror, Metrics and
// Scanner may be nil.
type Deps struct {
	Config     config.Config
	ConfigPath string
	Backend    Backend
	Pool       *schedule.Pool
	Renderer   render.Renderer
	Scanner    *scan.Scanner
	Ledger     *indexdb.SQLiteIndex
	Mirror     *r2s3.Mirror
	Metrics    *metrics.Metrics
	Logger     *log.Logger
}

// Pipeline runs the I/O steps of startup and of every periodic cycle. It
// never touches the explored store of the main loop; it works on snapshots.
type Pipeline struct {
	cfg        config.Config
	configPath string
	backend    Backend
	pool       *schedule.Pool
	renderer   render.Renderer
	scanner    *scan.Scanner
	ledger     *indexdb.SQLiteIndex
	mirror     *r2s3.Mirror
	metrics    *metrics.Metrics
	logger     *log.Logger
	now        func() time.Time
}

func NewPipeline(d Deps) (*Pipeline, error) {
	if d.Backend == nil {
		return nil, fmt.Errorf("tracker: nil backend")
	}
	if d.Pool == nil {
		return nil, fmt.Errorf("tracker: nil render pool")
	}
	if d.Scanner == nil {
		d.Scanner = &scan.Scanner{Logger: d.Logger}
	}
	return &Pipeline{
		cfg:        d.Config,
		configPath: d.ConfigPath,
		backend:    d.Backend,
		pool:       d.Pool,
		renderer:   d.Renderer,
		scanner:    d.Scanner,
		ledger:     d.Ledger,
		mirror:     d.Mirror,
		metrics:    d.Metrics,
		logger:     d.Logger,
		now:        time.Now,
	}, nil
}

func (p *Pipeline) printf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

// CycleResult is what one periodic cycle did with a delta snapshot.
type CycleResult struct {
	Delta     explored.Delta
	Flushed   []explored.FlushResult
	Streams   []syncclient.StreamReport
	Render    schedule.Report
	Uploaded  int
	UploadErr error
}

// Persisted returns the worlds whose flush succeeded.
func (r CycleResult) Persisted() map[string]bool {
	ok := map[string]bool{}
	for _, f := range r.Flushed {
		if f.Err == nil {
			ok[f.World] = true
		}
	}
	return ok
}

// Synced returns the persisted worlds whose batches all reached the backend.
func (r CycleResult) Synced() map[string]bool {
	ok := r.Persisted()
	for _, s := range r.Streams {
		if !s.OK() {
			delete(ok, s.World)
		}
	}
	return ok
}

// Cycle flushes the delta to disk, streams it to the backend, re-renders
// the regions it touches and uploads the new tiles. A world whose flush
// failed is left out of the later steps; other worlds go on.
func (p *Pipeline) Cycle(ctx context.Context, delta explored.Delta) CycleResult {
	res := CycleResult{Delta: delta}

	res.Flushed = explored.WriteDelta(p.cfg.ChunkDataDir, delta)
	for _, f := range res.Flushed {
		p.ledger.RecordFlush(f)
		switch {
		case errors.Is(f.Err, explored.ErrNoFile):
			p.printf("explored: skip world=%s: no exploration file", f.World)
		case f.Err != nil:
			p.printf("explored: flush world=%s: %v", f.World, f.Err)
		}
	}
	ok := res.Persisted()
	persisted := delta.Only(func(w string) bool { return ok[w] })

	for _, world := range persisted.Worlds() {
		res.Streams = append(res.Streams, p.stream(ctx, world, persisted[world].Sorted()))
	}

	dirty := reconcile.DirtyRegions(persisted)
	res.Render = p.render(dirty)
	res.Uploaded, res.UploadErr = p.upload(ctx, res.Render.Files(), false)
	return res
}

func (p *Pipeline) stream(ctx context.Context, world string, chunks []coord.ChunkCoord) syncclient.StreamReport {
	rep := p.backend.StreamChunks(ctx, world, chunks, p.cfg.Backend.BatchSize, p.cfg.Backend.BatchDelay.D())
	for _, b := range rep.Batches {
		p.ledger.RecordBatch(b)
		p.metrics.SyncBatch(b.Err == nil)
	}
	return rep
}

// render draws jobs on the shared pool and waits for the batch.
func (p *Pipeline) render(jobs map[string]coord.RegionSet) schedule.Report {
	if reconcile.Count(jobs) == 0 {
		return schedule.Report{}
	}
	dirs, err := scan.FindRegionDirs(p.cfg.WorldContainer)
	if err != nil {
		p.printf("render: find region folders: %v", err)
	}
	tw := schedule.NewTileWriter(p.renderer, p.cfg.RenderDataDir, dirs)
	s, err := schedule.NewScheduler(p.pool, tw.Render, p.logger)
	if err != nil {
		p.printf("render: %v", err)
		return schedule.Report{}
	}
	s.OnTask = func(r schedule.TaskResult) {
		p.ledger.RecordTile(r)
		p.metrics.RenderTask(r.Duration, r.Err != nil)
	}
	start := p.now()
	rep := s.RenderWait(jobs)
	p.printf("render: %d regions rendered, %d failed in %s", len(rep.Rendered), len(rep.Failed), p.now().Sub(start).Round(time.Millisecond))
	return rep
}

// upload sends files as one zip and hands them to the mirror.
func (p *Pipeline) upload(ctx context.Context, files []string, deleteExisting bool) (int, error) {
	if len(files) == 0 {
		return 0, nil
	}
	zip, err := PackageTiles(p.cfg.RenderDataDir, files)
	if err == nil {
		err = p.backend.UploadTiles(ctx, zip, deleteExisting)
	}
	p.metrics.TileUpload(err == nil)
	p.mirror.Enqueue(files)
	if err != nil {
		p.printf("sync: upload %d tile files: %v", len(files), err)
		return 0, err
	}
	return len(files), nil
}

// Startup loads the explored store. With fullScan it first rebuilds the
// exploration files from the region files and re-syncs the backend from
// scratch. Either way, regions without tiles are rendered.
func (p *Pipeline) Startup(ctx context.Context, fullScan bool) (*explored.Store, error) {
	if fullScan {
		return p.fullScan(ctx)
	}
	dirs, err := scan.FindRegionDirs(p.cfg.WorldContainer)
	if err != nil {
		p.printf("startup: find region folders: %v", err)
	}
	if err := p.ensureFiles(dirs); err != nil {
		return nil, err
	}
	store, err := explored.Load(p.cfg.ChunkDataDir, p.logger)
	if err != nil {
		return nil, err
	}
	rep := p.render(p.missing(dirs))
	if _, err := p.upload(ctx, rep.Files(), false); err != nil {
		p.printf("startup: tile upload failed: %v", err)
	}
	return store, nil
}

// ensureFiles creates an empty exploration file for every dimension that
// has none, so its live chunks can be flushed.
func (p *Pipeline) ensureFiles(dirs []scan.RegionDir) error {
	for _, d := range dirs {
		_, err := explored.ReadFile(p.cfg.ChunkDataDir, d.Key())
		if err == nil {
			continue
		}
		if !errors.Is(err, explored.ErrNoFile) {
			p.printf("startup: exploration file %s: %v", d.Key(), err)
			continue
		}
		if _, err := explored.WriteBaseline(p.cfg.ChunkDataDir, d.Key(), d.Dimension, nil); err != nil {
			return fmt.Errorf("startup: create exploration file %s: %w", d.Key(), err)
		}
	}
	return nil
}

func (p *Pipeline) missing(dirs []scan.RegionDir) map[string]coord.RegionSet {
	missing, skipped := reconcile.MissingTiles(dirs, p.cfg.RenderDataDir)
	for _, err := range skipped {
		p.printf("reconcile: %v", err)
	}
	if n := reconcile.Count(missing); n > 0 {
		p.printf("reconcile: %d regions have no tile", n)
	}
	return missing
}

func (p *Pipeline) fullScan(ctx context.Context) (*explored.Store, error) {
	p.printf("startup: full scan of %s; do not stop the process until it finishes", p.cfg.WorldContainer)
	start := p.now()

	if dir, err := archive.ArchiveExploredFiles(p.cfg.ChunkDataDir, p.now()); err != nil {
		p.printf("startup: archive exploration files: %v", err)
	} else if dir != "" {
		p.printf("startup: archived exploration files to %s", dir)
	}

	result, err := p.scanner.Scan(p.cfg.WorldContainer)
	if err != nil {
		return nil, fmt.Errorf("full scan: %w", err)
	}
	dirs := make([]scan.RegionDir, 0, len(result))
	for _, key := range result.Keys() {
		dim := result[key]
		dirs = append(dirs, dim.Dir)
		fr, err := explored.WriteBaseline(p.cfg.ChunkDataDir, key, dim.Dir.Dimension, dim.Chunks)
		p.ledger.RecordFlush(fr)
		if err != nil {
			p.printf("startup: baseline %s: %v", key, err)
			continue
		}
		p.printf("startup: %s has %d chunks (%d new) in %d regions", key, fr.Total, fr.Added, dim.Regions)
	}
	p.printf("startup: scan finished in %s", p.now().Sub(start).Round(time.Millisecond))

	if p.configPath != "" {
		if err := config.SetFullScan(p.configPath, false); err != nil {
			p.printf("startup: reset full_scan in %s: %v", p.configPath, err)
		}
	}

	store, err := explored.Load(p.cfg.ChunkDataDir, p.logger)
	if err != nil {
		return nil, err
	}

	if err := p.backend.DeleteAllChunks(ctx); err != nil {
		p.printf("startup: clear backend chunks: %v", err)
	}
	for _, world := range store.Worlds() {
		p.stream(ctx, world, store.All(world))
	}

	p.render(p.missing(dirs))
	zip, n, err := PackageDir(p.cfg.RenderDataDir)
	if err == nil && n > 0 {
		err = p.backend.UploadTiles(ctx, zip, true)
		p.metrics.TileUpload(err == nil)
	}
	if err != nil {
		p.printf("startup: upload tile archive: %v", err)
	} else {
		p.printf("startup: uploaded %d tile files", n)
	}
	return store, nil
}

// PushPlayers and PushStatus forward the latest live state.
func (p *Pipeline) PushPlayers(ctx context.Context, players []protocol.PlayerStatus) error {
	return p.backend.PostPlayers(ctx, players)
}

func (p *Pipeline) PushStatus(ctx context.Context, status protocol.ServerStatus) error {
	return p.backend.PostStatus(ctx, status)
}
