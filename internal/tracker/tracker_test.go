package tracker

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"explora.ai/internal/anvil"
	"explora.ai/internal/anvil/anviltest"
	"explora.ai/internal/config"
	"explora.ai/internal/coord"
	"explora.ai/internal/explored"
	"explora.ai/internal/persistence/archive"
	persistlog "explora.ai/internal/persistence/log"
	"explora.ai/internal/protocol"
	"explora.ai/internal/render"
	"explora.ai/internal/scan"
	"explora.ai/internal/schedule"
	"explora.ai/internal/syncclient"
)

type upload struct {
	files          []string
	deleteExisting bool
}

type fakeBackend struct {
	mu         sync.Mutex
	streamed   map[string][]coord.ChunkCoord
	failStream bool
	deletes    int
	uploads    []upload
	players    [][]protocol.PlayerStatus
	statuses   []protocol.ServerStatus

	uploadStarted chan struct{}
	uploadGate    chan struct{}
}

func (b *fakeBackend) StreamChunks(_ context.Context, world string, chunks []coord.ChunkCoord, _ int, _ time.Duration) syncclient.StreamReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streamed == nil {
		b.streamed = map[string][]coord.ChunkCoord{}
	}
	b.streamed[world] = append(b.streamed[world], chunks...)
	res := syncclient.BatchResult{World: world, Chunks: len(chunks)}
	if b.failStream {
		res.Err = errors.New("backend down")
	}
	return syncclient.StreamReport{World: world, Batches: []syncclient.BatchResult{res}}
}

func (b *fakeBackend) DeleteAllChunks(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	return nil
}

func (b *fakeBackend) UploadTiles(_ context.Context, data []byte, deleteExisting bool) error {
	if b.uploadStarted != nil {
		close(b.uploadStarted)
		b.uploadStarted = nil
		<-b.uploadGate
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	u := upload{deleteExisting: deleteExisting}
	for _, f := range zr.File {
		u.files = append(u.files, f.Name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, u)
	return nil
}

func (b *fakeBackend) PostPlayers(_ context.Context, players []protocol.PlayerStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.players = append(b.players, players)
	return nil
}

func (b *fakeBackend) PostStatus(_ context.Context, status protocol.ServerStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, status)
	return nil
}

// times counts how often c was streamed for world.
func (b *fakeBackend) times(world string, c coord.ChunkCoord) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, got := range b.streamed[world] {
		if got == c {
			n++
		}
	}
	return n
}

func (b *fakeBackend) uploadList() []upload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]upload(nil), b.uploads...)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.WorldContainer = filepath.Join(root, "server")
	cfg.ChunkDataDir = filepath.Join(root, "data", "chunks")
	cfg.RenderDataDir = filepath.Join(root, "data", "tiles")
	cfg.ChunkUpdateInterval = config.Duration(20 * time.Millisecond)
	cfg.PlayerUpdateInterval = config.Duration(20 * time.Millisecond)
	cfg.StatusUpdateInterval = config.Duration(20 * time.Millisecond)
	return cfg
}

// writeWorld creates world/region/r.0.0.mca holding chunks [0,0] and [1,0].
func writeWorld(t *testing.T, cfg config.Config) {
	t.Helper()
	data := anviltest.Encode(t, anviltest.Chunk{YPos: -4, Sections: []anviltest.Section{
		anviltest.Uniform(0, anviltest.Block("grass_block"), "minecraft:plains"),
	}}, anvil.CompressionZlib)
	anviltest.WriteRegion(t, filepath.Join(cfg.WorldContainer, "world", "region", "r.0.0.mca"), map[anviltest.Slot][]byte{
		{X: 0, Z: 0}: data,
		{X: 1, Z: 0}: data,
	})
}

func newPipeline(t *testing.T, cfg config.Config, be Backend, configPath string) *Pipeline {
	t.Helper()
	pool := schedule.NewPool(2)
	t.Cleanup(pool.Close)
	r, err := render.NewRenderer(nil, render.DefaultOptions(), nil)
	require.NoError(t, err)
	p, err := NewPipeline(Deps{Config: cfg, ConfigPath: configPath, Backend: be, Pool: pool, Renderer: r})
	require.NoError(t, err)
	return p
}

func startTracker(t *testing.T, tr *Tracker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func stop(t *testing.T, cancel context.CancelFunc, errCh <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func fileChunks(t *testing.T, cfg config.Config, world string) coord.ChunkSet {
	t.Helper()
	f, err := explored.ReadFile(cfg.ChunkDataDir, world)
	require.NoError(t, err)
	set := coord.ChunkSet{}
	for _, c := range f.ExploredChunks {
		set.Add(c)
	}
	return set
}

func TestNewPipeline_RequiresBackendAndPool(t *testing.T) {
	pool := schedule.NewPool(1)
	defer pool.Close()
	_, err := NewPipeline(Deps{Pool: pool})
	require.Error(t, err)
	_, err = NewPipeline(Deps{Backend: &fakeBackend{}})
	require.Error(t, err)
	_, err = New(nil, nil)
	require.Error(t, err)
}

func TestPipeline_Cycle(t *testing.T) {
	cfg := testConfig(t)
	writeWorld(t, cfg)
	_, err := explored.WriteBaseline(cfg.ChunkDataDir, "world", scan.Overworld, nil)
	require.NoError(t, err)
	be := &fakeBackend{}
	p := newPipeline(t, cfg, be, "")

	delta := explored.Delta{
		"world": coord.ChunkSet{{X: 0, Z: 0}: {}, {X: 1, Z: 0}: {}},
		"ghost": coord.ChunkSet{{X: 5, Z: 5}: {}},
	}
	res := p.Cycle(context.Background(), delta)

	require.Equal(t, map[string]bool{"world": true}, res.Persisted())
	require.Equal(t, map[string]bool{"world": true}, res.Synced())
	for _, f := range res.Flushed {
		if f.World == "ghost" {
			require.ErrorIs(t, f.Err, explored.ErrNoFile)
		}
	}
	require.Len(t, res.Streams, 1)
	require.Equal(t, 1, be.times("world", coord.ChunkCoord{X: 1, Z: 0}))
	require.Zero(t, be.times("ghost", coord.ChunkCoord{X: 5, Z: 5}))

	require.Len(t, res.Render.Rendered, 1)
	require.Empty(t, res.Render.Failed)
	require.Equal(t, 2, res.Uploaded)
	require.NoError(t, res.UploadErr)
	ups := be.uploadList()
	require.Len(t, ups, 1)
	require.False(t, ups[0].deleteExisting)
	require.Equal(t, []string{"world/r.0.0.json", "world/r.0.0.png"}, ups[0].files)

	require.Len(t, fileChunks(t, cfg, "world"), 2)
}

func TestPipeline_CycleStreamFailureIsNotSynced(t *testing.T) {
	cfg := testConfig(t)
	_, err := explored.WriteBaseline(cfg.ChunkDataDir, "world", scan.Overworld, nil)
	require.NoError(t, err)
	p := newPipeline(t, cfg, &fakeBackend{failStream: true}, "")

	res := p.Cycle(context.Background(), explored.Delta{"world": coord.ChunkSet{{X: 3, Z: 3}: {}}})
	require.True(t, res.Persisted()["world"])
	require.False(t, res.Synced()["world"])
}

func TestPipeline_StartupCreatesMissingFilesAndRendersMissingTiles(t *testing.T) {
	cfg := testConfig(t)
	writeWorld(t, cfg)
	be := &fakeBackend{}
	p := newPipeline(t, cfg, be, "")

	store, err := p.Startup(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, []string{"world"}, store.Worlds())
	require.Zero(t, store.Count("world"))
	require.FileExists(t, filepath.Join(cfg.RenderDataDir, "world", "r.0.0.png"))
	require.Len(t, be.uploadList(), 1)

	// Tiles exist now; a second startup has nothing to render.
	_, err = p.Startup(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, be.uploadList(), 1)
}

func TestPipeline_FullScanStartup(t *testing.T) {
	cfg := testConfig(t)
	writeWorld(t, cfg)
	_, err := explored.WriteBaseline(cfg.ChunkDataDir, "world", scan.Overworld, coord.ChunkSet{{X: 9, Z: 9}: {}})
	require.NoError(t, err)
	configPath := filepath.Join(t.TempDir(), "explora.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("# keep me\nfull_scan: true\n"), 0o644))

	be := &fakeBackend{}
	p := newPipeline(t, cfg, be, configPath)
	store, err := p.Startup(context.Background(), true)
	require.NoError(t, err)

	require.Equal(t, 3, store.Count("world"))
	require.True(t, store.IsExplored("world", coord.ChunkCoord{X: 1, Z: 0}))
	require.Equal(t, 1, be.deletes)
	require.Equal(t, 1, be.times("world", coord.ChunkCoord{X: 9, Z: 9}))

	ups := be.uploadList()
	require.Len(t, ups, 1)
	require.True(t, ups[0].deleteExisting)
	require.Contains(t, ups[0].files, "world/r.0.0.png")

	reloaded, err := config.Load(configPath)
	require.NoError(t, err)
	require.False(t, reloaded.FullScan)

	entries, err := os.ReadDir(archive.Dir(cfg.ChunkDataDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestTracker_CycleAcknowledgesAndShutdownFlushes(t *testing.T) {
	cfg := testConfig(t)
	writeWorld(t, cfg)
	be := &fakeBackend{}
	tr, err := New(newPipeline(t, cfg, be, ""), nil)
	require.NoError(t, err)
	cancel, errCh := startTracker(t, tr)

	first := coord.ChunkCoord{X: 3, Z: 3}
	tr.ChunkEntered() <- protocol.ChunkEnteredMsg{World: "world", ChunkX: 3, ChunkZ: 3}
	tr.ChunkEntered() <- protocol.ChunkEnteredMsg{World: "world", ChunkX: 3, ChunkZ: 3}
	require.Eventually(t, func() bool { return be.times("world", first) == 1 }, 5*time.Second, 10*time.Millisecond)

	tr.ChunkEntered() <- protocol.ChunkEnteredMsg{World: "world", ChunkX: 4, ChunkZ: 4}
	time.Sleep(100 * time.Millisecond)
	stop(t, cancel, errCh)

	require.Equal(t, 1, be.times("world", first))
	got := fileChunks(t, cfg, "world")
	require.True(t, got.Has(first))
	require.True(t, got.Has(coord.ChunkCoord{X: 4, Z: 4}))
	require.Zero(t, tr.Store().PendingLen("world"))
}

func TestTracker_ShutdownClosesIntakeBeforeFlush(t *testing.T) {
	cfg := testConfig(t)
	writeWorld(t, cfg)
	tr, err := New(newPipeline(t, cfg, &fakeBackend{}, ""), nil)
	require.NoError(t, err)
	cancel, errCh := startTracker(t, tr)

	// A sender inside the gate when shutdown starts still gets its event
	// drained and flushed.
	require.True(t, tr.Enter())
	cancel()
	tr.ChunkEntered() <- protocol.ChunkEnteredMsg{World: "world", ChunkX: 3, ChunkZ: 3}
	tr.Leave()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return")
	}

	require.False(t, tr.Enter(), "intake must be closed after shutdown")
	got := fileChunks(t, cfg, "world")
	require.True(t, got.Has(coord.ChunkCoord{X: 3, Z: 3}))
}

func TestTracker_BackendPolicyRetriesFailedSync(t *testing.T) {
	cfg := testConfig(t)
	cfg.ClearDeltaOn = config.ClearOnBackend
	be := &fakeBackend{failStream: true}
	_, err := explored.WriteBaseline(cfg.ChunkDataDir, "world", scan.Overworld, nil)
	require.NoError(t, err)
	tr, err := New(newPipeline(t, cfg, be, ""), nil)
	require.NoError(t, err)
	cancel, errCh := startTracker(t, tr)

	c := coord.ChunkCoord{X: 1, Z: 2}
	tr.ChunkEntered() <- protocol.ChunkEnteredMsg{World: "world", ChunkX: c.X, ChunkZ: c.Z}
	require.Eventually(t, func() bool { return be.times("world", c) >= 2 }, 5*time.Second, 10*time.Millisecond)
	stop(t, cancel, errCh)
	require.True(t, fileChunks(t, cfg, "world").Has(c))
}

func TestTracker_DiskPolicyDoesNotRetrySync(t *testing.T) {
	cfg := testConfig(t)
	be := &fakeBackend{failStream: true}
	_, err := explored.WriteBaseline(cfg.ChunkDataDir, "world", scan.Overworld, nil)
	require.NoError(t, err)
	tr, err := New(newPipeline(t, cfg, be, ""), nil)
	require.NoError(t, err)
	cancel, errCh := startTracker(t, tr)

	c := coord.ChunkCoord{X: 1, Z: 2}
	tr.ChunkEntered() <- protocol.ChunkEnteredMsg{World: "world", ChunkX: c.X, ChunkZ: c.Z}
	require.Eventually(t, func() bool { return be.times("world", c) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	stop(t, cancel, errCh)
	require.Equal(t, 1, be.times("world", c))
}

func TestTracker_PromotionRequeuesExploredChunk(t *testing.T) {
	cfg := testConfig(t)
	cfg.EditThreshold = 2
	c := coord.ChunkCoord{X: 0, Z: 0}
	_, err := explored.WriteBaseline(cfg.ChunkDataDir, "world", scan.Overworld, coord.ChunkSet{c: {}})
	require.NoError(t, err)
	journalDir := t.TempDir()
	journal := persistlog.NewJournal(journalDir, persistlog.DefaultRotateLayout)
	be := &fakeBackend{}
	tr, err := New(newPipeline(t, cfg, be, ""), journal)
	require.NoError(t, err)
	cancel, errCh := startTracker(t, tr)

	// Deep edits never count.
	tr.BlockChanged() <- protocol.BlockChangedMsg{World: "world", X: 5, Y: 10, Z: 5, SurfaceY: 64}
	tr.BlockChanged() <- protocol.BlockChangedMsg{World: "world", X: 1, Y: 64, Z: 1, SurfaceY: 64}
	tr.BlockChanged() <- protocol.BlockChangedMsg{World: "world", X: 2, Y: 63, Z: 2, SurfaceY: 64}
	require.Eventually(t, func() bool { return be.times("world", c) == 1 }, 5*time.Second, 10*time.Millisecond)
	stop(t, cancel, errCh)
	require.NoError(t, journal.Close())

	kinds := map[string]int{}
	require.NoError(t, persistlog.ReadJournal(journalDir, func(e persistlog.Event) error {
		kinds[e.Kind]++
		return nil
	}))
	require.Equal(t, map[string]int{persistlog.KindBlockChanged: 2, persistlog.KindPromoted: 1}, kinds)
}

func TestTracker_BuffersEventsDuringStartup(t *testing.T) {
	cfg := testConfig(t)
	writeWorld(t, cfg)
	be := &fakeBackend{uploadStarted: make(chan struct{}), uploadGate: make(chan struct{})}
	started := be.uploadStarted
	tr, err := New(newPipeline(t, cfg, be, ""), nil)
	require.NoError(t, err)
	cancel, errCh := startTracker(t, tr)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("startup never uploaded")
	}
	c := coord.ChunkCoord{X: 7, Z: 7}
	tr.ChunkEntered() <- protocol.ChunkEnteredMsg{World: "world", ChunkX: c.X, ChunkZ: c.Z}
	require.Eventually(t, func() bool { return len(tr.chunkCh) == 0 }, 5*time.Second, 5*time.Millisecond)
	close(be.uploadGate)

	require.Eventually(t, func() bool { return be.times("world", c) == 1 }, 5*time.Second, 10*time.Millisecond)
	stop(t, cancel, errCh)
}

func TestTracker_PushesLatestPlayersAndStatus(t *testing.T) {
	cfg := testConfig(t)
	be := &fakeBackend{}
	tr, err := New(newPipeline(t, cfg, be, ""), nil)
	require.NoError(t, err)
	cancel, errCh := startTracker(t, tr)

	tr.Players() <- protocol.PlayersMsg{Players: []protocol.PlayerStatus{{Name: "alex", World: "world"}}}
	tr.Status() <- protocol.StatusMsg{Status: protocol.ServerStatus{IsOnline: true, PlayerCount: 1}}
	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return len(be.players) > 0 && len(be.statuses) > 0
	}, 5*time.Second, 10*time.Millisecond)
	stop(t, cancel, errCh)

	be.mu.Lock()
	defer be.mu.Unlock()
	require.Equal(t, "alex", be.players[0][0].Name)
	require.True(t, be.statuses[0].IsOnline)
}

func TestPackageTiles(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "world", "r.0.0.png")
	meta := filepath.Join(dir, "world", "r.0.0.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(png), 0o755))
	require.NoError(t, os.WriteFile(png, []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(meta, []byte("{}"), 0o644))

	b, err := PackageTiles(dir, []string{png, meta})
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	require.Equal(t, "world/r.0.0.json", zr.File[0].Name)
	require.Equal(t, zip.Deflate, zr.File[0].Method)
	require.Equal(t, zip.Store, zr.File[1].Method)

	_, err = PackageTiles(dir, []string{filepath.Join(t.TempDir(), "x.png")})
	require.Error(t, err)

	_, n, err := PackageDir(dir)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
