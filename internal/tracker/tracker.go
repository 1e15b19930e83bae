// Package tracker owns the exploration state of a running server. Live
// events and pipeline results meet in one goroutine (Run); disk, network
// and render work happens on other goroutines that hand results back over
// channels.
package tracker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"explora.ai/internal/changes"
	"explora.ai/internal/config"
	"explora.ai/internal/coord"
	"explora.ai/internal/explored"
	"explora.ai/internal/metrics"
	persistlog "explora.ai/internal/persistence/log"
	"explora.ai/internal/protocol"
)

const (
	eventQueue    = 1024
	maxBuffered   = 100000
	pushTimeout   = 30 * time.Second
	shutdownGrace = time.Minute
)

type startupResult struct {
	store *explored.Store
	err   error
}

type pushKind int

const (
	pushPlayers pushKind = iota + 1
	pushStatus
)

type Tracker struct {
	cfg      config.Config
	pipeline *Pipeline
	journal  *persistlog.Journal
	metrics  *metrics.Metrics
	logger   *log.Logger

	chunkCh   chan protocol.ChunkEnteredMsg
	blockCh   chan protocol.BlockChangedMsg
	playersCh chan protocol.PlayersMsg
	statusCh  chan protocol.StatusMsg

	startupDone chan startupResult
	cycleDone   chan CycleResult
	pushDone    chan pushKind

	// gate is held shared by senders between Enter and Leave. shutdown
	// takes it exclusively to close intake before the final drain.
	gate   sync.RWMutex
	closed bool

	// Owned by Run.
	store        *explored.Store
	detector     *changes.Detector
	buffered     []any
	dropped      int
	cycleRunning bool
	players      []protocol.PlayerStatus
	status       *protocol.ServerStatus
	pushing      map[pushKind]bool
	cycles       int
}

// New builds a tracker. journal may be nil.
func New(p *Pipeline, journal *persistlog.Journal) (*Tracker, error) {
	if p == nil {
		return nil, fmt.Errorf("tracker: nil pipeline")
	}
	return &Tracker{
		cfg:         p.cfg,
		pipeline:    p,
		journal:     journal,
		metrics:     p.metrics,
		logger:      p.logger,
		chunkCh:     make(chan protocol.ChunkEnteredMsg, eventQueue),
		blockCh:     make(chan protocol.BlockChangedMsg, eventQueue),
		playersCh:   make(chan protocol.PlayersMsg, 16),
		statusCh:    make(chan protocol.StatusMsg, 16),
		startupDone: make(chan startupResult, 1),
		cycleDone:   make(chan CycleResult, 1),
		pushDone:    make(chan pushKind, 2),
		detector:    changes.NewDetector(p.cfg.EditThreshold),
		pushing:     map[pushKind]bool{},
	}, nil
}

func (t *Tracker) ChunkEntered() chan<- protocol.ChunkEnteredMsg { return t.chunkCh }
func (t *Tracker) BlockChanged() chan<- protocol.BlockChangedMsg { return t.blockCh }
func (t *Tracker) Players() chan<- protocol.PlayersMsg           { return t.playersCh }
func (t *Tracker) Status() chan<- protocol.StatusMsg             { return t.statusCh }

// Enter reports whether the tracker still takes events. A true result
// holds off shutdown until the matching Leave, so an event handed over in
// between is drained and flushed. After Run begins shutting down Enter
// returns false.
func (t *Tracker) Enter() bool {
	t.gate.RLock()
	if t.closed {
		t.gate.RUnlock()
		return false
	}
	return true
}

func (t *Tracker) Leave() { t.gate.RUnlock() }

func (t *Tracker) closeIntake() {
	t.gate.Lock()
	t.closed = true
	t.gate.Unlock()
}

func (t *Tracker) printf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}

func (t *Tracker) debugf(format string, args ...any) {
	if t.cfg.Debug {
		t.printf("debug: "+format, args...)
	}
}

// Run starts the startup pipeline and then serves events and periodic
// cycles until ctx is done. On the way out it waits for work in flight and
// flushes the remaining delta to disk. A startup failure is returned.
func (t *Tracker) Run(ctx context.Context) error {
	go func() {
		store, err := t.pipeline.Startup(ctx, t.cfg.FullScan)
		t.startupDone <- startupResult{store: store, err: err}
	}()
	startupPending := true

	chunkTick := time.NewTicker(t.cfg.ChunkUpdateInterval.D())
	defer chunkTick.Stop()
	playerTick := time.NewTicker(t.cfg.PlayerUpdateInterval.D())
	defer playerTick.Stop()
	statusTick := time.NewTicker(t.cfg.StatusUpdateInterval.D())
	defer statusTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return t.shutdown(startupPending)

		case r := <-t.startupDone:
			startupPending = false
			if r.err != nil {
				t.closeIntake()
				return fmt.Errorf("startup: %w", r.err)
			}
			t.onLoaded(r.store)

		case m := <-t.chunkCh:
			t.apply(m)
		case m := <-t.blockCh:
			t.apply(m)
		case m := <-t.playersCh:
			t.players = m.Players
		case m := <-t.statusCh:
			s := m.Status
			t.status = &s

		case <-chunkTick.C:
			t.startCycle(ctx)
		case r := <-t.cycleDone:
			t.finishCycle(r)

		case <-playerTick.C:
			if t.players != nil {
				players := t.players
				t.push(ctx, pushPlayers, func(ctx context.Context) error { return t.pipeline.PushPlayers(ctx, players) })
			}
		case <-statusTick.C:
			if t.status != nil {
				status := *t.status
				t.push(ctx, pushStatus, func(ctx context.Context) error { return t.pipeline.PushStatus(ctx, status) })
			}
		case k := <-t.pushDone:
			t.pushing[k] = false
		}
	}
}

func (t *Tracker) onLoaded(store *explored.Store) {
	t.store = store
	total := 0
	for _, w := range store.Worlds() {
		total += store.Count(w)
	}
	t.printf("tracker: loaded %d worlds, %d explored chunks", len(store.Worlds()), total)
	buffered := t.buffered
	t.buffered = nil
	for _, ev := range buffered {
		t.apply(ev)
	}
	if len(buffered) > 0 || t.dropped > 0 {
		t.printf("tracker: applied %d events received during startup, dropped %d", len(buffered), t.dropped)
	}
	t.dropped = 0
}

// apply handles one live event, buffering it while the store is loading.
func (t *Tracker) apply(ev any) {
	if t.store == nil {
		if len(t.buffered) >= maxBuffered {
			t.dropped++
			return
		}
		t.buffered = append(t.buffered, ev)
		return
	}
	switch m := ev.(type) {
	case protocol.ChunkEnteredMsg:
		c := coord.ChunkCoord{X: m.ChunkX, Z: m.ChunkZ}
		if !t.store.RecordIfNew(m.World, c) {
			return
		}
		t.metrics.ChunkExplored(m.World)
		t.metrics.SetPending(m.World, t.store.PendingLen(m.World))
		t.journalWrite(persistlog.ChunkEntered(m.World, c))
		t.debugf("new chunk world=%s %s", m.World, c)

	case protocol.BlockChangedMsg:
		b := coord.BlockCoord{X: m.X, Y: m.Y, Z: m.Z}
		if !changes.NearSurface(b.Y, m.SurfaceY) {
			return
		}
		t.journalWrite(persistlog.BlockChanged(m.World, b, m.SurfaceY))
		c, promoted := t.detector.BlockChanged(m.World, b, m.SurfaceY)
		if !promoted {
			return
		}
		t.store.MarkDirty(m.World, c)
		t.metrics.ChunkPromoted(m.World)
		t.metrics.SetPending(m.World, t.store.PendingLen(m.World))
		t.journalWrite(persistlog.Promoted(m.World, c))
		t.debugf("chunk world=%s %s reached %d edits", m.World, c, t.detector.Threshold())
	}
}

func (t *Tracker) journalWrite(e persistlog.Event) {
	if err := t.journal.WriteEvent(e); err != nil {
		t.printf("journal: %v", err)
	}
}

// startCycle snapshots the delta and hands it to the pipeline. Only one
// cycle runs at a time, and none before the store is loaded.
func (t *Tracker) startCycle(ctx context.Context) {
	if t.store == nil || t.cycleRunning {
		return
	}
	delta := t.store.Pending()
	if delta.Len() == 0 {
		return
	}
	t.cycleRunning = true
	t.cycles++
	n := t.cycles
	t.debugf("cycle %d: %d chunks in %d worlds", n, delta.Len(), len(delta.Worlds()))
	go func() {
		t.cycleDone <- t.pipeline.Cycle(ctx, delta)
	}()
}

// finishCycle acknowledges the part of the snapshot that is safe to drop.
func (t *Tracker) finishCycle(r CycleResult) {
	t.cycleRunning = false
	done := r.Persisted()
	if t.cfg.ClearDeltaOn == config.ClearOnBackend {
		done = r.Synced()
	}
	t.store.Acknowledge(r.Delta.Only(func(w string) bool { return done[w] }))

	added := 0
	for _, f := range r.Flushed {
		added += f.Added
	}
	for _, w := range r.Delta.Worlds() {
		t.metrics.SetPending(w, t.store.PendingLen(w))
	}
	t.printf("tracker: cycle saved %d new chunks, rendered %d regions (%d failed), uploaded %d files",
		added, len(r.Render.Rendered), len(r.Render.Failed), r.Uploaded)
}

func (t *Tracker) push(ctx context.Context, k pushKind, fn func(context.Context) error) {
	if t.pushing[k] {
		return
	}
	t.pushing[k] = true
	go func() {
		pctx, cancel := context.WithTimeout(ctx, pushTimeout)
		defer cancel()
		if err := fn(pctx); err != nil && ctx.Err() == nil {
			t.printf("sync: push failed: %v", err)
		}
		t.pushDone <- k
	}()
}

// shutdown closes intake, waits for startup and any running cycle, then
// drains what senders already handed over and flushes.
func (t *Tracker) shutdown(startupPending bool) error {
	t.closeIntake()
	timeout := time.NewTimer(shutdownGrace)
	defer timeout.Stop()
	if startupPending {
		select {
		case r := <-t.startupDone:
			if r.err == nil {
				t.onLoaded(r.store)
			}
		case <-timeout.C:
			t.printf("tracker: startup still running at shutdown")
			return nil
		}
	}
	if t.cycleRunning {
		select {
		case r := <-t.cycleDone:
			t.finishCycle(r)
		case <-timeout.C:
			t.printf("tracker: cycle still running at shutdown, skipping final flush")
			return nil
		}
	}
	for len(t.chunkCh) > 0 || len(t.blockCh) > 0 {
		select {
		case m := <-t.chunkCh:
			t.apply(m)
		case m := <-t.blockCh:
			t.apply(m)
		}
	}
	t.Flush()
	return nil
}

// Flush writes the pending delta to disk. Only call it from the goroutine
// that ran Run, after Run returned.
func (t *Tracker) Flush() []explored.FlushResult {
	if t.store == nil {
		return nil
	}
	results := t.store.Flush()
	saved := 0
	for _, r := range results {
		t.pipeline.ledger.RecordFlush(r)
		saved += r.Added
	}
	t.printf("tracker: saved %d chunks on shutdown", saved)
	return results
}

// Store exposes the explored store, for inspection after Run returned.
func (t *Tracker) Store() *explored.Store { return t.store }
