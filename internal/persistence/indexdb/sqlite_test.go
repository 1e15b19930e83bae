package indexdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"explora.ai/internal/coord"
	"explora.ai/internal/explored"
	"explora.ai/internal/schedule"
	"explora.ai/internal/syncclient"
)

func TestSQLiteIndex_RecordAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	idx.RecordFlush(explored.FlushResult{World: "world", Added: 3, Total: 10})
	idx.RecordFlush(explored.FlushResult{World: "world", Added: 2, Total: 12})
	idx.RecordFlush(explored.FlushResult{World: "world", Err: errors.New("disk full")})
	idx.RecordTile(schedule.TaskResult{
		Job:      schedule.Job{World: "world", Region: coord.RegionCoord{X: -1, Z: 2}},
		Output:   schedule.Output{Chunks: 40, Corrupted: 1},
		Duration: 15 * time.Millisecond,
	})
	idx.RecordTile(schedule.TaskResult{Job: schedule.Job{World: "world_nether"}, Err: errors.New("boom")})
	idx.RecordBatch(syncclient.BatchResult{World: "world", Index: 0, Chunks: 500})
	idx.RecordBatch(syncclient.BatchResult{World: "world", Index: 1, Chunks: 20, Err: errors.New("502")})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	ctx := context.Background()

	tiles, err := idx.RecentTiles(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTiles: %v", err)
	}
	if len(tiles) != 2 || tiles[0].World != "world_nether" || tiles[0].Error != "boom" {
		t.Fatalf("tiles = %+v", tiles)
	}
	if r := tiles[1]; r.RX != -1 || r.RZ != 2 || r.Chunks != 40 || r.Corrupted != 1 || r.DurationMS != 15 {
		t.Fatalf("tile row = %+v", r)
	}

	totals, err := idx.WorldTotals(ctx)
	if err != nil {
		t.Fatalf("WorldTotals: %v", err)
	}
	if len(totals) != 2 || totals[0].World != "world" || totals[1].World != "world_nether" {
		t.Fatalf("totals = %+v", totals)
	}
	w := totals[0]
	if w.Explored != 12 || w.Flushes != 3 || w.FlushErrors != 1 || w.Tiles != 1 || w.Batches != 2 || w.BatchErrors != 1 {
		t.Fatalf("world totals = %+v", w)
	}
	if totals[1].TileErrors != 1 {
		t.Fatalf("nether totals = %+v", totals[1])
	}
}

func TestSQLiteIndex_DropsWhenQueueFull(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.RecordFlush(explored.FlushResult{World: "a"})
	s.RecordFlush(explored.FlushResult{World: "b"})
	s.RecordBatch(syncclient.BatchResult{World: "c"})
	st := s.Stats()
	if st.DropTotal != 2 || st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSQLiteIndex_NilIsNoop(t *testing.T) {
	var s *SQLiteIndex
	s.RecordTile(schedule.TaskResult{})
	if s.Stats() != (Stats{}) {
		t.Fatalf("nil stats")
	}
}
