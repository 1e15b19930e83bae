package indexdb

import (
	"context"
	"database/sql"
	"sort"
)

type TileRow struct {
	World      string
	RX, RZ     int32
	Chunks     int
	Corrupted  int
	DurationMS int64
	Error      string
	RenderedAt string
}

// RecentTiles lists the latest render tasks, newest first.
func (s *SQLiteIndex) RecentTiles(ctx context.Context, limit int) ([]TileRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT world,rx,rz,chunks,corrupted,duration_ms,COALESCE(error,''),rendered_at
		FROM tiles ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TileRow
	for rows.Next() {
		var r TileRow
		if err := rows.Scan(&r.World, &r.RX, &r.RZ, &r.Chunks, &r.Corrupted, &r.DurationMS, &r.Error, &r.RenderedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type WorldTotal struct {
	World string
	// Explored is the file total reported by the latest successful flush.
	Explored      int
	Flushes       int
	FlushErrors   int
	Tiles         int
	TileErrors    int
	Batches       int
	BatchErrors   int
	LastFlushedAt string
}

// WorldTotals aggregates the ledger per world, sorted by name.
func (s *SQLiteIndex) WorldTotals(ctx context.Context) ([]WorldTotal, error) {
	byWorld := map[string]*WorldTotal{}
	var order []string
	get := func(w string) *WorldTotal {
		t, ok := byWorld[w]
		if !ok {
			t = &WorldTotal{World: w}
			byWorld[w] = t
			order = append(order, w)
		}
		return t
	}

	err := s.scan(ctx, `SELECT world, COUNT(*), SUM(error IS NOT NULL),
			COALESCE((SELECT f2.total FROM flushes f2 WHERE f2.world = f.world AND f2.error IS NULL ORDER BY f2.id DESC LIMIT 1), 0),
			COALESCE(MAX(flushed_at), '')
		FROM flushes f GROUP BY world`, func(rows *sql.Rows) error {
		var w string
		var n, e, total int
		var last string
		if err := rows.Scan(&w, &n, &e, &total, &last); err != nil {
			return err
		}
		t := get(w)
		t.Flushes, t.FlushErrors, t.Explored, t.LastFlushedAt = n, e, total, last
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = s.scan(ctx, `SELECT world, COUNT(*), SUM(error IS NOT NULL) FROM tiles GROUP BY world`, func(rows *sql.Rows) error {
		var w string
		var n, e int
		if err := rows.Scan(&w, &n, &e); err != nil {
			return err
		}
		t := get(w)
		t.Tiles, t.TileErrors = n, e
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = s.scan(ctx, `SELECT world, COUNT(*), SUM(error IS NOT NULL) FROM batches GROUP BY world`, func(rows *sql.Rows) error {
		var w string
		var n, e int
		if err := rows.Scan(&w, &n, &e); err != nil {
			return err
		}
		t := get(w)
		t.Batches, t.BatchErrors = n, e
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(order)
	out := make([]WorldTotal, 0, len(order))
	for _, w := range order {
		out = append(out, *byWorld[w])
	}
	return out, nil
}

func (s *SQLiteIndex) scan(ctx context.Context, q string, fn func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
