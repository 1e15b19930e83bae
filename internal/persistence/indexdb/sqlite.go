// Package indexdb keeps a sqlite ledger of render tasks, explored-file
// flushes and backend batches. Writes are queued to one goroutine and
// dropped when it falls behind; the ledger is for inspection only.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"explora.ai/internal/explored"
	"explora.ai/internal/schedule"
	"explora.ai/internal/syncclient"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed    atomic.Bool
	dropTotal atomic.Uint64
}

type reqKind int

const (
	reqTile reqKind = iota + 1
	reqFlush
	reqBatch
)

type req struct {
	kind reqKind
	at   string

	tile  schedule.TaskResult
	flush explored.FlushResult
	batch syncclient.BatchResult
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	DropTotal     uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{db: db, ch: make(chan req, queue)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tiles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			world TEXT NOT NULL,
			rx INTEGER NOT NULL,
			rz INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			corrupted INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			error TEXT,
			rendered_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tiles_region ON tiles(world, rx, rz);`,
		`CREATE TABLE IF NOT EXISTS flushes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			world TEXT NOT NULL,
			added INTEGER NOT NULL,
			total INTEGER NOT NULL,
			error TEXT,
			flushed_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_flushes_world ON flushes(world, id);`,
		`CREATE TABLE IF NOT EXISTS batches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			world TEXT NOT NULL,
			idx INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			error TEXT,
			sent_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_batches_world ON batches(world);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{QueueDepth: len(s.ch), QueueCapacity: cap(s.ch), DropTotal: s.dropTotal.Load()}
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	r.at = time.Now().UTC().Format(time.RFC3339Nano)
	select {
	case s.ch <- r:
	default:
		s.dropTotal.Add(1)
	}
}

func (s *SQLiteIndex) RecordTile(r schedule.TaskResult) { s.enqueue(req{kind: reqTile, tile: r}) }

func (s *SQLiteIndex) RecordFlush(r explored.FlushResult) { s.enqueue(req{kind: reqFlush, flush: r}) }

func (s *SQLiteIndex) RecordBatch(r syncclient.BatchResult) { s.enqueue(req{kind: reqBatch, batch: r}) }

func errText(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTile, _ := s.db.Prepare(`INSERT INTO tiles(world,rx,rz,chunks,corrupted,duration_ms,error,rendered_at) VALUES(?,?,?,?,?,?,?,?)`)
	insertFlush, _ := s.db.Prepare(`INSERT INTO flushes(world,added,total,error,flushed_at) VALUES(?,?,?,?,?)`)
	insertBatch, _ := s.db.Prepare(`INSERT INTO batches(world,idx,chunks,error,sent_at) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTile, insertFlush, insertBatch} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTile:
			t := r.tile
			exec(insertTile, t.World, t.Region.X, t.Region.Z, t.Chunks, t.Corrupted, t.Duration.Milliseconds(), errText(t.Err), r.at)
		case reqFlush:
			f := r.flush
			exec(insertFlush, f.World, f.Added, f.Total, errText(f.Err), r.at)
		case reqBatch:
			b := r.batch
			exec(insertBatch, b.World, b.Index, b.Chunks, errText(b.Err), r.at)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0) {
			commit()
		}
	}
	commit()
}
