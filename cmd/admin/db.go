package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"explora.ai/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	cfgPath := fs.String("config", "explora.yaml", "path to explora.yaml")
	dbPath := fs.String("db", "", "ledger sqlite path (default: ledger.path)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "worlds"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = mustConfig(*cfgPath).Ledger.Path
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "ledger:", err)
		os.Exit(2)
	}

	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch q {
	case "worlds":
		rows, err := idx.WorldTotals(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		fmt.Println("world\texplored\tflushes\tflush_err\ttiles\ttile_err\tbatches\tbatch_err\tlast_flush")
		for _, r := range rows {
			fmt.Printf("%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n", r.World, r.Explored, r.Flushes, r.FlushErrors,
				r.Tiles, r.TileErrors, r.Batches, r.BatchErrors, r.LastFlushedAt)
		}
	case "tiles":
		rows, err := idx.RecentTiles(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			status := "ok"
			if r.Error != "" {
				status = r.Error
			}
			fmt.Printf("%s\t%s\tr.%d.%d\tchunks=%d corrupted=%d\t%dms\t%s\n", r.RenderedAt, r.World, r.RX, r.RZ,
				r.Chunks, r.Corrupted, r.DurationMS, status)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown query %q (want worlds or tiles)\n", q)
		os.Exit(2)
	}
}
