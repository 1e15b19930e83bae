package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"explora.ai/internal/config"
	"explora.ai/internal/coord"
	"explora.ai/internal/explored"
	persistlog "explora.ai/internal/persistence/log"
	"explora.ai/internal/reconcile"
	"explora.ai/internal/render"
	"explora.ai/internal/scan"
	"explora.ai/internal/schedule"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "explored":
			exploredCmd(os.Args[2:])
			return
		case "scan":
			scanCmd(os.Args[2:])
			return
		case "missing":
			missingCmd(os.Args[2:])
			return
		case "render":
			renderCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "health":
			healthCmd(os.Args[2:])
			return
		case "metrics":
			metricsCmd(os.Args[2:])
			return
		}
	}
	exploredCmd(os.Args[1:])
}

func mustConfig(path string) config.Config {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	return cfg
}

func exploredCmd(args []string) {
	fs := flag.NewFlagSet("explored", flag.ExitOnError)
	cfgPath := fs.String("config", "explora.yaml", "path to explora.yaml")
	world := fs.String("world", "", "print the chunks of one world")
	_ = fs.Parse(args)
	cfg := mustConfig(*cfgPath)

	store, err := explored.Load(cfg.ChunkDataDir, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	if *world != "" {
		enc := json.NewEncoder(os.Stdout)
		for _, c := range store.All(*world) {
			_ = enc.Encode(c)
		}
		return
	}
	for _, w := range store.Worlds() {
		fmt.Printf("%s\t%s\t%d\n", w, store.Dimension(w), store.Count(w))
	}
}

func scanCmd(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	cfgPath := fs.String("config", "explora.yaml", "path to explora.yaml")
	write := fs.Bool("write", false, "merge the scan into the exploration files")
	workers := fs.Int("workers", 0, "concurrent region reads per folder")
	_ = fs.Parse(args)
	cfg := mustConfig(*cfgPath)

	s := &scan.Scanner{Logger: log.New(os.Stderr, "[scan] ", log.LstdFlags), Workers: *workers}
	res, err := s.Scan(cfg.WorldContainer)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scan:", err)
		os.Exit(1)
	}
	for _, key := range res.Keys() {
		d := res[key]
		fmt.Printf("%s\t%s\tchunks=%d regions=%d failed=%d\n", key, d.Dir.Dimension, len(d.Chunks), d.Regions, d.Failed)
		if !*write {
			continue
		}
		fr, err := explored.WriteBaseline(cfg.ChunkDataDir, key, d.Dir.Dimension, d.Chunks)
		if err != nil {
			fmt.Fprintln(os.Stderr, "write:", err)
			os.Exit(1)
		}
		fmt.Printf("  wrote %s: %d new, %d total\n", explored.FileName(key), fr.Added, fr.Total)
	}
}

func missingCmd(args []string) {
	fs := flag.NewFlagSet("missing", flag.ExitOnError)
	cfgPath := fs.String("config", "explora.yaml", "path to explora.yaml")
	_ = fs.Parse(args)
	cfg := mustConfig(*cfgPath)

	missing := findMissing(cfg)
	for _, job := range schedule.Jobs(missing) {
		fmt.Println(job)
	}
	fmt.Fprintf(os.Stderr, "%d regions without a tile\n", reconcile.Count(missing))
}

func findMissing(cfg config.Config) map[string]coord.RegionSet {
	dirs, err := scan.FindRegionDirs(cfg.WorldContainer)
	if err != nil {
		fmt.Fprintln(os.Stderr, "find region folders:", err)
		os.Exit(1)
	}
	missing, skipped := reconcile.MissingTiles(dirs, cfg.RenderDataDir)
	for _, err := range skipped {
		fmt.Fprintln(os.Stderr, "skip:", err)
	}
	return missing
}

func renderCmd(args []string) {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	cfgPath := fs.String("config", "explora.yaml", "path to explora.yaml")
	world := fs.String("world", "", "only this world key")
	all := fs.Bool("all", false, "re-render every region, not only those without a tile")
	_ = fs.Parse(args)
	cfg := mustConfig(*cfgPath)

	dirs, err := scan.FindRegionDirs(cfg.WorldContainer)
	if err != nil {
		fmt.Fprintln(os.Stderr, "find region folders:", err)
		os.Exit(1)
	}
	var jobs map[string]coord.RegionSet
	if *all {
		jobs = map[string]coord.RegionSet{}
		for _, d := range dirs {
			files, err := scan.ListRegions(d.Path)
			if err != nil {
				fmt.Fprintln(os.Stderr, "list:", err)
				continue
			}
			set := coord.RegionSet{}
			for _, f := range files {
				set.Add(f.Coord)
			}
			jobs[d.Key()] = set
		}
	} else {
		jobs = findMissing(cfg)
	}
	if *world != "" {
		jobs = map[string]coord.RegionSet{*world: jobs[*world]}
	}

	renderer, err := render.NewRenderer(nil, cfg.Render.Options(), cfg.Render.CavesDimensions)
	if err != nil {
		fmt.Fprintln(os.Stderr, "renderer:", err)
		os.Exit(2)
	}
	pool := schedule.NewPool(cfg.RenderWorkers)
	defer pool.Close()
	logger := log.New(os.Stderr, "[render] ", log.LstdFlags)
	tw := schedule.NewTileWriter(renderer, cfg.RenderDataDir, dirs)
	s, err := schedule.NewScheduler(pool, tw.Render, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	s.OnTask = func(r schedule.TaskResult) {
		if r.Err == nil {
			fmt.Printf("%s\tchunks=%d corrupted=%d\t%s\n", r.Job, r.Chunks, r.Corrupted, r.Duration)
		}
	}
	rep := s.RenderWait(jobs)
	fmt.Fprintf(os.Stderr, "rendered %d regions, %d failed\n", len(rep.Rendered), len(rep.Failed))
	if len(rep.Failed) > 0 {
		os.Exit(1)
	}
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	cfgPath := fs.String("config", "explora.yaml", "path to explora.yaml")
	dir := fs.String("dir", "", "journal directory (default: journal.dir)")
	kind := fs.String("kind", "", "only events of this kind")
	world := fs.String("world", "", "only events of this world")
	_ = fs.Parse(args)

	d := strings.TrimSpace(*dir)
	if d == "" {
		d = mustConfig(*cfgPath).Journal.Dir
	}
	enc := json.NewEncoder(os.Stdout)
	err := persistlog.ReadJournal(d, func(e persistlog.Event) error {
		if *kind != "" && e.Kind != *kind {
			return nil
		}
		if *world != "" && e.World != *world {
			return nil
		}
		return enc.Encode(e)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}
}
