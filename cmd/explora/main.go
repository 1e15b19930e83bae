package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"explora.ai/internal/config"
	"explora.ai/internal/metrics"
	"explora.ai/internal/persistence/indexdb"
	persistlog "explora.ai/internal/persistence/log"
	"explora.ai/internal/persistence/r2s3"
	"explora.ai/internal/render"
	"explora.ai/internal/scan"
	"explora.ai/internal/schedule"
	"explora.ai/internal/syncclient"
	"explora.ai/internal/tracker"
	"explora.ai/internal/transport/ws"
)

// The tracker closes ingest itself before its final flush; the listener
// may outlive Run and answers E_BUSY meanwhile.
var _ ws.Gate = (*tracker.Tracker)(nil)

func main() {
	var (
		configPath = flag.String("config", "explora.yaml", "path to explora.yaml")
		addr       = flag.String("addr", "", "ingest listen address (overrides ingest.listen)")
		fullScan   = flag.Bool("full_scan", false, "rebuild exploration files from the region files on this start")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[explora] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if *addr != "" {
		cfg.Ingest.Listen = *addr
	}
	if *fullScan {
		cfg.FullScan = true
	}
	if err := run(cfg, *configPath, logger); err != nil {
		logger.Fatalf("%v", err)
	}
	logger.Printf("stopped")
}

// run wires the tracker and serves until SIGINT or SIGTERM.
func run(cfg config.Config, configPath string, logger *log.Logger) error {
	if cfg.Debug {
		logger.Printf("config: %+v", redacted(cfg))
	}

	m := metrics.New()
	var err error

	var ledger *indexdb.SQLiteIndex
	if cfg.Ledger.Path != "" {
		ledger, err = indexdb.OpenSQLite(cfg.Ledger.Path)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer ledger.Close()
		m.Gauge("ledger_queue_depth", "Records waiting for the ledger writer.", func() float64 {
			return float64(ledger.Stats().QueueDepth)
		})
		m.Gauge("ledger_dropped", "Ledger records dropped on a full queue.", func() float64 {
			return float64(ledger.Stats().DropTotal)
		})
	}

	var journal *persistlog.Journal
	if cfg.Journal.Dir != "" {
		journal = persistlog.NewJournal(cfg.Journal.Dir, persistlog.DefaultRotateLayout)
		defer journal.Close()
	}

	mirror, err := buildMirror(cfg, logger)
	if err != nil {
		return fmt.Errorf("init mirror: %w", err)
	}
	if mirror != nil {
		defer mirror.Close()
		m.Gauge("mirror_queue_depth", "Tiles waiting for the object store mirror.", func() float64 {
			return float64(mirror.Stats().QueueDepth)
		})
		m.Gauge("mirror_upload_fail", "Tiles the mirror failed to upload after retry.", func() float64 {
			return float64(mirror.Stats().Failed)
		})
	}

	backend, err := syncclient.New(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.Backend.Paths, cfg.Backend.Timeout.D(), logger)
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}

	renderer, err := render.NewRenderer(nil, cfg.Render.Options(), cfg.Render.CavesDimensions)
	if err != nil {
		return fmt.Errorf("renderer: %w", err)
	}

	pool := schedule.NewPool(cfg.RenderWorkers)
	defer pool.Close()
	logger.Printf("render pool: %d workers", pool.Workers())

	pipeline, err := tracker.NewPipeline(tracker.Deps{
		Config:     cfg,
		ConfigPath: configPath,
		Backend:    backend,
		Pool:       pool,
		Renderer:   renderer,
		Scanner:    &scan.Scanner{Logger: logger},
		Ledger:     ledger,
		Mirror:     mirror,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	tr, err := tracker.New(pipeline, journal)
	if err != nil {
		return fmt.Errorf("tracker: %w", err)
	}

	ingest := ws.NewServer(tr, cfg.Ingest.Token, logger)
	ingest.EditThreshold = cfg.EditThreshold
	ingest.SendWait = cfg.Ingest.SendWait.D()
	ingest.OnMessage = m.IngestEvent

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc(cfg.Ingest.Path, ingest.Handler())
	if cfg.Metrics.Listen == "" || cfg.Metrics.Listen == cfg.Ingest.Listen {
		mux.Handle("/metrics", m.Handler())
	}

	ctx, cancel := signalContext()
	defer cancel()

	servers := []*http.Server{{Addr: cfg.Ingest.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
	if cfg.Metrics.Listen != "" && cfg.Metrics.Listen != cfg.Ingest.Listen {
		mmux := http.NewServeMux()
		mmux.Handle("/metrics", m.Handler())
		servers = append(servers, &http.Server{Addr: cfg.Metrics.Listen, Handler: mmux, ReadHeaderTimeout: 5 * time.Second})
	}
	for _, srv := range servers {
		srv := srv
		go func() {
			logger.Printf("listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("http %s: %v", srv.Addr, err)
				cancel()
			}
		}()
	}

	runErr := tr.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if runErr != nil {
		return fmt.Errorf("tracker stopped: %w", runErr)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func buildMirror(cfg config.Config, logger *log.Logger) (*r2s3.Mirror, error) {
	if !cfg.Mirror.Enabled {
		return nil, nil
	}
	client, err := r2s3.New(cfg.Mirror.Endpoint, cfg.Mirror.Bucket, cfg.Mirror.AccessKeyID, cfg.Mirror.SecretAccessKey)
	if err != nil {
		return nil, err
	}
	return r2s3.NewMirror(client, cfg.RenderDataDir, r2s3.MirrorOptions{
		Prefix:        cfg.Mirror.Prefix,
		Zoom:          cfg.Render.Zoom,
		Workers:       cfg.Mirror.Workers,
		QueueCapacity: 4096,
		Logger:        logger,
	}), nil
}
