// Package metrics exposes tracker counters in Prometheus format. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

const namespace = "explora"

type Metrics struct {
	reg *prometheus.Registry

	explored      *prometheus.CounterVec
	promoted      *prometheus.CounterVec
	renderSeconds prometheus.Histogram
	renderFails   prometheus.Counter
	syncBatches   *prometheus.CounterVec
	pending       *prometheus.GaugeVec
	ingestEvents  *prometheus.CounterVec
	uploads       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		explored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_explored_total",
			Help:      "Chunks recorded as explored for the first time.",
		}, []string{"world"}),
		promoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_promoted_total",
			Help:      "Chunks marked dirty after reaching the edit threshold.",
		}, []string{"world"}),
		renderSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_seconds",
			Help:      "Time to render and write one region tile.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		renderFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_failures_total",
			Help:      "Region renders that failed.",
		}),
		syncBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_batches_total",
			Help:      "Chunk batches posted to the backend, by result.",
		}, []string{"result"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_chunks",
			Help:      "Chunks waiting in the in-memory delta.",
		}, []string{"world"}),
		ingestEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_events_total",
			Help:      "Live events accepted from the game server, by type.",
		}, []string{"type"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_uploads_total",
			Help:      "Tile zip uploads, by result.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		m.explored, m.promoted, m.renderSeconds, m.renderFails,
		m.syncBatches, m.pending, m.ingestEvents, m.uploads,
		collectors.NewGoCollector(),
	)
	m.registerProcess()
	return m
}

// registerProcess adds gauges for this process read through gopsutil.
func (m *Metrics) registerProcess() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_rss_bytes",
			Help:      "Resident set size of the tracker process.",
		}, func() float64 {
			mi, err := proc.MemoryInfo()
			if err != nil {
				return 0
			}
			return float64(mi.RSS)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_cpu_percent",
			Help:      "CPU usage of the tracker process since start.",
		}, func() float64 {
			p, err := proc.CPUPercent()
			if err != nil {
				return 0
			}
			return p
		}),
	)
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Gauge registers a gauge read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ChunkExplored(world string) {
	if m == nil {
		return
	}
	m.explored.WithLabelValues(world).Inc()
}

func (m *Metrics) ChunkPromoted(world string) {
	if m == nil {
		return
	}
	m.promoted.WithLabelValues(world).Inc()
}

func (m *Metrics) RenderTask(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.renderSeconds.Observe(d.Seconds())
	if failed {
		m.renderFails.Inc()
	}
}

func (m *Metrics) SyncBatch(ok bool) {
	if m == nil {
		return
	}
	m.syncBatches.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) TileUpload(ok bool) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) SetPending(world string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(world).Set(float64(n))
}

func (m *Metrics) IngestEvent(typ string) {
	if m == nil {
		return
	}
	m.ingestEvents.WithLabelValues(typ).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
