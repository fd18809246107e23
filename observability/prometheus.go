package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom holds the Prometheus collectors of the stitching service. Each
// instance owns its registry so tests and embedded servers never collide on
// the default one.
type Prom struct {
	registry *prometheus.Registry

	SessionsCreated   prometheus.Counter
	SessionsFinished  *prometheus.CounterVec // label outcome: completed|failed|expired
	FramesIngested    prometheus.Counter
	FrameBytes        prometheus.Counter
	MatchingFallbacks prometheus.Counter
	TilesWritten      prometheus.Counter
	LiveSessions      prometheus.Gauge
	StageDuration     *prometheus.HistogramVec // label stage: compose|tile
	HTTPRequests      *prometheus.CounterVec   // labels method, code
}

// NewProm registers the service collectors plus the Go runtime and process
// collectors on a fresh registry.
func NewProm() *Prom {
	reg := prometheus.NewRegistry()
	p := &Prom{
		registry: reg,
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrollstitch", Name: "sessions_created_total",
			Help: "Capture sessions opened.",
		}),
		SessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrollstitch", Name: "sessions_finished_total",
			Help: "Capture sessions that left the registry, by outcome.",
		}, []string{"outcome"}),
		FramesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrollstitch", Name: "frames_ingested_total",
			Help: "Frames accepted into a session.",
		}),
		FrameBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrollstitch", Name: "frame_bytes_total",
			Help: "Encoded bytes of accepted frames.",
		}),
		MatchingFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrollstitch", Name: "matching_fallbacks_total",
			Help: "Frame pairs placed with the fixed fallback advance.",
		}),
		TilesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrollstitch", Name: "tiles_written_total",
			Help: "Pyramid tiles encoded to disk.",
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrollstitch", Name: "live_sessions",
			Help: "Capture sessions currently accepting frames.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scrollstitch", Name: "stage_duration_seconds",
			Help:    "Wall time of pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrollstitch", Name: "http_requests_total",
			Help: "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
	}
	reg.MustRegister(
		p.SessionsCreated, p.SessionsFinished, p.FramesIngested, p.FrameBytes,
		p.MatchingFallbacks, p.TilesWritten, p.LiveSessions, p.StageDuration, p.HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// ObserveStage records the duration of a pipeline stage started at start.
func (p *Prom) ObserveStage(stage string, start time.Time) {
	p.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Registry exposes the underlying registry for tests and extra collectors.
func (p *Prom) Registry() *prometheus.Registry { return p.registry }

// Handler serves the /metrics scrape endpoint.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler counts requests served by next.
func (p *Prom) InstrumentHandler(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(p.HTTPRequests, next)
}
