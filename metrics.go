package pipeplay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects playback counters. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	FramesPresented prometheus.Counter
	FramesSkipped   prometheus.Counter
	Starvations     prometheus.Counter
	Sessions        prometheus.Counter
	SpawnFailures   prometheus.Counter
	BufferDepth     prometheus.Gauge
	SeekDuration    prometheus.Histogram
}

// NewMetrics registers the playback metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesPresented: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeplay",
			Name:      "frames_presented_total",
			Help:      "Frames popped from the buffer and presented.",
		}),
		FramesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeplay",
			Name:      "frames_skipped_total",
			Help:      "Frames discarded to catch up with the playback clock.",
		}),
		Starvations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeplay",
			Name:      "starvations_total",
			Help:      "Ticks that found the frame buffer empty while playing.",
		}),
		Sessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeplay",
			Name:      "decoder_sessions_total",
			Help:      "Decoder processes started.",
		}),
		SpawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeplay",
			Name:      "decoder_spawn_failures_total",
			Help:      "Decoder processes that couldn't be started.",
		}),
		BufferDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipeplay",
			Name:      "buffer_depth_frames",
			Help:      "Frames queued in the prefetch buffer.",
		}),
		SeekDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pipeplay",
			Name:      "seek_duration_seconds",
			Help:      "Time spent replacing the decoder session on a seek.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

func (m *Metrics) presented() {
	if m != nil {
		m.FramesPresented.Inc()
	}
}

func (m *Metrics) skipped(n int) {
	if m != nil && n > 0 {
		m.FramesSkipped.Add(float64(n))
	}
}

func (m *Metrics) starved() {
	if m != nil {
		m.Starvations.Inc()
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.Sessions.Inc()
	}
}

func (m *Metrics) spawnFailed() {
	if m != nil {
		m.SpawnFailures.Inc()
	}
}

func (m *Metrics) depth(n int) {
	if m != nil {
		m.BufferDepth.Set(float64(n))
	}
}

func (m *Metrics) seek(d time.Duration) {
	if m != nil {
		m.SeekDuration.Observe(d.Seconds())
	}
}
