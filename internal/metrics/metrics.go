// Package metrics exposes Prometheus collectors for the depth pipeline.
//
// All methods are safe to call on a nil *Metrics, so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parallax"

// Error kinds used as the "kind" label of errors_total.
const (
	KindInit      = "init"
	KindInference = "inference"
	KindRecorder  = "recorder"
	KindSnapshot  = "snapshot"
)

type Metrics struct {
	registry *prometheus.Registry

	Ticks            prometheus.Counter
	FramesDispatched prometheus.Counter
	FramesRejected   prometheus.Counter
	FramesEvicted    prometheus.Counter
	DepthReplies     prometheus.Counter
	Errors           *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	InferenceSeconds prometheus.Histogram
	Uploads          prometheus.Counter
	ViewerClients    prometheus.Gauge
	ViewerDrops      prometheus.Counter
	RecorderDrops    prometheus.Counter
}

// New registers the pipeline collectors plus Go runtime and process
// collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_ticks_total",
			Help:      "Render ticks executed",
		}),
		FramesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dispatched_total",
			Help:      "Frames captured and handed to the inference worker",
		}),
		FramesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Frames refused by a full worker queue (reject-new policy)",
		}),
		FramesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_evicted_total",
			Help:      "Pending frames evicted from a full worker queue (drop-oldest policy)",
		}),
		DepthReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "depth_replies_total",
			Help:      "Depth maps received from the inference worker",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by kind",
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Requests waiting in the inference worker queue",
		}),
		InferenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_seconds",
			Help:      "Conversion, forward pass and normalization time per frame",
			Buckets:   prometheus.ExponentialBuckets(0.002, 2, 12),
		}),
		Uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "depth_uploads_total",
			Help:      "Dirty depth buffers uploaded to render stages",
		}),
		ViewerClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewer_clients",
			Help:      "Connected websocket viewers",
		}),
		ViewerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_frames_dropped_total",
			Help:      "Depth frames skipped for slow websocket viewers",
		}),
		RecorderDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_frames_dropped_total",
			Help:      "Depth statistics dropped because the recorder was behind",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Ticks,
		m.FramesDispatched,
		m.FramesRejected,
		m.FramesEvicted,
		m.DepthReplies,
		m.Errors,
		m.QueueDepth,
		m.InferenceSeconds,
		m.Uploads,
		m.ViewerClients,
		m.ViewerDrops,
		m.RecorderDrops,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Tick() {
	if m != nil {
		m.Ticks.Inc()
	}
}

func (m *Metrics) Dispatched() {
	if m != nil {
		m.FramesDispatched.Inc()
	}
}

func (m *Metrics) Rejected() {
	if m != nil {
		m.FramesRejected.Inc()
	}
}

func (m *Metrics) Evicted() {
	if m != nil {
		m.FramesEvicted.Inc()
	}
}

func (m *Metrics) Depth() {
	if m != nil {
		m.DepthReplies.Inc()
	}
}

func (m *Metrics) Error(kind string) {
	if m != nil {
		m.Errors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) ObserveInference(d time.Duration) {
	if m != nil {
		m.InferenceSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) Upload() {
	if m != nil {
		m.Uploads.Inc()
	}
}

func (m *Metrics) ViewerConnected(delta int) {
	if m != nil {
		m.ViewerClients.Add(float64(delta))
	}
}

func (m *Metrics) ViewerDropped() {
	if m != nil {
		m.ViewerDrops.Inc()
	}
}

func (m *Metrics) RecorderDropped() {
	if m != nil {
		m.RecorderDrops.Inc()
	}
}
