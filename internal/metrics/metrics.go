// Package metrics exposes Prometheus collectors for workers, detections and the broadcast bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry
type Metrics struct {
	registry *prometheus.Registry

	CameraStreamsActive    prometheus.Gauge
	VideoJobsActive        prometheus.Gauge
	CameraFramesProcessed  *prometheus.CounterVec
	VideoFramesProcessed   *prometheus.CounterVec
	VideoJobErrors         *prometheus.CounterVec
	ObjectDetections       *prometheus.CounterVec
	DetectionErrors        *prometheus.CounterVec
	EventPersistFailures   *prometheus.CounterVec
	BridgeMessagesDropped  prometheus.Counter
	VideoFrameLatency      *prometheus.HistogramVec
	FrameProcessingSeconds *prometheus.HistogramVec
	DetectionConfidence    *prometheus.SummaryVec
}

// New creates and registers all collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	latencyBuckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

	m := &Metrics{
		registry: reg,
		CameraStreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camera_streams_active",
			Help: "Number of camera workers currently running",
		}),
		VideoJobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "video_jobs_active",
			Help: "Number of video analysis workers currently running",
		}),
		CameraFramesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camera_frames_processed_total",
			Help: "Frames processed per camera",
		}, []string{"camera_id"}),
		VideoFramesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "video_frames_processed_total",
			Help: "Frames processed per video job",
		}, []string{"job_id"}),
		VideoJobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "video_job_errors_total",
			Help: "Errors raised while analysing a video job",
		}, []string{"job_id"}),
		ObjectDetections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "object_detections_total",
			Help: "Event-worthy detections by class",
		}, []string{"camera_id", "class_name", "model_type"}),
		DetectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detection_errors_total",
			Help: "Per-frame errors by stage",
		}, []string{"camera_id", "error_type", "component"}),
		EventPersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_persist_failures_total",
			Help: "Detection events that failed to persist",
		}, []string{"kind"}),
		BridgeMessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_messages_dropped_total",
			Help: "Live messages dropped because the broadcast queue was full",
		}),
		VideoFrameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "video_frame_latency_seconds",
			Help:    "Time to process one video frame end to end",
			Buckets: latencyBuckets,
		}, []string{"job_id", "model_type"}),
		FrameProcessingSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "frame_processing_duration_seconds",
			Help:    "Time to annotate one camera frame",
			Buckets: latencyBuckets,
		}, []string{"camera_id", "model_type"}),
		DetectionConfidence: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "detection_confidence",
			Help:       "Confidence of event-worthy detections",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"camera_id", "class_name", "model_type"}),
	}

	reg.MustRegister(
		m.CameraStreamsActive,
		m.VideoJobsActive,
		m.CameraFramesProcessed,
		m.VideoFramesProcessed,
		m.VideoJobErrors,
		m.ObjectDetections,
		m.DetectionErrors,
		m.EventPersistFailures,
		m.BridgeMessagesDropped,
		m.VideoFrameLatency,
		m.FrameProcessingSeconds,
		m.DetectionConfidence,
	)
	return m
}

// Registry returns the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordDetection counts one event-worthy detection
func (m *Metrics) RecordDetection(cameraID, class, modelType string, confidence float64) {
	m.ObjectDetections.WithLabelValues(cameraID, class, modelType).Inc()
	m.DetectionConfidence.WithLabelValues(cameraID, class, modelType).Observe(confidence)
}

// RecordError counts one per-frame error
func (m *Metrics) RecordError(cameraID, errorType, component string) {
	m.DetectionErrors.WithLabelValues(cameraID, errorType, component).Inc()
}

// ObserveLatency records the end to end time of one video frame
func (m *Metrics) ObserveLatency(jobID, modelType string, d time.Duration) {
	m.VideoFrameLatency.WithLabelValues(jobID, modelType).Observe(d.Seconds())
}

// Kind selects which family of collectors a Scope writes to
type Kind string

const (
	KindCamera Kind = "camera"
	KindJob    Kind = "job"
)

// Scope binds the collectors of one resource namespace. It satisfies the engine's
// observer and the worker's recorder.
type Scope struct {
	m    *Metrics
	kind Kind
}

// Cameras returns the scope for camera workers
func (m *Metrics) Cameras() *Scope { return &Scope{m: m, kind: KindCamera} }

// Jobs returns the scope for video jobs
func (m *Metrics) Jobs() *Scope { return &Scope{m: m, kind: KindJob} }

// Active returns the gauge counting live workers of this scope
func (s *Scope) Active() prometheus.Gauge {
	if s.kind == KindJob {
		return s.m.VideoJobsActive
	}
	return s.m.CameraStreamsActive
}

// RecordDetection implements the engine observer
func (s *Scope) RecordDetection(resource, class, task string, confidence float64) {
	s.m.RecordDetection(resource, class, task, confidence)
}

// ObserveProcessing implements the engine observer
func (s *Scope) ObserveProcessing(resource, task string, d time.Duration) {
	if s.kind == KindCamera {
		s.m.FrameProcessingSeconds.WithLabelValues(resource, task).Observe(d.Seconds())
	}
}

// FrameProcessed counts one frame and records its end to end latency
func (s *Scope) FrameProcessed(resource, task string, d time.Duration) {
	if s.kind == KindJob {
		s.m.VideoFramesProcessed.WithLabelValues(resource).Inc()
		s.m.ObserveLatency(resource, task, d)
		return
	}
	s.m.CameraFramesProcessed.WithLabelValues(resource).Inc()
}

// FrameError counts one per-frame failure
func (s *Scope) FrameError(resource, errorType, component string) {
	s.m.RecordError(resource, errorType, component)
	if s.kind == KindJob {
		s.m.VideoJobErrors.WithLabelValues(resource).Inc()
	}
}

// PersistFailed counts an event that could not be stored
func (s *Scope) PersistFailed(resource string) {
	s.m.EventPersistFailures.WithLabelValues(string(s.kind)).Inc()
}
