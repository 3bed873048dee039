// Package worker runs the per-resource capture, inference and annotation loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"lookout/internal/events"
	"lookout/internal/framestore"
	"lookout/internal/lifecycle"
	"lookout/internal/models"
	"lookout/internal/processor"
	"lookout/internal/source"
)

// retryDelay is the pause after a failed read so a broken source does not spin
const retryDelay = 100 * time.Millisecond

// Message types published to live consumers
const (
	MessageDetection = "detection"
	MessageProgress  = "progress"
	MessageFinished  = "finished"
)

// Message is what live consumers receive
type Message struct {
	Type      string    `json:"type"`
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	Classes   []string  `json:"classes,omitempty"`
	ModelType string    `json:"model_type,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher hands messages to live consumers without blocking
type Publisher interface {
	Publish(msg any)
}

// Recorder receives per-frame signals
type Recorder interface {
	FrameProcessed(resource, task string, d time.Duration)
	FrameError(resource, errorType, component string)
	PersistFailed(resource string)
}

// Config wires one worker
type Config[K comparable] struct {
	ID   K
	Kind string

	Source  source.Source
	Adapter models.Adapter
	Task    models.Task
	Engine  *processor.Engine
	Frames  *framestore.Store[K]
	Sink    events.Sink

	Publisher Publisher
	Recorder  Recorder
	Logger    *slog.Logger

	// Event context stored with every detection
	CameraID   *int64
	CameraName string
	JobID      string
}

// Worker implements lifecycle.Worker for one resource
type Worker[K comparable] struct {
	cfg       Config[K]
	resource  string
	modelType string
	logger    *slog.Logger
}

// New creates a worker. Source, Adapter, Engine and Frames are required.
func New[K comparable](cfg Config[K]) (*Worker[K], error) {
	if cfg.Source == nil || cfg.Adapter == nil || cfg.Engine == nil || cfg.Frames == nil {
		return nil, errors.New("worker needs a source, an adapter, an engine and a frame store")
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NewFanout()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Task == "" {
		cfg.Task = cfg.Adapter.Task()
	}

	resource := fmt.Sprint(cfg.ID)
	return &Worker[K]{
		cfg:       cfg,
		resource:  resource,
		modelType: models.PersistedModelType(cfg.Task),
		logger:    cfg.Logger.With("component", "worker", "kind", cfg.Kind, "id", resource),
	}, nil
}

// Open opens the source
func (w *Worker[K]) Open(ctx context.Context) error {
	return w.cfg.Source.Open(ctx)
}

// Close closes the source
func (w *Worker[K]) Close() error {
	return w.cfg.Source.Close()
}

// Run processes frames in read order until the run flag clears or the source ends
func (w *Worker[K]) Run(ctx context.Context, ctl lifecycle.Control) {
	w.logger.Info("worker loop started", "task", w.cfg.Task)

	var processed int
	var lastPct float64

	for ctl.Running() {
		frame, err := w.cfg.Source.Read(ctx)
		if errors.Is(err, io.EOF) {
			w.finish(ctl, processed)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.transient(ctl, "read", err)
			w.pause(ctx)
			continue
		}

		if w.step(ctx, ctl, frame) {
			processed++
			if processed%100 == 0 {
				w.logger.Info("frames processed", "count", processed)
			}
		}

		if frame.Total > 0 {
			pct := 100 * float64(frame.Index) / float64(frame.Total)
			ctl.SetProgress(pct)
			if int(pct) > int(lastPct) {
				lastPct = pct
				w.publish(Message{Type: MessageProgress, Progress: float64(int(pct))})
			}
		}
	}

	w.logger.Info("worker loop stopped", "frames", processed)
}

// step runs inference and annotation on one frame. It reports whether the frame was processed.
// A panic in any stage fails only this frame.
func (w *Worker[K]) step(ctx context.Context, ctl lifecycle.Control, frame source.Frame) (ok bool) {
	start := time.Now()
	stage := "inference"
	defer func() {
		if p := recover(); p != nil {
			w.transient(ctl, stage, fmt.Errorf("panic: %v", p))
			ok = false
		}
	}()

	result, err := w.cfg.Adapter.Predict(ctx, frame.Data)
	if err != nil {
		if ctx.Err() == nil {
			w.transient(ctl, "inference", err)
		}
		return false
	}

	stage = "annotation"
	out, err := w.cfg.Engine.Process(frame.Data, result, w.resource, w.cfg.Task)
	if err != nil {
		w.transient(ctl, "annotation", err)
		return false
	}

	// a stopped worker must not recreate the slot removed by cleanup
	if ctl.Running() {
		w.cfg.Frames.SetLatest(w.cfg.ID, out.Frame)
	}

	stage = "persist"
	if len(out.Events) > 0 {
		classes := make([]string, 0, len(out.Events))
		for _, s := range out.Events {
			w.persist(ctx, s, out.Frame)
			classes = append(classes, s.Class)
		}
		w.publish(Message{Type: MessageDetection, Classes: classes, ModelType: w.modelType})
	}

	if w.cfg.Recorder != nil {
		w.cfg.Recorder.FrameProcessed(w.resource, string(w.cfg.Task), time.Since(start))
	}
	return true
}

func (w *Worker[K]) persist(ctx context.Context, s processor.Sighting, frame []byte) {
	e := events.New(s.Class, w.modelType, s.Confidence)
	e.CameraID = w.cfg.CameraID
	e.CameraName = w.cfg.CameraName
	e.JobID = w.cfg.JobID
	e.Frame = frame

	if err := w.cfg.Sink.Persist(ctx, e); err != nil {
		w.logger.Error("failed to persist detection event", "class", s.Class, "event_id", e.ID, "error", err)
		if w.cfg.Recorder != nil {
			w.cfg.Recorder.PersistFailed(w.resource)
		}
		return
	}
	w.logger.Info("detection event", "class", s.Class, "confidence", s.Confidence, "event_id", e.ID)
}

func (w *Worker[K]) finish(ctl lifecycle.Control, processed int) {
	if w.cfg.Kind == KindJob {
		ctl.SetProgress(100)
		w.publish(Message{Type: MessageFinished, Progress: 100})
	}
	w.logger.Info("source ended", "frames", processed)
}

func (w *Worker[K]) transient(ctl lifecycle.Control, stage string, err error) {
	w.logger.Warn("frame failed", "stage", stage, "error", err)
	ctl.SetError(err.Error())
	if w.cfg.Recorder != nil {
		w.cfg.Recorder.FrameError(w.resource, stage, "worker")
	}
}

func (w *Worker[K]) publish(msg Message) {
	if w.cfg.Publisher == nil {
		return
	}
	msg.Kind = w.cfg.Kind
	msg.ID = w.resource
	msg.Timestamp = time.Now().UTC()
	w.cfg.Publisher.Publish(msg)
}

func (w *Worker[K]) pause(ctx context.Context) {
	t := time.NewTimer(retryDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Resource kinds
const (
	KindCamera = "camera"
	KindJob    = "job"
)

var _ lifecycle.Worker = (*Worker[int64])(nil)
