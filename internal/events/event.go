// Package events defines detection events and the sinks that persist them.
package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Event is one emitted detection. Sinks may fill SnapshotKey before later sinks run;
// nothing else changes after creation.
type Event struct {
	ID          string    `json:"id"`
	ClassName   string    `json:"class_name"`
	ModelType   string    `json:"model_type"`
	CameraID    *int64    `json:"camera_id,omitempty"`
	CameraName  string    `json:"camera_name,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	Confidence  float32   `json:"confidence"`
	SnapshotKey string    `json:"snapshot_key,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	// Frame is the annotated JPEG the event was detected on
	Frame []byte `json:"-"`
}

// New creates an event with a fresh id and the current time
func New(className, modelType string, confidence float32) *Event {
	return &Event{
		ID:         uuid.NewString(),
		ClassName:  className,
		ModelType:  modelType,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}
}

// Resource names the camera or job the event belongs to, e.g. "cameras/7" or "jobs/<id>"
func (e *Event) Resource() string {
	switch {
	case e.JobID != "":
		return "jobs/" + e.JobID
	case e.CameraID != nil:
		return "cameras/" + strconv.FormatInt(*e.CameraID, 10)
	default:
		return "unknown"
	}
}

// Sink persists events
type Sink interface {
	Persist(ctx context.Context, e *Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, e *Event) error

// Persist implements Sink
func (f SinkFunc) Persist(ctx context.Context, e *Event) error {
	return f(ctx, e)
}

type namedSink struct {
	name string
	sink Sink
}

// Fanout persists every event to each sink in registration order
type Fanout struct {
	sinks []namedSink
}

// NewFanout creates an empty fan-out
func NewFanout() *Fanout {
	return &Fanout{}
}

// Add appends a sink. Snapshot sinks go before the database so the key is stored.
func (f *Fanout) Add(name string, s Sink) *Fanout {
	f.sinks = append(f.sinks, namedSink{name: name, sink: s})
	return f
}

// Len returns the number of sinks
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// Persist runs every sink even when one fails and returns the joined errors
func (f *Fanout) Persist(ctx context.Context, e *Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.sink.Persist(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s sink: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s sink: %w", s.name, err))
			}
		}
	}
	return errors.Join(errs...)
}

var _ Sink = (*Fanout)(nil)
