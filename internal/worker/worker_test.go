package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/events"
	"lookout/internal/framestore"
	"lookout/internal/lifecycle"
	"lookout/internal/models"
	"lookout/internal/processor"
	"lookout/internal/source"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{40, 40, 40, 255}), image.Point{}, draw.Src)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC).Add(d)
}

// scriptSource serves a fixed list of frames then io.EOF. When endless is set it
// repeats the last frame until the context is cancelled.
type scriptSource struct {
	frames  [][]byte
	total   int
	endless bool
	// before runs ahead of serving frame i
	before func(i int)
	// readErr fails the read of frame i when set
	readErr map[int]error

	next   int
	closed atomic.Int32
}

func (s *scriptSource) Open(ctx context.Context) error { return nil }

func (s *scriptSource) Read(ctx context.Context) (source.Frame, error) {
	if err := ctx.Err(); err != nil {
		return source.Frame{}, err
	}
	i := s.next
	if i >= len(s.frames) {
		if !s.endless {
			return source.Frame{}, io.EOF
		}
		time.Sleep(time.Millisecond)
		i = len(s.frames) - 1
	} else {
		s.next++
	}
	if s.before != nil {
		s.before(i)
	}
	if err, ok := s.readErr[i]; ok {
		return source.Frame{}, err
	}
	return source.Frame{Data: s.frames[i], Index: i + 1, Total: s.total, Timestamp: time.Now()}, nil
}

func (s *scriptSource) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeAdapter struct {
	task   models.Task
	result *models.Result
	failAt map[int]bool
	// panicAt makes the nth call panic
	panicAt map[int]bool
	calls   atomic.Int32
}

func (a *fakeAdapter) Task() models.Task { return a.task }

func (a *fakeAdapter) Predict(ctx context.Context, frame []byte) (*models.Result, error) {
	n := int(a.calls.Add(1))
	if a.failAt[n] {
		return nil, errors.New("inference service unavailable")
	}
	if a.panicAt[n] {
		panic("malformed inference response")
	}
	return a.result, nil
}

func (a *fakeAdapter) Warmup(ctx context.Context) error { return nil }
func (a *fakeAdapter) Close() error                     { return nil }

func personResult() *models.Result {
	return &models.Result{
		Names: map[int]string{0: "person", 39: "bottle"},
		Boxes: []models.Box{{ClassID: 0, Confidence: 0.88, X1: 10, Y1: 10, X2: 60, Y2: 100}},
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []*events.Event
	err    error
}

func (s *recordingSink) Persist(ctx context.Context, e *events.Event) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) all() []*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*events.Event(nil), s.events...)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []Message
}

func (p *recordingPublisher) Publish(msg any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg.(Message))
}

func (p *recordingPublisher) ofType(typ string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type countRecorder struct {
	processed atomic.Int32
	errors    atomic.Int32
	persist   atomic.Int32
}

func (r *countRecorder) FrameProcessed(resource, task string, d time.Duration) { r.processed.Add(1) }
func (r *countRecorder) FrameError(resource, errorType, component string)     { r.errors.Add(1) }
func (r *countRecorder) PersistFailed(resource string)                        { r.persist.Add(1) }

func waitFinished[K comparable](t *testing.T, reg *lifecycle.Registry[K], id K) lifecycle.Snapshot {
	t.Helper()
	var snap lifecycle.Snapshot
	require.Eventually(t, func() bool {
		snap = reg.Status(id)
		return snap.State == lifecycle.StateFinished
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func TestCameraEmitsOneEventAcrossCooldown(t *testing.T) {
	hub := models.NewHub(models.NewRegistry(), nil, quietLogger())
	adapter := &fakeAdapter{task: models.TaskDetect, result: personResult()}
	require.NoError(t, hub.Registry().Register(models.Spec{
		Key: "yolo/v8s:detect", Provider: "yolo", Version: "v8s", Task: models.TaskDetect, Weights: "yolov8s.pt",
		Factory: func(models.Spec) (models.Adapter, error) { return adapter, nil },
	}))

	key, err := models.ResolveLegacyName(models.LegacyObjectDetection)
	require.NoError(t, err)
	loaded, resolved := hub.LoadSafe(context.Background(), key, models.LegacyObjectDetection)
	require.Equal(t, "yolo/v8s:detect", resolved)

	frames := framestore.New[int64]()
	reg := lifecycle.NewRegistry("cameras", frames, lifecycle.WithLogger(quietLogger()))

	clock := &fakeClock{}
	offsets := []time.Duration{0, 4 * time.Second, 11 * time.Second}
	frame := testFrame(t, 160, 120)

	// width of the latest frame seen before each read; 160 means an annotated frame
	var widths []int
	src := &scriptSource{
		frames: [][]byte{frame, frame, frame},
		before: func(i int) {
			if i > 0 {
				data, ok := frames.GetLatest(7)
				if ok {
					cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
					if err == nil {
						widths = append(widths, cfg.Width)
					}
				}
			}
			clock.Set(offsets[i])
		},
	}

	sink := &recordingSink{}
	pub := &recordingPublisher{}
	rec := &countRecorder{}
	camID := int64(7)
	w, err := New(Config[int64]{
		ID:         7,
		Kind:       KindCamera,
		Source:     src,
		Adapter:    loaded,
		Engine:     processor.NewEngine(processor.WithClock(clock.Now)),
		Frames:     frames,
		Sink:       sink,
		Publisher:  pub,
		Recorder:   rec,
		Logger:     quietLogger(),
		CameraID:   &camID,
		CameraName: "front door",
	})
	require.NoError(t, err)

	status, err := reg.Start(context.Background(), 7, w)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StatusStarted, status)

	waitFinished(t, reg, int64(7))

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "person", got[0].ClassName)
	assert.Equal(t, models.LegacyObjectDetection, got[0].ModelType)
	assert.Equal(t, int64(7), *got[0].CameraID)
	assert.Equal(t, "front door", got[0].CameraName)
	assert.NotEmpty(t, got[0].Frame)

	assert.Equal(t, []int{160, 160}, widths)
	data, ok := frames.GetLatest(7)
	require.True(t, ok)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 160, cfg.Width)

	detections := pub.ofType(MessageDetection)
	require.Len(t, detections, 1)
	assert.Equal(t, []string{"person"}, detections[0].Classes)
	assert.Equal(t, "camera", detections[0].Kind)
	assert.Equal(t, "7", detections[0].ID)

	assert.Equal(t, int32(3), rec.processed.Load())
	assert.Equal(t, int32(1), src.closed.Load())
}

func TestJobReportsProgressUntilEOF(t *testing.T) {
	frames := framestore.New[string]()
	reg := lifecycle.NewRegistry("jobs", frames, lifecycle.WithLogger(quietLogger()))

	frame := testFrame(t, 64, 48)
	src := &scriptSource{frames: [][]byte{frame, frame, frame, frame}, total: 4}
	pub := &recordingPublisher{}
	sink := &recordingSink{}

	w, err := New(Config[string]{
		ID:        "job-1",
		Kind:      KindJob,
		Source:    src,
		Adapter:   &fakeAdapter{task: models.TaskPose, result: &models.Result{Keypoints: []models.Pose{}}},
		Engine:    processor.NewEngine(),
		Frames:    frames,
		Sink:      sink,
		Publisher: pub,
		Logger:    quietLogger(),
		JobID:     "job-1",
	})
	require.NoError(t, err)

	_, err = reg.Start(context.Background(), "job-1", w)
	require.NoError(t, err)

	snap := waitFinished(t, reg, "job-1")
	assert.Equal(t, float64(100), snap.Progress)
	assert.False(t, snap.Running)
	assert.Empty(t, snap.Error)
	assert.Empty(t, sink.all())

	progress := pub.ofType(MessageProgress)
	require.NotEmpty(t, progress)
	assert.Equal(t, float64(25), progress[0].Progress)
	assert.Len(t, pub.ofType(MessageFinished), 1)
}

func TestTransientErrorsDoNotStopTheLoop(t *testing.T) {
	frames := framestore.New[string]()
	reg := lifecycle.NewRegistry("jobs", frames, lifecycle.WithLogger(quietLogger()))

	frame := testFrame(t, 64, 48)
	src := &scriptSource{
		frames:  [][]byte{frame, frame, frame, frame},
		total:   4,
		readErr: map[int]error{1: errors.New("corrupt packet")},
	}
	rec := &countRecorder{}
	adapter := &fakeAdapter{task: models.TaskDetect, result: personResult(), failAt: map[int]bool{2: true}}

	w, err := New(Config[string]{
		ID:       "job-2",
		Kind:     KindJob,
		Source:   src,
		Adapter:  adapter,
		Engine:   processor.NewEngine(),
		Frames:   frames,
		Recorder: rec,
		Logger:   quietLogger(),
		JobID:    "job-2",
	})
	require.NoError(t, err)

	_, err = reg.Start(context.Background(), "job-2", w)
	require.NoError(t, err)

	snap := waitFinished(t, reg, "job-2")
	assert.Equal(t, float64(100), snap.Progress)
	assert.Equal(t, "inference service unavailable", snap.Error)
	assert.Equal(t, int32(2), rec.errors.Load())
	assert.Equal(t, int32(2), rec.processed.Load())
}

func TestPanickingFrameDoesNotEndTheWorker(t *testing.T) {
	frames := framestore.New[string]()
	reg := lifecycle.NewRegistry("jobs", frames, lifecycle.WithLogger(quietLogger()))

	frame := testFrame(t, 64, 48)
	src := &scriptSource{frames: [][]byte{frame, frame, frame}, total: 3}
	rec := &countRecorder{}
	adapter := &fakeAdapter{task: models.TaskDetect, result: personResult(), panicAt: map[int]bool{1: true}}

	w, err := New(Config[string]{
		ID:       "job-3",
		Kind:     KindJob,
		Source:   src,
		Adapter:  adapter,
		Engine:   processor.NewEngine(),
		Frames:   frames,
		Recorder: rec,
		Logger:   quietLogger(),
		JobID:    "job-3",
	})
	require.NoError(t, err)

	_, err = reg.Start(context.Background(), "job-3", w)
	require.NoError(t, err)

	snap := waitFinished(t, reg, "job-3")
	assert.Equal(t, float64(100), snap.Progress)
	assert.Equal(t, "panic: malformed inference response", snap.Error)
	assert.Equal(t, int32(3), adapter.calls.Load())
	assert.Equal(t, int32(1), rec.errors.Load())
	assert.Equal(t, int32(2), rec.processed.Load())
}

func TestPersistFailureIsCountedAndFrameStillPublished(t *testing.T) {
	frames := framestore.New[int64]()
	reg := lifecycle.NewRegistry("cameras", frames, lifecycle.WithLogger(quietLogger()))

	clock := &fakeClock{}
	offsets := []time.Duration{0, 11 * time.Second}
	frame := testFrame(t, 96, 72)
	src := &scriptSource{
		frames: [][]byte{frame, frame},
		before: func(i int) { clock.Set(offsets[i]) },
	}
	rec := &countRecorder{}

	w, err := New(Config[int64]{
		ID:       3,
		Kind:     KindCamera,
		Source:   src,
		Adapter:  &fakeAdapter{task: models.TaskDetect, result: personResult()},
		Engine:   processor.NewEngine(processor.WithClock(clock.Now)),
		Frames:   frames,
		Sink:     &recordingSink{err: errors.New("database is locked")},
		Recorder: rec,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)

	_, err = reg.Start(context.Background(), 3, w)
	require.NoError(t, err)
	waitFinished(t, reg, int64(3))

	assert.Equal(t, int32(1), rec.persist.Load())
	assert.Equal(t, int32(2), rec.processed.Load())

	data, ok := frames.GetLatest(3)
	require.True(t, ok)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 96, cfg.Width)
}

func TestStopEndsEndlessStreamAndDropsFrame(t *testing.T) {
	frames := framestore.New[int64]()
	reg := lifecycle.NewRegistry("cameras", frames, lifecycle.WithLogger(quietLogger()))

	frame := testFrame(t, 64, 48)
	src := &scriptSource{frames: [][]byte{frame}, endless: true}
	adapter := &fakeAdapter{task: models.TaskDetect, result: &models.Result{Boxes: []models.Box{}}}

	w, err := New(Config[int64]{
		ID:      9,
		Kind:    KindCamera,
		Source:  src,
		Adapter: adapter,
		Engine:  processor.NewEngine(),
		Frames:  frames,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)

	_, err = reg.Start(context.Background(), 9, w)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return adapter.calls.Load() > 3 }, 5*time.Second, time.Millisecond)

	status, err := reg.Stop(9)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusStopped, status)

	_, ok := frames.GetLatest(9)
	assert.False(t, ok)
	assert.Equal(t, lifecycle.StateAbsent, reg.Status(9).State)
	assert.Equal(t, int32(1), src.closed.Load())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config[int64]{ID: 1})
	assert.Error(t, err)
}
