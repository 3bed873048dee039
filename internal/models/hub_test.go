package models

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	task      Task
	weights   string
	warmupErr error
	closed    atomic.Bool
}

func (f *fakeAdapter) Task() Task { return f.task }

func (f *fakeAdapter) Predict(ctx context.Context, frame []byte) (*Result, error) {
	return &Result{}, nil
}

func (f *fakeAdapter) Warmup(ctx context.Context) error { return f.warmupErr }

func (f *fakeAdapter) Close() error {
	f.closed.Store(true)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fallbackFactory(spec Spec) Adapter {
	return &fakeAdapter{task: spec.Task, weights: spec.Weights}
}

func spec(key string, task Task, weights string, factory Factory) Spec {
	return Spec{Key: key, Provider: "yolo", Version: "v8s", Task: task, Weights: weights, Factory: factory}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	f := func(s Spec) (Adapter, error) { return &fakeAdapter{task: s.Task}, nil }

	require.NoError(t, r.Register(spec("yolo/v8s:detect", TaskDetect, "yolov8s.pt", f)))

	err := r.Register(spec("yolo/v8s:detect", TaskDetect, "other.pt", f))
	require.ErrorIs(t, err, ErrDuplicateKey)

	got, err := r.Get("yolo/v8s:detect")
	require.NoError(t, err)
	assert.Equal(t, "yolov8s.pt", got.Weights, "existing spec must not be overwritten")
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Spec{Key: "", Factory: func(Spec) (Adapter, error) { return nil, nil }}))
	assert.Error(t, r.Register(Spec{Key: "x"}))

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestRegistryFilter(t *testing.T) {
	r := NewRegistry()
	f := func(s Spec) (Adapter, error) { return &fakeAdapter{task: s.Task}, nil }
	require.NoError(t, r.Register(spec("yolo/v8s:detect", TaskDetect, "yolov8s.pt", f)))
	require.NoError(t, r.Register(spec("yolo/v8n:pose", TaskPose, "yolov8n-pose.pt", f)))
	require.NoError(t, r.Register(Spec{Key: "custom/a:detect", Provider: "custom", Task: TaskDetect, Factory: f}))

	assert.Len(t, r.Filter("", "", ""), 3)
	assert.Len(t, r.Filter("yolo", "", ""), 2)
	assert.Len(t, r.Filter("", "detect", ""), 2)
	assert.Len(t, r.Filter("", "", "POSE"), 1)
	assert.Equal(t, "custom/a:detect", r.All()[0].Key)
}

func TestResolveLegacyName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{LegacyObjectDetection, "yolo/v8s:detect"},
		{LegacySegmentation, "yolo/v8n:segment"},
		{LegacyPose, "yolo/v8n:pose"},
		{LegacyClassification, "yolo/v8s:classify"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveLegacyName(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ResolveLegacyName("depthMagic")
	assert.ErrorIs(t, err, ErrUnsupportedModelType)
}

func TestFallbackSpec(t *testing.T) {
	tests := []struct {
		legacy  string
		key     string
		weights string
		task    Task
	}{
		{LegacyObjectDetection, "yolo/v8s:detect", "yolov8s.pt", TaskDetect},
		{LegacySegmentation, "yolo/v8n:segment", "yolov8n-seg.pt", TaskSegment},
		{LegacyPose, "yolo/v8n:pose", "yolov8n-pose.pt", TaskPose},
		{LegacyClassification, "yolo/v8s:classify", "yolov8s-cls.pt", TaskClassify},
		{"whatever", "yolo/v8s:detect", "yolov8s.pt", TaskDetect},
	}
	for _, tt := range tests {
		t.Run(tt.legacy, func(t *testing.T) {
			s := FallbackSpec(tt.legacy)
			assert.Equal(t, tt.key, s.Key)
			assert.Equal(t, tt.weights, s.Weights)
			assert.Equal(t, tt.task, s.Task)
		})
	}
}

func TestLoadSafeUnknownKeyFallsBack(t *testing.T) {
	hub := NewHub(NewRegistry(), fallbackFactory, discardLogger())

	adapter, key := hub.LoadSafe(context.Background(), "nope/v0:pose", LegacyPose)
	require.NotNil(t, adapter)
	assert.Equal(t, "yolo/v8n:pose", key)
	assert.Equal(t, TaskPose, adapter.Task())
}

func TestLoadSafeConstructionAndWarmupFailures(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(spec("broken/a:detect", TaskDetect, "a.pt", func(Spec) (Adapter, error) {
		return nil, errors.New("weights missing")
	})))
	require.NoError(t, r.Register(spec("cold/b:segment", TaskSegment, "b.pt", func(s Spec) (Adapter, error) {
		return &fakeAdapter{task: s.Task, warmupErr: errors.New("cuda oom")}, nil
	})))
	hub := NewHub(r, fallbackFactory, discardLogger())

	_, err := hub.Resolve(context.Background(), "broken/a:detect")
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, StageConstruct, resErr.Stage)

	_, err = hub.Resolve(context.Background(), "cold/b:segment")
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, StageWarmup, resErr.Stage)

	a, key := hub.LoadSafe(context.Background(), "broken/a:detect", LegacyObjectDetection)
	assert.Equal(t, "yolo/v8s:detect", key)
	assert.Equal(t, TaskDetect, a.Task())

	a, key = hub.LoadSafe(context.Background(), "cold/b:segment", LegacySegmentation)
	assert.Equal(t, "yolo/v8n:segment", key)
	assert.Equal(t, TaskSegment, a.Task())
}

func TestLoadSafeCachesByTaskAndWeights(t *testing.T) {
	var builds atomic.Int32
	r := NewRegistry()
	factory := func(s Spec) (Adapter, error) {
		builds.Add(1)
		return &fakeAdapter{task: s.Task, weights: s.Weights}, nil
	}
	require.NoError(t, r.Register(spec("yolo/v8s:detect", TaskDetect, "yolov8s.pt", factory)))
	require.NoError(t, r.Register(spec("alias/v8s:detect", TaskDetect, "yolov8s.pt", factory)))
	hub := NewHub(r, fallbackFactory, discardLogger())

	a1, key1 := hub.LoadSafe(context.Background(), "yolo/v8s:detect", LegacyObjectDetection)
	a2, key2 := hub.LoadSafe(context.Background(), "alias/v8s:detect", LegacyObjectDetection)

	assert.Equal(t, "yolo/v8s:detect", key1)
	assert.Equal(t, "alias/v8s:detect", key2)
	assert.Same(t, a1, a2)
	assert.Equal(t, int32(1), builds.Load())
	assert.Equal(t, 1, hub.Cached())
}

func TestConcurrentResolveKeepsOneAdapter(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	var built []*fakeAdapter
	require.NoError(t, r.Register(spec("yolo/v8s:detect", TaskDetect, "yolov8s.pt", func(s Spec) (Adapter, error) {
		a := &fakeAdapter{task: s.Task}
		mu.Lock()
		built = append(built, a)
		mu.Unlock()
		return a, nil
	})))
	hub := NewHub(r, fallbackFactory, discardLogger())

	var wg sync.WaitGroup
	results := make([]Adapter, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := hub.Resolve(context.Background(), "yolo/v8s:detect")
			assert.NoError(t, err)
			results[i] = a
		}(i)
	}
	wg.Wait()

	for _, a := range results[1:] {
		assert.Same(t, results[0], a)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, a := range built {
		if a != results[0] {
			assert.True(t, a.closed.Load(), "losing adapter must be closed")
		}
	}
}

func TestHubClose(t *testing.T) {
	hub := NewHub(NewRegistry(), fallbackFactory, discardLogger())
	a, _ := hub.LoadSafe(context.Background(), "missing", LegacyPose)

	require.NoError(t, hub.Close())
	assert.True(t, a.(*fakeAdapter).closed.Load())
	assert.Equal(t, 0, hub.Cached())
}

func TestPersistedModelType(t *testing.T) {
	assert.Equal(t, "objectDetection", PersistedModelType(TaskDetect))
	assert.Equal(t, "segment", PersistedModelType(TaskSegment))
	assert.Equal(t, "pose", PersistedModelType(TaskPose))
}
