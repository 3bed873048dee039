package processor

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/models"
)

var names = map[int]string{0: "person", 39: "bottle", 58: "potted plant", 2: "car"}

func testFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{40, 40, 40, 255}), image.Point{}, draw.Src)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
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

func personResult() *models.Result {
	return &models.Result{
		Names: names,
		Boxes: []models.Box{{ClassID: 0, Confidence: 0.91, X1: 10, Y1: 10, X2: 50, Y2: 90}},
	}
}

func TestCooldownFirstSightingArms(t *testing.T) {
	clock := &fakeClock{}
	e := NewEngine(WithClock(clock.Now))
	frame := testFrame(t, 160, 120)

	var emitted []time.Duration
	for _, at := range []time.Duration{0, 4 * time.Second, 11 * time.Second} {
		clock.Set(at)
		out, err := e.Process(frame, personResult(), "7", models.TaskDetect)
		require.NoError(t, err)
		require.NotEmpty(t, out.Frame)
		if len(out.Events) > 0 {
			emitted = append(emitted, at)
		}
	}

	assert.Equal(t, []time.Duration{11 * time.Second}, emitted)
}

func TestCooldownBoundary(t *testing.T) {
	c := NewCooldown(10 * time.Second)
	base := time.Now()

	assert.False(t, c.Observe("1", "person", base))
	assert.True(t, c.Observe("1", "person", base.Add(10*time.Second)), "exactly one window later emits")

	// emission disarms: the next sighting arms again
	assert.False(t, c.Observe("1", "person", base.Add(11*time.Second)))
	assert.False(t, c.Observe("1", "person", base.Add(15*time.Second)))
	assert.True(t, c.Observe("1", "person", base.Add(21*time.Second)))

	// pairs are independent
	assert.False(t, c.Observe("2", "person", base))
	assert.False(t, c.Observe("1", "bottle", base))

	c.Forget("1")
	assert.False(t, c.Observe("1", "person", base.Add(40*time.Second)))
}

func TestEventPolicy(t *testing.T) {
	p := DefaultEventPolicy()
	assert.True(t, p.EventWorthy("person", models.TaskDetect))
	assert.True(t, p.EventWorthy("person", models.TaskPose))
	assert.True(t, p.EventWorthy("bottle", models.TaskDetect))
	assert.False(t, p.EventWorthy("bottle", models.TaskSegment))
	assert.False(t, p.EventWorthy("car", models.TaskDetect))
}

func TestBottleOnlyForDetect(t *testing.T) {
	clock := &fakeClock{}
	e := NewEngine(WithClock(clock.Now))
	frame := testFrame(t, 100, 100)
	result := &models.Result{
		Names: names,
		Boxes: []models.Box{{ClassID: 39, Confidence: 0.8, X1: 5, Y1: 5, X2: 40, Y2: 40}},
	}

	for _, task := range []models.Task{models.TaskSegment, models.TaskDetect} {
		clock.Set(0)
		_, err := e.Process(frame, result, "cam", task)
		require.NoError(t, err)
		clock.Set(20 * time.Second)
		out, err := e.Process(frame, result, "cam", task)
		require.NoError(t, err)

		if task == models.TaskDetect {
			require.Len(t, out.Events, 1)
			assert.Equal(t, "bottle", out.Events[0].Class)
		} else {
			assert.Empty(t, out.Events)
		}
	}
}

func TestOverlaysCompose(t *testing.T) {
	e := NewEngine()
	frame := testFrame(t, 200, 200)

	points := make([]models.Keypoint, 17)
	for i := range points {
		points[i] = models.Keypoint{X: float32(20 + i*5), Y: float32(150), Conf: 0.9}
	}
	mask := models.Mask{ClassID: 0, Width: 4, Height: 4, Data: []uint8{
		0, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 1, 1,
		0, 0, 1, 1,
	}}
	result := &models.Result{
		Names:     names,
		Boxes:     []models.Box{{ClassID: 2, Confidence: 0.5, X1: 10, Y1: 30, X2: 60, Y2: 80}},
		Masks:     []models.Mask{mask},
		Keypoints: []models.Pose{{Points: points}},
	}

	out, err := e.Process(frame, result, "cam", models.TaskSegment)
	require.NoError(t, err)
	assert.Equal(t, 200, out.Width)
	assert.Equal(t, []string{"car"}, out.Classes)

	img := decode(t, out.Frame)

	// person mask tints the lower right quadrant red
	r, g, b, _ := img.At(170, 170).RGBA()
	assert.Greater(t, r>>8, g>>8+40)
	assert.Greater(t, r>>8, b>>8+40)

	// keypoints are green dots; the skeleton runs along y=150
	r, g, _, _ = img.At(20, 147).RGBA()
	assert.Greater(t, g>>8, r>>8+60)

	// unknown classes use the default gray box
	r, g, b, _ = img.At(10, 55).RGBA()
	assert.InDelta(t, 200, float64(r>>8), 60)
	assert.InDelta(t, 200, float64(g>>8), 60)
	assert.InDelta(t, 200, float64(b>>8), 60)
}

func TestMalformedInstancesAreSkipped(t *testing.T) {
	e := NewEngine()
	frame := testFrame(t, 80, 60)
	nan := float32(math.NaN())

	result := &models.Result{
		Names: names,
		Masks: []models.Mask{
			{ClassID: 0, Width: 10, Height: 10, Data: []uint8{1, 2, 3}},
			{ClassID: 0, Width: 0, Height: 0},
			{ClassID: 0, Width: 1 << 32, Height: 1 << 32},
		},
		Keypoints: []models.Pose{
			{Points: []models.Keypoint{{X: 1, Y: 1, Conf: 1}}},
			{Points: append(make([]models.Keypoint, 16), models.Keypoint{X: nan, Y: 3, Conf: 1})},
		},
		Boxes: []models.Box{{ClassID: 0, Confidence: 0.7, X1: -1e9, Y1: 2, X2: 1e9, Y2: 40}},
	}

	out, err := e.Process(frame, result, "cam", models.TaskPose)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Frame)
	assert.Equal(t, []string{"person"}, out.Classes)
}

func TestEmptyResultStillAnnotates(t *testing.T) {
	e := NewEngine()
	frame := testFrame(t, 64, 48)

	out, err := e.Process(frame, &models.Result{}, "cam", models.TaskDetect)
	require.NoError(t, err)
	assert.Empty(t, out.Events)
	img := decode(t, out.Frame)
	assert.Equal(t, 64, img.Bounds().Dx())

	out, err = e.Process(frame, nil, "cam", models.TaskDetect)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Frame)
}

func TestUndecodableFrame(t *testing.T) {
	_, err := NewEngine().Process([]byte("not a jpeg"), personResult(), "cam", models.TaskDetect)
	assert.Error(t, err)
}

type recordingObserver struct {
	mu         sync.Mutex
	detections []string
	frames     int
}

func (o *recordingObserver) RecordDetection(resource, class, task string, confidence float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detections = append(o.detections, resource+"/"+class+"/"+task)
}

func (o *recordingObserver) ObserveProcessing(resource, task string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames++
}

func TestObserverSignals(t *testing.T) {
	obs := &recordingObserver{}
	e := NewEngine(WithObserver(obs))
	result := &models.Result{
		Names: names,
		Boxes: []models.Box{
			{ClassID: 0, Confidence: 0.9, X1: 1, Y1: 1, X2: 10, Y2: 10},
			{ClassID: 2, Confidence: 0.9, X1: 1, Y1: 1, X2: 10, Y2: 10},
		},
	}

	_, err := e.Process(testFrame(t, 32, 32), result, "3", models.TaskDetect)
	require.NoError(t, err)

	assert.Equal(t, []string{"3/person/detect"}, obs.detections)
	assert.Equal(t, 1, obs.frames)
}
