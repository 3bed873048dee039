// Package processor turns raw inference results into annotated frames and detection events.
package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"math"
	"time"

	"lookout/internal/models"
)

// Observer receives per-frame signals from the engine
type Observer interface {
	RecordDetection(resource, class, task string, confidence float64)
	ObserveProcessing(resource, task string, d time.Duration)
}

// Sighting is an emitted detection event candidate
type Sighting struct {
	Class      string
	Confidence float32
}

// Output is the result of processing one frame
type Output struct {
	Frame  []byte // annotated JPEG
	Width  int
	Height int
	Events []Sighting
	// Classes lists every class drawn on the frame, in result order
	Classes []string
}

// Engine annotates frames and applies the event policy and cooldown
type Engine struct {
	policy   EventPolicy
	cooldown *Cooldown
	observer Observer
	now      func() time.Time
	quality  int
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithObserver attaches metrics
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithPolicy replaces the default event policy
func WithPolicy(p EventPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithCooldown changes the cooldown window
func WithCooldown(window time.Duration) Option {
	return func(e *Engine) { e.cooldown = NewCooldown(window) }
}

// NewEngine creates an engine with the default policy and a 10s cooldown
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		policy:   DefaultEventPolicy(),
		cooldown: NewCooldown(DefaultCooldown),
		now:      time.Now,
		quality:  85,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Forget drops the cooldown state of a resource
func (e *Engine) Forget(resource string) {
	e.cooldown.Forget(resource)
}

// Process draws every capability present in result onto a copy of frame and returns
// the annotated JPEG plus the events that passed the policy and the cooldown.
func (e *Engine) Process(frame []byte, result *models.Result, resource string, task models.Task) (*Output, error) {
	start := time.Now()
	if e.observer != nil {
		defer func() {
			e.observer.ObserveProcessing(resource, string(task), time.Since(start))
		}()
	}

	src, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	bounds := src.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(img, img.Bounds(), src, bounds.Min, draw.Src)

	out := &Output{Width: bounds.Dx(), Height: bounds.Dy()}

	if result.HasKeypoints() {
		for _, pose := range result.Keypoints {
			drawPose(img, pose)
		}
	}

	if result.HasMasks() {
		for _, mask := range result.Masks {
			drawMask(img, result, mask)
		}
	}

	if result.HasBoxes() {
		now := e.now()
		for _, box := range result.Boxes {
			class := result.ClassName(box.ClassID)
			c := colorFor(class)

			x1, y1 := clamp(box.X1, out.Width), clamp(box.Y1, out.Height)
			x2, y2 := clamp(box.X2, out.Width), clamp(box.Y2, out.Height)
			drawBox(img, x1, y1, x2-x1, y2-y1, c, 2)
			labelY := y1 - 14
			if labelY < 0 {
				labelY = 0
			}
			drawLabel(img, x1, labelY, fmt.Sprintf("%s %.2f", class, box.Confidence), labelTextColor)
			out.Classes = append(out.Classes, class)

			if !e.policy.EventWorthy(class, task) {
				continue
			}
			if e.observer != nil {
				e.observer.RecordDetection(resource, class, string(task), float64(box.Confidence))
			}
			if e.cooldown.Observe(resource, class, now) {
				out.Events = append(out.Events, Sighting{Class: class, Confidence: box.Confidence})
			}
		}
	}

	drawLabel(img, 10, 20, fmt.Sprintf("%dx%d", out.Width, out.Height), labelTextColor)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	out.Frame = buf.Bytes()

	return out, nil
}

// drawPose renders one keypoint instance. Instances that are not full COCO
// skeletons or carry unusable coordinates are skipped.
func drawPose(img *image.RGBA, pose models.Pose) {
	if len(pose.Points) < cocoKeypoints {
		return
	}
	for _, kp := range pose.Points {
		if !usable(kp.X) || !usable(kp.Y) {
			return
		}
	}

	for _, kp := range pose.Points {
		if kp.Conf > keypointThreshold {
			drawDot(img, int(kp.X), int(kp.Y), 4, keypointColor)
		}
	}
	for _, pair := range skeleton {
		a, b := pose.Points[pair[0]-1], pose.Points[pair[1]-1]
		if a.Conf > keypointThreshold && b.Conf > keypointThreshold {
			drawLine(img, int(a.X), int(a.Y), int(b.X), int(b.Y), skeletonColor)
		}
	}
}

// drawMask tints one segmentation instance if its class has an overlay color
func drawMask(img *image.RGBA, result *models.Result, mask models.Mask) {
	if !mask.Valid() {
		return
	}
	class := result.ClassName(mask.ClassID)
	c, ok := classColors[class]
	if !ok {
		return
	}
	blendMask(img, mask.Data, mask.Width, mask.Height, c)
}

func clamp(v float32, limit int) int {
	if !usable(v) || v < 0 {
		return 0
	}
	if int(v) > limit {
		return limit
	}
	return int(v)
}

// usable rejects NaN, infinities and coordinates far outside any real frame
func usable(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && math.Abs(f) < 1e5
}
