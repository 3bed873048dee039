package models

import "context"

// Adapter is the uniform wrapper around a concrete inference model
type Adapter interface {
	// Task returns the task the loaded model was built for
	Task() Task

	// Predict runs inference on one JPEG encoded frame
	Predict(ctx context.Context, frame []byte) (*Result, error)

	// Warmup makes sure the model is loaded and answering
	Warmup(ctx context.Context) error

	// Close releases the model
	Close() error
}

// Factory builds an adapter for a spec
type Factory func(spec Spec) (Adapter, error)

// Spec describes a registered model. Specs are immutable once registered.
type Spec struct {
	Key      string  `json:"key"`
	Provider string  `json:"provider"`
	Version  string  `json:"version"`
	Task     Task    `json:"task"`
	Weights  string  `json:"weights"`
	Factory  Factory `json:"-"`
}

// CacheKey identifies the loaded model behind a spec
func (s Spec) CacheKey() string {
	return string(s.Task) + ":" + s.Weights
}
