package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lookout/internal/models"
)

const (
	ProviderHTTP = "http"
	ProviderGRPC = "grpc"

	defaultTimeout    = 15 * time.Second
	defaultConfidence = 0.25
)

// Config selects the inference transport
type Config struct {
	Provider   string
	Endpoint   string
	Timeout    time.Duration
	Confidence float32
}

func (c Config) withDefaults() Config {
	if c.Provider == "" {
		c.Provider = ProviderHTTP
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Confidence <= 0 {
		c.Confidence = defaultConfidence
	}
	return c
}

// Factory returns the models.Factory building adapters on the configured transport
func Factory(cfg Config) models.Factory {
	cfg = cfg.withDefaults()
	return func(spec models.Spec) (models.Adapter, error) {
		if cfg.Endpoint == "" {
			return nil, errors.New("inference endpoint is not configured")
		}
		switch cfg.Provider {
		case ProviderHTTP:
			return NewHTTP(spec, cfg), nil
		case ProviderGRPC:
			a, err := NewGRPC(spec, cfg)
			if err != nil {
				return nil, err
			}
			return a, nil
		default:
			return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
		}
	}
}

// Fallback returns the factory for last-resort models. When the transport cannot be
// built it returns an adapter that reports the construction error on every call.
func Fallback(cfg Config) models.FallbackFactory {
	build := Factory(cfg)
	return func(spec models.Spec) models.Adapter {
		a, err := build(spec)
		if err != nil {
			return &unavailable{task: spec.Task, err: err}
		}
		return a
	}
}

// catalogue lists the yolo models every deployment knows about
var catalogue = []struct {
	version string
	task    models.Task
	suffix  string
}{
	{"v8n", models.TaskDetect, ""},
	{"v8s", models.TaskDetect, ""},
	{"v8n", models.TaskSegment, "-seg"},
	{"v8s", models.TaskSegment, "-seg"},
	{"v8n", models.TaskPose, "-pose"},
	{"v8s", models.TaskPose, "-pose"},
	{"v8n", models.TaskClassify, "-cls"},
	{"v8s", models.TaskClassify, "-cls"},
}

// DefaultSpecs returns the built-in yolo catalogue bound to factory
func DefaultSpecs(factory models.Factory) []models.Spec {
	specs := make([]models.Spec, 0, len(catalogue))
	for _, c := range catalogue {
		specs = append(specs, models.Spec{
			Key:      fmt.Sprintf("yolo/%s:%s", c.version, c.task),
			Provider: "yolo",
			Version:  c.version,
			Task:     c.task,
			Weights:  "yolo" + c.version + c.suffix + ".pt",
			Factory:  factory,
		})
	}
	return specs
}

// RegisterDefaults registers the built-in catalogue. Keys that already exist are kept.
func RegisterDefaults(reg *models.Registry, cfg Config) error {
	factory := Factory(cfg)
	var errs []error
	for _, spec := range DefaultSpecs(factory) {
		if err := reg.Register(spec); err != nil && !errors.Is(err, models.ErrDuplicateKey) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ParseProvider validates a provider name
func ParseProvider(s string) (string, error) {
	switch p := strings.ToLower(strings.TrimSpace(s)); p {
	case ProviderHTTP, ProviderGRPC:
		return p, nil
	default:
		return "", fmt.Errorf("unknown inference provider %q", s)
	}
}

type unavailable struct {
	task models.Task
	err  error
}

func (u *unavailable) Task() models.Task { return u.task }

func (u *unavailable) Predict(ctx context.Context, frame []byte) (*models.Result, error) {
	return nil, u.err
}

func (u *unavailable) Warmup(ctx context.Context) error { return u.err }

func (u *unavailable) Close() error { return nil }
