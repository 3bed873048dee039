// Package services implements the camera, video, health and system operations behind the HTTP API.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lookout/internal/database"
	"lookout/internal/events"
	"lookout/internal/models"
	"lookout/internal/processor"
	"lookout/internal/source"
	"lookout/internal/worker"
)

var (
	ErrCameraNotFound   = errors.New("camera not found")
	ErrInvalidModelType = errors.New("invalid model type")
	ErrUploadNotFound   = errors.New("uploaded video not found")
	ErrUnsupportedFile  = errors.New("unsupported file type")
	ErrUploadTooLarge   = errors.New("upload exceeds the size limit")
	ErrInvalidCamera    = errors.New("invalid camera")
)

// CameraStore is the camera catalogue
type CameraStore interface {
	CreateCamera(ctx context.Context, c *database.Camera) error
	GetCamera(ctx context.Context, id int64) (*database.Camera, error)
	ListCameras(ctx context.Context, streamType string) ([]*database.Camera, error)
	DeleteCamera(ctx context.Context, id int64) error
}

// Scope receives engine and worker signals for one resource kind
type Scope interface {
	processor.Observer
	worker.Recorder
}

// SourceFactory builds a frame source
type SourceFactory func(cfg source.Config) (source.Source, error)

// Deps are the collaborators shared by the camera and video services
type Deps struct {
	Hub       *models.Hub
	Store     CameraStore
	Sink      events.Sink
	Publisher worker.Publisher
	// Source is the template for every source, Kind and Location are filled per resource
	Source    source.Config
	NewSource SourceFactory
	Cooldown  time.Duration
	// DefaultModelType is used when a start request names no model
	DefaultModelType string
	Logger           *slog.Logger
}

func (d *Deps) applyDefaults() {
	if d.NewSource == nil {
		d.NewSource = source.New
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.DefaultModelType == "" {
		d.DefaultModelType = models.LegacyObjectDetection
	}
	if d.Sink == nil {
		d.Sink = events.NewFanout()
	}
}

func (d *Deps) engine(scope Scope) *processor.Engine {
	opts := []processor.Option{processor.WithCooldown(d.Cooldown)}
	if scope != nil {
		opts = append(opts, processor.WithObserver(scope))
	}
	return processor.NewEngine(opts...)
}

// resolveModel turns a request model type into a registry key and the legacy name used
// when that key cannot be loaded. Both legacy names and registry keys are accepted.
func (d *Deps) resolveModel(modelType string) (key, legacy string, err error) {
	if modelType == "" {
		modelType = d.DefaultModelType
	}
	if models.IsLegacyName(modelType) {
		key, err := models.ResolveLegacyName(modelType)
		if err != nil {
			return "", "", err
		}
		return key, modelType, nil
	}
	spec, err := d.Hub.Registry().Get(modelType)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidModelType, modelType)
	}
	return spec.Key, models.LegacyNameForTask(spec.Task), nil
}

// StartResult describes the outcome of a start request
type StartResult struct {
	Status   string `json:"status"`
	ID       string `json:"id"`
	ModelKey string `json:"model_key,omitempty"`
}
