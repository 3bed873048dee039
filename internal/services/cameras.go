package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"lookout/internal/database"
	"lookout/internal/lifecycle"
	"lookout/internal/processor"
	"lookout/internal/source"
	"lookout/internal/worker"
)

// Cameras manages the camera catalogue and the live camera workers
type Cameras struct {
	deps     Deps
	registry *lifecycle.Registry[int64]
	engine   *processor.Engine
	scope    Scope
	logger   *slog.Logger
}

// NewCameras creates the camera service. scope may be nil.
func NewCameras(deps Deps, registry *lifecycle.Registry[int64], scope Scope) *Cameras {
	deps.applyDefaults()
	return &Cameras{
		deps:     deps,
		registry: registry,
		engine:   deps.engine(scope),
		scope:    scope,
		logger:   deps.Logger.With("component", "cameras"),
	}
}

// Create validates and stores a camera
func (c *Cameras) Create(ctx context.Context, cam *database.Camera) error {
	cam.Name = strings.TrimSpace(cam.Name)
	cam.Stream = strings.TrimSpace(cam.Stream)
	if cam.Name == "" || cam.Stream == "" {
		return fmt.Errorf("%w: source_name and stream are required", ErrInvalidCamera)
	}
	kind, err := source.ParseKind(cam.StreamType)
	if err != nil || kind == source.KindFile {
		return fmt.Errorf("%w: stream_type must be live, rtsp or http", ErrInvalidCamera)
	}
	cam.StreamType = string(kind)

	if err := c.deps.Store.CreateCamera(ctx, cam); err != nil {
		return err
	}
	c.logger.Info("camera created", "camera_id", cam.ID, "name", cam.Name, "stream_type", cam.StreamType)
	return nil
}

// Get returns one camera
func (c *Cameras) Get(ctx context.Context, id int64) (*database.Camera, error) {
	cam, err := c.deps.Store.GetCamera(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrCameraNotFound
	}
	return cam, err
}

// List returns the cameras of one stream type, or all of them when streamType is empty
func (c *Cameras) List(ctx context.Context, streamType string) ([]*database.Camera, error) {
	return c.deps.Store.ListCameras(ctx, streamType)
}

// Delete stops the camera worker if any and removes the camera
func (c *Cameras) Delete(ctx context.Context, id int64) error {
	if c.registry.Running(id) {
		if _, err := c.Stop(id); err != nil {
			c.logger.Warn("camera worker did not stop cleanly before delete", "camera_id", id, "error", err)
		}
	}
	err := c.deps.Store.DeleteCamera(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return ErrCameraNotFound
	}
	return err
}

// Start launches the worker for one camera
func (c *Cameras) Start(ctx context.Context, id int64, modelType string) (*StartResult, error) {
	cam, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.start(ctx, cam, modelType)
}

func (c *Cameras) start(ctx context.Context, cam *database.Camera, modelType string) (*StartResult, error) {
	result := &StartResult{ID: strconv.FormatInt(cam.ID, 10)}
	if c.registry.Running(cam.ID) {
		result.Status = string(lifecycle.StatusAlreadyRunning)
		return result, nil
	}

	key, legacy, err := c.deps.resolveModel(modelType)
	if err != nil {
		return nil, err
	}
	kind, err := source.ParseKind(cam.StreamType)
	if err != nil {
		return nil, err
	}

	cfg := c.deps.Source
	cfg.Kind = kind
	cfg.Location = cam.Stream
	cfg.Logger = c.deps.Logger
	src, err := c.deps.NewSource(cfg)
	if err != nil {
		return nil, &lifecycle.SourceError{ID: result.ID, Err: err}
	}

	adapter, resolved := c.deps.Hub.LoadSafe(ctx, key, legacy)
	result.ModelKey = resolved

	var rec worker.Recorder
	if c.scope != nil {
		rec = c.scope
	}
	cameraID := cam.ID
	w, err := worker.New(worker.Config[int64]{
		ID:         cam.ID,
		Kind:       worker.KindCamera,
		Source:     src,
		Adapter:    adapter,
		Engine:     c.engine,
		Frames:     c.registry.Frames(),
		Sink:       c.deps.Sink,
		Publisher:  c.deps.Publisher,
		Recorder:   rec,
		Logger:     c.deps.Logger,
		CameraID:   &cameraID,
		CameraName: cam.Name,
	})
	if err != nil {
		return nil, err
	}

	status, err := c.registry.Start(ctx, cam.ID, w)
	if err != nil {
		return nil, err
	}
	result.Status = string(status)
	c.logger.Info("camera start requested", "camera_id", cam.ID, "model_key", resolved, "status", status)
	return result, nil
}

// StartAllResult reports which live cameras were started
type StartAllResult struct {
	ModelKey string           `json:"model_key,omitempty"`
	Started  []int64          `json:"started"`
	Failed   map[int64]string `json:"failed,omitempty"`
}

// StartAllLive starts every live camera that is not already running
func (c *Cameras) StartAllLive(ctx context.Context, modelType string) (*StartAllResult, error) {
	if _, _, err := c.deps.resolveModel(modelType); err != nil {
		return nil, err
	}
	cams, err := c.deps.Store.ListCameras(ctx, string(source.KindLive))
	if err != nil {
		return nil, err
	}

	idle := lo.Filter(cams, func(cam *database.Camera, _ int) bool {
		return !c.registry.Running(cam.ID)
	})

	result := &StartAllResult{Started: []int64{}}
	for _, cam := range idle {
		res, err := c.start(ctx, cam, modelType)
		if err != nil {
			if result.Failed == nil {
				result.Failed = make(map[int64]string)
			}
			result.Failed[cam.ID] = err.Error()
			c.logger.Warn("failed to start live camera", "camera_id", cam.ID, "error", err)
			continue
		}
		if res.Status == string(lifecycle.StatusStarted) {
			result.Started = append(result.Started, cam.ID)
			result.ModelKey = res.ModelKey
		}
	}
	return result, nil
}

// Stop stops one camera worker and resets its cooldown state
func (c *Cameras) Stop(id int64) (lifecycle.Status, error) {
	status, err := c.registry.Stop(id)
	c.engine.Forget(strconv.FormatInt(id, 10))
	return status, err
}

// StopAll stops every camera worker
func (c *Cameras) StopAll() []int64 {
	ids := c.registry.IDs()
	c.registry.StopAll()
	for _, id := range ids {
		c.engine.Forget(strconv.FormatInt(id, 10))
	}
	return ids
}

// Shutdown refuses further starts and stops every camera worker
func (c *Cameras) Shutdown() {
	ids := c.registry.IDs()
	c.registry.Close()
	for _, id := range ids {
		c.engine.Forget(strconv.FormatInt(id, 10))
	}
}

// LatestFrame returns the most recent annotated frame of a camera
func (c *Cameras) LatestFrame(id int64) ([]byte, bool) {
	return c.registry.Frames().GetLatest(id)
}

// Status returns the worker state of a camera
func (c *Cameras) Status(id int64) lifecycle.Snapshot {
	return c.registry.Status(id)
}

// Running returns the ids of cameras with a worker
func (c *Cameras) Running() []int64 {
	return c.registry.IDs()
}
