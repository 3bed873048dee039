package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"lookout/internal/lifecycle"
	"lookout/internal/models"
	"lookout/internal/processor"
	"lookout/internal/source"
	"lookout/internal/worker"
)

var videoExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
	".avi": true,
	".mkv": true,
}

// analysisModelTypes are the model types a video job accepts
var analysisModelTypes = map[string]bool{
	models.LegacyObjectDetection: true,
	models.LegacySegmentation:    true,
	models.LegacyPose:            true,
}

// Archiver copies uploaded videos to object storage
type Archiver interface {
	ArchiveVideo(ctx context.Context, jobID, filename, filePath string) (string, error)
}

// VideoOptions configures the video service
type VideoOptions struct {
	UploadsDir     string
	MaxUploadBytes int64
	// Archiver is optional
	Archiver Archiver
}

// Videos handles uploads and file analysis jobs
type Videos struct {
	deps     Deps
	opts     VideoOptions
	registry *lifecycle.Registry[string]
	engine   *processor.Engine
	scope    Scope
	logger   *slog.Logger

	mu      sync.Mutex
	cameras map[string]*int64
}

// NewVideos creates the video service and its uploads directory. scope may be nil.
func NewVideos(deps Deps, opts VideoOptions, registry *lifecycle.Registry[string], scope Scope) (*Videos, error) {
	deps.applyDefaults()
	if opts.UploadsDir == "" {
		return nil, errors.New("uploads directory is required")
	}
	if err := os.MkdirAll(opts.UploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}
	return &Videos{
		deps:     deps,
		opts:     opts,
		registry: registry,
		engine:   deps.engine(scope),
		scope:    scope,
		logger:   deps.Logger.With("component", "videos"),
		cameras:  make(map[string]*int64),
	}, nil
}

// Upload is a stored video waiting for analysis
type Upload struct {
	JobID     string `json:"job_id"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	ObjectKey string `json:"object_key,omitempty"`
}

// Upload stores a video under a new job id
func (v *Videos) Upload(ctx context.Context, filename string, r io.Reader) (*Upload, error) {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(name))
	if !videoExtensions[ext] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFile, ext)
	}

	jobID := uuid.NewString()
	path := filepath.Join(v.opts.UploadsDir, jobID+"_"+name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}

	src := r
	if v.opts.MaxUploadBytes > 0 {
		src = io.LimitReader(r, v.opts.MaxUploadBytes+1)
	}
	size, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && v.opts.MaxUploadBytes > 0 && size > v.opts.MaxUploadBytes {
		err = ErrUploadTooLarge
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrUploadTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	upload := &Upload{JobID: jobID, Filename: name, Size: size}
	if v.opts.Archiver != nil {
		key, err := v.opts.Archiver.ArchiveVideo(ctx, jobID, name, path)
		if err != nil {
			v.logger.Warn("failed to archive upload", "job_id", jobID, "error", err)
		} else {
			upload.ObjectKey = key
		}
	}

	v.logger.Info("video uploaded", "job_id", jobID, "filename", name, "bytes", size)
	return upload, nil
}

// AnalyzeRequest starts a job over an uploaded video
type AnalyzeRequest struct {
	JobID     string
	ModelType string
	// CameraID attributes the job's events to a camera
	CameraID *int64
}

// AnalyzeResult describes the outcome of an analyze request
type AnalyzeResult struct {
	Status    string `json:"status"`
	JobID     string `json:"job_id"`
	ModelType string `json:"model_type"`
	ModelKey  string `json:"model_key,omitempty"`
	CameraID  *int64 `json:"camera_id"`
}

// Analyze starts the analysis worker for an uploaded video
func (v *Videos) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error) {
	modelType := req.ModelType
	if modelType == "" {
		modelType = models.LegacyObjectDetection
	}
	if !analysisModelTypes[modelType] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModelType, modelType)
	}

	path, err := v.uploadPath(req.JobID)
	if err != nil {
		return nil, err
	}

	var cameraName string
	if req.CameraID != nil {
		cam, err := v.deps.Store.GetCamera(ctx, *req.CameraID)
		if err != nil {
			return nil, ErrCameraNotFound
		}
		cameraName = cam.Name
	}

	result := &AnalyzeResult{JobID: req.JobID, ModelType: modelType, CameraID: req.CameraID}
	if v.registry.Running(req.JobID) {
		result.Status = string(lifecycle.StatusAlreadyRunning)
		return result, nil
	}

	key, legacy, err := v.deps.resolveModel(modelType)
	if err != nil {
		return nil, err
	}

	cfg := v.deps.Source
	cfg.Kind = source.KindFile
	cfg.Location = path
	cfg.Logger = v.deps.Logger
	src, err := v.deps.NewSource(cfg)
	if err != nil {
		return nil, &lifecycle.SourceError{ID: req.JobID, Err: err}
	}

	adapter, resolved := v.deps.Hub.LoadSafe(ctx, key, legacy)
	result.ModelKey = resolved

	var rec worker.Recorder
	if v.scope != nil {
		rec = v.scope
	}
	w, err := worker.New(worker.Config[string]{
		ID:         req.JobID,
		Kind:       worker.KindJob,
		Source:     src,
		Adapter:    adapter,
		Engine:     v.engine,
		Frames:     v.registry.Frames(),
		Sink:       v.deps.Sink,
		Publisher:  v.deps.Publisher,
		Recorder:   rec,
		Logger:     v.deps.Logger,
		CameraID:   req.CameraID,
		CameraName: cameraName,
		JobID:      req.JobID,
	})
	if err != nil {
		return nil, err
	}

	status, err := v.registry.Start(ctx, req.JobID, w)
	if err != nil {
		return nil, err
	}
	if status == lifecycle.StatusStarted {
		v.mu.Lock()
		v.cameras[req.JobID] = req.CameraID
		v.mu.Unlock()
	}

	result.Status = string(status)
	v.logger.Info("analysis requested", "job_id", req.JobID, "model_key", resolved, "status", status)
	return result, nil
}

// uploadPath finds the stored file of a job
func (v *Videos) uploadPath(jobID string) (string, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return "", ErrUploadNotFound
	}
	matches, err := filepath.Glob(filepath.Join(v.opts.UploadsDir, jobID+"_*"))
	if err != nil || len(matches) == 0 {
		return "", ErrUploadNotFound
	}
	return matches[0], nil
}

// JobStatus is the progress report of a job
type JobStatus struct {
	JobID    string  `json:"job_id"`
	State    string  `json:"state"`
	Running  bool    `json:"running"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
	CameraID *int64  `json:"camera_id"`
}

// Status reports a job. Unknown jobs report as not running with no progress.
func (v *Videos) Status(jobID string) JobStatus {
	snap := v.registry.Status(jobID)
	v.mu.Lock()
	cameraID := v.cameras[jobID]
	v.mu.Unlock()
	return JobStatus{
		JobID:    jobID,
		State:    string(snap.State),
		Running:  snap.Running,
		Progress: snap.Progress,
		Error:    snap.Error,
		CameraID: cameraID,
	}
}

// LatestFrame returns the most recent annotated frame of a job
func (v *Videos) LatestFrame(jobID string) ([]byte, bool) {
	return v.registry.Frames().GetLatest(jobID)
}

// Stop stops a job. Stopping an unknown job is not an error.
func (v *Videos) Stop(jobID string) (lifecycle.Status, error) {
	status, err := v.registry.Stop(jobID)
	v.engine.Forget(jobID)
	v.mu.Lock()
	delete(v.cameras, jobID)
	v.mu.Unlock()
	return status, err
}

// StopAll stops every job
func (v *Videos) StopAll() []string {
	ids := v.registry.IDs()
	v.registry.StopAll()
	v.forget(ids)
	return ids
}

// Shutdown refuses further analysis requests and stops every job
func (v *Videos) Shutdown() {
	ids := v.registry.IDs()
	v.registry.Close()
	v.forget(ids)
}

func (v *Videos) forget(ids []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		v.engine.Forget(id)
		delete(v.cameras, id)
	}
}

// Running returns the ids of jobs with a worker
func (v *Videos) Running() []string {
	return v.registry.IDs()
}
