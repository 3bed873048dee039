package models

import "fmt"

// Legacy model type names accepted by the API
const (
	LegacyObjectDetection = "objectDetection"
	LegacySegmentation    = "segmentation"
	LegacyPose            = "pose"
	LegacyClassification  = "classification"
)

var legacyKeys = map[string]string{
	LegacyObjectDetection: "yolo/v8s:detect",
	LegacySegmentation:    "yolo/v8n:segment",
	LegacyPose:            "yolo/v8n:pose",
	LegacyClassification:  "yolo/v8s:classify",
}

type fallbackDefault struct {
	weights string
	task    Task
	version string
}

var fallbackDefaults = map[string]fallbackDefault{
	LegacyObjectDetection: {weights: "yolov8s.pt", task: TaskDetect, version: "v8s"},
	LegacySegmentation:    {weights: "yolov8n-seg.pt", task: TaskSegment, version: "v8n"},
	LegacyPose:            {weights: "yolov8n-pose.pt", task: TaskPose, version: "v8n"},
	LegacyClassification:  {weights: "yolov8s-cls.pt", task: TaskClassify, version: "v8s"},
}

// ResolveLegacyName maps a legacy model type to its canonical registry key
func ResolveLegacyName(name string) (string, error) {
	key, ok := legacyKeys[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedModelType, name)
	}
	return key, nil
}

// IsLegacyName reports whether name is one of the legacy model types
func IsLegacyName(name string) bool {
	_, ok := legacyKeys[name]
	return ok
}

// FallbackSpec returns the hardcoded default model for a legacy name.
// Unknown names get the small detection model. The returned spec has no factory.
func FallbackSpec(legacyName string) Spec {
	d, ok := fallbackDefaults[legacyName]
	if !ok {
		d = fallbackDefaults[LegacyObjectDetection]
	}
	return Spec{
		Key:      fmt.Sprintf("yolo/%s:%s", d.version, d.task),
		Provider: "yolo",
		Version:  d.version,
		Task:     d.task,
		Weights:  d.weights,
	}
}

// LegacyNameForTask returns the legacy model type whose fallback matches task.
// Tasks without a legacy name map to object detection.
func LegacyNameForTask(task Task) string {
	switch task {
	case TaskSegment:
		return LegacySegmentation
	case TaskPose:
		return LegacyPose
	case TaskClassify:
		return LegacyClassification
	default:
		return LegacyObjectDetection
	}
}
