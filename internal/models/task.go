package models

import "fmt"

// Task identifies what kind of output a model produces
type Task string

const (
	TaskDetect   Task = "detect"
	TaskSegment  Task = "segment"
	TaskPose     Task = "pose"
	TaskClassify Task = "classify"
	TaskTrack    Task = "track"
	TaskDepth    Task = "depth"
	TaskNormals  Task = "normals"
	TaskCustom   Task = "custom"
)

var knownTasks = map[Task]bool{
	TaskDetect:   true,
	TaskSegment:  true,
	TaskPose:     true,
	TaskClassify: true,
	TaskTrack:    true,
	TaskDepth:    true,
	TaskNormals:  true,
	TaskCustom:   true,
}

// ParseTask validates a task name
func ParseTask(s string) (Task, error) {
	t := Task(s)
	if !knownTasks[t] {
		return "", fmt.Errorf("unknown model task %q", s)
	}
	return t, nil
}

// String implements fmt.Stringer
func (t Task) String() string {
	return string(t)
}

// PersistedModelType is the model type stored with detection events.
// Detection keeps its historical name so existing queries and stats keep working.
func PersistedModelType(t Task) string {
	if t == TaskDetect {
		return LegacyObjectDetection
	}
	return string(t)
}
