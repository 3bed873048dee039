package processor

import (
	"image/color"

	"lookout/internal/models"
)

var (
	defaultColor   = color.RGBA{200, 200, 200, 255}
	keypointColor  = color.RGBA{0, 255, 0, 255}
	skeletonColor  = color.RGBA{255, 255, 0, 255}
	labelTextColor = color.RGBA{255, 255, 255, 255}
)

// classColors is the overlay color per class. Only these classes get segmentation tints.
var classColors = map[string]color.RGBA{
	"person":       {255, 0, 0, 255},
	"bottle":       {0, 255, 0, 255},
	"potted plant": {0, 0, 255, 255},
}

// skeleton lists the COCO keypoint pairs (1-based) joined by a line
var skeleton = [][2]int{
	{16, 14}, {14, 12}, {17, 15}, {15, 13}, {12, 13}, {6, 12}, {7, 13}, {6, 7}, {6, 8},
	{7, 9}, {8, 10}, {9, 11}, {2, 3}, {1, 2}, {1, 3}, {2, 4}, {3, 5}, {4, 6}, {5, 7},
}

const (
	cocoKeypoints     = 17
	keypointThreshold = 0.5
)

// EventPolicy decides which classes produce detection events.
// A class maps to the tasks it is event-worthy for; an empty task list means always.
type EventPolicy map[string][]models.Task

// DefaultEventPolicy reports every person, and bottles only from plain detection models
func DefaultEventPolicy() EventPolicy {
	return EventPolicy{
		"person": nil,
		"bottle": {models.TaskDetect},
	}
}

// EventWorthy reports whether a sighting of class under task should be considered for an event
func (p EventPolicy) EventWorthy(class string, task models.Task) bool {
	tasks, ok := p[class]
	if !ok {
		return false
	}
	if len(tasks) == 0 {
		return true
	}
	for _, t := range tasks {
		if t == task {
			return true
		}
	}
	return false
}

func colorFor(class string) color.RGBA {
	if c, ok := classColors[class]; ok {
		return c
	}
	return defaultColor
}
