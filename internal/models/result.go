package models

import "fmt"

// Box is a single bounding box detection in frame pixel coordinates
type Box struct {
	ClassID    int     `json:"class_id"`
	Confidence float32 `json:"confidence"`
	X1         float32 `json:"x1"`
	Y1         float32 `json:"y1"`
	X2         float32 `json:"x2"`
	Y2         float32 `json:"y2"`
}

// Mask is a binary segmentation mask for one instance.
// Data is row-major with one byte per cell; any non-zero value is inside the mask.
// The mask is scaled onto the frame, so its resolution may differ from the frame's.
type Mask struct {
	ClassID int     `json:"class_id"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	Data    []uint8 `json:"data"`
}

// MaxMaskSide bounds each mask dimension
const MaxMaskSide = 16384

// Valid reports whether the mask dimensions match its data
func (m Mask) Valid() bool {
	if m.Width <= 0 || m.Height <= 0 || m.Width > MaxMaskSide || m.Height > MaxMaskSide {
		return false
	}
	return len(m.Data)%m.Width == 0 && len(m.Data)/m.Width == m.Height
}

// Keypoint is one pose landmark in frame pixel coordinates
type Keypoint struct {
	X    float32 `json:"x"`
	Y    float32 `json:"y"`
	Conf float32 `json:"conf"`
}

// Pose is the keypoint set of one detected instance
type Pose struct {
	Points []Keypoint `json:"points"`
}

// Result is the raw output of one inference call.
// Each capability is present when its slice is non-nil; several may be set at once.
type Result struct {
	Names     map[int]string `json:"names"`
	Boxes     []Box          `json:"boxes,omitempty"`
	Masks     []Mask         `json:"masks,omitempty"`
	Keypoints []Pose         `json:"keypoints,omitempty"`
}

// HasBoxes reports whether the result carries bounding boxes
func (r *Result) HasBoxes() bool { return r != nil && r.Boxes != nil }

// HasMasks reports whether the result carries segmentation masks
func (r *Result) HasMasks() bool { return r != nil && r.Masks != nil }

// HasKeypoints reports whether the result carries pose keypoints
func (r *Result) HasKeypoints() bool { return r != nil && r.Keypoints != nil }

// ClassName looks up the label for a class id
func (r *Result) ClassName(id int) string {
	if r != nil {
		if name, ok := r.Names[id]; ok {
			return name
		}
	}
	return fmt.Sprintf("class_%d", id)
}
