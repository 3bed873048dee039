// Package adapters connects model specs to remote inference services over HTTP or gRPC.
package adapters

import (
	"encoding/json"
	"fmt"
	"strconv"

	"lookout/internal/models"
)

// wireResult is the JSON body returned by the inference service.
// Class names arrive as a string keyed object; masks carry base64 data.
type wireResult struct {
	Names     map[string]string `json:"names"`
	Boxes     []models.Box      `json:"boxes"`
	Masks     []models.Mask     `json:"masks"`
	Keypoints []models.Pose     `json:"keypoints"`
}

// decodeResult turns a service response into a models.Result.
// Absent capability fields stay nil so the engine skips them.
func decodeResult(data []byte) (*models.Result, error) {
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode inference response: %w", err)
	}

	names := make(map[int]string, len(w.Names))
	for k, v := range w.Names {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid class id %q in response", k)
		}
		names[id] = v
	}

	return &models.Result{
		Names:     names,
		Boxes:     w.Boxes,
		Masks:     w.Masks,
		Keypoints: w.Keypoints,
	}, nil
}
