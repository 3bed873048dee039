package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrDuplicateKey         = errors.New("model key already registered")
	ErrUnknownKey           = errors.New("unknown model key")
	ErrUnsupportedModelType = errors.New("unsupported model_type")
)

// Registry manages the available model specs
type Registry struct {
	specs map[string]Spec
	mu    sync.RWMutex
}

// NewRegistry creates an empty model registry
func NewRegistry() *Registry {
	return &Registry{
		specs: make(map[string]Spec),
	}
}

// Register adds a spec to the registry. Existing keys are never overwritten.
func (r *Registry) Register(spec Spec) error {
	if spec.Key == "" {
		return fmt.Errorf("model key cannot be empty")
	}
	if spec.Factory == nil {
		return fmt.Errorf("model %q has no factory", spec.Key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Key]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, spec.Key)
	}

	r.specs[spec.Key] = spec
	return nil
}

// Get returns the spec registered under key
func (r *Registry) Get(key string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[key]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return spec, nil
}

// All returns every registered spec sorted by key
func (r *Registry) All() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// Filter returns the specs matching provider, task and a case-insensitive key substring.
// Empty arguments match everything.
func (r *Registry) Filter(provider string, task string, substr string) []Spec {
	substr = strings.ToLower(substr)

	all := r.All()
	result := make([]Spec, 0, len(all))
	for _, s := range all {
		if provider != "" && s.Provider != provider {
			continue
		}
		if task != "" && string(s.Task) != task {
			continue
		}
		if substr != "" && !strings.Contains(strings.ToLower(s.Key), substr) {
			continue
		}
		result = append(result, s)
	}
	return result
}

// Len returns the number of registered specs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}
