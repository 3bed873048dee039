package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Resolution stages reported by ResolutionError
const (
	StageLookup    = "lookup"
	StageConstruct = "construct"
	StageWarmup    = "warmup"
)

// ResolutionError reports which step of model resolution failed
type ResolutionError struct {
	Key   string
	Stage string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve model %q: %s failed: %v", e.Key, e.Stage, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// FallbackFactory builds the default adapter for a fallback spec. It cannot fail.
type FallbackFactory func(spec Spec) Adapter

// Hub resolves model keys to loaded adapters and keeps them cached by task and weights
type Hub struct {
	registry *Registry
	fallback FallbackFactory
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]Adapter
}

// NewHub creates a hub over registry using fallback for the last-resort models
func NewHub(registry *Registry, fallback FallbackFactory, logger *slog.Logger) *Hub {
	return &Hub{
		registry: registry,
		fallback: fallback,
		logger:   logger.With("component", "models"),
		cache:    make(map[string]Adapter),
	}
}

// Registry returns the underlying spec registry
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Resolve looks up key, builds (or reuses) its adapter and warms it up
func (h *Hub) Resolve(ctx context.Context, key string) (Adapter, error) {
	spec, err := h.registry.Get(key)
	if err != nil {
		return nil, &ResolutionError{Key: key, Stage: StageLookup, Err: err}
	}

	adapter, err := h.adapter(spec.CacheKey(), func() (Adapter, error) { return spec.Factory(spec) })
	if err != nil {
		return nil, &ResolutionError{Key: key, Stage: StageConstruct, Err: err}
	}

	if err := adapter.Warmup(ctx); err != nil {
		return nil, &ResolutionError{Key: key, Stage: StageWarmup, Err: err}
	}

	return adapter, nil
}

// LoadSafe resolves key and falls back to the default model of legacyName on any failure.
// It always returns a usable adapter together with the key it actually resolved to.
func (h *Hub) LoadSafe(ctx context.Context, key string, legacyName string) (Adapter, string) {
	adapter, err := h.Resolve(ctx, key)
	if err == nil {
		return adapter, key
	}

	spec := FallbackSpec(legacyName)
	h.logger.Warn("model resolution failed, using fallback",
		"key", key,
		"legacy_name", legacyName,
		"fallback", spec.Key,
		"error", err)

	// The fallback factory cannot fail, so the construct error is always nil here.
	adapter, _ = h.adapter(spec.CacheKey(), func() (Adapter, error) { return h.fallback(spec), nil })

	if err := adapter.Warmup(ctx); err != nil {
		h.logger.Warn("fallback warmup failed", "fallback", spec.Key, "error", err)
	}

	return adapter, spec.Key
}

// adapter returns the cached adapter for cacheKey or builds one.
// Construction runs without the lock; if two callers race, the first stored adapter wins
// and the other one is closed.
func (h *Hub) adapter(cacheKey string, build func() (Adapter, error)) (Adapter, error) {
	h.mu.Lock()
	if a, ok := h.cache[cacheKey]; ok {
		h.mu.Unlock()
		return a, nil
	}
	h.mu.Unlock()

	built, err := build()
	if err != nil {
		return nil, err
	}
	if built == nil {
		return nil, errors.New("factory returned no adapter")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.cache[cacheKey]; ok {
		if err := built.Close(); err != nil {
			h.logger.Debug("closing duplicate adapter", "cache_key", cacheKey, "error", err)
		}
		return existing, nil
	}

	h.cache[cacheKey] = built
	h.logger.Info("model adapter loaded", "cache_key", cacheKey)
	return built, nil
}

// Cached returns the number of loaded adapters
func (h *Hub) Cached() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cache)
}

// Close releases every cached adapter
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for key, a := range h.cache {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("error closing adapter %q: %w", key, err)
		}
		delete(h.cache, key)
	}
	return firstErr
}
