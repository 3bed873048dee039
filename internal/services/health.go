package services

import (
	"context"
	"fmt"
	"time"
)

// Pinger checks a dependency
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health implements the liveness and readiness probes
type Health struct {
	db Pinger
}

// NewHealth creates the health service
func NewHealth(db Pinger) *Health {
	return &Health{db: db}
}

// Healthz is the liveness probe. The service is alive if it can answer.
func (h *Health) Healthz(ctx context.Context) error {
	return nil
}

// Readyz is the readiness probe. The database must answer within two seconds.
func (h *Health) Readyz(ctx context.Context) error {
	if h.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		return fmt.Errorf("database not ready: %w", err)
	}
	return nil
}
