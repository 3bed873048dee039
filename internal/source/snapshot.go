package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// minPollInterval caps the polling rate of snapshot cameras
const minPollInterval = 100 * time.Millisecond

// Snapshot polls an HTTP endpoint that returns one JPEG per request
type Snapshot struct {
	cfg      Config
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration

	pending []byte
	last    time.Time
	index   int
}

// NewSnapshot creates an unopened polling source
func NewSnapshot(cfg Config) *Snapshot {
	cfg.applyDefaults()
	interval := time.Second / time.Duration(cfg.FPS)
	if interval < minPollInterval {
		interval = minPollInterval
	}
	return &Snapshot{
		cfg:      cfg,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger.With("component", "source", "kind", "snapshot"),
		interval: interval,
	}
}

// Open fetches the first image to prove the endpoint works
func (s *Snapshot) Open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()

	data, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	s.pending = data
	s.last = time.Now()
	s.logger.Info("snapshot polling started", "location", s.cfg.Location, "interval", s.interval)
	return nil
}

// Read waits for the next poll slot and fetches an image.
// Fetch failures are returned as errors; the stream never ends on its own.
func (s *Snapshot) Read(ctx context.Context) (Frame, error) {
	if s.pending != nil {
		data := s.pending
		s.pending = nil
		return s.frame(data), nil
	}

	if wait := s.interval - time.Since(s.last); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Frame{}, ctx.Err()
		}
	}
	s.last = time.Now()

	data, err := s.fetch(ctx)
	if err != nil {
		return Frame{}, err
	}
	return s.frame(data), nil
}

// Close is a no-op; there is no long-lived connection
func (s *Snapshot) Close() error {
	return nil
}

func (s *Snapshot) frame(data []byte) Frame {
	s.index++
	return Frame{Data: data, Index: s.index, Timestamp: time.Now()}
}

func (s *Snapshot) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Location, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch frame from %s: %w", s.cfg.Location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	if frame := extractJPEGFrame(&data); frame != nil {
		return frame, nil
	}
	return nil, fmt.Errorf("response from %s is not a JPEG", s.cfg.Location)
}
