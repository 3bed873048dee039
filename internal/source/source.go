// Package source captures JPEG frames from cameras, network streams and video files.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Frame is one captured JPEG image
type Frame struct {
	Data []byte
	// Index is the 1-based position of the frame in the stream
	Index int
	// Total is the frame count of a file source, 0 when unknown
	Total     int
	Timestamp time.Time
}

// Source produces frames. Read returns io.EOF at the normal end of the stream.
type Source interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Kind is the stream type of a camera or job
type Kind string

const (
	KindLive Kind = "live"
	KindRTSP Kind = "rtsp"
	KindHTTP Kind = "http"
	KindFile Kind = "file"
)

// ErrUnsupportedKind is returned for unknown stream types
var ErrUnsupportedKind = errors.New("unsupported stream type")

// ParseKind validates a stream type string
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindLive, KindRTSP, KindHTTP, KindFile:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
	}
}

const (
	DefaultFPS         = 10
	DefaultOpenTimeout = 10 * time.Second
)

// Config describes where frames come from
type Config struct {
	Kind     Kind
	Location string
	FPS      int
	Width    int
	Height   int

	OpenTimeout time.Duration
	FFmpegPath  string
	FFprobePath string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFprobePath == "" {
		c.FFprobePath = "ffprobe"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New builds the source for cfg. HTTP locations that point at a still image are polled,
// everything else is captured through ffmpeg.
func New(cfg Config) (Source, error) {
	cfg.applyDefaults()
	if cfg.Location == "" {
		return nil, errors.New("source location is empty")
	}

	switch cfg.Kind {
	case KindHTTP:
		if IsSnapshotURL(cfg.Location) {
			return NewSnapshot(cfg), nil
		}
		return NewFFmpeg(cfg), nil
	case KindLive, KindRTSP, KindFile:
		return NewFFmpeg(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, cfg.Kind)
	}
}

// DevicePath maps a live camera stream value to a V4L2 device.
// A bare index such as "0" becomes /dev/video0.
func DevicePath(stream string) string {
	if n, err := strconv.Atoi(strings.TrimSpace(stream)); err == nil && n >= 0 {
		return fmt.Sprintf("/dev/video%d", n)
	}
	return stream
}

// IsSnapshotURL reports whether location serves single JPEG images rather than a stream
func IsSnapshotURL(location string) bool {
	l := strings.ToLower(location)
	if !strings.HasPrefix(l, "http://") && !strings.HasPrefix(l, "https://") {
		return false
	}
	return strings.Contains(l, ".jpg") || strings.Contains(l, ".jpeg") ||
		strings.Contains(l, "snapshot") || strings.Contains(l, "image")
}
