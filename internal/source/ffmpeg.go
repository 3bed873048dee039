package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// FFmpeg captures frames by running ffmpeg with an image2pipe mjpeg output and
// splitting stdout on JPEG markers.
type FFmpeg struct {
	cfg    Config
	logger *slog.Logger

	cmd    *exec.Cmd
	stderr *tailWriter
	frames chan []byte
	stop   chan struct{}
	done   chan struct{}

	pending []byte
	index   int
	total   int

	closeOnce sync.Once
}

// NewFFmpeg creates an unopened ffmpeg source
func NewFFmpeg(cfg Config) *FFmpeg {
	cfg.applyDefaults()
	return &FFmpeg{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "source", "kind", string(cfg.Kind)),
		stderr: &tailWriter{limit: 2048},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Args returns the ffmpeg command line for the configured source
func (s *FFmpeg) Args() []string {
	out := []string{"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-"}
	rate := []string{"-r", fmt.Sprintf("%d", s.cfg.FPS)}

	switch s.cfg.Kind {
	case KindRTSP:
		args := []string{"-rtsp_transport", "tcp", "-i", s.cfg.Location}
		args = append(args, rate...)
		return append(args, out...)
	case KindHTTP:
		args := []string{"-i", s.cfg.Location}
		args = append(args, rate...)
		return append(args, out...)
	case KindFile:
		return append([]string{"-nostdin", "-i", s.cfg.Location}, out...)
	default:
		args := []string{"-f", "v4l2"}
		if s.cfg.Width > 0 && s.cfg.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height))
		}
		args = append(args, "-framerate", fmt.Sprintf("%d", s.cfg.FPS), "-i", DevicePath(s.cfg.Location))
		return append(args, out...)
	}
}

// Total returns the probed frame count of a file source
func (s *FFmpeg) Total() int {
	return s.total
}

// Open starts ffmpeg and waits for the first frame
func (s *FFmpeg) Open(ctx context.Context) error {
	if s.cfg.Kind == KindFile {
		total, err := CountFrames(ctx, s.cfg.FFprobePath, s.cfg.Location)
		if err != nil {
			s.logger.Warn("could not probe frame count", "file", s.cfg.Location, "error", err)
		}
		s.total = total
	}

	buffer := 1
	if s.cfg.Kind == KindFile {
		buffer = 4
	}
	s.frames = make(chan []byte, buffer)

	s.cmd = exec.Command(s.cfg.FFmpegPath, s.Args()...)
	s.cmd.Stderr = s.stderr
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	go s.readLoop(stdout)

	timer := time.NewTimer(s.cfg.OpenTimeout)
	defer timer.Stop()

	select {
	case frame, ok := <-s.frames:
		if !ok {
			s.Close()
			return fmt.Errorf("ffmpeg produced no frames: %s", s.stderr.String())
		}
		s.pending = frame
	case <-timer.C:
		s.Close()
		return fmt.Errorf("no frame within %s from %s", s.cfg.OpenTimeout, s.cfg.Location)
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}

	s.logger.Info("capture started", "location", s.cfg.Location, "total_frames", s.total)
	return nil
}

// Read returns the next frame. Live sources keep only the newest frame, so a slow
// reader skips frames instead of falling behind. File sources deliver every frame.
func (s *FFmpeg) Read(ctx context.Context) (Frame, error) {
	if s.pending != nil {
		data := s.pending
		s.pending = nil
		return s.frame(data), nil
	}
	if s.frames == nil {
		return Frame{}, errors.New("source is not open")
	}

	select {
	case data, ok := <-s.frames:
		if !ok {
			return Frame{}, io.EOF
		}
		return s.frame(data), nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close stops ffmpeg. Safe to call more than once.
func (s *FFmpeg) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
			<-s.done
		}
	})
	return nil
}

func (s *FFmpeg) frame(data []byte) Frame {
	s.index++
	return Frame{Data: data, Index: s.index, Total: s.total, Timestamp: time.Now()}
}

func (s *FFmpeg) readLoop(stdout io.Reader) {
	defer close(s.done)
	defer close(s.frames)
	// Wait also flushes stderr, so it runs before Read can observe the end of stream
	defer func() {
		if err := s.cmd.Wait(); err != nil {
			select {
			case <-s.stop:
			default:
				s.logger.Debug("ffmpeg exited", "error", err, "stderr", s.stderr.String())
			}
		}
	}()

	buf := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 64*1024)

	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&buf)
				if frame == nil {
					break
				}
				if !s.deliver(frame) {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug("capture read failed", "error", err)
			}
			return
		}
	}
}

// deliver hands a frame to Read. It reports false once the source is closing.
func (s *FFmpeg) deliver(frame []byte) bool {
	if s.cfg.Kind == KindFile {
		select {
		case s.frames <- frame:
			return true
		case <-s.stop:
			return false
		}
	}

	for {
		select {
		case <-s.stop:
			return false
		case s.frames <- frame:
			return true
		default:
		}
		// drop the stale frame so the newest one is read next
		select {
		case <-s.frames:
		default:
		}
	}
}

// tailWriter keeps the last bytes written to it, for error messages
type tailWriter struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		w.buf = w.buf[len(w.buf)-w.limit:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}
