package source

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const probeTimeout = 30 * time.Second

// CountFrames asks ffprobe for the number of video frames in path.
// The container header is tried first; when it carries no count the packets are counted.
func CountFrames(ctx context.Context, ffprobe, path string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := runProbe(ctx, ffprobe,
		"-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=nb_frames", "-of", "csv=p=0", path)
	if err != nil {
		return 0, err
	}
	if n, ok := parseCount(out); ok {
		return n, nil
	}

	out, err = runProbe(ctx, ffprobe,
		"-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "csv=p=0", path)
	if err != nil {
		return 0, err
	}
	if n, ok := parseCount(out); ok {
		return n, nil
	}
	return 0, fmt.Errorf("ffprobe returned no frame count for %s", path)
}

func runProbe(ctx context.Context, ffprobe string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, ffprobe, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffprobe failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func parseCount(out string) (int, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.Trim(strings.TrimSpace(line), ",")
		if n, err := strconv.Atoi(line); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}
