package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopesWriteToTheirCollectors(t *testing.T) {
	m := New()

	cams := m.Cameras()
	cams.Active().Inc()
	cams.RecordDetection("7", "person", "detect", 0.9)
	cams.ObserveProcessing("7", "detect", 20*time.Millisecond)
	cams.FrameProcessed("7", "detect", 30*time.Millisecond)
	cams.FrameError("7", "inference", "worker")

	jobs := m.Jobs()
	jobs.Active().Inc()
	jobs.Active().Dec()
	jobs.FrameProcessed("job-1", "segment", 10*time.Millisecond)
	jobs.FrameError("job-1", "read", "worker")
	jobs.PersistFailed("job-1")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CameraStreamsActive))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.VideoJobsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ObjectDetections.WithLabelValues("7", "person", "detect")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CameraFramesProcessed.WithLabelValues("7")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.VideoFramesProcessed.WithLabelValues("job-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.VideoJobErrors.WithLabelValues("job-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DetectionErrors.WithLabelValues("7", "inference", "worker")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventPersistFailures.WithLabelValues("job")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.VideoFrameLatency))
	assert.Equal(t, 1, testutil.CollectAndCount(m.FrameProcessingSeconds))
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.BridgeMessagesDropped.Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "bridge_messages_dropped_total 1")
	assert.Contains(t, string(body), "camera_streams_active 0")
}
