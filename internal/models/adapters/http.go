package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"lookout/internal/models"
)

// maxResponseSize bounds inference responses; masks make them large
const maxResponseSize = 64 << 20

// HTTP runs inference by posting frames to a REST inference service
type HTTP struct {
	spec          models.Spec
	endpoint      string
	client        *http.Client
	confThreshold float32
}

// NewHTTP creates an adapter for spec talking to cfg.Endpoint
func NewHTTP(spec models.Spec, cfg Config) *HTTP {
	return &HTTP{
		spec:     spec,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		confThreshold: cfg.Confidence,
	}
}

// Task implements models.Adapter
func (a *HTTP) Task() models.Task {
	return a.spec.Task
}

// Predict posts the frame as multipart form data to /predict
func (a *HTTP) Predict(ctx context.Context, frame []byte) (*models.Result, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fw.Write(frame); err != nil {
		return nil, fmt.Errorf("failed to write frame: %w", err)
	}
	_ = w.WriteField("task", string(a.spec.Task))
	_ = w.WriteField("weights", a.spec.Weights)
	_ = w.WriteField("conf_threshold", fmt.Sprintf("%.3f", a.confThreshold))
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/predict", &b)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read inference response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return decodeResult(body)
}

// Warmup checks that the service answers its health endpoint
func (a *HTTP) Warmup(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check inference health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Close drops idle connections
func (a *HTTP) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

var _ models.Adapter = (*HTTP)(nil)
