package adapters

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"lookout/internal/models"
)

const (
	// ServiceName is the gRPC service registered by the inference server
	ServiceName = "lookout.inference.v1.Inference"
	// PredictMethod takes and returns a google.protobuf.Struct
	PredictMethod = "/" + ServiceName + "/Predict"
)

// GRPC runs inference through a unary gRPC call carrying structpb messages
type GRPC struct {
	spec          models.Spec
	endpoint      string
	conn          *grpc.ClientConn
	health        healthpb.HealthClient
	timeout       time.Duration
	confThreshold float32
}

// NewGRPC creates the client connection. The connection is established lazily on first use.
func NewGRPC(spec models.Spec, cfg Config) (*GRPC, error) {
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	conn, err := grpc.NewClient(cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", cfg.Endpoint, err)
	}

	return &GRPC{
		spec:          spec,
		endpoint:      cfg.Endpoint,
		conn:          conn,
		health:        healthpb.NewHealthClient(conn),
		timeout:       cfg.Timeout,
		confThreshold: cfg.Confidence,
	}, nil
}

// Task implements models.Adapter
func (a *GRPC) Task() models.Task {
	return a.spec.Task
}

// Predict sends the frame base64 encoded together with the model selection
func (a *GRPC) Predict(ctx context.Context, frame []byte) (*models.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{
		"task":           string(a.spec.Task),
		"weights":        a.spec.Weights,
		"conf_threshold": float64(a.confThreshold),
		"image":          base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, PredictMethod, req, resp); err != nil {
		return nil, fmt.Errorf("inference call failed: %w", err)
	}

	data, err := resp.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return decodeResult(data)
}

// Warmup asks the standard health service whether the inference service is serving
func (a *GRPC) Warmup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("failed to check inference health at %s: %w", a.endpoint, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("inference service is %s", resp.GetStatus())
	}
	return nil
}

// Close closes the client connection
func (a *GRPC) Close() error {
	return a.conn.Close()
}

var _ models.Adapter = (*GRPC)(nil)
