package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"detectx/internal/capture"
	"detectx/internal/config"
	"detectx/internal/pipeline"
)

// DetectMethod is the full gRPC method name served by the hub
const DetectMethod = "/detectx.hub.v1.Inference/Detect"

// CapabilitiesMethod is the full gRPC method name describing the served model
const CapabilitiesMethod = "/detectx.hub.v1.Inference/Capabilities"

// HealthService is the service name checked through grpc.health.v1
const HealthService = "detectx.hub.v1.Inference"

// GRPCClient sends frames to the hub over a unary gRPC call.
// Messages are google.protobuf.Struct so no generated stubs are needed.
type GRPCClient struct {
	target    string
	scaleMode config.ScaleMode
	conn      *grpc.ClientConn
	health    healthpb.HealthClient

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// NewGRPCClient creates a client for cfg.URL. The connection is established lazily.
func NewGRPCClient(cfg config.HubConfig, opts ...grpc.DialOption) (*GRPCClient, error) {
	target := strings.TrimPrefix(cfg.URL, "grpc://")

	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", target, err)
	}

	log.Info().Str("component", "inference").Str("target", target).Msg("gRPC inference client created")

	return &GRPCClient{
		target:    target,
		scaleMode: cfg.ScaleMode,
		conn:      conn,
		health:    healthpb.NewHealthClient(conn),
	}, nil
}

// IsHealthy checks the hub through the standard gRPC health service
func (c *GRPCClient) IsHealthy(ctx context.Context) bool {
	c.healthMu.RLock()
	if c.healthy && time.Since(c.lastHealth) < healthCacheTTL {
		c.healthMu.RUnlock()
		return true
	}
	c.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	healthy := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if err != nil {
		log.Debug().Str("component", "inference").Err(err).Msg("Hub health check failed")
	}

	c.healthMu.Lock()
	c.healthy = healthy
	c.lastHealth = time.Now()
	c.healthMu.Unlock()
	return healthy
}

// Infer sends the frame and converts the response detections
func (c *GRPCClient) Infer(ctx context.Context, frame *capture.Frame) ([]pipeline.RawDetection, error) {
	req, err := structpb.NewStruct(map[string]any{
		"image":      base64.StdEncoding.EncodeToString(frame.JPEG),
		"width":      frame.Width,
		"height":     frame.Height,
		"scale_mode": c.scaleMode.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		c.healthMu.Lock()
		c.healthy = false
		c.healthMu.Unlock()
		return nil, fmt.Errorf("inference call failed: %w", err)
	}
	return DetectionsFromStruct(resp), nil
}

// Capabilities asks the hub which model it is serving
func (c *GRPCClient) Capabilities(ctx context.Context) (*Capabilities, error) {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, CapabilitiesMethod, &structpb.Struct{}, resp); err != nil {
		return nil, fmt.Errorf("capabilities call failed: %w", err)
	}
	caps := CapabilitiesFromStruct(resp)
	if caps.ModelWidth <= 0 || caps.ModelHeight <= 0 {
		return nil, errors.New("hub capabilities missing model input size")
	}
	return caps, nil
}

// Close shuts down the gRPC connection
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// DetectionsFromStruct reads the "detections" list of a hub response as
// normalized centre boxes. Entries that are not objects are skipped; missing
// fields stay zero.
func DetectionsFromStruct(s *structpb.Struct) []pipeline.RawDetection {
	list := s.GetFields()["detections"].GetListValue()
	if list == nil {
		return nil
	}

	out := make([]pipeline.RawDetection, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		obj := v.GetStructValue()
		if obj == nil {
			continue
		}
		out = append(out, wireFromStruct(obj).raw())
	}
	return out
}
