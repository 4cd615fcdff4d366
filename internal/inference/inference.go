// Package inference talks to the remote hub that runs the detection model.
package inference

import (
	"context"
	"errors"

	"detectx/internal/capture"
	"detectx/internal/config"
	"detectx/internal/pipeline"
)

// ErrNoHub is returned by New when hub.url is empty
var ErrNoHub = errors.New("hub url is not configured")

// Client is an inference provider that holds connections
type Client interface {
	Infer(ctx context.Context, frame *capture.Frame) ([]pipeline.RawDetection, error)
	IsHealthy(ctx context.Context) bool
	Capabilities(ctx context.Context) (*Capabilities, error)
	Close() error
}

// New creates the client selected by hub.transport
func New(cfg config.HubConfig) (Client, error) {
	if cfg.URL == "" {
		return nil, ErrNoHub
	}
	switch cfg.Transport {
	case config.TransportGRPC:
		c, err := NewGRPCClient(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return NewHTTPClient(cfg), nil
	}
}
