// Package capture acquires JPEG frames for the inference loop.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"sync"
	"time"
)

// ErrNoFrame is returned when a source or store has nothing to hand out.
var ErrNoFrame = errors.New("no frame available")

// Frame is one captured JPEG image
type Frame struct {
	JPEG      []byte    // encoded image
	Width     int       // decoded width in pixels
	Height    int       // decoded height in pixels
	Timestamp time.Time // capture time
}

// Source produces frames on demand
type Source interface {
	Capture(ctx context.Context) (*Frame, error)
}

// NewFrame wraps JPEG bytes, reading the dimensions from the image header.
func NewFrame(data []byte, ts time.Time) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrNoFrame
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame header: %w", err)
	}
	return &Frame{
		JPEG:      data,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Timestamp: ts,
	}, nil
}

// SnapshotStore keeps the last frame that was sent for inference
type SnapshotStore struct {
	mu    sync.RWMutex
	frame *Frame
}

// NewSnapshotStore creates an empty store
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Store replaces the held frame
func (s *SnapshotStore) Store(f *Frame) {
	s.mu.Lock()
	s.frame = f
	s.mu.Unlock()
}

// Latest returns the held frame or ErrNoFrame
func (s *SnapshotStore) Latest() (*Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frame == nil {
		return nil, ErrNoFrame
	}
	return s.frame, nil
}

// Clear drops the held frame
func (s *SnapshotStore) Clear() {
	s.mu.Lock()
	s.frame = nil
	s.mu.Unlock()
}
