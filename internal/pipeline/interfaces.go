package pipeline

import (
	"context"
	"time"

	"detectx/internal/capture"
	"detectx/internal/config"
	"detectx/internal/export"
)

// InferenceProvider runs object detection on a frame
type InferenceProvider interface {
	// Infer returns the raw detections for frame
	Infer(ctx context.Context, frame *capture.Frame) ([]RawDetection, error)

	// IsHealthy reports whether the provider answered its last probe
	IsHealthy(ctx context.Context) bool
}

// Exporter delivers crops and notifications. Calls must not block.
type Exporter interface {
	Export(job *export.Job, targets export.Targets)
	Summary(detections any)
	Notify(topic string, payload any, retained bool)
}

// Window is the hysteresis configuration for one cycle
type Window struct {
	Size      int // samples considered, 2-16
	MinFrames int // hits needed to go HIGH
}

// EventStrategy decides when a LOW label becomes HIGH
type EventStrategy interface {
	// Name returns the strategy identifier
	Name() string

	// Sample records one cycle for ls and reports whether it should go HIGH.
	// seen is false for known labels that were not in the cycle's accepted set.
	Sample(ls *LabelState, seen bool, w Window) bool
}

// StrategyFactory builds a strategy from the configured priority
type StrategyFactory func(p config.Prioritize) EventStrategy

// TransitionHandler receives label transitions
type TransitionHandler interface {
	OnTransition(t Transition)
}

// Clock returns the current time
type Clock func() time.Time
