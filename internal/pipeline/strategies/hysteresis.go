package strategies

import (
	"detectx/internal/config"
	"detectx/internal/pipeline"
)

// HysteresisStrategy raises a label once it was seen in at least MinFrames
// of the last Size cycles. Every cycle pushes one sample per known label.
type HysteresisStrategy struct{}

// NewHysteresisStrategy creates a rolling-window strategy
func NewHysteresisStrategy() *HysteresisStrategy {
	return &HysteresisStrategy{}
}

func (s *HysteresisStrategy) Name() string {
	return config.PrioritizeAccuracy.String()
}

func (s *HysteresisStrategy) Sample(ls *pipeline.LabelState, seen bool, w pipeline.Window) bool {
	ls.Push(seen, w.Size)
	if !seen || ls.High {
		return false
	}
	return ls.Hits(w.Size) >= w.MinFrames
}

var _ pipeline.EventStrategy = (*HysteresisStrategy)(nil)
