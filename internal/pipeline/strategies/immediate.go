package strategies

import (
	"detectx/internal/config"
	"detectx/internal/pipeline"
)

// ImmediateStrategy raises a label on its first sighting
type ImmediateStrategy struct{}

// NewImmediateStrategy creates an immediate strategy
func NewImmediateStrategy() *ImmediateStrategy {
	return &ImmediateStrategy{}
}

func (s *ImmediateStrategy) Name() string {
	return config.PrioritizeSpeed.String()
}

func (s *ImmediateStrategy) Sample(ls *pipeline.LabelState, seen bool, w pipeline.Window) bool {
	return seen
}

var _ pipeline.EventStrategy = (*ImmediateStrategy)(nil)
