package strategies

import (
	"detectx/internal/config"
	"detectx/internal/pipeline"
)

// StrategyFactory creates event strategies based on configuration
type StrategyFactory struct{}

// NewStrategyFactory creates a new strategy factory
func NewStrategyFactory() *StrategyFactory {
	return &StrategyFactory{}
}

// Create returns the strategy for a priority. Accuracy is the default.
func (f *StrategyFactory) Create(p config.Prioritize) pipeline.EventStrategy {
	switch p {
	case config.PrioritizeSpeed:
		return NewImmediateStrategy()
	default:
		return NewHysteresisStrategy()
	}
}

// Func exposes Create as a pipeline.StrategyFactory
func (f *StrategyFactory) Func() pipeline.StrategyFactory {
	return f.Create
}
