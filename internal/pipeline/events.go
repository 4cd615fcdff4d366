package pipeline

import (
	"math"
	"time"

	"detectx/internal/config"
)

// ringSize bounds the hysteresis window
const ringSize = 16

// DefaultMaxLabels caps the label table when no limit is configured
const DefaultMaxLabels = 256

// LabelState is the debounce state of one label
type LabelState struct {
	Name       string
	High       bool
	LastDetect time.Time

	ring  [ringSize]uint8
	head  int
	count int
}

// Push records one cycle's sample. count never exceeds the current window.
func (ls *LabelState) Push(hit bool, window int) {
	window = clampWindow(window)
	if ls.count > window {
		ls.count = window
	}

	var v uint8
	if hit {
		v = 1
	}
	ls.ring[ls.head] = v
	ls.head = (ls.head + 1) % ringSize
	if ls.count < window {
		ls.count++
	}
}

// Hits counts the ones among the most recent min(Count, window) samples
func (ls *LabelState) Hits(window int) int {
	n := min(ls.count, clampWindow(window))
	sum := 0
	for i := 1; i <= n; i++ {
		sum += int(ls.ring[(ls.head-i+ringSize)%ringSize])
	}
	return sum
}

// Count returns the number of valid samples
func (ls *LabelState) Count() int {
	return ls.count
}

func clampWindow(w int) int {
	return max(1, min(w, ringSize))
}

// WindowFor sizes the hysteresis window for a cycle. An explicit frame count
// wins; otherwise the window covers window_ms at the observed latency.
func WindowFor(ev config.EventsConfig, latency time.Duration) Window {
	w := Window{MinFrames: ev.Frames}
	if ev.WindowFrames > 0 {
		w.Size = clampWindow(ev.WindowFrames)
		return w
	}

	latencyMs := float64(latency.Milliseconds())
	if latencyMs <= 0 {
		latencyMs = 1
	}
	size := int(math.Ceil(float64(ev.WindowMs) / latencyMs))
	w.Size = max(2, min(size, ringSize))
	return w
}

// EventMachine keeps one LabelState per label in insertion order and turns
// per-cycle sightings into transitions.
type EventMachine struct {
	strategy  EventStrategy
	maxLabels int
	labels    map[string]*LabelState
	order     []string
}

// NewEventMachine creates an empty label table
func NewEventMachine(strategy EventStrategy, maxLabels int) *EventMachine {
	if maxLabels <= 0 {
		maxLabels = DefaultMaxLabels
	}
	return &EventMachine{
		strategy:  strategy,
		maxLabels: maxLabels,
		labels:    make(map[string]*LabelState),
	}
}

// SetStrategy swaps the debounce strategy, keeping label state
func (m *EventMachine) SetStrategy(s EventStrategy) {
	m.strategy = s
}

// Strategy returns the active strategy
func (m *EventMachine) Strategy() EventStrategy {
	return m.strategy
}

// SetMaxLabels changes the table cap; existing labels above it are evicted on the next insert
func (m *EventMachine) SetMaxLabels(n int) {
	if n <= 0 {
		n = DefaultMaxLabels
	}
	m.maxLabels = n
}

// Observe feeds one cycle's accepted detections and returns the resulting transitions.
// Each label contributes at most one sighting per cycle; known labels absent
// from the batch record a miss, including when the batch is empty.
func (m *EventMachine) Observe(detections []Detection, w Window, now time.Time) []Transition {
	var transitions []Transition

	seen := make(map[string]bool, len(detections))
	for i := range detections {
		d := detections[i]
		if seen[d.Label] {
			continue
		}
		seen[d.Label] = true

		ls, evicted := m.getOrCreate(d.Label, now)
		transitions = append(transitions, evicted...)

		ls.LastDetect = now
		if m.strategy.Sample(ls, true, w) && !ls.High {
			ls.High = true
			transitions = append(transitions, Transition{
				Label:     ls.Name,
				State:     true,
				Timestamp: now,
				Detection: &d,
			})
		}
	}

	for _, name := range m.order {
		if seen[name] {
			continue
		}
		m.strategy.Sample(m.labels[name], false, w)
	}
	return transitions
}

// Expire lowers every HIGH label not seen for longer than minDuration
func (m *EventMachine) Expire(now time.Time, minDuration time.Duration) []Transition {
	var transitions []Transition
	for _, name := range m.order {
		ls := m.labels[name]
		if ls.High && now.Sub(ls.LastDetect) > minDuration {
			ls.High = false
			transitions = append(transitions, Transition{Label: name, State: false, Timestamp: now})
		}
	}
	return transitions
}

// Lower drops every HIGH label to LOW, returning the falling edges
func (m *EventMachine) Lower(now time.Time) []Transition {
	var transitions []Transition
	for _, name := range m.order {
		ls := m.labels[name]
		if ls.High {
			ls.High = false
			transitions = append(transitions, Transition{Label: name, State: false, Timestamp: now})
		}
	}
	return transitions
}

// Get returns a copy of a label's state
func (m *EventMachine) Get(label string) (LabelState, bool) {
	ls, ok := m.labels[label]
	if !ok {
		return LabelState{}, false
	}
	return *ls, true
}

// Labels returns copies of every label state in insertion order
func (m *EventMachine) Labels() []LabelState {
	out := make([]LabelState, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, *m.labels[name])
	}
	return out
}

// Len returns the number of tracked labels
func (m *EventMachine) Len() int {
	return len(m.order)
}

// Reset forgets every label
func (m *EventMachine) Reset() {
	clear(m.labels)
	m.order = m.order[:0]
}

func (m *EventMachine) getOrCreate(label string, now time.Time) (*LabelState, []Transition) {
	if ls, ok := m.labels[label]; ok {
		return ls, nil
	}

	var evicted []Transition
	for len(m.order) >= m.maxLabels {
		if t, ok := m.evictOldest(now); ok {
			evicted = append(evicted, t)
		}
	}

	ls := &LabelState{Name: label}
	m.labels[label] = ls
	m.order = append(m.order, label)
	return ls, evicted
}

// evictOldest removes the least recently detected label. A HIGH label yields
// a falling edge.
func (m *EventMachine) evictOldest(now time.Time) (Transition, bool) {
	idx := 0
	for i, name := range m.order {
		if m.labels[name].LastDetect.Before(m.labels[m.order[idx]].LastDetect) {
			idx = i
		}
	}

	name := m.order[idx]
	ls := m.labels[name]
	delete(m.labels, name)
	m.order = append(m.order[:idx], m.order[idx+1:]...)

	if ls.High {
		return Transition{Label: name, State: false, Timestamp: now}, true
	}
	return Transition{}, false
}
