package pipeline

import (
	"fmt"
	"sync"

	"detectx/internal/export"
)

// EventBus provides pub/sub for label transitions
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	labelFilter string // empty receives every label
	channel     chan Transition
	handler     TransitionHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for every transition.
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler TransitionHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeLabel registers a handler for one label's transitions
func (b *EventBus) SubscribeLabel(label string, handler TransitionHandler) func() {
	return b.add(&eventSubscription{labelFilter: label, handler: handler})
}

// SubscribeChannel returns a buffered channel of transitions and an unsubscribe function.
// Transitions are dropped for a subscriber whose channel is full.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan Transition, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan Transition, bufferSize)
	sub := &eventSubscription{channel: ch}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Publish sends a transition to all subscribers.
// Handlers run synchronously so a label's rising and falling edges stay ordered.
func (b *EventBus) Publish(t Transition) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.labelFilter != "" && sub.labelFilter != t.Label {
			continue
		}

		if sub.handler != nil {
			sub.handler.OnTransition(t)
		} else if sub.channel != nil {
			select {
			case sub.channel <- t:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}

// TransitionFunc adapts a function to TransitionHandler
type TransitionFunc func(t Transition)

// OnTransition implements TransitionHandler
func (f TransitionFunc) OnTransition(t Transition) { f(t) }

// TransitionNotifier forwards transitions to event/<device>/<label>/<state>
type TransitionNotifier struct {
	device   string
	exporter Exporter
}

// NewTransitionNotifier creates a notifier publishing through exporter
func NewTransitionNotifier(device string, exporter Exporter) *TransitionNotifier {
	return &TransitionNotifier{device: device, exporter: exporter}
}

// Topic returns the topic a transition is published on
func (n *TransitionNotifier) Topic(t Transition) string {
	return fmt.Sprintf("event/%s/%s/%t", n.device, export.SanitizeLabel(t.Label), t.State)
}

// OnTransition implements TransitionHandler
func (n *TransitionNotifier) OnTransition(t Transition) {
	if n.exporter == nil {
		return
	}
	n.exporter.Notify(n.Topic(t), t.Payload(), false)
}

var (
	_ TransitionHandler = (*TransitionNotifier)(nil)
	_ TransitionHandler = TransitionFunc(nil)
)
