package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrQueueFull is returned when a lane cannot accept another task
	ErrQueueFull = errors.New("export queue full")
	// ErrUnknownSink is returned for a lane that was never registered
	ErrUnknownSink = errors.New("unknown export sink")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("dispatcher closed")
)

// DefaultQueueSize is the per-lane queue length used when none is configured
const DefaultQueueSize = 16

// Task is one unit of work for a lane
type Task struct {
	Sink  string
	Label string
	Run   func(ctx context.Context) error
}

// Result reports how a task went
type Result struct {
	Sink     string
	Label    string
	Err      error
	Duration time.Duration
	Finished time.Time
}

// LaneStats are per-lane counters
type LaneStats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}

type lane struct {
	name    string
	queue   chan Task
	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// Dispatcher runs one goroutine per sink, each draining its own bounded queue.
// A slow sink only ever fills its own queue.
type Dispatcher struct {
	lanes   map[string]*lane
	results chan Result
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a lane for every sink name
func NewDispatcher(queueSize int, sinks ...string) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		lanes:   make(map[string]*lane, len(sinks)),
		results: make(chan Result, queueSize*len(sinks)+1),
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, name := range sinks {
		l := &lane{name: name, queue: make(chan Task, queueSize)}
		d.lanes[name] = l
		d.wg.Add(1)
		go d.run(l)
	}
	return d
}

// Submit queues a task without blocking.
func (d *Dispatcher) Submit(t Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	l, ok := d.lanes[t.Sink]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSink, t.Sink)
	}

	select {
	case l.queue <- t:
		return nil
	default:
		l.dropped.Add(1)
		log.Warn().
			Str("component", "export").
			Str("sink", t.Sink).
			Str("label", t.Label).
			Msg("Queue full, dropping export")
		return fmt.Errorf("%w: %s", ErrQueueFull, t.Sink)
	}
}

// Results delivers task outcomes. Outcomes are dropped when nobody reads them.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Stats returns a snapshot of every lane's counters
func (d *Dispatcher) Stats() map[string]LaneStats {
	out := make(map[string]LaneStats, len(d.lanes))
	for name, l := range d.lanes {
		out[name] = LaneStats{
			Sent:    l.sent.Load(),
			Failed:  l.failed.Load(),
			Dropped: l.dropped.Load(),
			Queued:  len(l.queue),
		}
	}
	return out
}

// Close stops accepting tasks, drains queued ones and waits for the lanes.
// Tasks still running when ctx expires are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, l := range d.lanes {
		close(l.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
		err = ctx.Err()
	}
	d.cancel()
	close(d.results)
	return err
}

func (d *Dispatcher) run(l *lane) {
	defer d.wg.Done()

	for t := range l.queue {
		start := time.Now()
		err := t.Run(d.ctx)
		elapsed := time.Since(start)

		if err != nil {
			l.failed.Add(1)
			log.Warn().
				Str("component", "export").
				Str("sink", l.name).
				Str("label", t.Label).
				Dur("duration", elapsed).
				Err(err).
				Msg("Export failed")
		} else {
			l.sent.Add(1)
		}

		select {
		case d.results <- Result{Sink: l.name, Label: t.Label, Err: err, Duration: elapsed, Finished: time.Now()}:
		default:
		}
	}
}
