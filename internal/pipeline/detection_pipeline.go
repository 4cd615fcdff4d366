package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"detectx/internal/capture"
	"detectx/internal/config"
	"detectx/internal/cropcache"
	"detectx/internal/cropper"
	"detectx/internal/export"
	"detectx/internal/status"
)

// ExpireInterval is how often HIGH labels are checked for deactivation
const ExpireInterval = 200 * time.Millisecond

var (
	// ErrNoSettings is returned when a cycle runs without settings
	ErrNoSettings = errors.New("pipeline settings are not set")
	// ErrNoProvider is returned when a cycle runs without an inference provider
	ErrNoProvider = errors.New("inference provider is not set")
)

// CropHandler is told about every crop written to the cache
type CropHandler interface {
	OnCrop(entry cropcache.Entry)
}

// Options wires a Pipeline to its collaborators
type Options struct {
	Device     string
	Provider   InferenceProvider
	Source     capture.Source
	Settings   *config.Settings
	Hub        config.HubConfig
	Strategies StrategyFactory
	Crops      *cropcache.Cache
	Exporter   Exporter
	Status     *status.Registry
	Snapshots  *capture.SnapshotStore
	Bus        *EventBus
	OnCrop     CropHandler
	Clock      Clock
}

// Stats are cumulative cycle counters
type Stats struct {
	Cycles      uint64        `json:"cycles"`
	Failures    uint64        `json:"failures"`
	Accepted    uint64        `json:"accepted"`
	Transitions uint64        `json:"transitions"`
	Interval    time.Duration `json:"interval"`
	Average     time.Duration `json:"average"`
}

// Pipeline runs capture, inference, filtering, debouncing, cropping and export.
// Label state and the rate controller are only touched under mu. Cropping and
// export run without it; the throttle and crop cache lock themselves.
type Pipeline struct {
	device     string
	source     capture.Source
	strategies StrategyFactory
	crops      *cropcache.Cache
	exporter   Exporter
	status     *status.Registry
	snapshots  *capture.SnapshotStore
	bus        *EventBus
	onCrop     CropHandler
	now        Clock
	timeout    time.Duration

	settings atomic.Pointer[config.Settings]
	provider atomic.Pointer[providerBox]
	wake     chan struct{}

	mu          sync.Mutex
	events      *EventMachine
	rate        *RateController
	throttle    *export.Throttle
	minDuration time.Duration

	cycles      atomic.Uint64
	failures    atomic.Uint64
	accepted    atomic.Uint64
	transitions atomic.Uint64
}

type providerBox struct {
	p InferenceProvider
}

// New creates a pipeline. Settings and Provider may be nil; the capture loop
// then idles until both are supplied.
func New(opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Crops == nil {
		opts.Crops = cropcache.New(cropcache.DefaultCapacity)
	}
	if opts.Status == nil {
		opts.Status = status.NewRegistry()
	}
	if opts.Snapshots == nil {
		opts.Snapshots = capture.NewSnapshotStore()
	}
	if opts.Bus == nil {
		opts.Bus = NewEventBus()
	}

	defaults := config.Default()
	if opts.Hub.CaptureRateMs <= 0 {
		opts.Hub.CaptureRateMs = defaults.Hub.CaptureRateMs
	}
	if opts.Hub.MinCaptureRateMs <= 0 {
		opts.Hub.MinCaptureRateMs = defaults.Hub.MinCaptureRateMs
	}

	p := &Pipeline{
		device:      opts.Device,
		source:      opts.Source,
		strategies:  opts.Strategies,
		crops:       opts.Crops,
		exporter:    opts.Exporter,
		status:      opts.Status,
		snapshots:   opts.Snapshots,
		bus:         opts.Bus,
		onCrop:      opts.OnCrop,
		now:         opts.Clock,
		timeout:     opts.Hub.RequestTimeout(),
		wake:        make(chan struct{}, 1),
		rate:        NewRateController(opts.Hub.CaptureRate(), opts.Hub.MinCaptureRate(), opts.Hub.AdaptiveRate),
		throttle:    export.NewThrottle(defaults.Settings.Throttle()),
		minDuration: defaults.Settings.MinEventDuration(),
	}

	prioritize := defaults.Settings.Events.Prioritize
	maxLabels := defaults.Settings.Events.MaxLabels
	if opts.Settings != nil {
		prioritize = opts.Settings.Events.Prioritize
		maxLabels = opts.Settings.Events.MaxLabels
	}
	p.events = NewEventMachine(p.strategyFor(prioritize), maxLabels)

	p.SetProvider(opts.Provider)
	if opts.Settings != nil {
		p.UpdateSettings(opts.Settings)
	}
	return p
}

func (p *Pipeline) strategyFor(prio config.Prioritize) EventStrategy {
	if p.strategies == nil {
		return nil
	}
	return p.strategies(prio)
}

// UpdateSettings swaps the settings atomically. Strategy, label cap and
// throttle changes take effect on the next cycle. A nil value stops capture.
func (p *Pipeline) UpdateSettings(s *config.Settings) {
	if s == nil {
		p.settings.Store(nil)
		return
	}
	next := s.Clone()
	prev := p.settings.Swap(next)

	p.mu.Lock()
	if prev == nil || prev.Events.Prioritize != next.Events.Prioritize || p.events.Strategy() == nil {
		p.events.SetStrategy(p.strategyFor(next.Events.Prioritize))
	}
	p.events.SetMaxLabels(next.Events.MaxLabels)
	p.throttle.SetInterval(next.Throttle())
	p.minDuration = next.MinEventDuration()
	p.mu.Unlock()

	log.Info().
		Str("component", "pipeline").
		Str("prioritize", next.Events.Prioritize.String()).
		Int("confidence", next.Confidence).
		Bool("cropping", next.Cropping.Active).
		Msg("Settings updated")
	p.signal()
}

// Settings returns the current settings, or nil
func (p *Pipeline) Settings() *config.Settings {
	return p.settings.Load()
}

// SetProvider replaces the inference provider. nil stops capture.
func (p *Pipeline) SetProvider(provider InferenceProvider) {
	p.provider.Store(&providerBox{p: provider})
	p.signal()
}

func (p *Pipeline) inference() InferenceProvider {
	if b := p.provider.Load(); b != nil {
		return b.p
	}
	return nil
}

// SetAdaptiveRate turns latency-driven polling on or off
func (p *Pipeline) SetAdaptiveRate(enabled bool) {
	p.mu.Lock()
	p.rate.SetEnabled(enabled)
	p.mu.Unlock()
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) ready() bool {
	return p.settings.Load() != nil && p.inference() != nil && p.source != nil
}

// Ready reports whether the loop can run and the last cycle succeeded
func (p *Pipeline) Ready() bool {
	return p.ready() && p.status.Healthy()
}

// Run drives capture cycles on a re-arming timer and deactivation on a fixed
// ticker until ctx is cancelled. An in-flight cycle always completes.
func (p *Pipeline) Run(ctx context.Context) error {
	timer := time.NewTimer(p.interval())
	defer timer.Stop()
	ticker := time.NewTicker(ExpireInterval)
	defer ticker.Stop()
	armed := true

	log.Info().Str("component", "pipeline").Dur("interval", p.interval()).Msg("Capture loop started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "pipeline").Msg("Capture loop stopped")
			return nil

		case <-ticker.C:
			p.Expire(p.now())

		case <-p.wake:
			if !armed && p.ready() {
				timer.Reset(p.interval())
				armed = true
				log.Info().Str("component", "pipeline").Msg("Capture loop resumed")
			}

		case <-timer.C:
			armed = false
			if !p.ready() {
				p.status.SetHealthy(false, "Capture stopped: settings or inference provider missing")
				log.Warn().Str("component", "pipeline").Msg("Settings or inference provider missing, capture timer stopped")
				continue
			}

			if err := p.RunCycle(context.WithoutCancel(ctx)); err != nil {
				log.Debug().Str("component", "pipeline").Err(err).Msg("Cycle failed")
			}
			timer.Reset(p.interval())
			armed = true
		}
	}
}

func (p *Pipeline) interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate.Interval()
}

// RunCycle captures one frame, runs inference and processes the result
func (p *Pipeline) RunCycle(ctx context.Context) error {
	settings := p.settings.Load()
	if settings == nil {
		return ErrNoSettings
	}
	provider := p.inference()
	if provider == nil {
		return ErrNoProvider
	}
	if p.source == nil {
		return capture.ErrNoFrame
	}

	p.cycles.Add(1)

	frame, err := p.source.Capture(ctx)
	if err != nil {
		p.failures.Add(1)
		p.status.SetHealthy(false, "Capture failed")
		log.Warn().Str("component", "pipeline").Err(err).Msg("Frame capture failed")
		return fmt.Errorf("capture: %w", err)
	}
	p.snapshots.Store(frame)

	inferCtx, cancel := context.WithTimeout(ctx, p.timeout)
	start := time.Now()
	raw, err := provider.Infer(inferCtx, frame)
	latency := time.Since(start)
	cancel()
	if err != nil {
		p.failures.Add(1)
		p.status.SetHealthy(false, "Inference failed")
		p.status.Set("model.state", false)
		log.Warn().Str("component", "pipeline").Err(err).Msg("Inference failed")
		return fmt.Errorf("inference: %w", err)
	}
	p.status.Set("model.state", true)

	p.mu.Lock()
	interval, recomputed := p.rate.Observe(latency)
	average := p.rate.Average()
	p.mu.Unlock()
	if recomputed {
		p.status.Set("model.averageTime", average.Milliseconds())
		p.status.Set("model.captureRate", interval.Milliseconds())
		log.Debug().
			Str("component", "pipeline").
			Dur("average", average).
			Dur("interval", interval).
			Msg("Capture rate recomputed")
	}

	return p.Process(raw, frame, p.now())
}

// Process runs the filter, state machine, crop cache and export on one
// inference result. It is safe to call without Run.
func (p *Pipeline) Process(raw []RawDetection, frame *capture.Frame, now time.Time) error {
	settings := p.settings.Load()
	if settings == nil {
		p.status.SetHealthy(false, ErrNoSettings.Error())
		return ErrNoSettings
	}
	if frame == nil {
		p.failures.Add(1)
		return capture.ErrNoFrame
	}

	detections, err := Filter(raw, NewFilterSettings(settings, frame.Width, frame.Height), now)
	if err != nil {
		p.failures.Add(1)
		p.status.SetHealthy(false, err.Error())
		log.Warn().Str("component", "pipeline").Err(err).Msg("Cycle skipped")
		return err
	}
	p.status.SetHealthy(true, "")
	p.status.Set("labels.detections", len(detections))
	p.accepted.Add(uint64(len(detections)))

	if len(detections) > 0 && p.exporter != nil {
		p.exporter.Summary(toSummary(detections))
	}

	if err := p.observe(detections, settings, now); err != nil {
		return err
	}

	// cropping runs outside mu so Expire and Stats are not held up by image work
	if settings.Cropping.Active && len(detections) > 0 {
		p.cropAndExport(detections, frame, settings, now)
	}
	return nil
}

func (p *Pipeline) observe(detections []Detection, settings *config.Settings, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.events.Strategy() == nil {
		return errors.New("no event strategy configured")
	}

	latency := p.rate.Average()
	if latency <= 0 {
		latency = p.rate.Interval()
	}
	p.emit(p.events.Observe(detections, WindowFor(settings.Events, latency), now))
	return nil
}

func (p *Pipeline) cropAndExport(detections []Detection, frame *capture.Frame, s *config.Settings, now time.Time) {
	img, err := cropper.Decode(frame.JPEG)
	if err != nil {
		log.Warn().Str("component", "pipeline").Err(err).Msg("No inference image available for cropping")
		return
	}

	c := cropper.New(cropper.Options{
		Borders: cropper.Borders{
			Left:   s.Cropping.LeftBorder,
			Right:  s.Cropping.RightBorder,
			Top:    s.Cropping.TopBorder,
			Bottom: s.Cropping.BottomBorder,
		},
		MaxSize:  s.Cropping.MaxSize,
		Quality:  s.Cropping.Quality,
		Annotate: s.Cropping.Annotate,
	})
	targets := export.Targets{SDCard: s.Cropping.SDCard, MQTT: s.Cropping.MQTT, HTTP: s.Cropping.HTTP}

	for _, d := range detections {
		res, err := c.Extract(img, d.Label, d.Confidence, d.CenterX, d.CenterY, d.Width, d.Height)
		if err != nil {
			log.Warn().Str("component", "pipeline").Str("label", d.Label).Err(err).Msg("Crop skipped")
			continue
		}

		handle, ok := p.crops.Add(res.JPEG, d.Label, d.Confidence, res.Box)
		if !ok {
			log.Warn().Str("component", "pipeline").Str("label", d.Label).Msg("Crop encode failed")
			continue
		}
		if p.onCrop != nil {
			p.onCrop.OnCrop(cropcache.Entry{Image: handle, Label: d.Label, Confidence: d.Confidence, Box: res.Box})
		}

		if !p.throttle.Allow(now) {
			continue
		}
		if p.exporter != nil && targets.Any() {
			p.exporter.Export(&export.Job{
				Label:      d.Label,
				Confidence: d.Confidence,
				Timestamp:  d.Timestamp,
				Index:      d.Index,
				Box:        res.Box,
				Image:      handle,
				JPEG:       res.JPEG,
			}, targets)
		}
	}
}

// Expire lowers labels whose last sighting is older than the minimum event duration
func (p *Pipeline) Expire(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit(p.events.Expire(now, p.minDuration))
}

// emit must be called with mu held
func (p *Pipeline) emit(transitions []Transition) {
	for _, t := range transitions {
		p.transitions.Add(1)
		p.status.Set("labels."+t.Label, t.State)
		log.Info().
			Str("component", "pipeline").
			Str("label", t.Label).
			Bool("state", t.State).
			Msg("Label transition")
		p.bus.Publish(t)
	}
}

// Labels returns a copy of the label table
func (p *Pipeline) Labels() []LabelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events.Labels()
}

// Stats returns cycle counters
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	interval, average := p.rate.Interval(), p.rate.Average()
	p.mu.Unlock()
	return Stats{
		Cycles:      p.cycles.Load(),
		Failures:    p.failures.Load(),
		Accepted:    p.accepted.Load(),
		Transitions: p.transitions.Load(),
		Interval:    interval,
		Average:     average,
	}
}

// Crops returns the crop cache
func (p *Pipeline) Crops() *cropcache.Cache {
	return p.crops
}

// Bus returns the transition bus
func (p *Pipeline) Bus() *EventBus {
	return p.bus
}

// Reset clears the label table, throttle and crop cache without emitting transitions
func (p *Pipeline) Reset() {
	p.mu.Lock()
	for _, ls := range p.events.Labels() {
		p.status.Delete("labels." + ls.Name)
	}
	p.events.Reset()
	p.throttle.Reset()
	p.mu.Unlock()

	p.crops.Reset()
	log.Info().Str("component", "pipeline").Msg("State reset")
}

// Close lowers every active label so subscribers see the events end, then resets.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.emit(p.events.Lower(p.now()))
	p.mu.Unlock()

	p.Reset()
	p.snapshots.Clear()
	return nil
}
