package export

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"detectx/internal/config"
)

// Fanout routes jobs and notifications to the dispatcher lanes
type Fanout struct {
	device     string
	dispatcher *Dispatcher

	mu        sync.RWMutex
	storage   *StorageSink
	messaging *MessagingSink
	http      *HTTPSink
}

// NewFanout creates a fan-out. publisher may be nil when no broker is configured.
func NewFanout(device string, dispatcher *Dispatcher, publisher Publisher) *Fanout {
	f := &Fanout{
		device:     device,
		dispatcher: dispatcher,
		storage:    NewStorageSink(config.DefaultStorageDir),
	}
	if publisher != nil {
		f.messaging = NewMessagingSink(publisher, device)
	}
	return f
}

// Configure rebuilds the storage and HTTP sinks from cropping settings
func (f *Fanout) Configure(cfg config.CroppingConfig) {
	dir := cfg.Directory
	if dir == "" {
		dir = config.DefaultStorageDir
	}

	var httpSink *HTTPSink
	if cfg.HTTP {
		sink, err := NewHTTPSink(HTTPConfig{
			URL:      cfg.HTTPURL,
			Auth:     cfg.HTTPAuth,
			Username: cfg.HTTPUsername,
			Password: cfg.HTTPPassword,
			Token:    cfg.HTTPToken,
			Timeout:  cfg.Timeout(),
			Serial:   f.device,
		})
		if err != nil {
			log.Warn().Str("component", "export").Err(err).Msg("HTTP export enabled, but URL is not set")
		} else {
			httpSink = sink
		}
	}

	f.mu.Lock()
	if f.storage == nil || f.storage.Dir() != dir {
		f.storage = NewStorageSink(dir)
	}
	f.http = httpSink
	f.mu.Unlock()
}

// Storage returns the current storage sink
func (f *Fanout) Storage() *StorageSink {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.storage
}

// Export submits job to every selected sink. Sinks that are not configured are skipped.
func (f *Fanout) Export(job *Job, targets Targets) {
	f.mu.RLock()
	storage, messaging, httpSink := f.storage, f.messaging, f.http
	f.mu.RUnlock()

	if targets.SDCard && storage != nil {
		f.submit(SinkStorage, job.Label, func(ctx context.Context) error {
			return storage.Send(ctx, job)
		})
	}
	if targets.MQTT && messaging != nil {
		f.submit(SinkMessaging, job.Label, func(ctx context.Context) error {
			return messaging.Send(ctx, job)
		})
	}
	if targets.HTTP && httpSink != nil {
		f.submit(SinkHTTP, job.Label, func(ctx context.Context) error {
			return httpSink.Send(ctx, job)
		})
	}
}

// Summary publishes a cycle's accepted detections to detection/<device>
func (f *Fanout) Summary(detections any) {
	f.Notify("detection/"+f.device, map[string]any{"detections": detections}, false)
}

// Notify publishes an arbitrary JSON payload through the messaging lane
func (f *Fanout) Notify(topic string, payload any, retained bool) {
	f.mu.RLock()
	messaging := f.messaging
	f.mu.RUnlock()

	if messaging == nil {
		return
	}
	f.submit(SinkMessaging, topic, func(ctx context.Context) error {
		return messaging.PublishJSON(ctx, topic, payload, retained)
	})
}

// Device returns the serial used in topics
func (f *Fanout) Device() string {
	return f.device
}

// Stats returns per-lane counters
func (f *Fanout) Stats() map[string]LaneStats {
	return f.dispatcher.Stats()
}

func (f *Fanout) submit(sink, label string, run func(ctx context.Context) error) {
	// Submit logs drops itself
	_ = f.dispatcher.Submit(Task{Sink: sink, Label: label, Run: run})
}
