package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"detectx/internal/capture"
	"detectx/internal/config"
	"detectx/internal/cropcache"
	"detectx/internal/database"
	"detectx/internal/export"
	"detectx/internal/inference"
	"detectx/internal/messaging"
	"detectx/internal/pipeline"
	"detectx/internal/pipeline/strategies"
	"detectx/internal/status"
	"detectx/internal/ws"
)

const (
	healthProbeInterval = 10 * time.Second
	pruneInterval       = time.Hour
)

func main() {
	var (
		configF = flag.String("config", "detectx.yaml", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Debug logging and request/response dumps")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		setupLogging(config.LogConfig{Level: "info"}, *dbgF)
		log.Fatal().Err(err).Str("path", *configF).Msg("Failed to load configuration")
	}
	setupLogging(cfg.Log, *dbgF)
	for _, w := range cfg.Warnings() {
		log.Warn().Str("component", "config").Msg(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configF, cfg, *dbgF); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Exited with error")
	}
	log.Info().Msg("Exited")
}

func setupLogging(cfg config.LogConfig, debug bool) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	}
}

func run(ctx context.Context, path string, cfg *config.Config, debug bool) error {
	device := cfg.Device.Serial
	registry := status.NewRegistry()

	// Messaging
	var publisher export.Publisher
	var mqttPub *messaging.MQTTPublisher
	if cfg.MQTT.Broker != "" {
		mqttPub = messaging.NewMQTTPublisher(cfg.MQTT, device, cfg.Device.Address)
		if err := mqttPub.Connect(ctx); err != nil {
			// the client keeps retrying in the background
			log.Warn().Str("component", "mqtt").Err(err).Msg("Initial MQTT connection failed")
		}
		publisher = mqttPub
		defer mqttPub.Close()
	}

	// Export lanes
	dispatcher := export.NewDispatcher(cfg.Settings.Export.QueueSize,
		export.SinkStorage, export.SinkMessaging, export.SinkHTTP)
	fanout := export.NewFanout(device, dispatcher, publisher)
	fanout.Configure(cfg.Settings.Cropping)

	// History
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	hub := ws.NewHub(device)
	defer hub.Close()

	crops := cropcache.New(cfg.Settings.Crops.Capacity)
	snapshots := capture.NewSnapshotStore()

	p := pipeline.New(pipeline.Options{
		Device:     device,
		Source:     newSource(cfg.Capture, cfg.Hub.RequestTimeout()),
		Settings:   &cfg.Settings,
		Hub:        cfg.Hub,
		Strategies: strategies.NewStrategyFactory().Func(),
		Crops:      crops,
		Exporter:   fanout,
		Status:     registry,
		Snapshots:  snapshots,
		OnCrop:     hub,
	})

	// Inference
	models := inference.NewManager(cfg.Hub, registry, func(c inference.Client) {
		p.SetProvider(c)
	})
	defer models.Close()
	if _, err := models.Reconnect(ctx); err != nil {
		// the health probe retries while the hub is unreachable
		log.Warn().Str("component", "inference").Err(err).Msg("Inference hub not connected")
	}

	bus := p.Bus()
	defer bus.Close()
	bus.Subscribe(pipeline.NewTransitionNotifier(device, fanout))
	bus.Subscribe(hub)
	history, unsubscribe := bus.SubscribeChannel(64)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Run(gctx)
	})

	g.Go(func() error {
		return serveHTTP(gctx, cfg, httpDeps{
			pipeline:  p,
			crops:     crops,
			registry:  registry,
			db:        db,
			snapshots: snapshots,
			live:      ws.NewHandler(hub),
			models:    models,
			fanout:    fanout,
			mqtt:      mqttPub,
			hub:       hub,
		}, debug)
	})

	g.Go(func() error {
		probeHealth(gctx, models, fanout, registry)
		return nil
	})

	g.Go(func() error {
		for t := range history {
			if _, err := db.RecordTransition(device, t); err != nil {
				log.Error().Str("component", "database").Err(err).Str("label", t.Label).Msg("Failed to record transition")
			}
		}
		return nil
	})

	g.Go(func() error {
		for r := range dispatcher.Results() {
			if r.Err != nil {
				log.Warn().Str("component", "export").Str("sink", r.Sink).Str("label", r.Label).Err(r.Err).Msg("Export failed")
			}
			if _, err := db.RecordExport(r); err != nil {
				log.Error().Str("component", "database").Err(err).Msg("Failed to record export result")
			}
		}
		return nil
	})

	g.Go(func() error {
		pruneHistory(gctx, db, cfg.Database.Retention())
		return nil
	})

	g.Go(func() error {
		reloadOnHangup(gctx, path, p, fanout, models)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		// raise falling edges before the sinks go away
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Msg("Pipeline close failed")
		}
		unsubscribe()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return dispatcher.Close(shutdownCtx)
	})

	return g.Wait()
}

// newSource picks the frame source; a snapshot URL wins over a device, which wins over a file
func newSource(cfg config.CaptureConfig, timeout time.Duration) capture.Source {
	switch {
	case cfg.SnapshotURL != "":
		return capture.NewHTTPSource(cfg.SnapshotURL, cfg.Username, cfg.Password, timeout)
	case cfg.Device != "":
		return capture.NewFFmpegSource(cfg.Device, cfg.Resolution)
	case cfg.File != "":
		return capture.NewFileSource(cfg.File)
	default:
		log.Warn().Str("component", "capture").Msg("No capture source configured, capture loop will not start")
		return nil
	}
}

// probeHealth periodically checks the hub and the storage directory. While no
// hub client is connected it retries the connection instead.
func probeHealth(ctx context.Context, models *inference.Manager, fanout *export.Fanout, registry *status.Registry) {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()

	for {
		switch {
		case models.Client() != nil:
			healthy := models.IsHealthy(ctx)
			registry.Set("model.state", healthy)
			if !healthy {
				log.Warn().Str("component", "inference").Msg("Inference hub is not healthy")
			}
		case models.Configured():
			_, _ = models.Reconnect(ctx)
		}
		if storage := fanout.Storage(); storage != nil {
			registry.Set("storage.available", storage.Available())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pruneHistory(ctx context.Context, db *database.Database, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		n, err := db.Prune(time.Now().Add(-retention))
		if err != nil {
			log.Error().Str("component", "database").Err(err).Msg("Failed to prune history")
		} else if n > 0 {
			log.Info().Str("component", "database").Int64("rows", n).Msg("Pruned history")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reloadOnHangup re-reads the configuration file on SIGHUP, swaps the pipeline
// settings and reconnects the hub when hub.* changed. Other sections need a restart.
func reloadOnHangup(ctx context.Context, path string, p *pipeline.Pipeline, fanout *export.Fanout, models *inference.Manager) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		cfg, err := config.Load(path)
		if err != nil {
			log.Error().Str("component", "config").Err(err).Msg("Reload failed, keeping current settings")
			continue
		}
		for _, w := range cfg.Warnings() {
			log.Warn().Str("component", "config").Msg(w)
		}
		fanout.Configure(cfg.Settings.Cropping)
		p.UpdateSettings(&cfg.Settings)
		p.SetAdaptiveRate(cfg.Hub.AdaptiveRate)
		if _, err := models.UpdateConfig(ctx, cfg.Hub); err != nil {
			log.Warn().Str("component", "inference").Err(err).Msg("Hub reconnect after reload failed")
		}
		log.Info().Str("component", "config").Str("path", path).Msg("Settings reloaded")
	}
}
