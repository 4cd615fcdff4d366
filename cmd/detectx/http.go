package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"detectx/internal/api"
	"detectx/internal/auth"
	"detectx/internal/capture"
	"detectx/internal/config"
	"detectx/internal/cropcache"
	"detectx/internal/database"
	"detectx/internal/export"
	"detectx/internal/inference"
	"detectx/internal/messaging"
	"detectx/internal/pipeline"
	"detectx/internal/status"
	"detectx/internal/ws"
)

type httpDeps struct {
	pipeline  *pipeline.Pipeline
	crops     *cropcache.Cache
	registry  *status.Registry
	db        *database.Database
	snapshots *capture.SnapshotStore
	live      http.Handler
	models    *inference.Manager
	fanout    *export.Fanout
	mqtt      *messaging.MQTTPublisher
	hub       *ws.Hub
}

// serveHTTP starts the API server on cfg.Server.Addr and shuts it down
// gracefully when ctx is cancelled.
func serveHTTP(ctx context.Context, cfg *config.Config, deps httpDeps, debug bool) error {
	authenticator, err := auth.NewAuthenticator(cfg.Server.Auth)
	if err != nil {
		return err
	}

	server := api.New(api.Options{
		Crops:     deps.crops,
		Status:    deps.registry,
		Events:    deps.db,
		Snapshots: deps.snapshots,
		Auth:      authenticator,
		Model:     deps.models,
		Live:      deps.live,
		Stats:     statsFunc(deps),
		Ready:     deps.pipeline.Ready,
		Debug:     debug,
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: server.Handler(), ReadHeaderTimeout: time.Second * 60}
	for _, m := range server.Mounts() {
		log.Debug().Str("component", "http").Str("verb", m.Verb).Str("pattern", m.Pattern).Msg("HTTP route mounted")
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("component", "http").Str("addr", cfg.Server.Addr).Bool("auth", authenticator.IsEnabled()).Msg("HTTP server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Str("component", "http").Str("addr", cfg.Server.Addr).Msg("Shutting down HTTP server")

	// Shutdown gracefully with a 30s timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Str("component", "http").Err(err).Msg("Failed to shutdown")
		return err
	}
	return nil
}

// statsFunc collects the counters merged into GET /status
func statsFunc(deps httpDeps) func() map[string]any {
	return func() map[string]any {
		out := map[string]any{
			"pipeline": deps.pipeline.Stats(),
			"export":   deps.fanout.Stats(),
			"ws": map[string]any{
				"clients": deps.hub.ClientCount(),
				"dropped": deps.hub.Dropped(),
			},
		}
		if deps.mqtt != nil {
			out["mqtt"] = deps.mqtt.Stats()
		}
		return out
	}
}
