// Package api serves the local HTTP interface: crops, status, history and the live feed.
package api

import (
	"context"
	stdlog "log"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"detectx/internal/auth"
	"detectx/internal/capture"
	"detectx/internal/cropcache"
	"detectx/internal/database"
	"detectx/internal/inference"
	mw "detectx/internal/middleware"
	"detectx/internal/status"
)

// CropSource lists cached crops newest first
type CropSource interface {
	Dump() []cropcache.Entry
}

// EventStore reads transition history
type EventStore interface {
	ListEvents(label string, limit int) ([]*database.EventRecord, error)
}

// ModelService exposes the hub connection
type ModelService interface {
	Model() (*inference.ModelInfo, bool)
	Reconnect(ctx context.Context) (*inference.ModelInfo, error)
}

// Options wires the API to the running service. Nil fields disable the
// endpoints that need them.
type Options struct {
	Crops     CropSource
	Status    *status.Registry
	Events    EventStore
	Snapshots *capture.SnapshotStore
	Auth      *auth.Authenticator
	Model     ModelService
	Live      http.Handler         // GET /ws/events
	Stats     func() map[string]any // merged into GET /status
	Ready     func() bool           // GET /readyz
	Debug     bool
}

// Server holds the HTTP handlers
type Server struct {
	opts Options
}

// Mount describes one mounted route
type Mount struct {
	Verb    string
	Pattern string
}

// New creates the API server
func New(opts Options) *Server {
	return &Server{opts: opts}
}

// Mounts lists the routes Mount registers
func (s *Server) Mounts() []Mount {
	return []Mount{
		{http.MethodGet, "/crops"},
		{http.MethodGet, "/status"},
		{http.MethodGet, "/events"},
		{http.MethodGet, "/snapshot"},
		{http.MethodGet, "/healthz"},
		{http.MethodGet, "/readyz"},
		{http.MethodGet, "/model"},
		{http.MethodPost, "/model"},
		{http.MethodPost, "/login"},
		{http.MethodGet, "/ws/events"},
	}
}

// Mount registers every route on mux
func (s *Server) Mount(mux goahttp.Muxer) {
	mux.Handle(http.MethodGet, "/crops", s.handleCrops)
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		mux.Handle(m, "/crops", methodNotAllowed(http.MethodGet))
	}
	mux.Handle(http.MethodGet, "/status", s.handleStatus)
	mux.Handle(http.MethodGet, "/events", s.handleEvents)
	mux.Handle(http.MethodGet, "/snapshot", s.handleSnapshot)
	mux.Handle(http.MethodGet, "/healthz", s.handleHealthz)
	mux.Handle(http.MethodGet, "/readyz", s.handleReadyz)
	mux.Handle(http.MethodGet, "/model", s.handleModel)
	mux.Handle(http.MethodPost, "/model", s.handleModelAction)
	for _, m := range []string{http.MethodPut, http.MethodPatch, http.MethodDelete} {
		mux.Handle(m, "/model", methodNotAllowed(http.MethodGet+", "+http.MethodPost))
	}
	mux.Handle(http.MethodPost, "/login", s.handleLogin)
	if s.opts.Live != nil {
		mux.Handle(http.MethodGet, "/ws/events", s.opts.Live.ServeHTTP)
	}
}

// Handler builds the muxer and wraps it with auth, logging and request IDs
func (s *Server) Handler() http.Handler {
	mux := goahttp.NewMuxer()
	s.Mount(mux)

	var handler http.Handler = mux
	if s.opts.Debug {
		handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
	}
	if s.opts.Auth != nil {
		handler = mw.AuthMiddleware(s.opts.Auth, "/healthz", "/readyz", "/login")(handler)
	}

	adapter := middleware.NewLogger(stdlog.New(log.With().Str("component", "http").Logger(), "", 0))
	handler = httpmdlwr.Log(adapter)(handler)
	handler = httpmdlwr.RequestID()(handler)
	return handler
}

// errorHandler writes err as JSON, tagged with the request ID when present
func errorHandler(ctx context.Context, w http.ResponseWriter, status int, err error) {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	if status >= http.StatusInternalServerError {
		log.Error().Str("component", "http").Str("request_id", id).Err(err).Msg("Request failed")
	}
	writeJSON(ctx, w, status, errorBody{Error: err.Error(), ID: id})
}

type errorBody struct {
	Error string `json:"error"`
	ID    string `json:"id,omitempty"`
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		log.Warn().Str("component", "http").Err(err).Msg("Failed to encode response")
	}
}
