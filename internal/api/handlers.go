package api

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	goahttp "goa.design/goa/v3/http"

	"detectx/internal/auth"
	"detectx/internal/capture"
	"detectx/internal/cropcache"
	"detectx/internal/database"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

var (
	errUnavailable     = errors.New("not available")
	errHubNotConnected = errors.New("hub not connected")
)

func methodNotAllowed(allow string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allow)
		errorHandler(r.Context(), w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// handleCrops returns the crop cache newest first
func (s *Server) handleCrops(w http.ResponseWriter, r *http.Request) {
	entries := []cropcache.Entry{}
	if s.opts.Crops != nil {
		if dump := s.opts.Crops.Dump(); dump != nil {
			entries = dump
		}
	}
	writeJSON(r.Context(), w, http.StatusOK, entries)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	if s.opts.Status != nil {
		body = s.opts.Status.Snapshot()
	}
	if s.opts.Stats != nil {
		for k, v := range s.opts.Stats() {
			body[k] = v
		}
	}
	writeJSON(r.Context(), w, http.StatusOK, body)
}

// handleEvents lists transitions; ?limit=N (default 50) and ?label=name
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		errorHandler(r.Context(), w, http.StatusServiceUnavailable, fmt.Errorf("event history %w", errUnavailable))
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errorHandler(r.Context(), w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.opts.Events.ListEvents(r.URL.Query().Get("label"), limit)
	if err != nil {
		errorHandler(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []*database.EventRecord{}
	}
	writeJSON(r.Context(), w, http.StatusOK, events)
}

// handleSnapshot serves the last frame sent for inference
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.opts.Snapshots == nil {
		errorHandler(r.Context(), w, http.StatusNotFound, capture.ErrNoFrame)
		return
	}
	frame, err := s.opts.Snapshots.Latest()
	if err != nil {
		errorHandler(r.Context(), w, http.StatusNotFound, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame.JPEG)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Last-Modified", frame.Timestamp.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame.JPEG)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports 503 until the pipeline has settings, a provider and a healthy model
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ready := s.opts.Ready == nil || s.opts.Ready()
	body := map[string]any{"ready": ready}
	if s.opts.Status != nil {
		if v, ok := s.opts.Status.Get("model.status"); ok {
			body["model"] = v
		}
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(r.Context(), w, code, body)
}

// handleModel returns the hub's model description from the last connect
func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	if s.opts.Model == nil {
		errorHandler(r.Context(), w, http.StatusServiceUnavailable, errHubNotConnected)
		return
	}
	model, ok := s.opts.Model.Model()
	if !ok {
		errorHandler(r.Context(), w, http.StatusServiceUnavailable, errHubNotConnected)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, model)
}

type modelAction struct {
	Action string `json:"action"`
}

// handleModelAction runs {"action":"reconnect"} against the hub
func (s *Server) handleModelAction(w http.ResponseWriter, r *http.Request) {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		errorHandler(r.Context(), w, http.StatusUnsupportedMediaType, errors.New("unsupported media type, use application/json"))
		return
	}

	var req modelAction
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		errorHandler(r.Context(), w, http.StatusBadRequest, fmt.Errorf("invalid model request: %w", err))
		return
	}
	switch req.Action {
	case "":
		errorHandler(r.Context(), w, http.StatusBadRequest, errors.New("missing action field"))
		return
	case "reconnect":
	default:
		errorHandler(r.Context(), w, http.StatusBadRequest, fmt.Errorf("unknown action %q", req.Action))
		return
	}

	if s.opts.Model == nil {
		errorHandler(r.Context(), w, http.StatusServiceUnavailable, errHubNotConnected)
		return
	}
	model, err := s.opts.Model.Reconnect(r.Context())
	if err != nil {
		errorHandler(r.Context(), w, http.StatusServiceUnavailable, fmt.Errorf("hub reconnection failed: %w", err))
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, model)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.opts.Auth == nil || !s.opts.Auth.IsEnabled() {
		errorHandler(r.Context(), w, http.StatusNotFound, auth.ErrAuthDisabled)
		return
	}

	var req loginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		errorHandler(r.Context(), w, http.StatusBadRequest, fmt.Errorf("invalid login body: %w", err))
		return
	}

	token, expiresAt, err := s.opts.Auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		errorHandler(r.Context(), w, http.StatusUnauthorized, err)
		return
	case err != nil:
		errorHandler(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}
