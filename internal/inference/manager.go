package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"detectx/internal/config"
	"detectx/internal/status"
)

// Manager owns the hub connection. A reconnect only replaces the client once
// the new hub has answered a capabilities request; on failure the previous
// client keeps serving.
type Manager struct {
	status *status.Registry
	onSwap func(Client)
	dial   func(config.HubConfig) (Client, error)

	reconnectMu sync.Mutex

	mu     sync.RWMutex
	cfg    config.HubConfig
	client Client
	model  *ModelInfo
}

// NewManager creates a manager for cfg. onSwap is called with every newly
// connected client, before the previous one is closed.
func NewManager(cfg config.HubConfig, registry *status.Registry, onSwap func(Client)) *Manager {
	if registry == nil {
		registry = status.NewRegistry()
	}
	return &Manager{
		status: registry,
		onSwap: onSwap,
		dial:   New,
		cfg:    cfg,
	}
}

// Reconnect dials the configured hub and reads its capabilities
func (m *Manager) Reconnect(ctx context.Context) (*ModelInfo, error) {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()
	return m.connect(ctx, cfg)
}

// UpdateConfig stores cfg and reconnects when it differs from the current one
func (m *Manager) UpdateConfig(ctx context.Context, cfg config.HubConfig) (bool, error) {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	m.mu.Lock()
	changed := m.cfg != cfg
	m.cfg = cfg
	m.mu.Unlock()
	if !changed {
		return false, nil
	}

	log.Info().Str("component", "inference").Str("url", cfg.URL).Msg("Hub settings changed, reconnecting")
	_, err := m.connect(ctx, cfg)
	return true, err
}

func (m *Manager) connect(ctx context.Context, cfg config.HubConfig) (*ModelInfo, error) {
	client, err := m.dial(cfg)
	if err != nil {
		m.failed(cfg, err)
		return nil, err
	}

	caps, err := client.Capabilities(ctx)
	if err != nil {
		_ = client.Close()
		err = fmt.Errorf("hub %s: %w", cfg.URL, err)
		m.failed(cfg, err)
		return nil, err
	}
	model := NewModelInfo(cfg.URL, cfg.ScaleMode, caps)

	m.mu.Lock()
	prev := m.client
	m.client, m.model = client, model
	m.mu.Unlock()

	if m.onSwap != nil {
		m.onSwap(client)
	}
	if prev != nil {
		if err := prev.Close(); err != nil {
			log.Debug().Str("component", "inference").Err(err).Msg("Closing previous hub client failed")
		}
	}

	m.status.Set("model.status", "Hub reconnected")
	m.status.Set("model.state", true)
	log.Info().
		Str("component", "inference").
		Str("url", cfg.URL).
		Str("transport", cfg.Transport.String()).
		Int("model_width", caps.ModelWidth).
		Int("model_height", caps.ModelHeight).
		Int("classes", len(caps.Classes)).
		Msg("Connected to hub")
	return model, nil
}

func (m *Manager) failed(cfg config.HubConfig, err error) {
	reason := "Hub reconnection failed"
	if errors.Is(err, ErrNoHub) {
		reason = "Hub not configured"
	}
	m.status.Set("model.status", reason)
	m.status.Set("model.state", false)
	log.Warn().Str("component", "inference").Str("url", cfg.URL).Err(err).Msg(reason)
}

// Model returns the last successful connect result
func (m *Manager) Model() (*ModelInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.model, m.model != nil
}

// Client returns the current client, or nil before the first successful connect
func (m *Manager) Client() Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Configured reports whether a hub URL is set
func (m *Manager) Configured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.URL != ""
}

// IsHealthy checks the current client; false when there is none
func (m *Manager) IsHealthy(ctx context.Context) bool {
	c := m.Client()
	if c == nil {
		return false
	}
	return c.IsHealthy(ctx)
}

// Close closes the current client
func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.client
	m.client, m.model = nil, nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
