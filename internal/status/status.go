// Package status holds the service status tree served at GET /status.
package status

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is a concurrent map of dotted keys ("model.state") to values.
type Registry struct {
	mu      sync.RWMutex
	values  map[string]any
	updated time.Time
	healthy bool
}

// NewRegistry creates an empty registry that reports healthy
func NewRegistry() *Registry {
	return &Registry{
		values:  make(map[string]any),
		healthy: true,
	}
}

// Set stores value under key
func (r *Registry) Set(key string, value any) {
	r.mu.Lock()
	r.values[key] = value
	r.updated = time.Now()
	r.mu.Unlock()
}

// Get returns the value for key
func (r *Registry) Get(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

// Delete removes key
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	delete(r.values, key)
	r.mu.Unlock()
}

// SetHealthy records whether the last cycle succeeded and why it did not.
func (r *Registry) SetHealthy(healthy bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy = healthy
	if healthy {
		r.values["model.status"] = "OK"
	} else {
		r.values["model.status"] = reason
	}
	r.updated = time.Now()
}

// Healthy reports the last health flag
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy
}

// Snapshot returns the registry as a nested tree, splitting keys on the first dot.
// "labels.person" becomes {"labels": {"person": ...}}.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys)+2)
	for _, k := range keys {
		group, name, ok := strings.Cut(k, ".")
		if !ok {
			out[k] = r.values[k]
			continue
		}
		sub, isMap := out[group].(map[string]any)
		if !isMap {
			sub = make(map[string]any)
			out[group] = sub
		}
		sub[name] = r.values[k]
	}
	out["healthy"] = r.healthy
	if !r.updated.IsZero() {
		out["updated"] = r.updated.UTC().Format(time.RFC3339)
	}
	return out
}
