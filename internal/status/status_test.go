package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SetGet(t *testing.T) {
	r := NewRegistry()
	r.Set("model.state", true)

	v, ok := r.Get("model.state")
	require.True(t, ok)
	assert.Equal(t, true, v)

	r.Delete("model.state")
	_, ok = r.Get("model.state")
	assert.False(t, ok)
}

func TestRegistry_Health(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Healthy())

	r.SetHealthy(false, "Missing AOI")
	assert.False(t, r.Healthy())
	v, _ := r.Get("model.status")
	assert.Equal(t, "Missing AOI", v)

	r.SetHealthy(true, "")
	v, _ = r.Get("model.status")
	assert.Equal(t, "OK", v)
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.Set("labels.person", true)
	r.Set("labels.car", false)
	r.Set("model.averageTime", 120)
	r.Set("uptime", "1h")

	snap := r.Snapshot()
	labels, ok := snap["labels"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, labels["person"])
	assert.Equal(t, false, labels["car"])
	assert.Equal(t, "1h", snap["uptime"])
	assert.Equal(t, true, snap["healthy"])
	assert.Contains(t, snap, "updated")
}
