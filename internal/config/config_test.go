package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	s := cfg.Settings
	require.NotNil(t, s.AOI)
	assert.Equal(t, Rect{X1: 100, Y1: 100, X2: 900, Y2: 900}, *s.AOI)
	assert.Equal(t, PrioritizeAccuracy, s.Events.Prioritize)
	assert.Equal(t, OriginCenter, s.BBoxOrigin)
	assert.Equal(t, 3, s.Events.Frames)
	assert.Equal(t, 500*time.Millisecond, s.Throttle())
	assert.Equal(t, 3*time.Second, s.MinEventDuration())
	assert.Equal(t, 10, s.Crops.Capacity)
	assert.Equal(t, time.Second, cfg.Hub.CaptureRate())
	assert.Equal(t, 100*time.Millisecond, cfg.Hub.MinCaptureRate())
	assert.True(t, cfg.Hub.AdaptiveRate)
}

func TestParse_PartialKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
device:
  serial: ACCC8E000001
settings:
  confidence: 70
  ignore: [car, "traffic light"]
  events:
    prioritize: speed
  cropping:
    active: true
    http: true
    http_url: http://example.com/hook
    http_auth: digest
    http_username: user
hub:
  url: http://hub:8000
  transport: grpc
  adaptive_rate: false
`))
	require.NoError(t, err)

	assert.Equal(t, "ACCC8E000001", cfg.Device.Serial)
	assert.Equal(t, 70, cfg.Settings.Confidence)
	assert.Equal(t, []string{"car", "traffic light"}, cfg.Settings.Ignore)
	assert.Equal(t, PrioritizeSpeed, cfg.Settings.Events.Prioritize)
	assert.Equal(t, AuthDigest, cfg.Settings.Cropping.HTTPAuth)
	assert.Equal(t, TransportGRPC, cfg.Hub.Transport)
	assert.False(t, cfg.Hub.AdaptiveRate)

	// untouched fields keep their defaults
	assert.Equal(t, 1000, cfg.Settings.Events.WindowMs)
	assert.Equal(t, 500, cfg.Settings.Cropping.ThrottleMs)
	assert.Equal(t, DefaultStorageDir, cfg.Settings.Cropping.Directory)
	require.NotNil(t, cfg.Settings.AOI)
}

func TestParse_UnknownEnum(t *testing.T) {
	_, err := Parse([]byte("settings:\n  events:\n    prioritize: fastest\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown value "fastest"`)

	_, err = Parse([]byte("settings:\n  cropping:\n    http_auth: ntlm\n"))
	require.Error(t, err)
}

func TestParse_BBoxOrigin(t *testing.T) {
	cfg, err := Parse([]byte("settings:\n  bbox_origin: top_left\n"))
	require.NoError(t, err)
	assert.Equal(t, OriginTopLeft, cfg.Settings.BBoxOrigin)
	assert.Equal(t, "top_left", cfg.Settings.BBoxOrigin.String())

	cfg, err = Parse([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, "center", cfg.Settings.BBoxOrigin.String())
}

func TestParse_NullAOI(t *testing.T) {
	cfg, err := Parse([]byte("settings:\n  aoi: null\n"))
	require.NoError(t, err)
	assert.Nil(t, cfg.Settings.AOI)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Settings.Confidence = 150
	cfg.Settings.Crops.Capacity = 0
	cfg.Server.Auth.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence")
	assert.Contains(t, err.Error(), "crops.capacity")
	assert.Contains(t, err.Error(), "server.auth.password")
}

func TestWarnings(t *testing.T) {
	cfg := Default()
	cfg.Hub.URL = "http://hub"
	assert.Empty(t, cfg.Warnings())

	cfg.Settings.Cropping.HTTP = true
	cfg.Settings.Cropping.HTTPAuth = AuthBearer
	warnings := cfg.Warnings()
	assert.Contains(t, warnings, "HTTP export enabled, but URL is not set")
	assert.Contains(t, warnings, "http_auth bearer configured without http_token")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "detectx.yaml")
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  confidence: 42\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Settings.Confidence)

	_, err = Load(filepath.Join(dir, "detectx.json"))
	require.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DETECTX_HTTP_TOKEN", "secret-token")
	t.Setenv("JWT_SECRET", "jwt")

	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Settings.Cropping.HTTPToken)
	assert.Equal(t, "jwt", cfg.Server.Auth.JWTSecret)
}

func TestSettingsClone(t *testing.T) {
	s := Default().Settings
	s.Ignore = []string{"dog"}

	c := s.Clone()
	c.AOI.X1 = 0
	c.Ignore[0] = "cat"

	assert.Equal(t, 100, s.AOI.X1)
	assert.Equal(t, "dog", s.Ignore[0])
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "detectx.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ACCC8E000001", cfg.Device.Serial)
	assert.Equal(t, TransportHTTP, cfg.Hub.Transport)
	assert.Equal(t, ScaleBalanced, cfg.Hub.ScaleMode)
	assert.Equal(t, 168*time.Hour, cfg.Database.Retention())
	assert.True(t, cfg.Settings.Cropping.MQTT)
	assert.Equal(t, OriginCenter, cfg.Settings.BBoxOrigin)
}
