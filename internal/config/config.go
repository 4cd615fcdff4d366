package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStorageDir is where crops are written when cropping.sdcard is on.
const DefaultStorageDir = "/var/spool/storage/SD_DISK/detectx"

// Rect is a rectangle in the 1000x1000 display space used by the UI.
type Rect struct {
	X1 int `yaml:"x1"`
	Y1 int `yaml:"y1"`
	X2 int `yaml:"x2"`
	Y2 int `yaml:"y2"`
}

// Width returns X2-X1.
func (r Rect) Width() int { return r.X2 - r.X1 }

// Height returns Y2-Y1.
func (r Rect) Height() int { return r.Y2 - r.Y1 }

// Config is the root configuration of the detectx service
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Log      LogConfig      `yaml:"log"`
	Settings Settings       `yaml:"settings"`
	Hub      HubConfig      `yaml:"hub"`
	Capture  CaptureConfig  `yaml:"capture"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
}

// DeviceConfig identifies this device in topics and push payloads
type DeviceConfig struct {
	Serial  string `yaml:"serial"`
	Address string `yaml:"address"`
}

// LogConfig controls the global logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Settings are the hot-reloadable pipeline settings.
// A nil AOI or Size makes every cycle fail until they are restored.
type Settings struct {
	AOI        *Rect          `yaml:"aoi"`
	Size       *Rect          `yaml:"size"`
	Confidence int            `yaml:"confidence"` // 0-100
	Ignore     []string       `yaml:"ignore"`
	BBoxOrigin BBoxOrigin     `yaml:"bbox_origin"`
	Events     EventsConfig   `yaml:"events"`
	Cropping   CroppingConfig `yaml:"cropping"`
	Crops      CropsConfig    `yaml:"crops"`
	Export     ExportConfig   `yaml:"export"`
}

// EventsConfig configures the per-label state machine
type EventsConfig struct {
	Prioritize         Prioritize `yaml:"prioritize"`
	Frames             int        `yaml:"frames"`        // hits needed inside the window
	WindowMs           int        `yaml:"window_ms"`     // desired window length
	WindowFrames       int        `yaml:"window_frames"` // explicit window size, 0 = derive from latency
	MinEventDurationMs int        `yaml:"min_event_duration_ms"`
	MaxLabels          int        `yaml:"max_labels"`
}

// CroppingConfig configures crop extraction and the export sinks
type CroppingConfig struct {
	Active       bool     `yaml:"active"`
	SDCard       bool     `yaml:"sdcard"`
	MQTT         bool     `yaml:"mqtt"`
	HTTP         bool     `yaml:"http"`
	ThrottleMs   int      `yaml:"throttle_ms"`
	LeftBorder   int      `yaml:"left_border"`
	RightBorder  int      `yaml:"right_border"`
	TopBorder    int      `yaml:"top_border"`
	BottomBorder int      `yaml:"bottom_border"`
	MaxSize      int      `yaml:"max_size"` // longest crop side in pixels, 0 = unlimited
	Quality      int      `yaml:"quality"`
	Annotate     bool     `yaml:"annotate"`
	Directory    string   `yaml:"directory"`
	HTTPURL      string   `yaml:"http_url"`
	HTTPAuth     AuthMode `yaml:"http_auth"`
	HTTPUsername string   `yaml:"http_username"`
	HTTPPassword string   `yaml:"http_password"`
	HTTPToken    string   `yaml:"http_token"`
	HTTPTimeout  string   `yaml:"http_timeout"`
}

// CropsConfig sizes the crop history ring
type CropsConfig struct {
	Capacity int `yaml:"capacity"`
}

// ExportConfig sizes the dispatcher lanes
type ExportConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// HubConfig describes the remote inference provider
type HubConfig struct {
	URL              string    `yaml:"url"`
	Username         string    `yaml:"username"`
	Password         string    `yaml:"password"`
	Transport        Transport `yaml:"transport"`
	ScaleMode        ScaleMode `yaml:"scale_mode"`
	Timeout          string    `yaml:"timeout"`
	CaptureRateMs    int       `yaml:"capture_rate_ms"`
	MinCaptureRateMs int       `yaml:"min_capture_rate_ms"`
	AdaptiveRate     bool      `yaml:"adaptive_rate"`
}

// CaptureConfig describes where frames come from
type CaptureConfig struct {
	SnapshotURL string `yaml:"snapshot_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	File        string `yaml:"file"`
	Device      string `yaml:"device"`     // rtsp:// URL or /dev/video*, grabbed through ffmpeg
	Resolution  string `yaml:"resolution"` // v4l2 only, e.g. 1280x720
}

// MQTTConfig describes the messaging broker
type MQTTConfig struct {
	Broker         string `yaml:"broker"`
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	QoS            byte   `yaml:"qos"`
	PublishTimeout string `yaml:"publish_timeout"`
}

// ServerConfig describes the local HTTP API
type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls JWT protection of the local API
type AuthConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"` // plaintext or bcrypt hash
	JWTSecret   string `yaml:"jwt_secret"`
	TokenExpiry string `yaml:"token_expiry"`
}

// DatabaseConfig points at the sqlite event history
type DatabaseConfig struct {
	Path           string `yaml:"path"`
	RetentionHours int    `yaml:"retention_hours"` // 0 keeps everything
}

// Retention returns how long history is kept, 0 meaning forever
func (d *DatabaseConfig) Retention() time.Duration {
	return time.Duration(d.RetentionHours) * time.Hour
}

// Default returns the configuration used for any field the file omits
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Settings: Settings{
			AOI:        &Rect{X1: 100, Y1: 100, X2: 900, Y2: 900},
			Size:       &Rect{},
			Confidence: 50,
			BBoxOrigin: OriginCenter,
			Events: EventsConfig{
				Prioritize:         PrioritizeAccuracy,
				Frames:             3,
				WindowMs:           1000,
				MinEventDurationMs: 3000,
				MaxLabels:          256,
			},
			Cropping: CroppingConfig{
				ThrottleMs:  500,
				Quality:     85,
				Directory:   DefaultStorageDir,
				HTTPAuth:    AuthNone,
				HTTPTimeout: "10s",
			},
			Crops:  CropsConfig{Capacity: 10},
			Export: ExportConfig{QueueSize: 16},
		},
		Hub: HubConfig{
			Transport:        TransportHTTP,
			ScaleMode:        ScaleBalanced,
			Timeout:          "15s",
			CaptureRateMs:    1000,
			MinCaptureRateMs: 100,
			AdaptiveRate:     true,
		},
		MQTT: MQTTConfig{
			ClientID:       "detectx",
			PublishTimeout: "2s",
		},
		Server: ServerConfig{
			Addr: ":8080",
			Auth: AuthConfig{
				Username:    "admin",
				TokenExpiry: "24h",
			},
		},
		Database: DatabaseConfig{Path: "detectx.db", RetentionHours: 168},
	}
}

// Load reads a YAML configuration file on top of Default, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DETECTX_HTTP_PASSWORD"); v != "" {
		c.Settings.Cropping.HTTPPassword = v
	}
	if v := os.Getenv("DETECTX_HTTP_TOKEN"); v != "" {
		c.Settings.Cropping.HTTPToken = v
	}
	if v := os.Getenv("DETECTX_MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("DETECTX_HUB_PASSWORD"); v != "" {
		c.Hub.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Server.Auth.JWTSecret = v
	}
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	var errs []error

	s := &c.Settings
	if s.Confidence < 0 || s.Confidence > 100 {
		errs = append(errs, fmt.Errorf("confidence must be within 0-100, got %d", s.Confidence))
	}
	if s.Events.Frames < 1 {
		errs = append(errs, fmt.Errorf("events.frames must be positive, got %d", s.Events.Frames))
	}
	if s.Events.WindowMs <= 0 && s.Events.WindowFrames <= 0 {
		errs = append(errs, errors.New("events.window_ms or events.window_frames must be set"))
	}
	if s.Events.MinEventDurationMs < 0 {
		errs = append(errs, errors.New("events.min_event_duration_ms cannot be negative"))
	}
	if s.Events.MaxLabels < 1 {
		errs = append(errs, errors.New("events.max_labels must be positive"))
	}
	if s.Cropping.ThrottleMs < 0 {
		errs = append(errs, errors.New("cropping.throttle_ms cannot be negative"))
	}
	if s.Crops.Capacity < 1 {
		errs = append(errs, errors.New("crops.capacity must be positive"))
	}
	if s.Export.QueueSize < 1 {
		errs = append(errs, errors.New("export.queue_size must be positive"))
	}
	if _, err := time.ParseDuration(s.Cropping.HTTPTimeout); err != nil {
		errs = append(errs, fmt.Errorf("cropping.http_timeout: %w", err))
	}
	if c.Hub.CaptureRateMs <= 0 {
		errs = append(errs, errors.New("hub.capture_rate_ms must be positive"))
	}
	if c.Hub.MinCaptureRateMs <= 0 {
		errs = append(errs, errors.New("hub.min_capture_rate_ms must be positive"))
	}
	if _, err := time.ParseDuration(c.Hub.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("hub.timeout: %w", err))
	}
	if _, err := time.ParseDuration(c.MQTT.PublishTimeout); err != nil {
		errs = append(errs, fmt.Errorf("mqtt.publish_timeout: %w", err))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Server.Auth.Enabled && c.Server.Auth.Password == "" {
		errs = append(errs, errors.New("server.auth.password is required when auth is enabled"))
	}
	if c.Database.RetentionHours < 0 {
		errs = append(errs, errors.New("database.retention_hours cannot be negative"))
	}
	if _, err := time.ParseDuration(c.Server.Auth.TokenExpiry); err != nil {
		errs = append(errs, fmt.Errorf("server.auth.token_expiry: %w", err))
	}

	return errors.Join(errs...)
}

// Warnings lists settings that are legal but almost certainly unintended.
func (c *Config) Warnings() []string {
	var warnings []string
	cr := c.Settings.Cropping
	if cr.HTTP && cr.HTTPURL == "" {
		warnings = append(warnings, "HTTP export enabled, but URL is not set")
	}
	if (cr.HTTPAuth == AuthBasic || cr.HTTPAuth == AuthDigest) && cr.HTTPUsername == "" {
		warnings = append(warnings, fmt.Sprintf("http_auth %s configured without http_username", cr.HTTPAuth))
	}
	if cr.HTTPAuth == AuthBearer && cr.HTTPToken == "" {
		warnings = append(warnings, "http_auth bearer configured without http_token")
	}
	if cr.MQTT && c.MQTT.Broker == "" {
		warnings = append(warnings, "MQTT export enabled, but no broker is configured")
	}
	if cr.SDCard && !cr.Active {
		warnings = append(warnings, "sdcard export has no effect while cropping is inactive")
	}
	if c.Hub.URL == "" {
		warnings = append(warnings, "hub.url is not set, capture loop will not start")
	}
	return warnings
}

// Throttle returns the global export throttle interval
func (s *Settings) Throttle() time.Duration {
	return time.Duration(s.Cropping.ThrottleMs) * time.Millisecond
}

// MinEventDuration returns how long a HIGH label survives without sightings
func (s *Settings) MinEventDuration() time.Duration {
	return time.Duration(s.Events.MinEventDurationMs) * time.Millisecond
}

// Timeout returns the HTTP push timeout, falling back to 10s on a bad value
func (c CroppingConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(c.HTTPTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Clone returns a deep copy so callers may mutate it independently
func (s *Settings) Clone() *Settings {
	out := *s
	if s.AOI != nil {
		aoi := *s.AOI
		out.AOI = &aoi
	}
	if s.Size != nil {
		size := *s.Size
		out.Size = &size
	}
	out.Ignore = append([]string(nil), s.Ignore...)
	return &out
}

// CaptureRate returns the configured initial polling interval
func (h *HubConfig) CaptureRate() time.Duration {
	return time.Duration(h.CaptureRateMs) * time.Millisecond
}

// MinCaptureRate returns the floor for the adaptive interval
func (h *HubConfig) MinCaptureRate() time.Duration {
	return time.Duration(h.MinCaptureRateMs) * time.Millisecond
}

// RequestTimeout returns the per-request inference timeout
func (h *HubConfig) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(h.Timeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// PublishTimeoutDuration returns how long a publish may wait for the broker
func (m *MQTTConfig) PublishTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(m.PublishTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}
