package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"detectx/internal/capture"
	"detectx/internal/config"
	"detectx/internal/pipeline"
)

// healthCacheTTL is how long a successful /health probe is trusted
const healthCacheTTL = 30 * time.Second

// HTTPClient sends frames to the hub's REST endpoint
type HTTPClient struct {
	endpoint  string
	username  string
	password  string
	scaleMode config.ScaleMode
	client    *http.Client

	mu          sync.RWMutex
	healthCheck time.Time
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	ModelLoaded bool   `json:"model_loaded"`
}

type inferenceResponse struct {
	Detections      []wireDetection `json:"detections"`
	InferenceTimeMs float64         `json:"inference_time_ms"`
}

// NewHTTPClient creates a client for cfg.URL
func NewHTTPClient(cfg config.HubConfig) *HTTPClient {
	return &HTTPClient{
		endpoint:  strings.TrimRight(cfg.URL, "/"),
		username:  cfg.Username,
		password:  cfg.Password,
		scaleMode: cfg.ScaleMode,
		client: &http.Client{
			Timeout: cfg.RequestTimeout(),
		},
	}
}

// IsHealthy checks if the hub is reachable and has a model loaded
func (c *HTTPClient) IsHealthy(ctx context.Context) bool {
	c.mu.RLock()
	if time.Since(c.healthCheck) < healthCacheTTL {
		c.mu.RUnlock()
		return true
	}
	c.mu.RUnlock()

	health, err := c.Health(ctx)
	if err != nil || !health.ModelLoaded {
		if err != nil {
			log.Debug().Str("component", "inference").Err(err).Msg("Hub health check failed")
		}
		c.mu.Lock()
		c.healthCheck = time.Time{}
		c.mu.Unlock()
		return false
	}

	c.mu.Lock()
	c.healthCheck = time.Now()
	c.mu.Unlock()
	return true
}

// Health returns detailed health information
func (c *HTTPClient) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check hub health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub health check returned status %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// Capabilities fetches the model description from GET /capabilities
func (c *HTTPClient) Capabilities(ctx context.Context) (*Capabilities, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/capabilities", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get hub capabilities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub capabilities returned status %d", resp.StatusCode)
	}

	var body capabilitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities response: %w", err)
	}
	if body.Model.InputWidth <= 0 || body.Model.InputHeight <= 0 {
		return nil, errors.New("hub capabilities missing model input size")
	}
	return body.capabilities(), nil
}

// Infer posts the frame as multipart JPEG and returns the hub's detections
func (c *HTTPClient) Infer(ctx context.Context, frame *capture.Frame) ([]pipeline.RawDetection, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(frame.JPEG); err != nil {
		return nil, err
	}
	if err := w.WriteField("scale_mode", c.scaleMode.String()); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/inference", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.invalidate()
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode inference response: %w", err)
	}
	return toRaw(result.Detections), nil
}

// Close releases idle connections
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

func (c *HTTPClient) invalidate() {
	c.mu.Lock()
	c.healthCheck = time.Time{}
	c.mu.Unlock()
}
