package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/icholy/digest"

	"detectx/internal/config"
)

// ErrNoURL is returned when HTTP push is built without a target
var ErrNoURL = errors.New("http push url is not set")

// HTTPConfig describes the push target
type HTTPConfig struct {
	URL      string
	Auth     config.AuthMode
	Username string
	Password string
	Token    string
	Timeout  time.Duration
	Serial   string
}

// HTTPSink posts crops as JSON to a webhook
type HTTPSink struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPSink creates a push sink. Digest auth swaps in a challenge-aware transport.
func NewHTTPSink(cfg HTTPConfig) (*HTTPSink, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Auth == config.AuthDigest {
		client.Transport = &digest.Transport{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	return &HTTPSink{cfg: cfg, client: client}, nil
}

// URL returns the push target
func (s *HTTPSink) URL() string {
	return s.cfg.URL
}

// Send posts the crop with the device serial attached
func (s *HTTPSink) Send(ctx context.Context, job *Job) error {
	return s.post(ctx, job.payload(s.cfg.Serial))
}

func (s *HTTPSink) post(ctx context.Context, v any) error {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	switch s.cfg.Auth {
	case config.AuthBasic:
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	case config.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return handleResponse(resp)
}

func handleResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("http push returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
