package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/icholy/digest"
)

// HTTPSource fetches a JPEG snapshot from a camera URL.
// Cameras behind digest auth are handled transparently.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource creates a snapshot source; username may be empty
func NewHTTPSource(url, username, password string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if username != "" {
		client.Transport = &digest.Transport{
			Username: username,
			Password: password,
		}
	}
	return &HTTPSource{url: url, client: client}
}

func (s *HTTPSource) Capture(ctx context.Context) (*Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return NewFrame(data, time.Now())
}

// FileSource re-reads a JPEG from disk on every capture
type FileSource struct {
	path string
}

// NewFileSource creates a source backed by a file path
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Capture(ctx context.Context) (*Frame, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame file: %w", err)
	}
	return NewFrame(data, time.Now())
}

// FFmpegSource grabs single frames from an RTSP stream or V4L2 device
type FFmpegSource struct {
	device     string
	resolution string
}

// NewFFmpegSource creates an ffmpeg backed source
func NewFFmpegSource(device, resolution string) *FFmpegSource {
	return &FFmpegSource{device: device, resolution: resolution}
}

func (s *FFmpegSource) Capture(ctx context.Context) (*Frame, error) {
	var args []string
	if strings.HasPrefix(s.device, "rtsp://") {
		args = []string{"-rtsp_transport", "tcp", "-i", s.device}
	} else {
		args = []string{"-f", "v4l2"}
		if s.resolution != "" {
			args = append(args, "-video_size", s.resolution)
		}
		args = append(args, "-i", s.device)
	}
	args = append(args, "-vframes", "1", "-f", "mjpeg", "-q:v", "2", "-")

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, stderr.String())
	}
	return NewFrame(stdout.Bytes(), time.Now())
}

// IsNetworkSource reports whether device is a URL rather than a local device
func IsNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}
