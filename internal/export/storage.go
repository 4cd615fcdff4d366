package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// StorageSink writes crops and their label files to a local directory
type StorageSink struct {
	dir string

	mu    sync.Mutex
	ready bool
}

// NewStorageSink creates a sink rooted at dir. The directory is created on first use.
func NewStorageSink(dir string) *StorageSink {
	return &StorageSink{dir: dir}
}

// Dir returns the target directory
func (s *StorageSink) Dir() string {
	return s.dir
}

// Available reports whether the target directory exists
func (s *StorageSink) Available() bool {
	info, err := os.Stat(s.dir)
	return err == nil && info.IsDir()
}

func (s *StorageSink) ensureDir() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", s.dir, err)
	}
	s.ready = true
	log.Info().Str("component", "storage").Str("dir", s.dir).Msg("Storage directory ready")
	return nil
}

// Paths returns the image and label file paths for a job
func (s *StorageSink) Paths(job *Job) (string, string) {
	base := fmt.Sprintf("crop_%s_%d_%d", SanitizeLabel(job.Label), job.Timestamp.UnixMilli(), job.Index)
	return filepath.Join(s.dir, base+".jpg"), filepath.Join(s.dir, base+".txt")
}

// Send writes the JPEG and a "label x y w h" line next to it
func (s *StorageSink) Send(ctx context.Context, job *Job) error {
	if err := s.ensureDir(); err != nil {
		return err
	}

	imgPath, labelPath := s.Paths(job)
	if err := os.WriteFile(imgPath, job.JPEG, 0o644); err != nil {
		return fmt.Errorf("failed to save crop %s: %w", imgPath, err)
	}

	line := fmt.Sprintf("%s %d %d %d %d\n", job.Label, job.Box.X, job.Box.Y, job.Box.W, job.Box.H)
	if err := os.WriteFile(labelPath, []byte(line), 0o644); err != nil {
		return fmt.Errorf("failed to save crop label %s: %w", labelPath, err)
	}
	return nil
}
