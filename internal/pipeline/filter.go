package pipeline

import (
	"errors"
	"slices"
	"time"
	"unicode/utf8"

	"detectx/internal/config"
)

var (
	// ErrMissingAOI is returned when no area of interest is configured
	ErrMissingAOI = errors.New("missing AOI settings")
	// ErrMissingSize is returned when no minimum size is configured
	ErrMissingSize = errors.New("missing size settings")
)

// displaySpace is the side of the square coordinate space the AOI and size are drawn in
const displaySpace = 1000

// FilterSettings are the inputs of one Filter call
type FilterSettings struct {
	AOI         *config.Rect
	Size        *config.Rect
	Confidence  int
	Ignore      []string
	Origin      config.BBoxOrigin
	FrameWidth  int
	FrameHeight int
}

// NewFilterSettings binds pipeline settings to a frame size
func NewFilterSettings(s *config.Settings, frameWidth, frameHeight int) FilterSettings {
	return FilterSettings{
		AOI:         s.AOI,
		Size:        s.Size,
		Confidence:  s.Confidence,
		Ignore:      s.Ignore,
		Origin:      s.BBoxOrigin,
		FrameWidth:  frameWidth,
		FrameHeight: frameHeight,
	}
}

// Filter converts raw detections to pixel space and keeps those that pass the
// confidence, AOI, minimum size and ignore-list checks, in input order.
func Filter(raw []RawDetection, s FilterSettings, ts time.Time) ([]Detection, error) {
	if s.AOI == nil {
		return nil, ErrMissingAOI
	}
	if s.Size == nil {
		return nil, ErrMissingSize
	}

	minWidth := s.Size.Width()
	minHeight := s.Size.Height()

	accepted := make([]Detection, 0, len(raw))
	for _, r := range raw {
		x, y := finite(r.X), finite(r.Y)
		w, h := finite(r.W), finite(r.H)

		// normalized centre
		nx, ny := x, y
		if s.Origin == config.OriginTopLeft {
			nx = x + w/2
			ny = y + h/2
		}

		confidence := int(finite(r.Confidence) * 100)
		if confidence < s.Confidence {
			continue
		}

		dcx, dcy := int(nx*displaySpace), int(ny*displaySpace)
		if dcx < s.AOI.X1 || dcx > s.AOI.X2 || dcy < s.AOI.Y1 || dcy > s.AOI.Y2 {
			continue
		}
		if int(w*displaySpace) < minWidth || int(h*displaySpace) < minHeight {
			continue
		}

		label := NormalizeLabel(r.Label)
		if slices.Contains(s.Ignore, label) {
			continue
		}

		accepted = append(accepted, Detection{
			Label:      label,
			Confidence: confidence,
			CenterX:    int(nx * float64(s.FrameWidth)),
			CenterY:    int(ny * float64(s.FrameHeight)),
			Width:      int(w * float64(s.FrameWidth)),
			Height:     int(h * float64(s.FrameHeight)),
			Timestamp:  ts,
			Index:      len(accepted),
		})
	}
	return accepted, nil
}

// NormalizeLabel defaults an empty label and truncates to MaxLabelLen bytes
// without splitting a multi-byte rune.
func NormalizeLabel(label string) string {
	if label == "" {
		return UndefinedLabel
	}
	if len(label) <= MaxLabelLen {
		return label
	}
	cut := MaxLabelLen
	for cut > 0 && !utf8.RuneStart(label[cut]) {
		cut--
	}
	return label[:cut]
}
