package pipeline

import (
	"math"
	"time"
)

// UndefinedLabel replaces a missing label in hub output
const UndefinedLabel = "Undefined"

// MaxLabelLen is the longest label kept, in bytes
const MaxLabelLen = 63

// RawDetection is one detection as reported by the inference hub.
// Coordinates and size are normalized to [0,1].
type RawDetection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"c"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
}

// Detection is an accepted detection in frame pixel space
type Detection struct {
	Label      string    `json:"label"`
	Confidence int       `json:"c"` // 0-100
	CenterX    int       `json:"x"`
	CenterY    int       `json:"y"`
	Width      int       `json:"w"`
	Height     int       `json:"h"`
	Timestamp  time.Time `json:"-"`
	Index      int       `json:"-"` // position in the cycle's accepted batch
}

// summaryDetection is the wire form used on detection/<device>
type summaryDetection struct {
	Label      string `json:"label"`
	Confidence int    `json:"c"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	W          int    `json:"w"`
	H          int    `json:"h"`
	Timestamp  int64  `json:"timestamp"`
}

func toSummary(dets []Detection) []summaryDetection {
	out := make([]summaryDetection, len(dets))
	for i, d := range dets {
		out[i] = summaryDetection{
			Label:      d.Label,
			Confidence: d.Confidence,
			X:          d.CenterX,
			Y:          d.CenterY,
			W:          d.Width,
			H:          d.Height,
			Timestamp:  d.Timestamp.UnixMilli(),
		}
	}
	return out
}

// Transition is a label changing state
type Transition struct {
	Label     string     `json:"label"`
	State     bool       `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
	Detection *Detection `json:"detection,omitempty"` // nil for falling edges
}

// Payload returns the JSON object published for the transition.
// Rising edges carry the detection fields, falling edges only label, state and time.
func (t Transition) Payload() map[string]any {
	p := map[string]any{
		"label":     t.Label,
		"state":     t.State,
		"timestamp": t.Timestamp.UnixMilli(),
	}
	if t.State && t.Detection != nil {
		p["c"] = t.Detection.Confidence
		p["x"] = t.Detection.CenterX
		p["y"] = t.Detection.CenterY
		p["w"] = t.Detection.Width
		p["h"] = t.Detection.Height
	}
	return p
}

// finite maps NaN and infinities to zero
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
