// Package export delivers crops and detection summaries to external sinks.
package export

import (
	"strings"
	"time"

	"detectx/internal/cropcache"
)

// Lane names
const (
	SinkStorage   = "storage"
	SinkMessaging = "messaging"
	SinkHTTP      = "http"
)

// Targets selects which sinks receive a crop
type Targets struct {
	SDCard bool
	MQTT   bool
	HTTP   bool
}

// Any reports whether at least one sink is selected
func (t Targets) Any() bool {
	return t.SDCard || t.MQTT || t.HTTP
}

// Job is one accepted detection with its crop, ready for delivery
type Job struct {
	Label      string
	Confidence int
	Timestamp  time.Time
	Index      int           // position in the cycle's accepted batch
	Box        cropcache.Box // detection relative to the crop
	Image      string        // base64 JPEG held by the crop cache
	JPEG       []byte
}

// cropPayload is the JSON object shared by the messaging and HTTP sinks
type cropPayload struct {
	Label      string `json:"label"`
	Timestamp  int64  `json:"timestamp"`
	Confidence int    `json:"confidence"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	W          int    `json:"w"`
	H          int    `json:"h"`
	Image      string `json:"image"`
	Serial     string `json:"serial,omitempty"`
}

func (j *Job) payload(serial string) cropPayload {
	return cropPayload{
		Label:      j.Label,
		Timestamp:  j.Timestamp.UnixMilli(),
		Confidence: j.Confidence,
		X:          j.Box.X,
		Y:          j.Box.Y,
		W:          j.Box.W,
		H:          j.Box.H,
		Image:      j.Image,
		Serial:     serial,
	}
}

var labelReplacer = strings.NewReplacer(" ", "_", "/", "_", "\\", "_", "+", "_", "#", "_")

// SanitizeLabel makes a label safe for file names and topic segments.
// MQTT wildcards are replaced as well.
func SanitizeLabel(label string) string {
	return labelReplacer.Replace(label)
}
