package ws

import (
	"detectx/internal/cropcache"
	"detectx/internal/pipeline"
)

// Message types sent to clients
const (
	TypeTransition = "transition"
	TypeCrop       = "crop"
)

// TransitionMessage announces a label going HIGH or LOW
type TransitionMessage struct {
	Type       string `json:"type"` // "transition"
	Device     string `json:"device"`
	Label      string `json:"label"`
	State      bool   `json:"state"`
	Timestamp  int64  `json:"timestamp"` // unix ms
	Confidence int    `json:"confidence,omitempty"`
	X          int    `json:"x,omitempty"`
	Y          int    `json:"y,omitempty"`
	W          int    `json:"w,omitempty"`
	H          int    `json:"h,omitempty"`
}

// CropMessage carries a freshly cached crop
type CropMessage struct {
	Type string `json:"type"` // "crop"
	cropcache.Entry
}

// NewTransitionMessage creates a message for t
func NewTransitionMessage(device string, t pipeline.Transition) *TransitionMessage {
	m := &TransitionMessage{
		Type:      TypeTransition,
		Device:    device,
		Label:     t.Label,
		State:     t.State,
		Timestamp: t.Timestamp.UnixMilli(),
	}
	if t.State && t.Detection != nil {
		m.Confidence = t.Detection.Confidence
		m.X = t.Detection.CenterX
		m.Y = t.Detection.CenterY
		m.W = t.Detection.Width
		m.H = t.Detection.Height
	}
	return m
}

// NewCropMessage creates a message for a cached crop
func NewCropMessage(e cropcache.Entry) *CropMessage {
	return &CropMessage{Type: TypeCrop, Entry: e}
}
