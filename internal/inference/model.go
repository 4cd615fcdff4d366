package inference

import (
	"google.golang.org/protobuf/types/known/structpb"

	"detectx/internal/config"
)

// Capabilities describes the model the hub is serving
type Capabilities struct {
	Version      string
	ModelWidth   int
	ModelHeight  int
	Channels     int
	MaxQueueSize int
	Classes      []string
}

// capabilitiesResponse is the body of GET /capabilities
type capabilitiesResponse struct {
	Version string `json:"version"`
	Model   struct {
		InputWidth   int `json:"input_width"`
		InputHeight  int `json:"input_height"`
		Channels     int `json:"channels"`
		MaxQueueSize int `json:"max_queue_size"`
		Classes      []struct {
			Name string `json:"name"`
		} `json:"classes"`
	} `json:"model"`
}

func (r *capabilitiesResponse) capabilities() *Capabilities {
	caps := &Capabilities{
		Version:      r.Version,
		ModelWidth:   r.Model.InputWidth,
		ModelHeight:  r.Model.InputHeight,
		Channels:     r.Model.Channels,
		MaxQueueSize: r.Model.MaxQueueSize,
		Classes:      make([]string, 0, len(r.Model.Classes)),
	}
	for _, c := range r.Model.Classes {
		caps.Classes = append(caps.Classes, classOrUnknown(c.Name))
	}
	return caps.withDefaults()
}

func (c *Capabilities) withDefaults() *Capabilities {
	if c.Version == "" {
		c.Version = "unknown"
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 10
	}
	return c
}

func classOrUnknown(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}

// CapabilitiesFromStruct reads a gRPC capabilities response, which mirrors
// the JSON body of the REST endpoint.
func CapabilitiesFromStruct(s *structpb.Struct) *Capabilities {
	f := s.GetFields()
	m := f["model"].GetStructValue().GetFields()

	caps := &Capabilities{
		Version:      f["version"].GetStringValue(),
		ModelWidth:   int(m["input_width"].GetNumberValue()),
		ModelHeight:  int(m["input_height"].GetNumberValue()),
		Channels:     int(m["channels"].GetNumberValue()),
		MaxQueueSize: int(m["max_queue_size"].GetNumberValue()),
	}
	for _, v := range m["classes"].GetListValue().GetValues() {
		caps.Classes = append(caps.Classes, classOrUnknown(v.GetStructValue().GetFields()["name"].GetStringValue()))
	}
	return caps.withDefaults()
}

// HubInfo is the hub section of ModelInfo
type HubInfo struct {
	URL         string `json:"url"`
	ModelWidth  int    `json:"model_width"`
	ModelHeight int    `json:"model_height"`
	Classes     int    `json:"classes"`
}

// ModelInfo is what GET /model reports after a successful connect
type ModelInfo struct {
	VideoWidth  int      `json:"videoWidth"`
	VideoHeight int      `json:"videoHeight"`
	VideoAspect string   `json:"videoAspect"`
	Hub         HubInfo  `json:"hub"`
	Classes     []string `json:"classes"`
}

// NewModelInfo derives the capture size for the scale mode from the model input.
// crop captures the model input as is, balanced a 4:3 frame and letterbox a
// 16:9 frame of the same height. Both sides are rounded down to a multiple of 8.
func NewModelInfo(url string, scale config.ScaleMode, caps *Capabilities) *ModelInfo {
	width, height := caps.ModelWidth, caps.ModelHeight
	switch scale {
	case config.ScaleCrop:
	case config.ScaleBalanced:
		width = height * 4 / 3
	default:
		width = height * 16 / 9
	}
	width = width / 8 * 8
	height = height / 8 * 8

	classes := caps.Classes
	if classes == nil {
		classes = []string{}
	}
	return &ModelInfo{
		VideoWidth:  width,
		VideoHeight: height,
		VideoAspect: aspectName(width, height),
		Hub: HubInfo{
			URL:         url,
			ModelWidth:  caps.ModelWidth,
			ModelHeight: caps.ModelHeight,
			Classes:     len(caps.Classes),
		},
		Classes: classes,
	}
}

func aspectName(width, height int) string {
	if height == 0 {
		return "16:9"
	}
	aspect := float64(width) / float64(height)
	switch {
	case aspect >= 1.7:
		return "16:9"
	case aspect >= 1.2 && aspect < 1.5:
		return "4:3"
	case aspect >= 0.9 && aspect <= 1.1:
		return "1:1"
	default:
		return "16:9"
	}
}
