package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Prioritize selects the event debounce strategy.
type Prioritize int

const (
	// PrioritizeAccuracy uses rolling-window hysteresis before raising an event.
	PrioritizeAccuracy Prioritize = iota
	// PrioritizeSpeed raises an event on the first sighting.
	PrioritizeSpeed
)

var prioritizeNames = map[string]Prioritize{
	"accuracy": PrioritizeAccuracy,
	"speed":    PrioritizeSpeed,
}

func (p Prioritize) String() string {
	if p == PrioritizeSpeed {
		return "speed"
	}
	return "accuracy"
}

// UnmarshalYAML decodes the strategy name once at load time.
func (p *Prioritize) UnmarshalYAML(node *yaml.Node) error {
	v, err := decodeEnum(node, prioritizeNames, "prioritize")
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// AuthMode is the authentication scheme used by the HTTP push sink.
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthBasic
	AuthDigest
	AuthBearer
)

var authModeNames = map[string]AuthMode{
	"none":   AuthNone,
	"":       AuthNone,
	"basic":  AuthBasic,
	"digest": AuthDigest,
	"bearer": AuthBearer,
}

func (a AuthMode) String() string {
	switch a {
	case AuthBasic:
		return "basic"
	case AuthDigest:
		return "digest"
	case AuthBearer:
		return "bearer"
	default:
		return "none"
	}
}

// UnmarshalYAML decodes the auth mode name once at load time.
func (a *AuthMode) UnmarshalYAML(node *yaml.Node) error {
	v, err := decodeEnum(node, authModeNames, "http_auth")
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// BBoxOrigin tells the filter how the hub reports box positions.
type BBoxOrigin int

const (
	// OriginCenter means x,y is the centre of the box. This is what the hub returns.
	OriginCenter BBoxOrigin = iota
	// OriginTopLeft means x,y is the top-left corner of the box.
	OriginTopLeft
)

var bboxOriginNames = map[string]BBoxOrigin{
	"top_left": OriginTopLeft,
	"center":   OriginCenter,
}

func (o BBoxOrigin) String() string {
	if o == OriginTopLeft {
		return "top_left"
	}
	return "center"
}

func (o *BBoxOrigin) UnmarshalYAML(node *yaml.Node) error {
	v, err := decodeEnum(node, bboxOriginNames, "bbox_origin")
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Transport selects how frames reach the inference hub.
type Transport int

const (
	TransportHTTP Transport = iota
	TransportGRPC
)

var transportNames = map[string]Transport{
	"http": TransportHTTP,
	"grpc": TransportGRPC,
}

func (t Transport) String() string {
	if t == TransportGRPC {
		return "grpc"
	}
	return "http"
}

func (t *Transport) UnmarshalYAML(node *yaml.Node) error {
	v, err := decodeEnum(node, transportNames, "transport")
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ScaleMode tells the hub how to fit a frame into the model input.
type ScaleMode int

const (
	ScaleBalanced ScaleMode = iota
	ScaleCrop
	ScaleLetterbox
)

var scaleModeNames = map[string]ScaleMode{
	"balanced":  ScaleBalanced,
	"crop":      ScaleCrop,
	"letterbox": ScaleLetterbox,
}

func (s ScaleMode) String() string {
	switch s {
	case ScaleCrop:
		return "crop"
	case ScaleLetterbox:
		return "letterbox"
	default:
		return "balanced"
	}
}

func (s *ScaleMode) UnmarshalYAML(node *yaml.Node) error {
	v, err := decodeEnum(node, scaleModeNames, "scale_mode")
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func decodeEnum[T any](node *yaml.Node, names map[string]T, field string) (T, error) {
	var zero T
	var s string
	if err := node.Decode(&s); err != nil {
		return zero, fmt.Errorf("%s: %w", field, err)
	}
	v, ok := names[s]
	if !ok {
		return zero, fmt.Errorf("%s: unknown value %q", field, s)
	}
	return v, nil
}
