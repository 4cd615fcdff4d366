package inference

import (
	"google.golang.org/protobuf/types/known/structpb"

	"detectx/internal/pipeline"
)

// wireDetection is one detection as the hub reports it. A hub either sends a
// normalized centre box in x/y/w/h, or a top-left pixel box in bbox_pixels
// together with the size of the image it was computed on.
type wireDetection struct {
	Label      string     `json:"label"`
	C          *float64   `json:"c"`
	Confidence float64    `json:"confidence"`
	X          float64    `json:"x"`
	Y          float64    `json:"y"`
	W          float64    `json:"w"`
	H          float64    `json:"h"`
	BBoxPixels *pixelBox  `json:"bbox_pixels,omitempty"`
	Image      *imageSize `json:"image,omitempty"`
}

type pixelBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type imageSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// raw returns the detection as a normalized centre box
func (d wireDetection) raw() pipeline.RawDetection {
	r := pipeline.RawDetection{
		Label:      d.Label,
		Confidence: d.Confidence,
		X:          d.X,
		Y:          d.Y,
		W:          d.W,
		H:          d.H,
	}
	if d.C != nil {
		r.Confidence = *d.C
	}

	b, img := d.BBoxPixels, d.Image
	if b != nil && img != nil && img.Width > 0 && img.Height > 0 {
		r.W = b.W / img.Width
		r.H = b.H / img.Height
		r.X = b.X/img.Width + r.W/2
		r.Y = b.Y/img.Height + r.H/2
	}
	return r
}

func toRaw(in []wireDetection) []pipeline.RawDetection {
	if in == nil {
		return nil
	}
	out := make([]pipeline.RawDetection, 0, len(in))
	for _, d := range in {
		out = append(out, d.raw())
	}
	return out
}

func wireFromStruct(obj *structpb.Struct) wireDetection {
	f := obj.GetFields()
	d := wireDetection{
		Label:      f["label"].GetStringValue(),
		Confidence: f["confidence"].GetNumberValue(),
		X:          f["x"].GetNumberValue(),
		Y:          f["y"].GetNumberValue(),
		W:          f["w"].GetNumberValue(),
		H:          f["h"].GetNumberValue(),
	}
	if v, ok := f["c"]; ok {
		c := v.GetNumberValue()
		d.C = &c
	}
	if bs := f["bbox_pixels"].GetStructValue(); bs != nil {
		bf := bs.GetFields()
		d.BBoxPixels = &pixelBox{
			X: bf["x"].GetNumberValue(),
			Y: bf["y"].GetNumberValue(),
			W: bf["w"].GetNumberValue(),
			H: bf["h"].GetNumberValue(),
		}
	}
	if is := f["image"].GetStructValue(); is != nil {
		imf := is.GetFields()
		d.Image = &imageSize{
			Width:  imf["width"].GetNumberValue(),
			Height: imf["height"].GetNumberValue(),
		}
	}
	return d
}
