// Package cropper cuts detection crops out of the inference frame.
package cropper

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"detectx/internal/cropcache"
)

// ErrEmptyCrop is returned when the bordered box has no area left after clamping.
var ErrEmptyCrop = errors.New("crop is empty after clamping")

// Borders extends the crop beyond the detection box, in pixels
type Borders struct {
	Left   int
	Right  int
	Top    int
	Bottom int
}

// Options controls crop extraction
type Options struct {
	Borders  Borders
	MaxSize  int  // longest side after fitting, 0 keeps native size
	Quality  int  // JPEG quality 1-100
	Annotate bool // draw the box and label onto the crop
}

// Result is an encoded crop and the detection box relative to it
type Result struct {
	JPEG   []byte
	Box    cropcache.Box
	Region image.Rectangle // crop area in frame pixels
}

// Cropper extracts crops with fixed options
type Cropper struct {
	opts Options
}

// New creates a cropper
func New(opts Options) *Cropper {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 85
	}
	return &Cropper{opts: opts}
}

// Decode decodes the inference JPEG once so every detection in a cycle can share it
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

// Region computes the bordered crop rectangle for a centre-format box,
// clamped to bounds, and the detection box relative to the crop.
func Region(centerX, centerY, w, h int, b Borders, bounds image.Rectangle) (image.Rectangle, cropcache.Box, error) {
	left := centerX - w/2
	top := centerY - h/2

	x := left - b.Left
	y := top - b.Top
	cw := w + b.Left + b.Right
	ch := h + b.Top + b.Bottom

	if x < bounds.Min.X {
		cw -= bounds.Min.X - x
		x = bounds.Min.X
	}
	if y < bounds.Min.Y {
		ch -= bounds.Min.Y - y
		y = bounds.Min.Y
	}
	if x+cw > bounds.Max.X {
		cw = bounds.Max.X - x
	}
	if y+ch > bounds.Max.Y {
		ch = bounds.Max.Y - y
	}
	if cw <= 0 || ch <= 0 {
		return image.Rectangle{}, cropcache.Box{}, fmt.Errorf("%w: %dx%d", ErrEmptyCrop, cw, ch)
	}

	region := image.Rect(x, y, x+cw, y+ch)
	box := cropcache.Box{X: left - x, Y: top - y, W: w, H: h}
	return region, box, nil
}

// Extract crops one detection out of img and encodes it as JPEG.
func (c *Cropper) Extract(img image.Image, label string, confidence, centerX, centerY, w, h int) (*Result, error) {
	region, box, err := Region(centerX, centerY, w, h, c.opts.Borders, img.Bounds())
	if err != nil {
		return nil, err
	}

	cropped := imaging.Crop(img, region)

	if c.opts.MaxSize > 0 {
		cw, ch := cropped.Bounds().Dx(), cropped.Bounds().Dy()
		if cw > c.opts.MaxSize || ch > c.opts.MaxSize {
			cropped = imaging.Fit(cropped, c.opts.MaxSize, c.opts.MaxSize, imaging.Lanczos)
			box = scaleBox(box, float64(cropped.Bounds().Dx())/float64(cw), float64(cropped.Bounds().Dy())/float64(ch))
		}
	}

	var out image.Image = cropped
	if c.opts.Annotate {
		rgba := image.NewRGBA(cropped.Bounds())
		draw.Draw(rgba, rgba.Bounds(), cropped, cropped.Bounds().Min, draw.Src)
		boxColor := color.RGBA{0, 255, 0, 255}
		drawBox(rgba, box.X, box.Y, box.W, box.H, boxColor, 2)
		drawLabel(rgba, box.X, box.Y-14, fmt.Sprintf("%s %d%%", label, confidence), boxColor)
		out = rgba
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: c.opts.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}

	return &Result{JPEG: buf.Bytes(), Box: box, Region: region}, nil
}

func scaleBox(b cropcache.Box, sx, sy float64) cropcache.Box {
	return cropcache.Box{
		X: int(float64(b.X) * sx),
		Y: int(float64(b.Y) * sy),
		W: int(float64(b.W) * sx),
		H: int(float64(b.H) * sy),
	}
}

func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	b := img.Bounds()
	set := func(px, py int) {
		if image.Pt(px, py).In(b) {
			img.Set(px, py, c)
		}
	}
	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			set(i, y+t)
			set(i, y+h-1-t)
		}
		for j := y; j < y+h; j++ {
			set(x+t, j)
			set(x+w-1-t, j)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	bg := color.RGBA{0, 0, 0, 180}
	textWidth := font.MeasureString(basicfont.Face7x13, label).Ceil()
	for dy := 0; dy < 14; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if image.Pt(px, py).In(img.Bounds()) {
				img.Set(px, py, bg)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 11)},
	}
	d.DrawString(label)
}
