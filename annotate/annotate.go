// Package annotate - Verdict overlays drawn on frame copies and encoded as
// JPEG for the video feed.
package annotate

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-behavior/images"
	"github.com/nvr-ai/go-behavior/verdict"
)

var (
	colorAlert       = color.RGBA{R: 255, A: 255}
	colorNormal      = color.RGBA{G: 255, A: 255}
	colorPlaceholder = color.RGBA{G: 255, B: 255, A: 255}
)

// Options configures the overlay.
type Options struct {
	// Origin is the text baseline position (default 10,30).
	Origin image.Point
	// Scale is the Hershey font scale (default 1.0).
	Scale float64
	// Thickness is the stroke width (default 2).
	Thickness int
}

// TextColor returns the overlay color for v.
func TextColor(v verdict.Verdict) color.RGBA {
	switch {
	case v.Placeholder:
		return colorPlaceholder
	case v.Alert:
		return colorAlert
	default:
		return colorNormal
	}
}

// OpenCV draws with gocv.PutText and encodes with gocv.IMEncode.
type OpenCV struct {
	opts Options
}

// NewOpenCV returns an OpenCV annotator.
func NewOpenCV(opts Options) *OpenCV {
	if opts.Origin == (image.Point{}) {
		opts.Origin = image.Pt(10, 30)
	}
	if opts.Scale == 0 {
		opts.Scale = 1.0
	}
	if opts.Thickness == 0 {
		opts.Thickness = 2
	}
	return &OpenCV{opts: opts}
}

// Annotate copies the frame into a Mat, writes text and returns JPEG bytes.
//
// Arguments:
//   - frame: The frame to draw on. It is copied before drawing.
//   - text: The overlay text.
//   - v: The verdict, used to pick the color.
//
// Returns:
//   - []byte: The encoded JPEG.
//   - error: An error if the frame is malformed or encoding fails.
func (a *OpenCV) Annotate(frame images.Frame, text string, v verdict.Verdict) ([]byte, error) {
	mat, err := ToMat(frame)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	if text != "" {
		gocv.PutText(&mat, text, a.opts.Origin, gocv.FontHersheySimplex, a.opts.Scale, TextColor(v), a.opts.Thickness)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	defer buf.Close()

	data := buf.GetBytes()
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ToMat copies a frame into a new 8-bit BGR Mat. The caller closes it.
func ToMat(frame images.Frame) (gocv.Mat, error) {
	if err := frame.Validate(); err != nil {
		return gocv.Mat{}, err
	}

	data := make([]byte, len(frame.Data))
	if frame.Order == images.ColorOrderRGB {
		for i := 0; i < len(data); i += 3 {
			data[i], data[i+1], data[i+2] = frame.Data[i+2], frame.Data[i+1], frame.Data[i]
		}
	} else {
		copy(data, frame.Data)
	}

	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, data)
	if err != nil {
		return gocv.Mat{}, errors.Wrap(err, "frame to mat")
	}
	return mat, nil
}
