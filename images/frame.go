// Package images - Raw video frames as delivered by a capture source.
package images

import (
	"fmt"
	"image"
	"strings"
	"time"
)

// ColorOrder is the byte order of the three color channels of a pixel.
type ColorOrder string

const (
	// ColorOrderBGR is the order OpenCV capture sources deliver.
	ColorOrderBGR ColorOrder = "bgr"
	// ColorOrderRGB is the order most Keras/TF image models are trained on.
	ColorOrderRGB ColorOrder = "rgb"
)

// ParseColorOrder parses "bgr" or "rgb" (case-insensitive).
func ParseColorOrder(s string) (ColorOrder, error) {
	switch ColorOrder(strings.ToLower(strings.TrimSpace(s))) {
	case ColorOrderBGR:
		return ColorOrderBGR, nil
	case ColorOrderRGB:
		return ColorOrderRGB, nil
	default:
		return "", fmt.Errorf("unknown color order %q (want bgr or rgb)", s)
	}
}

// Frame is a 2-D grid of 3-channel pixels stored row-major, interleaved (HWC).
//
// Frames handed out by a capture source are owned by the reader. Anything
// that draws on a frame must draw on a Clone.
type Frame struct {
	// Width of the frame in pixels.
	Width int
	// Height of the frame in pixels.
	Height int
	// Channels per pixel, 3 for every well-formed frame.
	Channels int
	// Order of the channel bytes, BGR for OpenCV sources.
	Order ColorOrder
	// Data holds Height*Width*Channels bytes.
	Data []byte
	// Seq is the zero-based index of the frame within its source.
	Seq uint64
	// Timestamp is when the frame was acquired.
	Timestamp time.Time
}

// NewFrame wraps BGR pixel data in a Frame.
func NewFrame(width, height int, data []byte) Frame {
	return Frame{
		Width:     width,
		Height:    height,
		Channels:  3,
		Order:     ColorOrderBGR,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	c := f
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return c
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool {
	return f.Width == 0 || f.Height == 0 || len(f.Data) == 0
}

// Validate checks the frame is a well-formed 3-channel grid.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame dimensions %dx%d", f.Width, f.Height)
	}
	if f.Channels != 3 {
		return fmt.Errorf("frame has %d channels, want 3", f.Channels)
	}
	if want := f.Width * f.Height * f.Channels; len(f.Data) != want {
		return fmt.Errorf("frame holds %d bytes, want %d for %dx%dx%d",
			len(f.Data), want, f.Width, f.Height, f.Channels)
	}
	switch f.Order {
	case ColorOrderBGR, ColorOrderRGB:
	default:
		return fmt.Errorf("frame has unknown color order %q", f.Order)
	}
	return nil
}

// Pixel returns the raw channel bytes at (x, y) in the frame's own order.
func (f Frame) Pixel(x, y int) (c0, c1, c2 byte) {
	i := (y*f.Width + x) * f.Channels
	return f.Data[i], f.Data[i+1], f.Data[i+2]
}

// FromImage converts any image.Image into a BGR frame.
//
// Arguments:
//   - img: The decoded image.
//
// Returns:
//   - Frame: A BGR frame with the image's dimensions.
func FromImage(img image.Image) Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]byte, w*h*3)

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			data[i] = byte(bl >> 8)
			data[i+1] = byte(g >> 8)
			data[i+2] = byte(r >> 8)
			i += 3
		}
	}

	return NewFrame(w, h, data)
}
