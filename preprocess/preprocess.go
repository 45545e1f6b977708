// Package preprocess - Frame normalization into classifier input slices.
package preprocess

import (
	"fmt"
	"image"
	"strings"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-behavior/images"
)

// Interpolation names a deterministic resampling method.
type Interpolation string

const (
	// InterpolationNearest is nearest-neighbor sampling.
	InterpolationNearest Interpolation = "nearest"
	// InterpolationBilinear matches OpenCV's default INTER_LINEAR closely.
	InterpolationBilinear Interpolation = "bilinear"
	// InterpolationBicubic is Mitchell-Netravali cubic sampling.
	InterpolationBicubic Interpolation = "bicubic"
	// InterpolationLanczos is Lanczos3 sampling.
	InterpolationLanczos Interpolation = "lanczos"
)

func (i Interpolation) function() (resize.InterpolationFunction, error) {
	switch Interpolation(strings.ToLower(string(i))) {
	case InterpolationNearest:
		return resize.NearestNeighbor, nil
	case InterpolationBilinear, "":
		return resize.Bilinear, nil
	case InterpolationBicubic:
		return resize.MitchellNetravali, nil
	case InterpolationLanczos:
		return resize.Lanczos3, nil
	default:
		return 0, fmt.Errorf("unknown interpolation %q", string(i))
	}
}

// InvalidFrameError reports a frame that violates the preprocessing
// precondition (wrong channel count, wrong size, no pixels).
type InvalidFrameError struct {
	Reason string
}

func (e *InvalidFrameError) Error() string {
	return "invalid frame: " + e.Reason
}

// Config defines the input contract of one classifier.
type Config struct {
	// Width is the model's input width.
	Width int `json:"width" yaml:"width"`
	// Height is the model's input height.
	Height int `json:"height" yaml:"height"`
	// ColorOrder is the channel order the model was trained on.
	ColorOrder images.ColorOrder `json:"color_order" yaml:"color_order"`
	// Interpolation is the resampling method, bilinear when empty.
	Interpolation Interpolation `json:"interpolation" yaml:"interpolation"`
}

// Preprocessor turns raw frames into HWC float32 slices in [0,1].
type Preprocessor struct {
	config Config
	interp resize.InterpolationFunction
}

// New creates a preprocessor for the given model input contract.
//
// Arguments:
//   - config: The model-specific preprocessing configuration.
//
// Returns:
//   - *Preprocessor: The configured preprocessor.
//   - error: An error if the configuration is unusable.
func New(config Config) (*Preprocessor, error) {
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("invalid model input size %dx%d", config.Width, config.Height)
	}
	if _, err := images.ParseColorOrder(string(config.ColorOrder)); err != nil {
		return nil, errors.Wrap(err, "model color order must be stated explicitly")
	}
	interp, err := config.Interpolation.function()
	if err != nil {
		return nil, err
	}
	return &Preprocessor{config: config, interp: interp}, nil
}

// Config returns the preprocessing configuration.
func (p *Preprocessor) Config() Config {
	return p.config
}

// SliceLen is the number of floats produced per frame (H*W*3).
func (p *Preprocessor) SliceLen() int {
	return p.config.Width * p.config.Height * 3
}

// Preprocess converts the color order, resizes and scales one frame.
//
// The steps run in this order: channel reorder to the model's order, resize
// to the model's resolution, divide by 255. The input frame is never written.
//
// Arguments:
//   - frame: The raw frame from the capture source.
//
// Returns:
//   - []float32: A new H*W*3 slice, channels interleaved.
//   - error: An *InvalidFrameError if the frame is malformed.
func (p *Preprocessor) Preprocess(frame images.Frame) ([]float32, error) {
	if err := frame.Validate(); err != nil {
		return nil, &InvalidFrameError{Reason: err.Error()}
	}

	ordered := p.reorder(frame)
	resized := resize.Resize(uint(p.config.Width), uint(p.config.Height), ordered, p.interp)

	return p.scale(resized), nil
}

// reorder copies the frame into an RGBA container whose first three channel
// slots hold the bytes in the model's order.
func (p *Preprocessor) reorder(frame images.Frame) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	swap := frame.Order != p.config.ColorOrder

	src := frame.Data
	for i, j := 0, 0; i < len(src); i, j = i+3, j+4 {
		if swap {
			dst.Pix[j], dst.Pix[j+1], dst.Pix[j+2] = src[i+2], src[i+1], src[i]
		} else {
			dst.Pix[j], dst.Pix[j+1], dst.Pix[j+2] = src[i], src[i+1], src[i+2]
		}
		dst.Pix[j+3] = 0xff
	}
	return dst
}

func (p *Preprocessor) scale(img image.Image) []float32 {
	out := make([]float32, 0, p.SliceLen())
	b := img.Bounds()

	if rgba, ok := img.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				o := rgba.PixOffset(x, y)
				out = append(out,
					float32(rgba.Pix[o])/255.0,
					float32(rgba.Pix[o+1])/255.0,
					float32(rgba.Pix[o+2])/255.0,
				)
			}
		}
		return out
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c0, c1, c2, _ := img.At(x, y).RGBA()
			out = append(out,
				float32(c0>>8)/255.0,
				float32(c1>>8)/255.0,
				float32(c2>>8)/255.0,
			)
		}
	}
	return out
}
