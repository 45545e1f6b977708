// Package models - Registry of deployable behavior classifiers.
package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-behavior/decision"
	"github.com/nvr-ai/go-behavior/images"
	"github.com/nvr-ai/go-behavior/inference"
	"github.com/nvr-ai/go-behavior/preprocess"
	"github.com/nvr-ai/go-behavior/verdict"
	"github.com/nvr-ai/go-behavior/window"
)

// ModelName identifies a preset.
type ModelName string

const (
	// ModelNameThrowingWaste is the single-frame littering classifier.
	ModelNameThrowingWaste ModelName = "throwing-waste"
	// ModelNameViolenceLive is the 20-frame violence classifier over a live feed.
	ModelNameViolenceLive ModelName = "violence-live"
	// ModelNameViolenceClip is the 20-frame violence classifier over a stored clip.
	ModelNameViolenceClip ModelName = "violence-clip"
)

// OverlayStyle selects how a verdict is written on a frame.
type OverlayStyle string

const (
	// OverlayLabelConfidence renders "LABEL 0.93".
	OverlayLabelConfidence OverlayStyle = "label_confidence"
	// OverlayPrediction renders "Prediction: Label".
	OverlayPrediction OverlayStyle = "prediction"
)

// Spec is everything the pipeline needs to know about one classifier.
type Spec struct {
	Name ModelName `json:"name"`

	// Width and Height are the model's input resolution.
	Width  int `json:"width"`
	Height int `json:"height"`
	// ColorOrder is the channel order the model was trained on.
	ColorOrder    images.ColorOrder        `json:"color_order"`
	Interpolation preprocess.Interpolation `json:"interpolation"`

	// Frames is T; 1 for single-frame models.
	Frames   int           `json:"frames"`
	Temporal bool          `json:"temporal"`
	Policy   window.Policy `json:"policy"`

	Mapping decision.Mapping `json:"mapping"`
	Classes int              `json:"classes"`

	InputName  string `json:"input_name"`
	OutputName string `json:"output_name"`
	Softmax    bool   `json:"softmax"`

	Overlay OverlayStyle `json:"overlay"`
	// AlertMessage is the text of raised alert events.
	AlertMessage string `json:"alert_message"`
	// StatusKey names the boolean status read model.
	StatusKey string `json:"status_key"`
	// ShortClipText is reported when a clip ends before the window fills.
	ShortClipText string `json:"short_clip_text"`
}

var presets = map[ModelName]Spec{
	ModelNameThrowingWaste: {
		Name:          ModelNameThrowingWaste,
		Width:         64,
		Height:        64,
		ColorOrder:    images.ColorOrderRGB,
		Interpolation: preprocess.InterpolationBilinear,
		Frames:        1,
		Policy:        window.PolicyRing,
		Mapping: decision.Mapping{
			AlertIndex:  0,
			AlertLabel:  "THROWING_WASTE",
			NormalLabel: "NOT_THROWING_WASTE",
		},
		Classes:       2,
		InputName:     "input",
		OutputName:    "output",
		Overlay:       OverlayLabelConfidence,
		AlertMessage:  "Throwing waste detected!",
		StatusKey:     "throwing",
		ShortClipText: "Video too short",
	},
	ModelNameViolenceLive: {
		Name:          ModelNameViolenceLive,
		Width:         112,
		Height:        112,
		ColorOrder:    images.ColorOrderBGR,
		Interpolation: preprocess.InterpolationBilinear,
		Frames:        20,
		Temporal:      true,
		Policy:        window.PolicyRing,
		Mapping: decision.Mapping{
			AlertIndex:  1,
			AlertLabel:  "Violence",
			NormalLabel: "NonViolence",
		},
		Classes:       2,
		InputName:     "input",
		OutputName:    "output",
		Overlay:       OverlayPrediction,
		AlertMessage:  "⚠ Violence Detected (Live)!",
		StatusKey:     "violence",
		ShortClipText: "Video too short",
	},
	ModelNameViolenceClip: {
		Name:          ModelNameViolenceClip,
		Width:         112,
		Height:        112,
		ColorOrder:    images.ColorOrderBGR,
		Interpolation: preprocess.InterpolationBilinear,
		Frames:        20,
		Temporal:      true,
		Policy:        window.PolicyBatch,
		Mapping: decision.Mapping{
			AlertIndex:  0,
			AlertLabel:  "Violence",
			NormalLabel: "NonViolence",
		},
		Classes:       2,
		InputName:     "input",
		OutputName:    "output",
		Overlay:       OverlayPrediction,
		AlertMessage:  "Violence Detected!",
		StatusKey:     "violence",
		ShortClipText: "Video too short",
	},
}

// Lookup returns a copy of the named preset.
//
// Arguments:
//   - name: The preset name, case-insensitive.
//
// Returns:
//   - Spec: The preset.
//   - error: An error if no preset has that name.
func Lookup(name string) (Spec, error) {
	spec, ok := presets[ModelName(strings.ToLower(strings.TrimSpace(name)))]
	if !ok {
		return Spec{}, fmt.Errorf("unsupported model name: %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return spec, nil
}

// Names returns the preset names in sorted order.
func Names() []string {
	out := make([]string, 0, len(presets))
	for n := range presets {
		out = append(out, string(n))
	}
	sort.Strings(out)
	return out
}

// Validate checks that the spec describes a usable classifier.
func (s Spec) Validate() error {
	if _, err := preprocess.New(s.PreprocessConfig()); err != nil {
		return errors.Wrapf(err, "model %s", s.Name)
	}
	if _, err := window.New(s.WindowOptions()); err != nil {
		return errors.Wrapf(err, "model %s", s.Name)
	}
	if err := s.Mapping.Validate(); err != nil {
		return errors.Wrapf(err, "model %s", s.Name)
	}
	if s.Classes < 2 {
		return errors.Errorf("model %s: at least 2 classes required, got %d", s.Name, s.Classes)
	}
	if s.Mapping.AlertIndex >= s.Classes {
		return errors.Errorf("model %s: alert index %d outside %d classes", s.Name, s.Mapping.AlertIndex, s.Classes)
	}
	switch s.Overlay {
	case OverlayLabelConfidence, OverlayPrediction:
	default:
		return errors.Errorf("model %s: unknown overlay style %q", s.Name, s.Overlay)
	}
	return nil
}

// PreprocessConfig returns the frame normalization contract.
func (s Spec) PreprocessConfig() preprocess.Config {
	return preprocess.Config{
		Width:         s.Width,
		Height:        s.Height,
		ColorOrder:    s.ColorOrder,
		Interpolation: s.Interpolation,
	}
}

// WindowOptions returns the sliding window configuration.
func (s Spec) WindowOptions() window.Options {
	return window.Options{
		Length:   s.Frames,
		Width:    s.Width,
		Height:   s.Height,
		Policy:   s.Policy,
		Temporal: s.Temporal,
	}
}

// InputShape returns the model's input tensor shape.
func (s Spec) InputShape() tensor.Shape {
	if s.Temporal {
		return tensor.Shape{1, s.Frames, s.Height, s.Width, 3}
	}
	return tensor.Shape{1, s.Height, s.Width, 3}
}

// ModelArgs returns the tensor contract of the model file at path.
func (s Spec) ModelArgs(path string) inference.ModelArgs {
	return inference.ModelArgs{
		Name:       string(s.Name),
		Path:       path,
		InputName:  s.InputName,
		OutputName: s.OutputName,
		InputShape: s.InputShape(),
		Classes:    s.Classes,
		Softmax:    s.Softmax,
	}
}

// OverlayText renders a verdict for drawing on a frame. The placeholder
// carries no confidence, so the label-confidence style shows it bare.
func (s Spec) OverlayText(v verdict.Verdict) string {
	switch {
	case s.Overlay == OverlayPrediction:
		return "Prediction: " + v.Label
	case v.Placeholder:
		return v.Label
	default:
		return fmt.Sprintf("%s %.2f", v.Label, v.Confidence)
	}
}
