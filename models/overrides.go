package models

import (
	"github.com/nvr-ai/go-behavior/images"
	"github.com/nvr-ai/go-behavior/preprocess"
	"github.com/nvr-ai/go-behavior/window"
)

// Overrides replaces selected preset fields. Zero values leave the preset
// untouched; AlertIndex and Softmax are pointers because zero and false are
// meaningful.
type Overrides struct {
	Width         int    `yaml:"width" json:"width,omitempty" validate:"omitempty,gt=0"`
	Height        int    `yaml:"height" json:"height,omitempty" validate:"omitempty,gt=0"`
	ColorOrder    string `yaml:"color_order" json:"color_order,omitempty" validate:"omitempty,oneof=bgr rgb"`
	Interpolation string `yaml:"interpolation" json:"interpolation,omitempty" validate:"omitempty,oneof=nearest bilinear bicubic lanczos"`
	Frames        int    `yaml:"frames" json:"frames,omitempty" validate:"omitempty,gt=0"`
	Policy        string `yaml:"policy" json:"policy,omitempty" validate:"omitempty,oneof=ring batch"`
	AlertIndex    *int   `yaml:"alert_index" json:"alert_index,omitempty" validate:"omitempty,gte=0"`
	AlertLabel    string `yaml:"alert_label" json:"alert_label,omitempty"`
	NormalLabel   string `yaml:"normal_label" json:"normal_label,omitempty"`
	Classes       int    `yaml:"classes" json:"classes,omitempty" validate:"omitempty,gte=2"`
	InputName     string `yaml:"input_name" json:"input_name,omitempty"`
	OutputName    string `yaml:"output_name" json:"output_name,omitempty"`
	Softmax       *bool  `yaml:"softmax" json:"softmax,omitempty"`
	Overlay       string `yaml:"overlay" json:"overlay,omitempty" validate:"omitempty,oneof=label_confidence prediction"`
	AlertMessage  string `yaml:"alert_message" json:"alert_message,omitempty"`
	StatusKey     string `yaml:"status_key" json:"status_key,omitempty"`
	ShortClipText string `yaml:"short_clip_text" json:"short_clip_text,omitempty"`
}

// Resolve looks up a preset, applies overrides and validates the result.
//
// Arguments:
//   - name: The preset name.
//   - o: The overrides, may be nil.
//
// Returns:
//   - Spec: The resolved spec.
//   - error: An error if the preset is unknown or the result is invalid.
func Resolve(name string, o *Overrides) (Spec, error) {
	spec, err := Lookup(name)
	if err != nil {
		return Spec{}, err
	}
	if o != nil {
		spec = o.Apply(spec)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Apply returns s with the set fields replaced.
func (o Overrides) Apply(s Spec) Spec {
	if o.Width > 0 {
		s.Width = o.Width
	}
	if o.Height > 0 {
		s.Height = o.Height
	}
	if o.ColorOrder != "" {
		s.ColorOrder = images.ColorOrder(o.ColorOrder)
	}
	if o.Interpolation != "" {
		s.Interpolation = preprocess.Interpolation(o.Interpolation)
	}
	if o.Frames > 0 {
		s.Frames = o.Frames
		s.Temporal = s.Temporal || o.Frames > 1
	}
	if o.Policy != "" {
		s.Policy = window.Policy(o.Policy)
	}
	if o.AlertIndex != nil {
		s.Mapping.AlertIndex = *o.AlertIndex
	}
	if o.AlertLabel != "" {
		s.Mapping.AlertLabel = o.AlertLabel
	}
	if o.NormalLabel != "" {
		s.Mapping.NormalLabel = o.NormalLabel
	}
	if o.Classes > 0 {
		s.Classes = o.Classes
	}
	if o.InputName != "" {
		s.InputName = o.InputName
	}
	if o.OutputName != "" {
		s.OutputName = o.OutputName
	}
	if o.Softmax != nil {
		s.Softmax = *o.Softmax
	}
	if o.Overlay != "" {
		s.Overlay = OverlayStyle(o.Overlay)
	}
	if o.AlertMessage != "" {
		s.AlertMessage = o.AlertMessage
	}
	if o.StatusKey != "" {
		s.StatusKey = o.StatusKey
	}
	if o.ShortClipText != "" {
		s.ShortClipText = o.ShortClipText
	}
	return s
}
