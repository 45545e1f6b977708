// Package decision - Turns classifier probability vectors into verdicts and
// decides when an alert is raised.
package decision

import (
	"fmt"
	"time"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-behavior/verdict"
)

// ErrInvalidProbabilities is returned for empty or non-finite vectors and
// for vectors too short for the configured alert index.
var ErrInvalidProbabilities = errors.New("invalid probability vector")

// Mapping names which class index is the alert condition for one model.
//
// Some models put the alert class at index 0 and others at index 1; the
// index is always configured, never derived.
type Mapping struct {
	// AlertIndex is the class index that means the alert condition.
	AlertIndex int `json:"alert_index" yaml:"alert_index"`
	// AlertLabel is reported when argmax == AlertIndex.
	AlertLabel string `json:"alert_label" yaml:"alert_label"`
	// NormalLabel is reported for every other argmax.
	NormalLabel string `json:"normal_label" yaml:"normal_label"`
}

// Validate checks the mapping can produce distinct, real labels.
func (m Mapping) Validate() error {
	if m.AlertIndex < 0 {
		return fmt.Errorf("alert index must be non-negative, got %d", m.AlertIndex)
	}
	if m.AlertLabel == "" || m.NormalLabel == "" {
		return errors.New("alert and normal labels are required")
	}
	if m.AlertLabel == m.NormalLabel {
		return fmt.Errorf("alert and normal labels must differ, both are %q", m.AlertLabel)
	}
	if m.AlertLabel == verdict.PlaceholderLabel || m.NormalLabel == verdict.PlaceholderLabel {
		return fmt.Errorf("%q is reserved for the warm-up placeholder", verdict.PlaceholderLabel)
	}
	return nil
}

// Argmax returns the index of the largest value. Ties go to the lowest index.
func Argmax(probs []float32) int {
	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return best
}

// Classify maps one probability vector to a verdict without touching any
// state.
//
// Confidence is read from the mapped slot: probs[AlertIndex] for an alert,
// the mass outside AlertIndex otherwise.
//
// Arguments:
//   - probs: The classifier output, length C.
//
// Returns:
//   - verdict.Verdict: The verdict, without Seq or Timestamp.
//   - error: ErrInvalidProbabilities (wrapped) on bad input.
func (m Mapping) Classify(probs []float32) (verdict.Verdict, error) {
	if len(probs) == 0 {
		return verdict.Verdict{}, errors.Wrap(ErrInvalidProbabilities, "empty vector")
	}
	if m.AlertIndex >= len(probs) {
		return verdict.Verdict{}, errors.Wrapf(ErrInvalidProbabilities,
			"alert index %d outside vector of length %d", m.AlertIndex, len(probs))
	}
	for i, p := range probs {
		if math32.IsNaN(p) || math32.IsInf(p, 0) {
			return verdict.Verdict{}, errors.Wrapf(ErrInvalidProbabilities, "value %d is %v", i, p)
		}
	}

	idx := Argmax(probs)
	v := verdict.Verdict{ClassIndex: idx}

	if idx == m.AlertIndex {
		v.Label = m.AlertLabel
		v.Alert = true
		v.Confidence = clamp01(probs[m.AlertIndex])
		return v, nil
	}

	var rest float32
	for i, p := range probs {
		if i != m.AlertIndex {
			rest += p
		}
	}
	v.Label = m.NormalLabel
	v.Confidence = clamp01(rest)
	return v, nil
}

func clamp01(x float32) float32 {
	return math32.Max(0, math32.Min(1, x))
}

// Engine is the single writer of a stream's verdict cell.
//
// An Engine is not safe for concurrent use; readers go through the cell.
type Engine struct {
	mapping   Mapping
	cell      *verdict.Cell
	prevLabel string
	now       func() time.Time
}

// NewEngine creates an engine writing into cell.
//
// Arguments:
//   - mapping: The model's index mapping.
//   - cell: The cell shared with readers.
//
// Returns:
//   - *Engine: The engine, with the placeholder as its prior label.
//   - error: An error if the mapping is invalid.
func NewEngine(mapping Mapping, cell *verdict.Cell) (*Engine, error) {
	if err := mapping.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid index mapping")
	}
	if cell == nil {
		cell = verdict.NewCell()
	}
	return &Engine{
		mapping:   mapping,
		cell:      cell,
		prevLabel: verdict.PlaceholderLabel,
		now:       time.Now,
	}, nil
}

// Mapping returns the engine's index mapping.
func (e *Engine) Mapping() Mapping {
	return e.mapping
}

// Cell returns the verdict cell the engine writes.
func (e *Engine) Cell() *verdict.Cell {
	return e.cell
}

// Current returns the latest stored verdict.
func (e *Engine) Current() verdict.Verdict {
	return e.cell.Load()
}

// Decide classifies probs, publishes the verdict, and reports whether it is
// a transition into the alert label.
//
// On error nothing is published and the prior verdict stays current.
//
// Arguments:
//   - probs: The classifier output.
//
// Returns:
//   - verdict.Verdict: The published verdict.
//   - bool: True when an alert event should be raised.
//   - error: ErrInvalidProbabilities (wrapped) on bad input.
func (e *Engine) Decide(probs []float32) (verdict.Verdict, bool, error) {
	v, err := e.mapping.Classify(probs)
	if err != nil {
		return e.cell.Load(), false, err
	}
	v.Timestamp = e.now()

	raise := v.Alert && e.prevLabel != v.Label
	e.prevLabel = v.Label

	return e.cell.Store(v), raise, nil
}
