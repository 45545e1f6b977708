// Package verdict - The current classification result of a stream and the
// single-writer cell that publishes it.
package verdict

import (
	"sync/atomic"
	"time"
)

// PlaceholderLabel is shown while a window is still warming up. It is never
// a classification result.
const PlaceholderLabel = "Collecting..."

// Verdict is one classification result.
type Verdict struct {
	// Label is one of the model's fixed labels, or PlaceholderLabel.
	Label string `json:"label"`
	// Confidence is in [0,1]; zero for the placeholder.
	Confidence float32 `json:"confidence"`
	// Alert is true when Label is the model's alert label.
	Alert bool `json:"alert"`
	// ClassIndex is the argmax class, -1 for the placeholder.
	ClassIndex int `json:"class_index"`
	// Placeholder marks the warm-up verdict.
	Placeholder bool `json:"placeholder"`
	// Seq increases by one on every store into a Cell.
	Seq uint64 `json:"seq"`
	// Timestamp is when the verdict was decided.
	Timestamp time.Time `json:"timestamp"`
}

// Placeholder returns the warm-up verdict.
func Placeholder() Verdict {
	return Verdict{
		Label:       PlaceholderLabel,
		ClassIndex:  -1,
		Placeholder: true,
	}
}

// Cell holds the latest Verdict. One goroutine stores; any number load.
// Loads always observe a complete Verdict.
type Cell struct {
	v   atomic.Pointer[Verdict]
	seq atomic.Uint64
}

// NewCell returns a cell holding the placeholder.
func NewCell() *Cell {
	c := &Cell{}
	p := Placeholder()
	c.v.Store(&p)
	return c
}

// Load returns the current verdict.
func (c *Cell) Load() Verdict {
	return *c.v.Load()
}

// Store replaces the current verdict, stamping the next sequence number.
//
// Arguments:
//   - v: The new verdict. Its Seq is overwritten.
//
// Returns:
//   - Verdict: The stored verdict as readers will see it.
func (c *Cell) Store(v Verdict) Verdict {
	v.Seq = c.seq.Add(1)
	c.v.Store(&v)
	return v
}

// Alert reports whether the current verdict is an alert.
func (c *Cell) Alert() bool {
	return c.v.Load().Alert
}
