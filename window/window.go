// Package window - Fixed-capacity frame windows for temporal classifiers.
package window

import (
	"fmt"
	"strings"

	"gorgonia.org/tensor"
)

// Policy selects how a Buffer behaves once it holds T slices.
type Policy string

const (
	// PolicyRing keeps the most recent T slices and is Ready on every push
	// once warmed up.
	PolicyRing Policy = "ring"
	// PolicyBatch collects exactly T slices, is Ready once, and ignores
	// everything pushed afterwards.
	PolicyBatch Policy = "batch"
)

// ParsePolicy parses "ring" or "batch".
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyRing:
		return PolicyRing, nil
	case PolicyBatch:
		return PolicyBatch, nil
	default:
		return "", fmt.Errorf("unknown window policy %q", s)
	}
}

// Phase is the coarse state reported by Push.
type Phase int

const (
	// PhaseFilling means fewer than T slices are held.
	PhaseFilling Phase = iota
	// PhaseReady means State.Window carries a full window.
	PhaseReady
	// PhaseSpent means a batch buffer already emitted its window.
	PhaseSpent
)

func (p Phase) String() string {
	switch p {
	case PhaseFilling:
		return "filling"
	case PhaseReady:
		return "ready"
	case PhaseSpent:
		return "spent"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the result of one Push.
type State struct {
	Phase Phase
	// Count is the number of slices held after the push.
	Count int
	// Window is a freshly allocated tensor, set only in PhaseReady.
	Window *tensor.Dense
}

// Ready reports whether the state carries a window for inference.
func (s State) Ready() bool {
	return s.Phase == PhaseReady && s.Window != nil
}

// InsufficientDataError is returned by Finish when a batch buffer is closed
// before it gathered T slices.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: have %d frames, need %d", e.Have, e.Need)
}

// Options configures a Buffer.
type Options struct {
	// Length is T, the number of slices per window.
	Length int
	// Width and Height are the spatial size of each slice.
	Width  int
	Height int
	// Policy is ring or batch.
	Policy Policy
	// Temporal emits [1,T,H,W,3] windows; otherwise T must be 1 and
	// windows are [1,H,W,3].
	Temporal bool
}

// Buffer holds the most recent slices pushed by a single owner.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	opts     Options
	sliceLen int

	items [][]float32
	start int
	count int

	emitted bool
}

// New creates a buffer.
//
// Arguments:
//   - opts: The window length, slice size, policy and output rank.
//
// Returns:
//   - *Buffer: An empty buffer.
//   - error: An error if the options are inconsistent.
func New(opts Options) (*Buffer, error) {
	if opts.Length <= 0 {
		return nil, fmt.Errorf("window length must be positive, got %d", opts.Length)
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid slice size %dx%d", opts.Width, opts.Height)
	}
	if _, err := ParsePolicy(string(opts.Policy)); err != nil {
		return nil, err
	}
	if !opts.Temporal && opts.Length != 1 {
		return nil, fmt.Errorf("non-temporal windows must have length 1, got %d", opts.Length)
	}
	return &Buffer{
		opts:     opts,
		sliceLen: opts.Width * opts.Height * 3,
		items:    make([][]float32, opts.Length),
	}, nil
}

// Options returns the buffer's configuration.
func (b *Buffer) Options() Options {
	return b.opts
}

// Len returns the number of slices currently held.
func (b *Buffer) Len() int {
	return b.count
}

// Shape returns the shape of emitted windows.
func (b *Buffer) Shape() tensor.Shape {
	if b.opts.Temporal {
		return tensor.Shape{1, b.opts.Length, b.opts.Height, b.opts.Width, 3}
	}
	return tensor.Shape{1, b.opts.Height, b.opts.Width, 3}
}

// Push appends one preprocessed slice.
//
// Under the ring policy the oldest slice is evicted once T are held, and
// every push from then on is Ready. Under the batch policy the T-th push is
// Ready, the buffer releases its slices, and later pushes report Spent.
//
// Arguments:
//   - slice: One H*W*3 preprocessed frame. The buffer keeps a reference.
//
// Returns:
//   - State: Filling, Ready or Spent.
//   - error: An error if the slice has the wrong length.
func (b *Buffer) Push(slice []float32) (State, error) {
	if len(slice) != b.sliceLen {
		return State{}, fmt.Errorf("slice has %d values, want %d", len(slice), b.sliceLen)
	}
	if b.opts.Policy == PolicyBatch && b.emitted {
		return State{Phase: PhaseSpent, Count: b.count}, nil
	}

	t := b.opts.Length
	if b.count < t {
		b.items[(b.start+b.count)%t] = slice
		b.count++
	} else {
		b.items[b.start] = slice
		b.start = (b.start + 1) % t
	}

	if b.count < t {
		return State{Phase: PhaseFilling, Count: b.count}, nil
	}

	window := b.window()
	if b.opts.Policy == PolicyBatch {
		b.emitted = true
		b.release()
	}
	return State{Phase: PhaseReady, Count: t, Window: window}, nil
}

// Finish closes the buffer at end of input. A batch buffer that never
// emitted returns *InsufficientDataError.
func (b *Buffer) Finish() error {
	if b.opts.Policy == PolicyBatch && !b.emitted {
		return &InsufficientDataError{Have: b.count, Need: b.opts.Length}
	}
	return nil
}

// Snapshot returns the held slices oldest first.
func (b *Buffer) Snapshot() [][]float32 {
	out := make([][]float32, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.items[(b.start+i)%b.opts.Length])
	}
	return out
}

func (b *Buffer) release() {
	for i := range b.items {
		b.items[i] = nil
	}
	b.start = 0
	b.count = 0
}

// window copies the held slices, oldest first, into a new tensor.
func (b *Buffer) window() *tensor.Dense {
	backing := make([]float32, 0, b.opts.Length*b.sliceLen)
	for i := 0; i < b.count; i++ {
		backing = append(backing, b.items[(b.start+i)%b.opts.Length]...)
	}
	return tensor.New(tensor.WithShape(b.Shape()...), tensor.WithBacking(backing))
}
