package window

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// marked returns a 1x1 slice whose first value identifies it.
func marked(v float32) []float32 {
	return []float32{v, 0, 0}
}

func newBuffer(t *testing.T, length int, policy Policy) *Buffer {
	t.Helper()
	b, err := New(Options{Length: length, Width: 1, Height: 1, Policy: policy, Temporal: true})
	require.NoError(t, err)
	return b
}

func firstValues(window *tensor.Dense, t int) []float32 {
	data := window.Data().([]float32)
	out := make([]float32, 0, t)
	for i := 0; i < t; i++ {
		out = append(out, data[i*3])
	}
	return out
}

func TestNewValidatesOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"zero length", Options{Length: 0, Width: 1, Height: 1, Policy: PolicyRing, Temporal: true}},
		{"zero width", Options{Length: 2, Width: 0, Height: 1, Policy: PolicyRing, Temporal: true}},
		{"unknown policy", Options{Length: 2, Width: 1, Height: 1, Policy: "lifo", Temporal: true}},
		{"single frame with length", Options{Length: 3, Width: 1, Height: 1, Policy: PolicyRing}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

// TestRingKeepsMostRecentInOrder pushes well past capacity and checks the
// window length bound and arrival order after every push.
//
// Arguments:
//   - t: Testing context for assertions and error reporting.
func TestRingKeepsMostRecentInOrder(t *testing.T) {
	const T = 4
	b := newBuffer(t, T, PolicyRing)

	for i := 1; i <= 11; i++ {
		state, err := b.Push(marked(float32(i)))
		require.NoError(t, err)
		require.LessOrEqual(t, b.Len(), T)

		if i < T {
			assert.Equal(t, PhaseFilling, state.Phase)
			assert.Equal(t, i, state.Count)
			assert.False(t, state.Ready())
			continue
		}

		require.True(t, state.Ready(), "push %d", i)
		want := make([]float32, 0, T)
		for v := i - T + 1; v <= i; v++ {
			want = append(want, float32(v))
		}
		assert.Equal(t, want, firstValues(state.Window, T), "push %d", i)

		snap := b.Snapshot()
		require.Len(t, snap, T)
		for k, s := range snap {
			assert.Equal(t, want[k], s[0])
		}
	}
}

func TestRingWindowIsACopy(t *testing.T) {
	b := newBuffer(t, 2, PolicyRing)
	s1, s2 := marked(1), marked(2)

	_, err := b.Push(s1)
	require.NoError(t, err)
	state, err := b.Push(s2)
	require.NoError(t, err)
	require.True(t, state.Ready())

	state.Window.Data().([]float32)[0] = 42
	assert.Equal(t, float32(1), s1[0])
	assert.Equal(t, float32(1), b.Snapshot()[0][0])
}

func TestBatchEmitsExactlyOnce(t *testing.T) {
	const T = 5
	b := newBuffer(t, T, PolicyBatch)

	ready := 0
	for i := 1; i <= 12; i++ {
		state, err := b.Push(marked(float32(i)))
		require.NoError(t, err)
		if state.Ready() {
			ready++
			assert.Equal(t, []float32{1, 2, 3, 4, 5}, firstValues(state.Window, T))
		}
		if i > T {
			assert.Equal(t, PhaseSpent, state.Phase)
		}
	}
	assert.Equal(t, 1, ready)
	assert.NoError(t, b.Finish())
	assert.Equal(t, 0, b.Len())
}

func TestBatchShortClip(t *testing.T) {
	b := newBuffer(t, 20, PolicyBatch)
	for i := 0; i < 7; i++ {
		state, err := b.Push(marked(float32(i)))
		require.NoError(t, err)
		require.False(t, state.Ready())
	}

	err := b.Finish()
	require.Error(t, err)

	var short *InsufficientDataError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, 7, short.Have)
	assert.Equal(t, 20, short.Need)
}

func TestRingFinishIsClean(t *testing.T) {
	b := newBuffer(t, 3, PolicyRing)
	_, err := b.Push(marked(1))
	require.NoError(t, err)
	assert.NoError(t, b.Finish())
}

func TestShapes(t *testing.T) {
	single, err := New(Options{Length: 1, Width: 64, Height: 64, Policy: PolicyRing})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 64, 64, 3}, single.Shape())

	state, err := single.Push(make([]float32, 64*64*3))
	require.NoError(t, err)
	require.True(t, state.Ready())
	assert.Equal(t, tensor.Shape{1, 64, 64, 3}, state.Window.Shape())

	temporal, err := New(Options{Length: 20, Width: 112, Height: 112, Policy: PolicyRing, Temporal: true})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 20, 112, 112, 3}, temporal.Shape())
}

func TestPushRejectsWrongLength(t *testing.T) {
	b := newBuffer(t, 2, PolicyRing)
	_, err := b.Push([]float32{1, 2})
	assert.Error(t, err)
	assert.Equal(t, 0, b.Len())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("RING")
	require.NoError(t, err)
	assert.Equal(t, PolicyRing, p)

	p, err = ParsePolicy("batch")
	require.NoError(t, err)
	assert.Equal(t, PolicyBatch, p)

	_, err = ParsePolicy("")
	assert.Error(t, err)
	assert.Equal(t, "spent", PhaseSpent.String())
}
