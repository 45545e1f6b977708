// Package inference - Classifier oracles: opaque functions from an input
// window to a class probability vector.
package inference

import (
	"context"
	"fmt"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// Oracle classifies one window.
//
// Implementations must be deterministic for a given tensor and must not
// retain or modify it.
type Oracle interface {
	Infer(ctx context.Context, window *tensor.Dense) ([]float32, error)
}

// OracleFunc adapts a plain function to the Oracle interface.
type OracleFunc func(ctx context.Context, window *tensor.Dense) ([]float32, error)

// Infer calls f.
func (f OracleFunc) Infer(ctx context.Context, window *tensor.Dense) ([]float32, error) {
	return f(ctx, window)
}

// OracleFailure wraps any error raised while classifying a window.
type OracleFailure struct {
	// Model names the model that failed.
	Model string
	Err   error
}

func (e *OracleFailure) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("oracle failure: %v", e.Err)
	}
	return fmt.Sprintf("oracle failure (%s): %v", e.Model, e.Err)
}

// Unwrap returns the underlying error.
func (e *OracleFailure) Unwrap() error {
	return e.Err
}

// Softmax returns a new slice holding softmax(logits).
func Softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}

	max := logits[0]
	for _, v := range logits[1:] {
		max = math32.Max(max, v)
	}

	var sum float32
	for i, v := range logits {
		out[i] = math32.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Float32Data extracts the float32 backing of a window.
func Float32Data(window *tensor.Dense) ([]float32, error) {
	if window == nil {
		return nil, fmt.Errorf("nil window")
	}
	data, ok := window.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("window holds %T, want []float32", window.Data())
	}
	return data, nil
}
