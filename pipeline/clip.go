package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-behavior/capture"
	"github.com/nvr-ai/go-behavior/decision"
	"github.com/nvr-ai/go-behavior/inference"
	"github.com/nvr-ai/go-behavior/models"
	"github.com/nvr-ai/go-behavior/preprocess"
	"github.com/nvr-ai/go-behavior/verdict"
	"github.com/nvr-ai/go-behavior/window"
)

// ClipResult is the single verdict of a stored clip.
type ClipResult struct {
	Verdict verdict.Verdict `json:"verdict"`
	// Alert is true when the verdict is the alert label.
	Alert bool `json:"alert"`
	// Frames is how many frames were read before the window filled.
	Frames int `json:"frames"`
	// InvalidFrames counts skipped malformed frames.
	InvalidFrames int `json:"invalid_frames"`
}

// ClassifyClip reads src until one full window is gathered and classifies
// it once. Frames after the window are not read. src is closed on return.
//
// Arguments:
//   - ctx: Checked between frames and passed to the oracle.
//   - spec: The model spec; its policy is forced to batch.
//   - src: The clip.
//   - oracle: The classifier.
//
// Returns:
//   - ClipResult: The verdict and counters.
//   - error: *window.InsufficientDataError when the clip ends early,
//     *inference.OracleFailure when classification fails.
func ClassifyClip(ctx context.Context, spec models.Spec, src capture.Source, oracle inference.Oracle) (ClipResult, error) {
	defer src.Close()

	spec.Policy = window.PolicyBatch
	if err := spec.Validate(); err != nil {
		return ClipResult{}, err
	}
	pre, err := preprocess.New(spec.PreprocessConfig())
	if err != nil {
		return ClipResult{}, err
	}
	buf, err := window.New(spec.WindowOptions())
	if err != nil {
		return ClipResult{}, err
	}
	engine, err := decision.NewEngine(spec.Mapping, nil)
	if err != nil {
		return ClipResult{}, err
	}

	var res ClipResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		frame, ok := src.Read()
		if !ok {
			if err := buf.Finish(); err != nil {
				return res, err
			}
			return res, ErrSourceExhausted
		}
		res.Frames++

		slice, err := pre.Preprocess(frame)
		if err != nil {
			var invalid *preprocess.InvalidFrameError
			if errors.As(err, &invalid) {
				res.InvalidFrames++
				continue
			}
			return res, err
		}

		state, err := buf.Push(slice)
		if err != nil {
			return res, errors.Wrap(err, "push window")
		}
		if !state.Ready() {
			continue
		}

		probs, err := oracle.Infer(ctx, state.Window)
		if err != nil {
			return res, &inference.OracleFailure{Model: string(spec.Name), Err: err}
		}
		v, raise, err := engine.Decide(probs)
		if err != nil {
			return res, &inference.OracleFailure{Model: string(spec.Name), Err: err}
		}
		res.Verdict = v
		res.Alert = raise
		return res, nil
	}
}
