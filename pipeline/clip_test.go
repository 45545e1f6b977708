package pipeline

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-behavior/capture"
	"github.com/nvr-ai/go-behavior/inference"
	"github.com/nvr-ai/go-behavior/models"
	"github.com/nvr-ai/go-behavior/window"
)

func TestClassifyClipReadsOneWindow(t *testing.T) {
	spec := smallSpec(t, models.ModelNameViolenceClip, 3, window.PolicyBatch)
	src := capture.NewSliceSource(testFrames(8)...)
	oracle := &scriptedOracle{script: [][]float32{alertProbs}}

	res, err := ClassifyClip(context.Background(), spec, src, oracle)
	require.NoError(t, err)

	assert.Equal(t, "Violence", res.Verdict.Label)
	assert.InDelta(t, 0.9, res.Verdict.Confidence, 1e-6)
	assert.True(t, res.Alert)
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, 1, oracle.Calls())
	assert.Equal(t, 1, src.Closes())
}

func TestClassifyClipForcesBatchPolicy(t *testing.T) {
	spec := smallSpec(t, models.ModelNameViolenceLive, 2, window.PolicyRing)
	oracle := &scriptedOracle{}

	res, err := ClassifyClip(context.Background(), spec, capture.NewSliceSource(testFrames(5)...), oracle)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Frames)
	assert.Equal(t, 1, oracle.Calls())
	assert.False(t, res.Alert)
}

func TestClassifyClipTooShort(t *testing.T) {
	spec := smallSpec(t, models.ModelNameViolenceClip, 3, window.PolicyBatch)
	src := capture.NewSliceSource(testFrames(2)...)
	oracle := &scriptedOracle{}

	res, err := ClassifyClip(context.Background(), spec, src, oracle)
	require.Error(t, err)

	var short *window.InsufficientDataError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, 2, short.Have)
	assert.Equal(t, 3, short.Need)
	assert.Equal(t, 2, res.Frames)
	assert.Equal(t, 0, oracle.Calls())
	assert.Equal(t, 1, src.Closes())
}

func TestClassifyClipOracleFailure(t *testing.T) {
	spec := smallSpec(t, models.ModelNameViolenceClip, 1, window.PolicyBatch)
	oracle := &scriptedOracle{script: [][]float32{nil}}

	_, err := ClassifyClip(context.Background(), spec, capture.NewSliceSource(testFrames(1)...), oracle)
	var failure *inference.OracleFailure
	assert.True(t, errors.As(err, &failure))
}

func TestClassifyClipCancelled(t *testing.T) {
	spec := smallSpec(t, models.ModelNameViolenceClip, 3, window.PolicyBatch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ClassifyClip(ctx, spec, capture.NewSliceSource(testFrames(3)...), &scriptedOracle{})
	assert.ErrorIs(t, err, context.Canceled)
}
