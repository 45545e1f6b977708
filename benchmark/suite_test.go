package benchmark

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-behavior/capture"
	"github.com/nvr-ai/go-behavior/inference"
	"github.com/nvr-ai/go-behavior/models"
)

// countingOracle favours class 0 on every call and records window shapes.
type countingOracle struct {
	calls  int
	shapes []tensor.Shape
	fail   map[int]bool
	closed int
}

func (o *countingOracle) Infer(_ context.Context, w *tensor.Dense) ([]float32, error) {
	o.calls++
	o.shapes = append(o.shapes, w.Shape().Clone())
	if o.fail[o.calls] {
		return nil, errors.New("boom")
	}
	return []float32{0.9, 0.1}, nil
}

func (o *countingOracle) Close() error {
	o.closed++
	return nil
}

func small(frames int) *models.Overrides {
	return &models.Overrides{Width: 4, Height: 4, Frames: frames}
}

func newSuite(t *testing.T, o *countingOracle) *Suite {
	t.Helper()
	return NewSuite(func(models.Spec) (inference.Oracle, error) { return o, nil }, t.TempDir(), nil)
}

func TestRunScenarioCountsWindows(t *testing.T) {
	oracle := &countingOracle{}
	suite := newSuite(t, oracle)

	scenario := NewScenarioBuilder("violence").
		WithModel(models.ModelNameViolenceLive, small(3)).
		WithResolution(16, 12).
		WithIterations(5).
		WithWarmupRuns(1).
		Build()

	m, err := suite.RunScenario(context.Background(), scenario)
	require.NoError(t, err)

	// The warmup fills the ring, so each measured window costs one frame.
	assert.Equal(t, 6, oracle.calls)
	assert.Equal(t, 5, m.Windows)
	assert.Equal(t, 5, m.Frames)
	assert.Equal(t, "violence-live", m.Model)
	assert.Zero(t, m.Errors)
	assert.Equal(t, 1, oracle.closed)
	assert.Equal(t, tensor.Shape{1, 3, 4, 4, 3}, oracle.shapes[0])
	assert.Positive(t, m.CPUStats.NumCPU)
}

func TestRunScenarioBatchPresetRunsAsRing(t *testing.T) {
	oracle := &countingOracle{}
	suite := newSuite(t, oracle)

	scenario := NewScenarioBuilder("clip").
		WithModel(models.ModelNameViolenceClip, small(2)).
		WithResolution(8, 8).
		WithIterations(3).
		WithWarmupRuns(0).
		Build()

	m, err := suite.RunScenario(context.Background(), scenario)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Windows)
	assert.Equal(t, 4, m.Frames)
}

func TestRunScenarioCountsOracleErrors(t *testing.T) {
	oracle := &countingOracle{fail: map[int]bool{2: true}}
	suite := newSuite(t, oracle)

	scenario := NewScenarioBuilder("errors").
		WithModel(models.ModelNameThrowingWaste, small(0)).
		WithIterations(4).
		WithWarmupRuns(0).
		Build()

	m, err := suite.RunScenario(context.Background(), scenario)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Errors)
	assert.InDelta(t, 0.25, m.ErrorRate, 1e-9)
}

func TestRunScenarioRejects(t *testing.T) {
	suite := newSuite(t, &countingOracle{})

	_, err := suite.RunScenario(context.Background(), NewScenarioBuilder("x").WithIterations(0).Build())
	assert.Error(t, err)

	_, err = suite.RunScenario(context.Background(), NewScenarioBuilder("x").WithModel("nope", nil).Build())
	assert.Error(t, err)

	failing := NewSuite(func(models.Spec) (inference.Oracle, error) { return nil, errors.New("no runtime") }, t.TempDir(), nil)
	_, err = failing.RunScenario(context.Background(), NewScenarioBuilder("x").Build())
	assert.ErrorContains(t, err, "no runtime")
}

func TestRunScenarioCancelled(t *testing.T) {
	suite := newSuite(t, &countingOracle{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := suite.RunScenario(ctx, NewScenarioBuilder("x").
		WithModel(models.ModelNameThrowingWaste, small(0)).
		Build())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadCorpus(t *testing.T) {
	suite := newSuite(t, &countingOracle{})

	src := capture.NewSliceSource(SyntheticFrames(Resolution{Width: 4, Height: 4}, 5)...)
	n, err := suite.LoadCorpus(src, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, src.Closes())

	_, err = suite.LoadCorpus(capture.NewSliceSource(), 0)
	assert.Error(t, err)
}

func TestSyntheticFrames(t *testing.T) {
	frames := SyntheticFrames(Resolution{Width: 5, Height: 3}, 2)
	require.Len(t, frames, 2)
	for i, f := range frames {
		require.NoError(t, f.Validate())
		assert.Equal(t, uint64(i), f.Seq)
	}
	assert.NotEqual(t, frames[0].Data, frames[1].Data)
}

func TestRunAllAndSaveResults(t *testing.T) {
	oracle := &countingOracle{}
	suite := newSuite(t, oracle)

	suite.AddScenarioSet(&ScenarioSet{Scenarios: []Scenario{
		NewScenarioBuilder("ok").
			WithModel(models.ModelNameThrowingWaste, small(0)).
			WithIterations(2).WithWarmupRuns(0).Build(),
		NewScenarioBuilder("bad").WithModel("nope", nil).Build(),
	}})
	require.Len(t, suite.Scenarios(), 2)

	require.NoError(t, suite.RunAll(context.Background()))
	results := suite.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "ok", results[0].Scenario.Name)
	assert.Equal(t, 2, results[0].Alerts)

	jsonPath, csvPath, err := suite.SaveResults()
	require.NoError(t, err)

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var decoded []PerformanceMetrics
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, 2, decoded[0].Windows)

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, summaryHeader, rows[0])
	assert.Equal(t, "ok", rows[1][0])
	assert.Equal(t, filepath.Dir(jsonPath), filepath.Dir(csvPath))
}
