package benchmark

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-behavior/models"
)

// Resolution is the size of the source frames fed to a scenario.
type Resolution struct {
	Width  int    `json:"width"  yaml:"width"`
	Height int    `json:"height" yaml:"height"`
	Name   string `json:"name"   yaml:"name"`
}

// CommonResolutions are typical camera sizes.
var CommonResolutions = []Resolution{
	{Width: 320, Height: 240, Name: "320x240"},
	{Width: 640, Height: 480, Name: "640x480"},
	{Width: 1280, Height: 720, Name: "1280x720"},
	{Width: 1920, Height: 1080, Name: "1920x1080"},
}

// Scenario defines one benchmark run.
type Scenario struct {
	Name       string            `json:"name"                yaml:"name"`
	Model      models.ModelName  `json:"model"               yaml:"model"`
	Overrides  *models.Overrides `json:"overrides,omitempty" yaml:"overrides"`
	Resolution Resolution        `json:"resolution"          yaml:"resolution"`
	// Iterations is the number of windows classified while measuring.
	Iterations int `json:"iterations"  yaml:"iterations"`
	// WarmupRuns is the number of windows classified before measuring.
	WarmupRuns int `json:"warmup_runs" yaml:"warmup_runs"`
}

// Validate checks the scenario can run.
func (s Scenario) Validate() error {
	if s.Name == "" {
		return errors.New("scenario name is required")
	}
	if s.Iterations <= 0 {
		return errors.Errorf("scenario %s: iterations must be positive", s.Name)
	}
	if s.WarmupRuns < 0 {
		return errors.Errorf("scenario %s: warmup runs must not be negative", s.Name)
	}
	if s.Resolution.Width <= 0 || s.Resolution.Height <= 0 {
		return errors.Errorf("scenario %s: resolution %dx%d", s.Name, s.Resolution.Width, s.Resolution.Height)
	}
	return nil
}

// ScenarioBuilder helps build test scenarios with fluent API
type ScenarioBuilder struct {
	scenario Scenario
}

// NewScenarioBuilder creates a new scenario builder
func NewScenarioBuilder(name string) *ScenarioBuilder {
	return &ScenarioBuilder{
		scenario: Scenario{
			Name:       name,
			Model:      models.ModelNameThrowingWaste,
			Resolution: CommonResolutions[1],
			Iterations: 100,
			WarmupRuns: 10,
		},
	}
}

// WithModel sets the preset and its overrides.
func (sb *ScenarioBuilder) WithModel(name models.ModelName, o *models.Overrides) *ScenarioBuilder {
	sb.scenario.Model = name
	sb.scenario.Overrides = o
	return sb
}

// WithResolution sets the source frame size.
func (sb *ScenarioBuilder) WithResolution(width, height int) *ScenarioBuilder {
	sb.scenario.Resolution = Resolution{
		Width:  width,
		Height: height,
		Name:   fmt.Sprintf("%dx%d", width, height),
	}
	return sb
}

// WithIterations sets the number of test iterations
func (sb *ScenarioBuilder) WithIterations(iterations int) *ScenarioBuilder {
	sb.scenario.Iterations = iterations
	return sb
}

// WithWarmupRuns sets the number of warmup runs
func (sb *ScenarioBuilder) WithWarmupRuns(warmups int) *ScenarioBuilder {
	sb.scenario.WarmupRuns = warmups
	return sb
}

// Build returns the configured test scenario
func (sb *ScenarioBuilder) Build() Scenario {
	return sb.scenario
}

// ScenarioSet represents a collection of related test scenarios
type ScenarioSet struct {
	Name        string     `json:"name"        yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Scenarios   []Scenario `json:"scenarios"   yaml:"scenarios"`
}

// QuickScenarios runs every preset once at 640x480.
//
// Arguments:
//   - names: The presets to include.
//
// Returns:
//   - *ScenarioSet: One short scenario per preset.
func QuickScenarios(names []models.ModelName) *ScenarioSet {
	set := &ScenarioSet{
		Name:        "Quick Performance Test",
		Description: "One short run per model preset",
	}
	for _, name := range names {
		set.Scenarios = append(set.Scenarios, NewScenarioBuilder("quick_"+string(name)).
			WithModel(name, nil).
			WithIterations(20).
			WithWarmupRuns(2).
			Build())
	}
	return set
}

// ResolutionScenarios runs one preset at every common resolution, which
// isolates the cost of resizing source frames.
func ResolutionScenarios(name models.ModelName, o *models.Overrides) *ScenarioSet {
	set := &ScenarioSet{
		Name:        fmt.Sprintf("Resolution Comparison - %s", name),
		Description: fmt.Sprintf("Compares source frame sizes for %s", name),
	}
	for _, r := range CommonResolutions {
		set.Scenarios = append(set.Scenarios, NewScenarioBuilder(fmt.Sprintf("resolution_%s_%s", name, r.Name)).
			WithModel(name, o).
			WithResolution(r.Width, r.Height).
			Build())
	}
	return set
}

// SaveScenarioSet writes a scenario set as YAML.
func SaveScenarioSet(set *ScenarioSet, filename string) error {
	data, err := yaml.Marshal(set)
	if err != nil {
		return errors.Wrap(err, "failed to marshal scenario set")
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write scenario file")
	}
	return nil
}

// LoadScenarioSet reads a YAML scenario set and validates every scenario.
func LoadScenarioSet(filename string) (*ScenarioSet, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read scenario file")
	}

	var set ScenarioSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal scenario set")
	}
	for i := range set.Scenarios {
		s := &set.Scenarios[i]
		if s.Resolution.Name == "" {
			s.Resolution.Name = fmt.Sprintf("%dx%d", s.Resolution.Width, s.Resolution.Height)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return &set, nil
}
