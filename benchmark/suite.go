package benchmark

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-behavior/capture"
	"github.com/nvr-ai/go-behavior/decision"
	"github.com/nvr-ai/go-behavior/images"
	"github.com/nvr-ai/go-behavior/inference"
	"github.com/nvr-ai/go-behavior/logger"
	"github.com/nvr-ai/go-behavior/models"
	"github.com/nvr-ai/go-behavior/preprocess"
	"github.com/nvr-ai/go-behavior/window"
)

// OracleFactory builds the classifier for a resolved spec. An oracle that
// implements io.Closer is closed when its scenario ends.
type OracleFactory func(spec models.Spec) (inference.Oracle, error)

// Suite manages and executes benchmark scenarios
type Suite struct {
	factory   OracleFactory
	outputDir string
	log       *logger.Logger

	mu        sync.RWMutex
	corpus    []images.Frame
	scenarios []Scenario
	results   []PerformanceMetrics
}

// NewSuite creates a new benchmark suite.
//
// Arguments:
//   - factory: Builds one oracle per scenario.
//   - outputDir: Where SaveResults writes its files.
//   - log: Receives one line per scenario; nil discards.
//
// Returns:
//   - *Suite: The benchmark suite.
func NewSuite(factory OracleFactory, outputDir string, log *logger.Logger) *Suite {
	if log == nil {
		log = logger.Nop()
	}
	return &Suite{
		factory:   factory,
		outputDir: outputDir,
		log:       log,
	}
}

// AddScenario adds a test scenario to the benchmark suite
func (bs *Suite) AddScenario(scenario Scenario) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.scenarios = append(bs.scenarios, scenario)
}

// AddScenarioSet adds every scenario of set.
func (bs *Suite) AddScenarioSet(set *ScenarioSet) {
	for _, s := range set.Scenarios {
		bs.AddScenario(s)
	}
}

// Scenarios returns the queued scenarios.
func (bs *Suite) Scenarios() []Scenario {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := make([]Scenario, len(bs.scenarios))
	copy(out, bs.scenarios)
	return out
}

// LoadCorpus reads up to limit frames from src and uses them instead of
// synthetic frames. src is closed on return.
//
// Arguments:
//   - src: A frame source, usually a directory or a clip.
//   - limit: The maximum number of frames kept; 0 keeps all.
//
// Returns:
//   - int: The number of frames loaded.
//   - error: An error if src yields no frames.
func (bs *Suite) LoadCorpus(src capture.Source, limit int) (int, error) {
	defer src.Close()

	var frames []images.Frame
	for limit <= 0 || len(frames) < limit {
		f, ok := src.Read()
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return 0, errors.New("benchmark corpus is empty")
	}

	bs.mu.Lock()
	bs.corpus = frames
	bs.mu.Unlock()
	return len(frames), nil
}

// SyntheticFrames returns n BGR frames with a moving gradient.
func SyntheticFrames(r Resolution, n int) []images.Frame {
	out := make([]images.Frame, n)
	for i := range out {
		data := make([]byte, r.Width*r.Height*3)
		for y := 0; y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				o := (y*r.Width + x) * 3
				data[o] = byte(x + i*8)
				data[o+1] = byte(y + i*4)
				data[o+2] = byte(x + y)
			}
		}
		f := images.NewFrame(r.Width, r.Height, data)
		f.Seq = uint64(i)
		out[i] = f
	}
	return out
}

// run holds the per-scenario state.
type run struct {
	ctx    context.Context
	pre    *preprocess.Preprocessor
	buf    *window.Buffer
	engine *decision.Engine
	oracle inference.Oracle
	frames []images.Frame
	next   int
	m      *PerformanceMetrics
}

// window pushes frames until the buffer is ready and classifies it once.
func (r *run) window(measure bool) error {
	for {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		frame := r.frames[r.next%len(r.frames)]
		r.next++

		start := time.Now()
		slice, err := r.pre.Preprocess(frame)
		if measure {
			r.m.PreprocessDuration += time.Since(start)
			r.m.Frames++
		}
		if err != nil {
			return err
		}
		state, err := r.buf.Push(slice)
		if err != nil {
			return err
		}
		if !state.Ready() {
			continue
		}

		start = time.Now()
		probs, err := r.oracle.Infer(r.ctx, state.Window)
		if measure {
			r.m.InferenceDuration += time.Since(start)
			r.m.Windows++
		}
		if err != nil {
			return err
		}

		start = time.Now()
		v, _, err := r.engine.Decide(probs)
		if measure {
			r.m.DecideDuration += time.Since(start)
			if err == nil && v.Alert {
				r.m.Alerts++
			}
		}
		return err
	}
}

// RunScenario executes a single benchmark scenario. The preset runs under
// the ring policy so every frame after the first window yields another one.
//
// Arguments:
//   - ctx: Cancels the run between frames.
//   - scenario: The scenario.
//
// Returns:
//   - *PerformanceMetrics: The timings.
//   - error: An error if the scenario or its spec is invalid, the oracle
//     cannot be built, or ctx ends.
func (bs *Suite) RunScenario(ctx context.Context, scenario Scenario) (*PerformanceMetrics, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	spec, err := models.Resolve(string(scenario.Model), scenario.Overrides)
	if err != nil {
		return nil, errors.Wrapf(err, "scenario %s", scenario.Name)
	}
	spec.Policy = window.PolicyRing

	pre, err := preprocess.New(spec.PreprocessConfig())
	if err != nil {
		return nil, err
	}
	buf, err := window.New(spec.WindowOptions())
	if err != nil {
		return nil, err
	}
	engine, err := decision.NewEngine(spec.Mapping, nil)
	if err != nil {
		return nil, err
	}

	oracle, err := bs.factory(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "scenario %s: build oracle", scenario.Name)
	}
	if c, ok := oracle.(io.Closer); ok {
		defer c.Close()
	}

	bs.mu.RLock()
	frames := bs.corpus
	bs.mu.RUnlock()
	if len(frames) == 0 {
		frames = SyntheticFrames(scenario.Resolution, spec.Frames)
	}

	metrics := &PerformanceMetrics{
		Scenario:  scenario,
		Model:     string(spec.Name),
		Timestamp: time.Now(),
	}
	r := &run{ctx: ctx, pre: pre, buf: buf, engine: engine, oracle: oracle, frames: frames, m: metrics}

	// Warmup runs
	for i := 0; i < scenario.WarmupRuns; i++ {
		if err := r.window(false); err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	startTime := time.Now()
	for i := 0; i < scenario.Iterations; i++ {
		if err := r.window(true); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.Errors++
		}
	}
	metrics.TotalDuration = time.Since(startTime)

	var endMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&endMem)

	if secs := metrics.TotalDuration.Seconds(); secs > 0 {
		metrics.FramesPerSecond = float64(metrics.Frames) / secs
		metrics.WindowsPerSecond = float64(metrics.Windows) / secs
	}
	metrics.ErrorRate = float64(metrics.Errors) / float64(scenario.Iterations)
	metrics.MemoryStats = MemoryMetrics{
		AllocBytes:      endMem.Alloc,
		TotalAllocBytes: endMem.TotalAlloc - startMem.TotalAlloc,
		SysBytes:        endMem.Sys,
		NumGC:           endMem.NumGC - startMem.NumGC,
		HeapAllocBytes:  endMem.HeapAlloc,
		HeapSysBytes:    endMem.HeapSys,
	}
	metrics.CPUStats = CPUMetrics{
		NumCPU:     runtime.NumCPU(),
		GOMAXPROCS: runtime.GOMAXPROCS(0),
	}
	return metrics, nil
}

// RunAll executes every queued scenario. A failed scenario is logged and
// skipped; ctx cancellation stops the run.
func (bs *Suite) RunAll(ctx context.Context) error {
	for _, scenario := range bs.Scenarios() {
		metrics, err := bs.RunScenario(ctx, scenario)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			bs.log.Error().Err(err).Str("scenario", scenario.Name).Msg("scenario failed")
			continue
		}

		bs.mu.Lock()
		bs.results = append(bs.results, *metrics)
		bs.mu.Unlock()

		bs.log.Info().
			Str("scenario", scenario.Name).
			Float64("fps", metrics.FramesPerSecond).
			Float64("windows_per_second", metrics.WindowsPerSecond).
			Dur("mean_inference", metrics.MeanInference()).
			Int("errors", metrics.Errors).
			Msg("scenario completed")
	}
	return nil
}

// Results returns all benchmark results
func (bs *Suite) Results() []PerformanceMetrics {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := make([]PerformanceMetrics, len(bs.results))
	copy(out, bs.results)
	return out
}

// SaveResults writes the results as JSON plus a CSV summary.
//
// Returns:
//   - string: The JSON file path.
//   - string: The CSV file path.
//   - error: An error if a file cannot be written.
func (bs *Suite) SaveResults() (string, string, error) {
	results := bs.Results()

	if err := os.MkdirAll(bs.outputDir, 0o755); err != nil {
		return "", "", errors.Wrap(err, "failed to create output directory")
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	resultsFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_results_%s.json", timestamp))
	summaryFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_summary_%s.csv", timestamp))

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", "", errors.Wrap(err, "failed to marshal results")
	}
	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return "", "", errors.Wrap(err, "failed to write results file")
	}
	if err := saveSummaryCSV(summaryFile, results); err != nil {
		return "", "", errors.Wrap(err, "failed to save summary CSV")
	}
	return resultsFile, summaryFile, nil
}

var summaryHeader = []string{
	"scenario", "model", "resolution", "fps", "windows_per_second",
	"mean_inference_ms", "total_ms", "alloc_mb", "alerts", "error_rate",
}

func saveSummaryCSV(filename string, results []PerformanceMetrics) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(summaryHeader); err != nil {
		return err
	}
	for _, r := range results {
		row := []string{
			r.Scenario.Name,
			r.Model,
			r.Scenario.Resolution.Name,
			strconv.FormatFloat(r.FramesPerSecond, 'f', 2, 64),
			strconv.FormatFloat(r.WindowsPerSecond, 'f', 2, 64),
			strconv.FormatFloat(float64(r.MeanInference().Microseconds())/1e3, 'f', 3, 64),
			strconv.FormatFloat(float64(r.TotalDuration.Microseconds())/1e3, 'f', 2, 64),
			strconv.FormatFloat(float64(r.MemoryStats.AllocBytes)/(1024*1024), 'f', 2, 64),
			strconv.Itoa(r.Alerts),
			strconv.FormatFloat(r.ErrorRate, 'f', 4, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
