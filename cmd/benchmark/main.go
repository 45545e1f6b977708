// Command benchmark measures preprocessing and inference throughput of the
// behavior model presets against an ONNX model.
//
// Usage:
//
//	benchmark -model throwing-waste -model-path m.onnx -quick
//	benchmark -model violence-live -model-path v.onnx -resolutions -frames clips/fight.mp4
//	benchmark -model-path v.onnx -scenarios scenarios.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvr-ai/go-behavior/benchmark"
	"github.com/nvr-ai/go-behavior/capture/video"
	"github.com/nvr-ai/go-behavior/inference"
	"github.com/nvr-ai/go-behavior/logger"
	"github.com/nvr-ai/go-behavior/models"
)

func main() {
	var (
		modelName    = flag.String("model", string(models.ModelNameThrowingWaste), "Model preset")
		modelPath    = flag.String("model-path", "", "Path to the ONNX model file")
		provider     = flag.String("provider", "cpu", "Execution provider: cpu, cuda, coreml or openvino")
		libPath      = flag.String("lib", "", "ONNX Runtime shared library (default from "+inference.LibraryPathEnv+")")
		scenarioFile = flag.String("scenarios", "", "YAML scenario set; overrides -quick and -resolutions")
		outputDir    = flag.String("output", "./benchmark_results", "Output directory for results")
		frames       = flag.String("frames", "", "Clip file or frame directory used instead of synthetic frames")
		corpusSize   = flag.Int("corpus", 200, "Maximum frames loaded from -frames")
		quick        = flag.Bool("quick", false, "Run one short scenario per preset")
		resolutions  = flag.Bool("resolutions", false, "Compare source frame sizes for -model")
		iterations   = flag.Int("iterations", 100, "Windows classified per scenario")
		warmup       = flag.Int("warmup", 10, "Warmup windows per scenario")
		timeout      = flag.Duration("timeout", 30*time.Minute, "Benchmark timeout duration")
		logLevel     = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	logger.Init(logger.Options{Level: *logLevel, Format: "console", Writer: os.Stderr})
	log := logger.Named("benchmark")

	if *modelPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	backend, err := inference.ParseBackend(*provider)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid provider")
	}

	suite := benchmark.NewSuite(func(spec models.Spec) (inference.Oracle, error) {
		return inference.NewOracleBuilder().
			WithProvider(inference.ProviderConfig{Backend: backend}).
			WithLibraryPath(*libPath).
			WithModel(spec.ModelArgs(*modelPath)).
			Build()
	}, *outputDir, log)

	switch {
	case *scenarioFile != "":
		set, err := benchmark.LoadScenarioSet(*scenarioFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load scenarios")
		}
		suite.AddScenarioSet(set)
	case *quick:
		names := make([]models.ModelName, 0, len(models.Names()))
		for _, n := range models.Names() {
			names = append(names, models.ModelName(n))
		}
		suite.AddScenarioSet(benchmark.QuickScenarios(names))
	case *resolutions:
		suite.AddScenarioSet(benchmark.ResolutionScenarios(models.ModelName(*modelName), nil))
	default:
		suite.AddScenario(benchmark.NewScenarioBuilder("default_" + *modelName).
			WithModel(models.ModelName(*modelName), nil).
			WithIterations(*iterations).
			WithWarmupRuns(*warmup).
			Build())
	}

	if *frames != "" {
		src, err := video.OpenClip(*frames)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open frames")
		}
		n, err := suite.LoadCorpus(src, *corpusSize)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load frames")
		}
		log.Info().Int("frames", n).Str("path", *frames).Msg("corpus loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := suite.RunAll(ctx); err != nil {
		log.Error().Err(err).Msg("benchmark interrupted")
	}

	jsonPath, csvPath, err := suite.SaveResults()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to save results")
	}
	fmt.Printf("Results saved to: %s\n", jsonPath)
	fmt.Printf("Summary saved to: %s\n", csvPath)
}
