// Command classify runs one behavior model over a stored clip and prints
// the single verdict as JSON.
//
// Usage:
//
//	classify -model violence-clip -model-path models/violence.onnx clip.mp4
//	classify -model throwing-waste -model-path m.onnx -alert-index 0 frames/
//
// Exit status is 0 for a verdict, 3 when the clip ends before the window
// fills, and 1 on any other error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-behavior/capture/video"
	"github.com/nvr-ai/go-behavior/inference"
	"github.com/nvr-ai/go-behavior/logger"
	"github.com/nvr-ai/go-behavior/models"
	"github.com/nvr-ai/go-behavior/pipeline"
	"github.com/nvr-ai/go-behavior/window"
)

const (
	exitError    = 1
	exitTooShort = 3
)

type result struct {
	Model      string  `json:"model"`
	Clip       string  `json:"clip"`
	Result     string  `json:"result"`
	Confidence float32 `json:"confidence,omitempty"`
	Alert      bool    `json:"alert"`
	Degraded   bool    `json:"degraded,omitempty"`
	Frames     int     `json:"frames"`
}

func main() {
	var (
		modelName  string
		modelPath  string
		provider   string
		libPath    string
		alertIndex int
		frames     int
		logLevel   string
	)
	flag.StringVar(&modelName, "model", string(models.ModelNameViolenceClip), "Model preset")
	flag.StringVar(&modelPath, "model-path", "", "Path to the ONNX model file")
	flag.StringVar(&provider, "provider", "cpu", "Execution provider: cpu, cuda, coreml or openvino")
	flag.StringVar(&libPath, "lib", "", "ONNX Runtime shared library (default from "+inference.LibraryPathEnv+")")
	flag.IntVar(&alertIndex, "alert-index", -1, "Override the class index of the alert label")
	flag.IntVar(&frames, "frames", 0, "Override the window length")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <clip file or frame directory>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger.Init(logger.Options{Level: logLevel, Format: "console", Writer: os.Stderr})
	log := logger.Named("classify")

	if flag.NArg() != 1 || modelPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	clip := flag.Arg(0)

	overrides := &models.Overrides{Frames: frames}
	if alertIndex >= 0 {
		overrides.AlertIndex = &alertIndex
	}
	spec, err := models.Resolve(modelName, overrides)
	if err != nil {
		log.Error().Err(err).Msg("invalid model")
		os.Exit(exitError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := classify(ctx, spec, clip, modelPath, provider, libPath)
	var short *window.InsufficientDataError
	switch {
	case errors.As(err, &short):
		log.Warn().Int("have", short.Have).Int("need", short.Need).Msg("clip too short")
		printResult(result{Model: string(spec.Name), Clip: clip, Result: spec.ShortClipText, Degraded: true, Frames: short.Have})
		stop()
		os.Exit(exitTooShort)
	case err != nil:
		log.Error().Err(err).Str("clip", clip).Msg("classification failed")
		stop()
		os.Exit(exitError)
	}

	printResult(result{
		Model:      string(spec.Name),
		Clip:       clip,
		Result:     res.Verdict.Label,
		Confidence: res.Verdict.Confidence,
		Alert:      res.Verdict.Alert,
		Frames:     res.Frames,
	})
}

func classify(ctx context.Context, spec models.Spec, clip, modelPath, provider, libPath string) (pipeline.ClipResult, error) {
	backend, err := inference.ParseBackend(provider)
	if err != nil {
		return pipeline.ClipResult{}, err
	}

	oracle, err := inference.NewOracleBuilder().
		WithProvider(inference.ProviderConfig{Backend: backend}).
		WithLibraryPath(libPath).
		WithModel(spec.ModelArgs(modelPath)).
		Build()
	if err != nil {
		return pipeline.ClipResult{}, err
	}
	defer oracle.Close()

	src, err := video.OpenClip(clip)
	if err != nil {
		return pipeline.ClipResult{}, err
	}
	return pipeline.ClassifyClip(ctx, spec, src, oracle)
}

func printResult(r result) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(r)
}
