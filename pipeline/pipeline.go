// Package pipeline - The per-stream acquire, preprocess, infer, annotate and
// emit loop.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-behavior/alerts"
	"github.com/nvr-ai/go-behavior/capture"
	"github.com/nvr-ai/go-behavior/decision"
	"github.com/nvr-ai/go-behavior/images"
	"github.com/nvr-ai/go-behavior/inference"
	"github.com/nvr-ai/go-behavior/logger"
	"github.com/nvr-ai/go-behavior/models"
	"github.com/nvr-ai/go-behavior/preprocess"
	"github.com/nvr-ai/go-behavior/profiler"
	"github.com/nvr-ai/go-behavior/stream"
	"github.com/nvr-ai/go-behavior/verdict"
	"github.com/nvr-ai/go-behavior/window"
)

var (
	// ErrSourceExhausted marks the normal end of a source.
	ErrSourceExhausted = errors.New("source exhausted")
	// ErrAlreadyRunning is returned when Run is called more than once.
	ErrAlreadyRunning = errors.New("pipeline already running")
)

// DefaultMaxConsecutiveFailures bounds back-to-back oracle failures before
// the loop stops.
const DefaultMaxConsecutiveFailures = 30

// Profiler operation names.
const (
	OpPreprocess = "preprocess"
	OpInfer      = "infer"
	OpAnnotate   = "annotate"
	OpFrame      = "frame"
)

// Annotator draws text on a frame and encodes the result for the feed.
//
// Implementations must not write to frame.Data; the pipeline hands them a
// clone but the contract holds regardless.
type Annotator interface {
	Annotate(frame images.Frame, text string, v verdict.Verdict) ([]byte, error)
}

// Options wires a pipeline.
type Options struct {
	// Name identifies the detector in logs, events and routes.
	Name string
	// Spec is the resolved model preset.
	Spec models.Spec
	// Source is owned by the pipeline from Run on and closed exactly once.
	Source capture.Source
	// Oracle classifies Ready windows.
	Oracle inference.Oracle
	// Annotator draws the overlay; it always receives a frame copy.
	Annotator Annotator
	// Cell receives verdicts; nil creates one.
	Cell *verdict.Cell
	// Feed receives encoded frames; nil creates an unbounded one.
	Feed *stream.Feed
	// Alerts receives raised events; nil drops them.
	Alerts alerts.Publisher
	// Profiler records stage timings; nil creates a private one.
	Profiler *profiler.RuntimeProfiler
	// MaxConsecutiveFailures stops the loop after that many oracle failures
	// in a row (default 30).
	MaxConsecutiveFailures int
	Log                    *logger.Logger
}

// Stats counts what a pipeline has done.
type Stats struct {
	RunID          string `json:"run_id"`
	Frames         uint64 `json:"frames"`
	Emitted        uint64 `json:"emitted"`
	InvalidFrames  uint64 `json:"invalid_frames"`
	Inferences     uint64 `json:"inferences"`
	OracleFailures uint64 `json:"oracle_failures"`
	AnnotateErrors uint64 `json:"annotate_errors"`
	Alerts         uint64 `json:"alerts"`
	Running        bool   `json:"running"`
	Exhausted      bool   `json:"exhausted"`
}

// Pipeline runs one detector over one source.
type Pipeline struct {
	name      string
	spec      models.Spec
	source    capture.Source
	oracle    inference.Oracle
	annotator Annotator
	pre       *preprocess.Preprocessor
	buf       *window.Buffer
	engine    *decision.Engine
	feed      *stream.Feed
	alerts    alerts.Publisher
	prof      *profiler.RuntimeProfiler
	log       *logger.Logger

	maxFailures int
	consecutive int
	prevLabel   string

	runID     uuid.UUID
	stop      atomic.Bool
	started   atomic.Bool
	running   atomic.Bool
	exhausted atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	frames         atomic.Uint64
	emitted        atomic.Uint64
	invalid        atomic.Uint64
	inferences     atomic.Uint64
	oracleFailures atomic.Uint64
	annotateErrs   atomic.Uint64
	raised         atomic.Uint64
}

// New validates opts and builds a pipeline that has not started.
//
// Arguments:
//   - opts: The pipeline wiring.
//
// Returns:
//   - *Pipeline: The pipeline.
//   - error: An error if a collaborator is missing or the spec is invalid.
func New(opts Options) (*Pipeline, error) {
	if opts.Name == "" {
		return nil, errors.New("pipeline name is required")
	}
	if opts.Source == nil {
		return nil, errors.New("pipeline source is required")
	}
	if opts.Oracle == nil {
		return nil, errors.New("pipeline oracle is required")
	}
	if opts.Annotator == nil {
		return nil, errors.New("pipeline annotator is required")
	}
	if err := opts.Spec.Validate(); err != nil {
		return nil, errors.Wrapf(err, "pipeline %s", opts.Name)
	}

	pre, err := preprocess.New(opts.Spec.PreprocessConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline %s", opts.Name)
	}
	buf, err := window.New(opts.Spec.WindowOptions())
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline %s", opts.Name)
	}
	engine, err := decision.NewEngine(opts.Spec.Mapping, opts.Cell)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline %s", opts.Name)
	}

	if opts.Feed == nil {
		opts.Feed = stream.NewFeed(0)
	}
	if opts.Profiler == nil {
		opts.Profiler = profiler.NewRuntimeProfiler(profiler.ProfilingOptions{})
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	log := opts.Log.With().Str("detector", opts.Name).Logger()

	return &Pipeline{
		name:        opts.Name,
		spec:        opts.Spec,
		source:      opts.Source,
		oracle:      opts.Oracle,
		annotator:   opts.Annotator,
		pre:         pre,
		buf:         buf,
		engine:      engine,
		feed:        opts.Feed,
		alerts:      opts.Alerts,
		prof:        opts.Profiler,
		log:         &log,
		maxFailures: opts.MaxConsecutiveFailures,
		prevLabel:   verdict.PlaceholderLabel,
		runID:       uuid.New(),
		done:        make(chan struct{}),
	}, nil
}

// Name returns the detector name.
func (p *Pipeline) Name() string { return p.name }

// Spec returns the resolved model spec.
func (p *Pipeline) Spec() models.Spec { return p.spec }

// Cell returns the verdict cell the pipeline writes.
func (p *Pipeline) Cell() *verdict.Cell { return p.engine.Cell() }

// Feed returns the output feed.
func (p *Pipeline) Feed() *stream.Feed { return p.feed }

// Profiler returns the stage timing profiler.
func (p *Pipeline) Profiler() *profiler.RuntimeProfiler { return p.prof }

// Done is closed when Run returns.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Stop asks the loop to exit after the frame in flight.
func (p *Pipeline) Stop() {
	p.stop.Store(true)
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		RunID:          p.runID.String(),
		Frames:         p.frames.Load(),
		Emitted:        p.emitted.Load(),
		InvalidFrames:  p.invalid.Load(),
		Inferences:     p.inferences.Load(),
		OracleFailures: p.oracleFailures.Load(),
		AnnotateErrors: p.annotateErrs.Load(),
		Alerts:         p.raised.Load(),
		Running:        p.running.Load(),
		Exhausted:      p.exhausted.Load(),
	}
}

// CollectMetrics reports feed depth to the profiler.
func (p *Pipeline) CollectMetrics() map[string]float64 {
	fs := p.feed.Stats()
	return map[string]float64{
		p.name + "_feed_backlog": float64(fs.Backlog),
		p.name + "_feed_readers": float64(fs.Readers),
	}
}

// Run drives the loop until the source is exhausted, Stop is called, ctx
// ends, or oracle failures exceed the limit. The source is closed and the
// feed is closed on return.
//
// Arguments:
//   - ctx: Checked between frames. The oracle sees its values but not its
//     cancellation, so a window already submitted finishes.
//
// Returns:
//   - error: nil on exhaustion or stop, otherwise the error that ended the
//     loop.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	p.running.Store(true)
	defer close(p.done)
	defer p.running.Store(false)
	defer p.feed.Close()
	defer p.closeSource()

	p.log.Info().
		Str("run_id", p.runID.String()).
		Str("model", string(p.spec.Name)).
		Int("frames", p.spec.Frames).
		Str("policy", string(p.spec.Policy)).
		Msg("pipeline started")

	for {
		if p.stop.Load() {
			p.log.Info().Msg("pipeline stopped")
			return nil
		}
		if err := ctx.Err(); err != nil {
			p.log.Info().Msg("pipeline cancelled")
			return nil
		}

		err := p.step(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrSourceExhausted):
			p.exhausted.Store(true)
			p.log.Info().Uint64("frames", p.frames.Load()).Msg("source exhausted")
			return nil
		default:
			p.log.Error().Err(err).Msg("pipeline failed")
			return err
		}
	}
}

// step processes one frame.
func (p *Pipeline) step(ctx context.Context) error {
	frame, ok := p.source.Read()
	if !ok {
		return ErrSourceExhausted
	}
	p.frames.Add(1)
	frameDone := p.prof.StartOperation(OpFrame)
	defer frameDone()

	done := p.prof.StartOperation(OpPreprocess)
	slice, err := p.pre.Preprocess(frame)
	done()
	if err != nil {
		var invalid *preprocess.InvalidFrameError
		if errors.As(err, &invalid) {
			p.invalid.Add(1)
			p.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("skipping invalid frame")
			return nil
		}
		return err
	}

	state, err := p.buf.Push(slice)
	if err != nil {
		return errors.Wrap(err, "push window")
	}

	v := p.engine.Current()
	if state.Ready() {
		v, err = p.infer(ctx, state.Window)
		if err != nil {
			p.oracleFailures.Add(1)
			p.consecutive++
			if p.consecutive >= p.maxFailures {
				return errors.Wrapf(err, "%d consecutive oracle failures", p.consecutive)
			}
			p.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("oracle failed, keeping previous verdict")
			return nil
		}
		p.consecutive = 0
	}

	p.log.Debug().
		Uint64("seq", frame.Seq).
		Str("phase", state.Phase.String()).
		Str("label", v.Label).
		Float32("confidence", v.Confidence).
		Msg("frame")

	done = p.prof.StartOperation(OpAnnotate)
	jpeg, err := p.annotator.Annotate(frame.Clone(), p.spec.OverlayText(v), v)
	done()
	if err != nil {
		p.annotateErrs.Add(1)
		p.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("annotate failed")
		return nil
	}

	p.feed.Append(jpeg)
	p.emitted.Add(1)
	return nil
}

// infer classifies one window and publishes the verdict.
func (p *Pipeline) infer(ctx context.Context, w *tensor.Dense) (verdict.Verdict, error) {
	done := p.prof.StartOperation(OpInfer)
	probs, err := p.oracle.Infer(context.WithoutCancel(ctx), w)
	done()
	if err != nil {
		return verdict.Verdict{}, &inference.OracleFailure{Model: string(p.spec.Name), Err: err}
	}

	v, raise, err := p.engine.Decide(probs)
	if err != nil {
		return verdict.Verdict{}, &inference.OracleFailure{Model: string(p.spec.Name), Err: err}
	}
	p.inferences.Add(1)

	if v.Label != p.prevLabel {
		p.log.Info().
			Str("from", p.prevLabel).
			Str("to", v.Label).
			Float32("confidence", v.Confidence).
			Msg("verdict changed")
		p.prevLabel = v.Label
	}
	if raise {
		p.raised.Add(1)
		if p.alerts != nil {
			p.alerts.Publish(alerts.NewEvent(p.name, p.spec.AlertMessage, v))
		}
	}
	return v, nil
}

func (p *Pipeline) closeSource() {
	p.closeOnce.Do(func() {
		p.closeErr = p.source.Close()
		if p.closeErr != nil {
			p.log.Warn().Err(p.closeErr).Msg("closing source")
		}
	})
}

// Wait blocks until Run returns or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// frameTimeout bounds how long Shutdown waits for the frame in flight.
const frameTimeout = 5 * time.Second

// Shutdown stops the loop and waits for the frame in flight to finish.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.Stop()
	if !p.running.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()
	return p.Wait(ctx)
}
