package inference

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// ONNXOracle classifies windows with an ONNX Runtime session.
type ONNXOracle struct {
	mu      sync.Mutex
	name    string
	shape   tensor.Shape
	softmax bool
	session *Session
}

// Infer copies the window into the session input, runs the model and
// returns a copy of the output vector.
//
// Arguments:
//   - ctx: Checked before the native call; a started run completes.
//   - window: A tensor whose shape matches the model input.
//
// Returns:
//   - []float32: The class probabilities.
//   - error: An error if the window does not fit or the run fails.
func (o *ONNXOracle) Infer(ctx context.Context, window *tensor.Dense) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := Float32Data(window)
	if err != nil {
		return nil, err
	}
	if !window.Shape().Eq(o.shape) {
		return nil, errors.Errorf("window shape %v does not match model input %v", window.Shape(), o.shape)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return nil, errors.New("model not loaded")
	}

	copy(o.session.Input.GetData(), data)
	if err := o.session.Session.Run(); err != nil {
		return nil, errors.Wrap(err, "failed to run inference")
	}

	out := o.session.Output.GetData()
	probs := make([]float32, len(out))
	copy(probs, out)

	if o.softmax {
		return Softmax(probs), nil
	}
	return probs, nil
}

// Name returns the model name given to the builder.
func (o *ONNXOracle) Name() string {
	return o.name
}

// Close releases the native session.
func (o *ONNXOracle) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return nil
	}
	err := o.session.Close()
	o.session = nil
	return err
}

// ModelArgs describe one classifier file.
type ModelArgs struct {
	// Name is used in logs and errors.
	Name string
	// Path is the ONNX model file.
	Path string
	// InputName and OutputName are the graph node names.
	InputName  string
	OutputName string
	// InputShape is [1,H,W,3] or [1,T,H,W,3].
	InputShape tensor.Shape
	// Classes is C, the length of the output vector.
	Classes int
	// Softmax applies softmax to raw logits.
	Softmax bool
}

// OracleBuilder assembles an ONNXOracle with a fluent API.
type OracleBuilder struct {
	provider ProviderConfig
	model    *ModelArgs
	libPath  string
	err      error
}

// NewOracleBuilder creates a new oracle builder.
//
// Returns:
//   - *OracleBuilder: The builder, defaulting to the CPU provider.
func NewOracleBuilder() *OracleBuilder {
	return &OracleBuilder{provider: ProviderConfig{Backend: BackendCPU}}
}

// WithProvider sets the execution provider.
//
// Arguments:
//   - cfg: The provider configuration.
//
// Returns:
//   - *OracleBuilder: The builder.
func (b *OracleBuilder) WithProvider(cfg ProviderConfig) *OracleBuilder {
	if b.HasError() {
		return b
	}
	backend, err := ParseBackend(string(cfg.Backend))
	if err != nil {
		b.err = err
		return b
	}
	cfg.Backend = backend
	b.provider = cfg
	return b
}

// WithLibraryPath overrides the shared library location.
func (b *OracleBuilder) WithLibraryPath(path string) *OracleBuilder {
	b.libPath = path
	return b
}

// WithModel sets the model file and its tensor contract.
//
// Arguments:
//   - args: The model arguments.
//
// Returns:
//   - *OracleBuilder: The builder.
func (b *OracleBuilder) WithModel(args ModelArgs) *OracleBuilder {
	if b.HasError() {
		return b
	}
	if args.Path == "" {
		b.err = errors.New("model path is required")
		return b
	}
	if len(args.InputShape) != 4 && len(args.InputShape) != 5 {
		b.err = errors.Errorf("model input must be rank 4 or 5, got %v", args.InputShape)
		return b
	}
	if args.Classes < 2 {
		b.err = errors.Errorf("model must have at least 2 classes, got %d", args.Classes)
		return b
	}
	if args.InputName == "" {
		args.InputName = "input"
	}
	if args.OutputName == "" {
		args.OutputName = "output"
	}
	b.model = &args
	return b
}

// HasError checks if the builder has errors.
func (b *OracleBuilder) HasError() bool {
	return b.err != nil
}

// Build loads the native library and the model.
//
// Returns:
//   - *ONNXOracle: The oracle; the caller must Close it.
//   - error: The first error recorded by the builder or raised while loading.
func (b *OracleBuilder) Build() (*ONNXOracle, error) {
	if b.HasError() {
		return nil, b.err
	}
	if b.model == nil {
		return nil, errors.New("model not configured")
	}

	libPath := b.libPath
	if libPath == "" {
		p, err := SharedLibPath()
		if err != nil {
			return nil, err
		}
		libPath = p
	}
	if err := initEnvironment(libPath); err != nil {
		return nil, err
	}

	in := make([]int64, len(b.model.InputShape))
	for i, d := range b.model.InputShape {
		in[i] = int64(d)
	}

	session, err := newSession(sessionArgs{
		ModelPath:   b.model.Path,
		InputName:   b.model.InputName,
		OutputName:  b.model.OutputName,
		InputShape:  ort.NewShape(in...),
		OutputShape: ort.NewShape(1, int64(b.model.Classes)),
		Provider:    b.provider,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading model %s", b.model.Path)
	}

	return &ONNXOracle{
		name:    b.model.Name,
		shape:   b.model.InputShape.Clone(),
		softmax: b.model.Softmax,
		session: session,
	}, nil
}
