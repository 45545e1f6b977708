package inference

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Backend selects an ONNX Runtime execution provider.
type Backend string

const (
	// BackendCPU is the default CPU provider.
	BackendCPU Backend = "cpu"
	// BackendCUDA uses NVIDIA CUDA.
	BackendCUDA Backend = "cuda"
	// BackendCoreML uses Apple CoreML.
	BackendCoreML Backend = "coreml"
	// BackendOpenVINO uses Intel OpenVINO.
	BackendOpenVINO Backend = "openvino"
)

// ParseBackend parses a backend name; the empty string means cpu.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case BackendCPU, "":
		return BackendCPU, nil
	case BackendCUDA:
		return BackendCUDA, nil
	case BackendCoreML:
		return BackendCoreML, nil
	case BackendOpenVINO:
		return BackendOpenVINO, nil
	default:
		return "", fmt.Errorf("unknown execution provider %q", s)
	}
}

// CUDAOptions contains arguments for the CUDA provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type CUDAOptions struct {
	// The device ID.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// The size limit of the device memory arena in bytes, 0 for no limit.
	GPUMemLimit int64 `json:"gpu_mem_limit" yaml:"gpu_mem_limit"`
	// kNextPowerOfTwo or kSameAsRequested.
	ArenaExtendStrategy string `json:"arena_extend_strategy" yaml:"arena_extend_strategy"`
	// EXHAUSTIVE, HEURISTIC or DEFAULT.
	CudnnConvAlgoSearch string `json:"cudnn_conv_algo_search" yaml:"cudnn_conv_algo_search"`
}

// values returns the provider option map, omitting unset fields.
func (o CUDAOptions) values() map[string]string {
	v := map[string]string{"device_id": strconv.Itoa(o.DeviceID)}
	if o.GPUMemLimit > 0 {
		v["gpu_mem_limit"] = strconv.FormatInt(o.GPUMemLimit, 10)
	}
	if o.ArenaExtendStrategy != "" {
		v["arena_extend_strategy"] = o.ArenaExtendStrategy
	}
	if o.CudnnConvAlgoSearch != "" {
		v["cudnn_conv_algo_search"] = o.CudnnConvAlgoSearch
	}
	return v
}

// OpenVINOOptions contains arguments for the OpenVINO provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
type OpenVINOOptions struct {
	// CPU, GPU or NPU.
	DeviceType string `json:"device_type" yaml:"device_type"`
	// FP32, FP16 or ACCURACY.
	Precision    string `json:"precision" yaml:"precision"`
	NumOfThreads int    `json:"num_of_threads" yaml:"num_of_threads"`
}

func (o OpenVINOOptions) values() map[string]string {
	v := map[string]string{}
	if o.DeviceType != "" {
		v["device_type"] = o.DeviceType
	}
	if o.Precision != "" {
		v["precision"] = o.Precision
	}
	if o.NumOfThreads > 0 {
		v["num_of_threads"] = strconv.Itoa(o.NumOfThreads)
	}
	return v
}

// ProviderConfig selects and tunes the execution provider of a session.
type ProviderConfig struct {
	Backend Backend `json:"backend" yaml:"backend"`
	// IntraOpThreads parallelizes work inside graph nodes; 0 is the runtime default.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	// InterOpThreads parallelizes independent graph nodes; 0 is the runtime default.
	InterOpThreads int             `json:"inter_op_threads" yaml:"inter_op_threads"`
	CUDA           CUDAOptions     `json:"cuda" yaml:"cuda"`
	OpenVINO       OpenVINOOptions `json:"openvino" yaml:"openvino"`
	// CoreMLFlags is passed as-is to the CoreML provider.
	CoreMLFlags uint32 `json:"coreml_flags" yaml:"coreml_flags"`
}

// sessionOptions builds session options with the configured provider
// appended. The caller destroys the result.
func (c ProviderConfig) sessionOptions() (*ort.SessionOptions, error) {
	backend, err := ParseBackend(string(c.Backend))
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating ORT session options")
	}

	if err := options.SetIntraOpNumThreads(c.IntraOpThreads); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "error setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(c.InterOpThreads); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "error setting inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "error setting graph optimization level")
	}

	switch backend {
	case BackendCoreML:
		err = options.AppendExecutionProviderCoreML(c.CoreMLFlags)
	case BackendOpenVINO:
		err = options.AppendExecutionProviderOpenVINO(c.OpenVINO.values())
	case BackendCUDA:
		err = appendCUDA(options, c.CUDA)
	}
	if err != nil {
		options.Destroy()
		return nil, errors.Wrapf(err, "error enabling %s", backend)
	}

	return options, nil
}

func appendCUDA(options *ort.SessionOptions, o CUDAOptions) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy()

	if err := cuda.Update(o.values()); err != nil {
		return err
	}
	return options.AppendExecutionProviderCUDA(cuda)
}
