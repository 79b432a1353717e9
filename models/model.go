package models

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// Output is one raw tensor produced by a forward pass.
type Output struct {
	// Data is the flattened float32 tensor.
	Data []float32
	// Shape is the tensor shape, e.g. [1, C, H, W].
	Shape []int64
}

// Model is a loaded network. Forward runs one inference on an NCHW float32
// input and returns the graph outputs in profile order.
type Model interface {
	Forward(input []float32, shape []int64) ([]Output, error)
	Close() error
}

// LoaderFunc produces a Model for a profile. The pool calls it once per
// mode until a load succeeds, and again for that mode only after Clear.
type LoaderFunc func(Profile) (Model, error)

// onnxModel wraps an ONNX Runtime session with dynamic output shapes.
type onnxModel struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	profile Profile
}

var ortInitOnce sync.Once
var ortInitErr error

// sharedLibPath returns the platform ONNX Runtime shared library path,
// overridable via ONNXRUNTIME_SHARED_LIBRARY_PATH.
func sharedLibPath() string {
	if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
		return p
	}
	if runtime.GOOS == "windows" {
		return "./third_party/onnxruntime.dll"
	}
	if runtime.GOOS == "darwin" {
		return "./third_party/libonnxruntime.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "./third_party/onnxruntime_arm64.so"
	}
	return "./third_party/onnxruntime.so"
}

// initRuntime loads the native ONNX Runtime once per process.
func initRuntime() error {
	ortInitOnce.Do(func() {
		libPath := sharedLibPath()
		if _, err := os.Stat(libPath); os.IsNotExist(err) {
			ortInitErr = errors.Errorf("ONNX Runtime library not found at %s", libPath)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// NewONNXLoader returns the production LoaderFunc: it reads <name>.onnx
// from dir and builds an ONNX Runtime session for it. With useCUDA the
// CUDA execution provider is appended and the runtime selects FP16
// kernels where the graph allows it; otherwise inference runs in FP32 on
// the CPU provider.
//
// Arguments:
//   - dir: Directory holding the exported ONNX model files.
//   - useCUDA: Whether to append the CUDA execution provider.
//   - logger: Structured logger for load progress.
//
// Returns:
//   - LoaderFunc: The loader the pool should be constructed with.
func NewONNXLoader(dir string, useCUDA bool, logger *zap.Logger) LoaderFunc {
	return func(profile Profile) (Model, error) {
		if err := initRuntime(); err != nil {
			return nil, err
		}

		modelPath := filepath.Join(dir, profile.Name+".onnx")
		if _, err := os.Stat(modelPath); os.IsNotExist(err) {
			return nil, errors.Errorf("model file not found: %s", modelPath)
		}

		options, err := ort.NewSessionOptions()
		if err != nil {
			return nil, errors.Wrap(err, "error creating ORT session options")
		}
		defer options.Destroy()

		// A value of 0 uses the runtime's default thread counts.
		if err := options.SetIntraOpNumThreads(4); err != nil {
			return nil, errors.Wrap(err, "error setting intra-op threads")
		}
		if err := options.SetInterOpNumThreads(2); err != nil {
			return nil, errors.Wrap(err, "error setting inter-op threads")
		}
		if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
			return nil, errors.Wrap(err, "error setting graph optimization level")
		}

		if useCUDA {
			cudaOpts, err := ort.NewCUDAProviderOptions()
			if err != nil {
				return nil, errors.Wrap(err, "error creating CUDA provider options")
			}
			defer cudaOpts.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
				return nil, errors.Wrap(err, "error enabling CUDA")
			}
		}

		session, err := ort.NewDynamicAdvancedSession(
			modelPath,
			[]string{profile.InputName},
			profile.OutputNames,
			options,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "error creating ORT session for %s", profile.Name)
		}

		logger.Info("model loaded",
			zap.String("mode", string(profile.Mode)),
			zap.String("model", profile.Name),
			zap.Bool("cuda", useCUDA),
		)

		return &onnxModel{session: session, profile: profile}, nil
	}
}

// Forward runs one inference. The ORT session holds native buffers, so
// calls are serialized per model; the GPU driver serializes below this
// anyway.
func (m *onnxModel) Forward(input []float32, shape []int64) ([]Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inputTensor, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	defer inputTensor.Destroy()

	outputs := make([]ort.Value, len(m.profile.OutputNames))
	if err := m.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, errors.Wrapf(err, "inference failed for %s", m.profile.Name)
	}

	results := make([]Output, 0, len(outputs))
	for i, out := range outputs {
		tensor, ok := out.(*ort.Tensor[float32])
		if !ok {
			out.Destroy()
			return nil, fmt.Errorf("output %s is not a float32 tensor", m.profile.OutputNames[i])
		}
		data := make([]float32, len(tensor.GetData()))
		copy(data, tensor.GetData())
		results = append(results, Output{Data: data, Shape: []int64(tensor.GetShape())})
		tensor.Destroy()
	}
	return results, nil
}

// Close releases the native session.
func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}
