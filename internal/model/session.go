package model

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Runner executes one forward pass. Implementations need not be reentrant;
// the engine gives each worker its own Runner.
type Runner interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

// Runtime owns the process-wide ONNX Runtime environment.
type Runtime struct {
	mu     sync.Mutex
	closed bool
}

// OpenRuntime initializes ONNX Runtime. libraryPath may be empty to use the
// platform default shared library name.
func OpenRuntime(libraryPath string) (*Runtime, error) {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize ONNX environment: %v", ErrModelLoad, err)
	}
	return &Runtime{}, nil
}

// Close tears the environment down. Sessions must be closed first.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil
	}
	rt.closed = true
	return ort.DestroyEnvironment()
}

// Session is a single ONNX session with pre-bound input and output tensors.
type Session struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewSession loads modelPath. threads limits intra-op parallelism per session;
// zero leaves the runtime default.
func (rt *Runtime) NewSession(modelPath string, meta *Metadata, threads int) (*Session, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: model artifact: %v", ErrModelLoad, err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create input tensor: %v", ErrModelLoad, err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create output tensor: %v", ErrModelLoad, err)
	}

	var options *ort.SessionOptions
	if threads > 0 {
		options, err = ort.NewSessionOptions()
		if err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("%w: failed to create session options: %v", ErrModelLoad, err)
		}
		defer options.Destroy()
		if err := options.SetIntraOpNumThreads(threads); err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("%w: failed to set thread count: %v", ErrModelLoad, err)
		}
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create ONNX session: %v", ErrModelLoad, err)
	}

	return &Session{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Factory returns a RunnerFactory that opens one Session per call.
func (rt *Runtime) Factory(modelPath string, meta *Metadata, threads int) RunnerFactory {
	return func() (Runner, error) {
		return rt.NewSession(modelPath, meta, threads)
	}
}

// Run copies input into the bound tensor and returns a copy of the output.
func (s *Session) Run(input []float32) ([]float32, error) {
	dst := s.inputTensor.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("%w: expected %d input values, got %d", ErrInference, len(dst), len(input))
	}
	copy(dst, input)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	out := s.outputTensor.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

func (s *Session) Close() error {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		return s.session.Destroy()
	}
	return nil
}
