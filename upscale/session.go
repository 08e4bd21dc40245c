//go:build cgo

// MODUL: upscale/session
// ZWECK: ONNX Runtime Session fuer ein Upscaler-Modell mit Provider-Fallback
// INPUT: Modell-Pfad (.onnx), SessionOptions, NCHW Eingabe
// OUTPUT: Session-Handle, NCHW Ausgabe mit Shape
// NEBENEFFEKTE: Alloziert ONNX Runtime Ressourcen, GPU Memory
// ABHAENGIGKEITEN: github.com/yalue/onnxruntime_go
// HINWEISE: Destroy() MUSS aufgerufen werden. Die Ausgabe wird von ORT alloziert,
//           da ihre Groesse vom Modell abhaengt.

package upscale

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ============================================================================
// Runtime Initialisierung (Singleton)
// ============================================================================

var (
	runtimeInitOnce sync.Once
	runtimeInitErr  error
)

func initRuntime(library string) error {
	runtimeInitOnce.Do(func() {
		if library != "" {
			ort.SetSharedLibraryPath(library)
		}
		runtimeInitErr = ort.InitializeEnvironment()
	})
	return runtimeInitErr
}

// ============================================================================
// Session
// ============================================================================

// Session verwaltet eine ONNX Runtime Inference Session
type Session struct {
	inner      *ort.DynamicAdvancedSession
	provider   string
	inputName  string
	outputName string
}

// NewSession erstellt eine Session und probiert die Provider der Reihe nach
func NewSession(modelPath string, opts SessionOptions) (*Session, error) {
	order, err := providerOrder(opts.Provider)
	if err != nil {
		return nil, err
	}

	if err := initRuntime(opts.Library); err != nil {
		return nil, fmt.Errorf("runtime init: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("reading model io: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("expected one input and one output, model has %d and %d", len(inputs), len(outputs))
	}

	var errs []error
	for _, provider := range order {
		inner, err := newSession(modelPath, inputs[0].Name, outputs[0].Name, provider, opts.NumThreads)
		if err != nil {
			slog.Warn("execution provider unavailable", "provider", provider, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", provider, err))
			continue
		}

		slog.Info("session created", "model", modelPath, "provider", provider,
			"input", inputs[0].Name, "output", outputs[0].Name)
		return &Session{
			inner:      inner,
			provider:   provider,
			inputName:  inputs[0].Name,
			outputName: outputs[0].Name,
		}, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrNoProvider, errors.Join(errs...))
}

func newSession(modelPath, input, output, provider string, threads int) (*ort.DynamicAdvancedSession, error) {
	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer sessOpts.Destroy()

	if threads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(threads); err != nil {
			return nil, fmt.Errorf("setting threads: %w", err)
		}
	}

	if provider == "cuda" {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, err
		}
		defer cudaOpts.Destroy()

		if err := sessOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, err
		}
	}

	return ort.NewDynamicAdvancedSession(modelPath, []string{input}, []string{output}, sessOpts)
}

// Provider gibt den tatsaechlich genutzten Execution Provider zurueck
func (s *Session) Provider() string {
	return s.provider
}

// Run fuehrt das Modell auf einem NCHW Tensor aus
func (s *Session) Run(input []float32, shape []int64) ([]float32, []int64, error) {
	in, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, nil, fmt.Errorf("input tensor: %w", err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := s.inner.Run([]ort.Value{in}, outputs); err != nil {
		return nil, nil, fmt.Errorf("inference: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, nil, fmt.Errorf("output %s is not a float32 tensor", s.outputName)
	}

	return slices.Clone(out.GetData()), []int64(out.GetShape()), nil
}

// Destroy gibt alle Session-Ressourcen frei
func (s *Session) Destroy() {
	if s.inner != nil {
		s.inner.Destroy()
		s.inner = nil
	}
}
