//go:build onnx
// +build onnx

package embeddings

import (
	"context"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ONNXBackend runs a transformer encoder via ONNX Runtime (yalue/onnxruntime_go).
// It is not safe for concurrent use; ModelHandle provides exclusion.
type ONNXBackend struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	outputName string
	hiddenSize int
	logger     *zap.Logger
}

// newONNXBackend initializes the runtime and loads the model. Requires build tag 'onnx'.
func newONNXBackend(config BackendConfig, logger *zap.Logger) (Backend, error) {
	// Allow user to provide shared library path via environment variable.
	if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	} else if shlib := os.Getenv("ORT_SHLIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	}

	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("onnx runtime environment init failed: %w", err)
		}
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(config.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model %s: %w", config.ModelPath, err)
	}

	declared := make(map[string]bool, len(inputsInfo))
	for _, info := range inputsInfo {
		declared[info.Name] = true
	}
	var inputNames []string
	for _, name := range []string{"input_ids", "attention_mask", "token_type_ids"} {
		if declared[name] {
			inputNames = append(inputNames, name)
		}
	}
	if !declared["input_ids"] || !declared["attention_mask"] {
		return nil, fmt.Errorf("model must declare input_ids and attention_mask inputs, has %v", inputNames)
	}

	outputName := config.OutputName
	if outputName == "" {
		outputName = "last_hidden_state"
	}
	hiddenSize := config.HiddenSize
	found := false
	for _, info := range outputsInfo {
		if info.Name != outputName {
			continue
		}
		found = true
		dims := info.Dimensions
		if len(dims) != 3 {
			return nil, fmt.Errorf("output %s has rank %d, want 3", outputName, len(dims))
		}
		if dims[2] > 0 {
			hiddenSize = int(dims[2])
		}
	}
	if !found {
		return nil, fmt.Errorf("model has no output named %s", outputName)
	}
	if hiddenSize <= 0 {
		return nil, fmt.Errorf("hidden size is dynamic in the model and not configured")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()
	if config.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(config.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(config.ModelPath, inputNames, []string{outputName}, options)
	if err != nil {
		return nil, fmt.Errorf("onnx session creation failed: %w", err)
	}

	logger.Info("ONNX Runtime backend ready",
		zap.String("model", config.ModelPath),
		zap.Strings("inputs", inputNames),
		zap.String("output", outputName),
		zap.Int("hidden_size", hiddenSize),
	)

	return &ONNXBackend{
		session:    session,
		inputNames: inputNames,
		outputName: outputName,
		hiddenSize: hiddenSize,
		logger:     logger,
	}, nil
}

// Run executes the encoder once for the whole batch
func (b *ONNXBackend) Run(ctx context.Context, input *ModelInput) (*HiddenState, error) {
	if b.session == nil {
		return nil, ErrModelNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shape := ort.NewShape(int64(input.BatchSize), int64(input.SeqLen))
	tensors := map[string][]int64{
		"input_ids":      input.InputIDs,
		"attention_mask": input.AttentionMask,
		"token_type_ids": input.TokenTypeIDs,
	}

	inputs := make([]ort.Value, 0, len(b.inputNames))
	for _, name := range b.inputNames {
		data := tensors[name]
		if len(data) != input.BatchSize*input.SeqLen {
			data = make([]int64, input.BatchSize*input.SeqLen)
		}
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tensor: %w", name, err)
		}
		defer tensor.Destroy()
		inputs = append(inputs, tensor)
	}

	// One output; let ORT allocate it
	outputs := make([]ort.Value, 1)
	if err := b.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("onnx returned no outputs")
	}
	defer outputs[0].Destroy()

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want float32 tensor)")
	}
	outShape := outTensor.GetShape()
	if len(outShape) != 3 {
		return nil, fmt.Errorf("unsupported output shape %v", outShape)
	}

	// GetData aliases native memory released by Destroy
	data := make([]float32, len(outTensor.GetData()))
	copy(data, outTensor.GetData())

	return &HiddenState{
		BatchSize:  int(outShape[0]),
		SeqLen:     int(outShape[1]),
		HiddenSize: int(outShape[2]),
		Data:       data,
	}, nil
}

// HiddenSize returns the embedding dimensionality
func (b *ONNXBackend) HiddenSize() int {
	return b.hiddenSize
}

// Name identifies the backend
func (b *ONNXBackend) Name() string {
	return "onnx"
}

// Close releases session and environment resources.
func (b *ONNXBackend) Close() error {
	if b.session != nil {
		if err := b.session.Destroy(); err != nil {
			b.logger.Warn("Failed to destroy ONNX session", zap.Error(err))
		}
		b.session = nil
	}
	return ort.DestroyEnvironment()
}
