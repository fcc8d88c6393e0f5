package embeddings

import (
	"fmt"

	"go.uber.org/zap"
)

// BackendType selects the model execution engine
type BackendType string

const (
	// ONNXBackendType runs a transformer encoder through ONNX Runtime
	ONNXBackendType BackendType = "onnx"

	// MockBackendType produces deterministic hidden states without a model file
	MockBackendType BackendType = "mock"
)

// BackendConfig contains model execution settings
type BackendConfig struct {
	Type           BackendType
	ModelPath      string
	OutputName     string
	HiddenSize     int
	IntraOpThreads int
}

// Factory creates model backends based on configuration
type Factory struct {
	logger *zap.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{logger: logger}
}

// CreateBackend creates the backend named by config.Type
func (f *Factory) CreateBackend(config BackendConfig) (Backend, error) {
	if err := ValidateBackendConfig(config); err != nil {
		return nil, err
	}

	switch config.Type {
	case ONNXBackendType:
		backend, err := newONNXBackend(config, f.logger)
		if err != nil {
			return nil, err
		}
		f.logger.Info("Created ONNX backend",
			zap.String("model_path", config.ModelPath),
			zap.Int("hidden_size", backend.HiddenSize()),
		)
		return backend, nil
	case MockBackendType:
		f.logger.Warn("Using mock backend, embeddings carry no semantic meaning",
			zap.Int("hidden_size", config.HiddenSize),
		)
		return NewMockBackend(config.HiddenSize), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

// ValidateBackendConfig validates the backend configuration
func ValidateBackendConfig(config BackendConfig) error {
	switch config.Type {
	case ONNXBackendType:
		if config.ModelPath == "" {
			return fmt.Errorf("model path is required for the onnx backend")
		}
	case MockBackendType:
		if config.HiddenSize <= 0 {
			return fmt.Errorf("hidden size must be positive for the mock backend")
		}
	default:
		return fmt.Errorf("invalid backend type: %s (must be onnx or mock)", config.Type)
	}

	if config.IntraOpThreads < 0 {
		return fmt.Errorf("intra-op threads must not be negative")
	}

	return nil
}
