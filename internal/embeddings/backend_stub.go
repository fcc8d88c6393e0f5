//go:build !onnx
// +build !onnx

package embeddings

import (
	"fmt"

	"go.uber.org/zap"
)

// Stub implementation used when the 'onnx' build tag is not set.
func newONNXBackend(config BackendConfig, logger *zap.Logger) (Backend, error) {
	return nil, fmt.Errorf("%w: built without onnx support, rebuild with -tags onnx", ErrModelNotLoaded)
}
