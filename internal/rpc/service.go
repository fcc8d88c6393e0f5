// Package rpc exposes the embedding service as the gRPC service
// inference.Inferencer. Calls use protobuf by default; the json
// content-subtype is accepted as well.
package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/raaihank/batch-embedder/internal/embeddings"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "inference.Inferencer"
	// GetEmbeddingMethod is the full method path of the unary embed call
	GetEmbeddingMethod = "/" + ServiceName + "/GetEmbedding"
)

// EmbeddingRequest carries one text to embed. On the wire it is
// inference.EmbeddingRequest.
type EmbeddingRequest struct {
	Text string `json:"text"`
}

// EmbeddingResponse carries the pooled vector for one text. On the wire it
// is inference.EmbeddingResponse.
type EmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// InferencerServer is the server API for the inference service
type InferencerServer interface {
	GetEmbedding(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// Embedder is the submission facade the service calls
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// inferencer adapts an Embedder to InferencerServer
type inferencer struct {
	embedder Embedder
}

func (s *inferencer) GetEmbedding(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	embedding, err := s.embedder.Embed(ctx, req.Text)
	if err != nil {
		return nil, StatusFromError(err)
	}
	return &EmbeddingResponse{Embedding: embedding}, nil
}

func getEmbeddingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	msg := dynamicpb.NewMessage(requestDesc)
	if err := dec(msg); err != nil {
		return nil, err
	}
	in := requestFromMessage(msg)
	if interceptor == nil {
		return encodeResponse(srv.(InferencerServer).GetEmbedding(ctx, in))
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetEmbeddingMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return encodeResponse(srv.(InferencerServer).GetEmbedding(ctx, req.(*EmbeddingRequest)))
	}
	return interceptor(ctx, in, info, handler)
}

func encodeResponse(resp *EmbeddingResponse, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &EmbeddingResponse{}
	}
	return resp.message(), nil
}

// InferencerServiceDesc describes inference.Inferencer for grpc.Server.RegisterService
var InferencerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InferencerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetEmbedding",
			Handler:    getEmbeddingHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inference.proto",
}

// RegisterInferencerServer registers srv on s
func RegisterInferencerServer(s grpc.ServiceRegistrar, srv InferencerServer) {
	s.RegisterService(&InferencerServiceDesc, srv)
}

// StatusFromError maps an embedding error to a gRPC status error
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, embeddings.ErrInvalidInput):
		code = codes.InvalidArgument
	case errors.Is(err, embeddings.ErrQueueClosed), errors.Is(err, embeddings.ErrQueueFull),
		errors.Is(err, embeddings.ErrModelNotLoaded):
		code = codes.Unavailable
	case errors.Is(err, embeddings.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
