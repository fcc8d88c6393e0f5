package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Client calls inference.Inferencer on a remote embedder
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to target without transport security
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", target, err)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection; Close leaves it open
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// GetEmbedding embeds text remotely. Pass grpc.CallContentSubtype(CodecName)
// to use JSON instead of protobuf.
func (c *Client) GetEmbedding(ctx context.Context, text string, opts ...grpc.CallOption) ([]float32, error) {
	req := (&EmbeddingRequest{Text: text}).message()
	resp := dynamicpb.NewMessage(responseDesc)
	if err := c.conn.Invoke(ctx, GetEmbeddingMethod, req, resp, opts...); err != nil {
		return nil, err
	}
	return responseFromMessage(resp).Embedding, nil
}

// Close releases the connection if the client created it
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}
