package rpc

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Descriptors for inference.proto:
//
//	message EmbeddingRequest { string text = 1; }
//	message EmbeddingResponse { repeated float embedding = 1; }
//	service Inferencer { rpc GetEmbedding(EmbeddingRequest) returns (EmbeddingResponse); }
//
// The file is registered globally so server reflection can serve it.
var (
	requestDesc    protoreflect.MessageDescriptor
	responseDesc   protoreflect.MessageDescriptor
	textField      protoreflect.FieldDescriptor
	embeddingField protoreflect.FieldDescriptor
)

func init() {
	fd, err := protodesc.NewFile(inferenceFileProto(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("rpc: invalid inference.proto descriptor: %v", err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("rpc: register inference.proto: %v", err))
	}

	requestDesc = fd.Messages().ByName("EmbeddingRequest")
	responseDesc = fd.Messages().ByName("EmbeddingResponse")
	textField = requestDesc.Fields().ByNumber(1)
	embeddingField = responseDesc.Fields().ByNumber(1)
}

func inferenceFileProto() *descriptorpb.FileDescriptorProto {
	optional := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum()
	repeated := descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("inference.proto"),
		Package: proto.String("inference"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("EmbeddingRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{{
					Name:     proto.String("text"),
					JsonName: proto.String("text"),
					Number:   proto.Int32(1),
					Label:    optional,
					Type:     descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
				}},
			},
			{
				Name: proto.String("EmbeddingResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{{
					Name:     proto.String("embedding"),
					JsonName: proto.String("embedding"),
					Number:   proto.Int32(1),
					Label:    repeated,
					Type:     descriptorpb.FieldDescriptorProto_TYPE_FLOAT.Enum(),
				}},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("Inferencer"),
			Method: []*descriptorpb.MethodDescriptorProto{{
				Name:       proto.String("GetEmbedding"),
				InputType:  proto.String(".inference.EmbeddingRequest"),
				OutputType: proto.String(".inference.EmbeddingResponse"),
			}},
		}},
	}
}

func (r *EmbeddingRequest) message() *dynamicpb.Message {
	m := dynamicpb.NewMessage(requestDesc)
	m.Set(textField, protoreflect.ValueOfString(r.Text))
	return m
}

func requestFromMessage(m *dynamicpb.Message) *EmbeddingRequest {
	return &EmbeddingRequest{Text: m.Get(textField).String()}
}

func (r *EmbeddingResponse) message() *dynamicpb.Message {
	m := dynamicpb.NewMessage(responseDesc)
	if len(r.Embedding) == 0 {
		return m
	}
	list := m.Mutable(embeddingField).List()
	for _, v := range r.Embedding {
		list.Append(protoreflect.ValueOfFloat32(v))
	}
	return m
}

func responseFromMessage(m *dynamicpb.Message) *EmbeddingResponse {
	list := m.Get(embeddingField).List()
	embedding := make([]float32, list.Len())
	for i := range embedding {
		embedding[i] = float32(list.Get(i).Float())
	}
	return &EmbeddingResponse{Embedding: embedding}
}
