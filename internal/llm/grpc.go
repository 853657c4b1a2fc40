package llm

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// generateMethod is the fully-qualified gRPC method name for the streaming
// Generate call. There is no protoc-generated stub in this module (no
// protobuf compiler is available in this build environment), so the request
// and response envelopes are carried as structpb.Struct — a real protobuf
// message type from google.golang.org/protobuf — over a hand-built generic
// streaming call instead of a generated client. Functionally this is exactly
// what generated code does under the hood: pack/unpack a proto.Message over
// ClientConn.NewStream.
const generateMethod = "/analysisd.llm.v1.LLMService/Generate"

var generateStreamDesc = &grpc.StreamDesc{
	StreamName:    "Generate",
	ServerStreams: true,
}

// GRPCClient implements Client by calling an external LLM service over gRPC.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient dials addr using insecure (plaintext) transport — the LLM
// service is expected to run as a sidecar or on localhost. Upgrade to TLS
// credentials before crossing a network boundary.
func NewGRPCClient(addr string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create llm client for %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn}, nil
}

// Close releases the gRPC connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// Generate opens a server-streaming call and translates each response
// envelope into a Chunk.
func (c *GRPCClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	req, err := toRequestStruct(input)
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}

	stream, err := c.conn.NewStream(ctx, generateStreamDesc, generateMethod)
	if err != nil {
		return nil, fmt.Errorf("open generate stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("send generate request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close generate send: %w", err)
	}

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if err == io.EOF {
				return
			}
			if err != nil {
				select {
				case ch <- &ErrorChunk{Message: err.Error(), Retryable: false}:
				case <-ctx.Done():
				}
				return
			}
			if chunk := fromResponseStruct(resp); chunk != nil {
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

func toRequestStruct(input *GenerateInput) (*structpb.Struct, error) {
	messages := make([]any, len(input.Messages))
	for i, m := range input.Messages {
		toolCalls := make([]any, len(m.ToolCalls))
		for j, tc := range m.ToolCalls {
			toolCalls[j] = map[string]any{
				"id": tc.ID, "name": tc.Name, "arguments": tc.Arguments,
			}
		}
		messages[i] = map[string]any{
			"role": m.Role, "content": m.Content, "tool_calls": toolCalls,
			"tool_call_id": m.ToolCallID, "tool_name": m.ToolName,
		}
	}
	tools := make([]any, len(input.Tools))
	for i, t := range input.Tools {
		tools[i] = map[string]any{
			"name": t.Name, "description": t.Description, "parameters_schema": t.ParametersSchema,
		}
	}

	return structpb.NewStruct(map[string]any{
		"worldline_id": input.WorldlineID,
		"job_id":       input.JobID,
		"provider":     input.Provider,
		"model":        input.Model,
		"max_tokens":   float64(input.MaxTokens),
		"messages":     messages,
		"tools":        tools,
	})
}

func fromResponseStruct(resp *structpb.Struct) Chunk {
	typ := stringField(resp, "type")

	switch typ {
	case string(ChunkTypeText):
		return &TextChunk{Content: stringField(resp, "content")}
	case string(ChunkTypeThinking):
		return &ThinkingChunk{Content: stringField(resp, "content")}
	case string(ChunkTypeToolCall):
		return &ToolCallChunk{
			CallID:    stringField(resp, "call_id"),
			Name:      stringField(resp, "name"),
			Arguments: stringField(resp, "arguments"),
		}
	case string(ChunkTypeUsage):
		return &UsageChunk{
			InputTokens:  intField(resp, "input_tokens"),
			OutputTokens: intField(resp, "output_tokens"),
			TotalTokens:  intField(resp, "total_tokens"),
		}
	case string(ChunkTypeError):
		return &ErrorChunk{
			Message:   stringField(resp, "message"),
			Retryable: boolField(resp, "retryable"),
		}
	default:
		return nil
	}
}

func stringField(s *structpb.Struct, key string) string {
	v, ok := s.GetFields()[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

func intField(s *structpb.Struct, key string) int {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0
	}
	return int(v.GetNumberValue())
}

func boolField(s *structpb.Struct, key string) bool {
	v, ok := s.GetFields()[key]
	if !ok {
		return false
	}
	return v.GetBoolValue()
}
