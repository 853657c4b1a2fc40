// Package llm is the Go-side interface to the LLM provider used by the turn
// engine. Grounded on pkg/agent/llm_client.go's channel-based streaming API;
// GRPCClient (grpc.go) adapts its gRPC-backed implementation to this
// module's request/response shape.
package llm

import "context"

// Client is the Go-side interface for calling the LLM provider.
type Client interface {
	// Generate sends a conversation to the LLM and returns a stream of
	// chunks. The returned channel is closed when the stream completes.
	// Errors raised once the stream is open are delivered as *ErrorChunk
	// values; a returned error means the request could not be encoded or
	// the stream could not be opened.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)

	// Close releases the underlying connection.
	Close() error
}

// Conversation message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of conversation history sent to the LLM.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// ToolDefinition describes one tool available to the LLM for this call.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema, serialized
}

// ToolCall is the LLM's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON, normalized by internal/tooling before dispatch
}

// GenerateInput is one Generate request.
type GenerateInput struct {
	WorldlineID string
	JobID       string
	Messages    []Message
	Provider    string
	Model       string
	MaxTokens   int
	Tools       []ToolDefinition // nil = no tools
}

// Chunk is the sealed interface for streaming response chunks.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies which Chunk variant a value is.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeThinking ChunkType = "thinking"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a fragment of the LLM's visible text response.
type TextChunk struct{ Content string }

// ThinkingChunk is a fragment of the LLM's internal reasoning, surfaced to
// the client as an assistant_plan event but never used as tool-call input.
type ThinkingChunk struct{ Content string }

// ToolCallChunk signals the LLM wants to invoke a tool; Arguments may be a
// partial streaming fragment — see internal/tooling.LooksLikeCompleteToolArgs.
type ToolCallChunk struct {
	CallID, Name, Arguments string
}

// UsageChunk reports token consumption for the call.
type UsageChunk struct {
	InputTokens, OutputTokens, TotalTokens int
}

// ErrorChunk signals a provider-side error; Retryable hints whether the
// caller should attempt the call again.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ThinkingChunk) chunkType() ChunkType { return ChunkTypeThinking }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }
