package cast

import (
	"context"
	"encoding/json"

	"github.com/prompterhq/prompter/pkg/models"
)

// ModelClient is the interface for language model backends.
//
// Implementations must be safe for concurrent use; each Stream call creates
// an independent stream. A model failure is delivered as a chunk with Err
// set; the engine treats it as fatal to the run.
type ModelClient interface {
	// Stream sends a completion request and returns a channel of chunks.
	// The channel is closed when the stream ends.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string
}

// CompletionRequest carries one model call: the conversation so far plus the
// schema of every tool the model may request.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []*models.Message
	Tools     []ToolSchema
	MaxTokens int
}

// ToolSchema describes one callable tool to the model.
type ToolSchema struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolCall is the model's request to execute a named tool.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// CompletionChunk is one increment of a streaming model response.
type CompletionChunk struct {
	Text     string
	ToolCall *ToolCall
	Done     bool
	Err      error
}

// Tool executes one capability on behalf of the model.
//
// Execute returns a ToolResult even for tool-level failures (IsError set);
// a non-nil error is reserved for infrastructure problems and is also folded
// into an error result by the executor rather than aborting the run.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

// ToolResult is the output of a tool execution.
type ToolResult struct {
	Content string
	IsError bool
}
