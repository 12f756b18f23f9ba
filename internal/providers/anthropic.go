// Package providers implements the model backends the orchestration engine
// streams completions from. Each provider converts between the engine's
// message format and its API format and delivers chunks over a channel.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/prompterhq/prompter/internal/cast"
	"github.com/prompterhq/prompter/pkg/models"
)

// Anthropic streams completions from the Anthropic Messages API.
//
// Safe for concurrent use; each Stream call creates an independent SSE
// stream and goroutine.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates the Anthropic backend.
func NewAnthropic(apiKey, baseURL string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}, nil
}

// Name returns the provider identifier used for model routing.
func (p *Anthropic) Name() string { return "anthropic" }

// Stream sends a completion request and returns a channel of chunks. A
// request-level failure is returned synchronously; stream failures arrive as
// a chunk with Err set, and the channel is closed when the stream ends.
func (p *Anthropic) Stream(ctx context.Context, req *cast.CompletionRequest) (<-chan *cast.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *cast.CompletionChunk)
	go func() {
		defer close(chunks)

		stream := p.client.Messages.NewStreaming(ctx, params)

		// Tool input arrives as partial JSON across delta events; the
		// call is emitted complete on content_block_stop.
		var currentCall *cast.ToolCall
		var currentInput strings.Builder

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					currentCall = &cast.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					currentInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						select {
						case chunks <- &cast.CompletionChunk{Text: delta.Text}:
						case <-ctx.Done():
							return
						}
					}
				case "input_json_delta":
					currentInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if currentCall != nil {
					input := currentInput.String()
					if input == "" {
						input = "{}"
					}
					currentCall.Args = json.RawMessage(input)
					select {
					case chunks <- &cast.CompletionChunk{ToolCall: currentCall}:
					case <-ctx.Done():
						return
					}
					currentCall = nil
				}

			case "message_stop":
				chunks <- &cast.CompletionChunk{Done: true}
				return

			case "error":
				chunks <- &cast.CompletionChunk{Err: errors.New("anthropic: stream error")}
				return
			}
		}

		if err := stream.Err(); err != nil {
			chunks <- &cast.CompletionChunk{Err: fmt.Errorf("anthropic: %w", err)}
		}
	}()

	return chunks, nil
}

func (p *Anthropic) buildParams(req *cast.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertAnthropicMessages maps transcript messages onto Anthropic content
// blocks. Assistant messages carry text plus tool_use blocks; tool messages
// become user messages carrying tool_result blocks.
func convertAnthropicMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, inv := range msg.Invocations() {
			switch {
			case msg.Role == models.RoleAssistant:
				var input map[string]interface{}
				args := inv.Args
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				if err := json.Unmarshal(args, &input); err != nil {
					return nil, fmt.Errorf("anthropic: invalid tool call args for %s: %w", inv.ToolCallID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(inv.ToolCallID, input, inv.ToolName))

			case inv.State.Terminal():
				content = append(content, anthropic.NewToolResultBlock(
					inv.ToolCallID,
					inv.Result,
					inv.State == models.InvocationError,
				))
			}
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertAnthropicTools(tools []cast.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
