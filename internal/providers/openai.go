package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/prompterhq/prompter/internal/cast"
	"github.com/prompterhq/prompter/pkg/models"
)

// OpenAI streams completions from the OpenAI chat completions API. Tool
// calls stream incrementally and are accumulated by index before emission.
//
// Safe for concurrent use; each Stream call creates an independent stream.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI creates the OpenAI backend.
func NewOpenAI(apiKey, baseURL string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}, nil
}

// Name returns the provider identifier used for model routing.
func (p *OpenAI) Name() string { return "openai" }

// Stream sends a completion request and returns a channel of chunks.
func (p *OpenAI) Stream(ctx context.Context, req *cast.CompletionRequest) (<-chan *cast.CompletionChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  convertOpenAIMessages(req.System, req.Messages),
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	chunks := make(chan *cast.CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *cast.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls arrive as fragments keyed by index; arguments accumulate
	// across deltas until the finish reason reports them complete.
	pending := make(map[int]*cast.ToolCall)

	emitPending := func() bool {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tc := pending[i]
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			if len(tc.Args) == 0 {
				tc.Args = json.RawMessage("{}")
			}
			select {
			case chunks <- &cast.CompletionChunk{ToolCall: tc}:
			case <-ctx.Done():
				return false
			}
		}
		pending = make(map[int]*cast.ToolCall)
		return true
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !emitPending() {
					return
				}
				chunks <- &cast.CompletionChunk{Done: true}
				return
			}
			chunks <- &cast.CompletionChunk{Err: fmt.Errorf("openai: %w", err)}
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			select {
			case chunks <- &cast.CompletionChunk{Text: choice.Delta.Content}:
			case <-ctx.Done():
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if pending[index] == nil {
				pending[index] = &cast.ToolCall{}
			}
			if tc.ID != "" {
				pending[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pending[index].Args = append(pending[index].Args, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !emitPending() {
				return
			}
		}
	}
}

// convertOpenAIMessages maps transcript messages onto the chat completions
// format: the system prompt leads, assistant tool requests ride on the
// assistant message, and each terminal invocation becomes its own tool-role
// message.
func convertOpenAIMessages(system string, messages []*models.Message) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, inv := range msg.Invocations() {
				args := string(inv.Args)
				if args == "" {
					args = "{}"
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   inv.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      inv.ToolName,
						Arguments: args,
					},
				})
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			for _, inv := range msg.Invocations() {
				if !inv.State.Terminal() {
					continue
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    inv.Result,
					ToolCallID: inv.ToolCallID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

func convertOpenAITools(tools []cast.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
