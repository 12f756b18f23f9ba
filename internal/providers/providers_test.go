package providers

import (
	"encoding/json"
	"testing"

	"github.com/prompterhq/prompter/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

func invocationPart(inv *models.ToolInvocation) models.MessagePart {
	return models.MessagePart{Type: models.PartToolInvocation, Invocation: inv}
}

func TestConvertOpenAIMessages(t *testing.T) {
	messages := []*models.Message{
		{Role: models.RoleUser, Content: "list my files"},
		{
			Role:    models.RoleAssistant,
			Content: "checking",
			Parts: []models.MessagePart{
				{Type: models.PartText, Text: "checking"},
				invocationPart(&models.ToolInvocation{
					ToolCallID: "call_1",
					ToolName:   "remoteShell",
					Args:       json.RawMessage(`{"command":"ls"}`),
					State:      models.InvocationPending,
				}),
			},
		},
		{
			Role: models.RoleTool,
			Parts: []models.MessagePart{
				invocationPart(&models.ToolInvocation{
					ToolCallID: "call_1",
					ToolName:   "remoteShell",
					State:      models.InvocationResult,
					Result:     "a.txt\nb.txt",
				}),
			},
		},
	}

	out := convertOpenAIMessages("be brief", messages)

	if len(out) != 4 {
		t.Fatalf("converted %d messages, want 4 (system + user + assistant + tool)", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "be brief" {
		t.Errorf("first message = %+v, want system prompt", out[0])
	}
	if out[1].Role != openai.ChatMessageRoleUser {
		t.Errorf("second message role = %q, want user", out[1].Role)
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool calls = %+v, want one with id call_1", out[2].ToolCalls)
	}
	if out[2].ToolCalls[0].Function.Name != "remoteShell" {
		t.Errorf("tool call name = %q", out[2].ToolCalls[0].Function.Name)
	}
	if out[3].Role != openai.ChatMessageRoleTool || out[3].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v, want tool role linked to call_1", out[3])
	}
	if out[3].Content != "a.txt\nb.txt" {
		t.Errorf("tool message content = %q", out[3].Content)
	}
}

func TestConvertOpenAIMessages_SkipsSystemRole(t *testing.T) {
	messages := []*models.Message{
		{Role: models.RoleSystem, Content: "embedded system"},
		{Role: models.RoleUser, Content: "hi"},
	}
	out := convertOpenAIMessages("", messages)
	if len(out) != 1 || out[0].Role != openai.ChatMessageRoleUser {
		t.Fatalf("converted = %+v, want the user message only", out)
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	messages := []*models.Message{
		{Role: models.RoleUser, Content: "list my files"},
		{
			Role:    models.RoleAssistant,
			Content: "checking",
			Parts: []models.MessagePart{
				invocationPart(&models.ToolInvocation{
					ToolCallID: "call_1",
					ToolName:   "remoteShell",
					Args:       json.RawMessage(`{"command":"ls"}`),
					State:      models.InvocationPending,
				}),
			},
		},
		{
			Role: models.RoleTool,
			Parts: []models.MessagePart{
				invocationPart(&models.ToolInvocation{
					ToolCallID: "call_1",
					ToolName:   "remoteShell",
					State:      models.InvocationError,
					Result:     "connection refused",
				}),
			},
		},
	}

	out, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatalf("convertAnthropicMessages() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("converted %d messages, want 3", len(out))
	}
	if out[1].Role != "assistant" {
		t.Errorf("second message role = %q, want assistant", out[1].Role)
	}
	// The tool result rides on a user message in the Anthropic format.
	if out[2].Role != "user" {
		t.Errorf("third message role = %q, want user", out[2].Role)
	}
}

func TestConvertAnthropicMessages_BadArgsRejected(t *testing.T) {
	messages := []*models.Message{
		{
			Role: models.RoleAssistant,
			Parts: []models.MessagePart{
				invocationPart(&models.ToolInvocation{
					ToolCallID: "call_1",
					ToolName:   "remoteShell",
					Args:       json.RawMessage(`{"command":`),
					State:      models.InvocationPending,
				}),
			},
		},
	}
	if _, err := convertAnthropicMessages(messages); err == nil {
		t.Fatal("expected error for malformed tool call args")
	}
}

func TestNewProviders_RequireAPIKey(t *testing.T) {
	if _, err := NewAnthropic("", ""); err == nil {
		t.Error("NewAnthropic accepted an empty API key")
	}
	if _, err := NewOpenAI("", ""); err == nil {
		t.Error("NewOpenAI accepted an empty API key")
	}
}
