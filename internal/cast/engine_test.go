package cast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prompterhq/prompter/internal/catalog"
	"github.com/prompterhq/prompter/internal/toolclient"
	"github.com/prompterhq/prompter/internal/transcript"
	"github.com/prompterhq/prompter/pkg/models"
)

// scriptedClient returns one scripted chunk sequence per model call.
type scriptedClient struct {
	responses [][]CompletionChunk
	calls     atomic.Int32
	streamErr error
}

func (c *scriptedClient) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	call := int(c.calls.Add(1)) - 1
	ch := make(chan *CompletionChunk, 16)
	go func() {
		defer close(ch)
		if call >= len(c.responses) {
			ch <- &CompletionChunk{Text: "out of script"}
			return
		}
		for i := range c.responses[call] {
			select {
			case ch <- &c.responses[call][i]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *scriptedClient) Name() string { return "scripted" }

// staticTool returns a fixed result.
type staticTool struct {
	name   string
	result *ToolResult
	err    error
	panics bool
	delay  time.Duration
	calls  atomic.Int32
}

func (t *staticTool) Name() string        { return t.name }
func (t *staticTool) Description() string { return "test tool" }
func (t *staticTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}

func (t *staticTool) Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	t.calls.Add(1)
	if t.panics {
		panic("tool exploded")
	}
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.err != nil {
		return nil, t.err
	}
	return t.result, nil
}

// spyClient counts Close calls for release accounting.
type spyClient struct {
	closes atomic.Int32
}

func (c *spyClient) Close() error {
	c.closes.Add(1)
	return nil
}

func textChunk(s string) CompletionChunk { return CompletionChunk{Text: s} }

func callChunk(id, name, args string) CompletionChunk {
	return CompletionChunk{ToolCall: &ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}}
}

type engineFixture struct {
	engine *Engine
	client *scriptedClient
	store  *transcript.MemoryStore
	spy    *spyClient
	model  models.ModelDescriptor
}

func newEngineFixture(t *testing.T, client *scriptedClient, builders map[string]ToolBuilder) *engineFixture {
	t.Helper()

	spy := &spyClient{}
	clientReg := toolclient.NewRegistry()
	clientReg.Register("spy", func(ctx context.Context) (toolclient.Client, error) {
		return spy, nil
	})
	clientReg.Register("broken", func(ctx context.Context) (toolclient.Client, error) {
		return nil, errors.New("spawn failed")
	})

	model := models.ModelDescriptor{Key: "test", Provider: "scripted", ModelID: "scripted-1"}
	cat := catalog.New([]models.ModelDescriptor{model})
	store := transcript.NewMemoryStore()

	engine := NewEngine(
		map[string]ModelClient{"scripted": client},
		builders,
		cat,
		clientReg,
		store,
		nil,
		slog.New(slog.DiscardHandler),
		Options{MaxSteps: 5, ToolTimeout: 2 * time.Second},
	)
	return &engineFixture{engine: engine, client: client, store: store, spy: spy, model: model}
}

// echoBuilder acquires the spy client and returns the given tool, tying the
// tool's lifetime accounting to the arena.
func echoBuilder(tool Tool) ToolBuilder {
	return func(ctx context.Context, tc ToolContext) (Tool, error) {
		if _, err := tc.Arena.Acquire(ctx, "spy"); err != nil {
			return nil, err
		}
		return tool, nil
	}
}

func userMessage(content string) *models.Message {
	return &models.Message{
		ID:        "u1",
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

func collect(t *testing.T, chunks <-chan *Chunk) (text string, toolCalls, toolResults []*models.ToolInvocation, result *models.RunResult, fatal error) {
	t.Helper()
	for c := range chunks {
		switch {
		case c.Text != "":
			text += c.Text
		case c.ToolCall != nil:
			toolCalls = append(toolCalls, c.ToolCall)
		case c.ToolResult != nil:
			toolResults = append(toolResults, c.ToolResult)
		case c.Result != nil:
			if result != nil {
				t.Fatal("result chunk emitted more than once")
			}
			result = c.Result
		case c.Err != nil:
			fatal = c.Err
		}
	}
	if result == nil {
		t.Fatal("stream ended without a result chunk")
	}
	return
}

func TestRun_NoToolCalls_StopsDone(t *testing.T) {
	client := &scriptedClient{responses: [][]CompletionChunk{
		{textChunk("hello "), textChunk("world")},
	}}
	f := newEngineFixture(t, client, nil)

	chunks, err := f.engine.Run(context.Background(), &Request{
		ConversationID: "c1",
		Model:          f.model,
		Messages:       []*models.Message{userMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	text, _, _, result, fatal := collect(t, chunks)
	if fatal != nil {
		t.Fatalf("unexpected fatal error: %v", fatal)
	}
	if text != "hello world" {
		t.Errorf("streamed text = %q, want %q", text, "hello world")
	}
	if result.StopReason != models.StopDone {
		t.Errorf("stop reason = %q, want done", result.StopReason)
	}
	if got := f.client.calls.Load(); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}
	// history (1) + assistant (1)
	if len(result.FinalMessages) != 2 {
		t.Errorf("final messages = %d, want 2", len(result.FinalMessages))
	}
}

func TestRun_ToolCallThenDone(t *testing.T) {
	tool := &staticTool{name: "echo", result: &ToolResult{Content: "echoed"}}
	client := &scriptedClient{responses: [][]CompletionChunk{
		{textChunk("let me check"), callChunk("call_1", "echo", `{"q":"x"}`)},
		{textChunk("done")},
	}}
	f := newEngineFixture(t, client, map[string]ToolBuilder{
		catalog.ToolKnowledge: echoBuilder(tool),
	})

	chunks, err := f.engine.Run(context.Background(), &Request{
		ConversationID: "c1",
		Model:          f.model,
		Messages:       []*models.Message{userMessage("hi")},
		ToolKeys:       []string{catalog.ToolKnowledge},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, toolCalls, toolResults, result, fatal := collect(t, chunks)
	if fatal != nil {
		t.Fatalf("unexpected fatal error: %v", fatal)
	}
	if result.StopReason != models.StopDone {
		t.Errorf("stop reason = %q, want done", result.StopReason)
	}
	if len(toolCalls) != 1 || toolCalls[0].ToolCallID != "call_1" {
		t.Fatalf("tool call events = %+v, want one with id call_1", toolCalls)
	}
	if len(toolResults) != 1 {
		t.Fatalf("tool result events = %d, want 1", len(toolResults))
	}
	if toolResults[0].ToolCallID != "call_1" {
		t.Errorf("result toolCallID = %q, want call_1", toolResults[0].ToolCallID)
	}
	if toolResults[0].State != models.InvocationResult {
		t.Errorf("result state = %q, want result", toolResults[0].State)
	}
	if toolResults[0].Result != "echoed" {
		t.Errorf("result content = %q, want echoed", toolResults[0].Result)
	}
	if got := tool.calls.Load(); got != 1 {
		t.Errorf("tool executions = %d, want 1", got)
	}
	// user + assistant + tool + assistant
	if len(result.FinalMessages) != 4 {
		t.Fatalf("final messages = %d, want 4", len(result.FinalMessages))
	}
	if result.FinalMessages[2].Role != models.RoleTool {
		t.Errorf("message 3 role = %q, want tool", result.FinalMessages[2].Role)
	}
	if f.spy.closes.Load() != 1 {
		t.Errorf("spy client closes = %d, want 1", f.spy.closes.Load())
	}
}

func TestRun_StepLimitReached(t *testing.T) {
	// Model always asks for another tool call; the loop must stop at the
	// step limit with one model call per step.
	tool := &staticTool{name: "echo", result: &ToolResult{Content: "again"}}
	var responses [][]CompletionChunk
	for i := 0; i < 10; i++ {
		responses = append(responses, []CompletionChunk{
			callChunk(fmt.Sprintf("call_%d", i), "echo", `{}`),
		})
	}
	client := &scriptedClient{responses: responses}
	f := newEngineFixture(t, client, map[string]ToolBuilder{
		catalog.ToolKnowledge: echoBuilder(tool),
	})

	chunks, err := f.engine.Run(context.Background(), &Request{
		ConversationID: "c1",
		Model:          f.model,
		Messages:       []*models.Message{userMessage("go")},
		ToolKeys:       []string{catalog.ToolKnowledge},
		StepLimit:      3,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, _, _, result, fatal := collect(t, chunks)
	if fatal != nil {
		t.Fatalf("unexpected fatal error: %v", fatal)
	}
	if result.StopReason != models.StopStepLimit {
		t.Errorf("stop reason = %q, want step_limit", result.StopReason)
	}
	if got := f.client.calls.Load(); got != 3 {
		t.Errorf("model calls = %d, want 3", got)
	}
	if f.spy.closes.Load() != 1 {
		t.Errorf("spy client closes = %d, want 1", f.spy.closes.Load())
	}
}

func TestRun_ToolErrorContinuesLoop(t *testing.T) {
	tool := &staticTool{name: "echo", err: errors.New("backend unreachable")}
	client := &scriptedClient{responses: [][]CompletionChunk{
		{callChunk("call_1", "echo", `{}`)},
		{textChunk("could not reach it")},
	}}
	f := newEngineFixture(t, client, map[string]ToolBuilder{
		catalog.ToolKnowledge: echoBuilder(tool),
	})

	chunks, err := f.engine.Run(context.Background(), &Request{
		ConversationID: "c1",
		Model:          f.model,
		Messages:       []*models.Message{userMessage("go")},
		ToolKeys:       []string{catalog.ToolKnowledge},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, _, toolResults, result, fatal := collect(t, chunks)
	if fatal != nil {
		t.Fatalf("tool error must not abort the run, got %v", fatal)
	}
	if result.StopReason != models.StopDone {
		t.Errorf("stop reason = %q, want done", result.StopReason)
	}
	if len(toolResults) != 1 {
		t.Fatalf("tool result events = %d, want 1", len(toolResults))
	}
	if toolResults[0].State != models.InvocationError {
		t.Errorf("result state = %q, want error", toolResults[0].State)
	}
	if !strings.Contains(toolResults[0].Result, "backend unreachable") {
		t.Errorf("error result %q should carry the failure description", toolResults[0].Result)
	}
	if got := f.client.calls.Load(); got != 2 {
		t.Errorf("model calls = %d, want 2 (loop must continue past the tool error)", got)
	}
}

func TestRun_ModelFailureIsFatalAndStillFinalizes(t *testing.T) {
	tool := &staticTool{name: "echo", result: &ToolResult{Content: "ok"}}
	client := &scriptedClient{responses: [][]CompletionChunk{
		{textChunk("partial"), {Err: errors.New("upstream 529")}},
	}}
	f := newEngineFixture(t, client, map[string]ToolBuilder{
		catalog.ToolKnowledge: echoBuilder(tool),
	})

	chunks, err := f.engine.Run(context.Background(), &Request{
		ConversationID: "c1",
		Model:          f.model,
		Messages:       []*models.Message{userMessage("go")},
		ToolKeys:       []string{catalog.ToolKnowledge},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, _, _, result, fatal := collect(t, chunks)
	if fatal == nil {
		t.Fatal("expected fatal error chunk")
	}
	var runErr *RunError
	if !errors.As(fatal, &runErr) {
		t.Fatalf("fatal error %T, want *RunError", fatal)
	}
	if runErr.Phase != PhaseCallModel {
		t.Errorf("phase = %q, want call_model", runErr.Phase)
	}
	if result.StopReason != models.StopErrored {
		t.Errorf("stop reason = %q, want errored", result.StopReason)
	}
	if f.spy.closes.Load() != 1 {
		t.Errorf("spy client closes = %d, want 1 even on fatal error", f.spy.closes.Load())
	}
}

func TestRun_CancelledContextStillFinalizes(t *testing.T) {
	tool := &staticTool{name: "echo", result: &ToolResult{Content: "ok"}, delay: 50 * time.Millisecond}
	var responses [][]CompletionChunk
	for i := 0; i < 5; i++ {
		responses = append(responses, []CompletionChunk{
			callChunk(fmt.Sprintf("call_%d", i), "echo", `{}`),
		})
	}
	client := &scriptedClient{responses: responses}
	f := newEngineFixture(t, client, map[string]ToolBuilder{
		catalog.ToolKnowledge: echoBuilder(tool),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chunks, err := f.engine.Run(ctx, &Request{
		ConversationID: "c1",
		Model:          f.model,
		Messages:       []*models.Message{userMessage("go")},
		ToolKeys:       []string{catalog.ToolKnowledge},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, _, _, result, _ := collect(t, chunks)
	if result.StopReason != models.StopErrored {
		t.Errorf("stop reason = %q, want errored", result.StopReason)
	}
	if f.spy.closes.Load() != 1 {
		t.Errorf("spy client closes = %d, want 1 on abort", f.spy.closes.Load())
	}
}

func TestRun_EmptyMessagesRejected(t *testing.T) {
	f := newEngineFixture(t, &scriptedClient{}, nil)
	_, err := f.engine.Run(context.Background(), &Request{
		ConversationID: "c1",
		Model:          f.model,
	})
	if !errors.Is(err, ErrEmptyMessages) {
		t.Fatalf("Run() error = %v, want ErrEmptyMessages", err)
	}
}

func TestRun_UnknownProviderRejected(t *testing.T) {
	f := newEngineFixture(t, &scriptedClient{}, nil)
	_, err := f.engine.Run(context.Background(), &Request{
		ConversationID: "c1",
		Model:          models.ModelDescriptor{Key: "x", Provider: "nope"},
		Messages:       []*models.Message{userMessage("hi")},
	})
	if !errors.Is(err, ErrNoModelClient) {
		t.Fatalf("Run() error = %v, want ErrNoModelClient", err)
	}
}

func TestRun_ToolLoadFailureBeforeModelCall(t *testing.T) {
	client := &scriptedClient{responses: [][]CompletionChunk{{textChunk("never")}}}
	builders := map[string]ToolBuilder{
		catalog.ToolRemoteShell: func(ctx context.Context, tc ToolContext) (Tool, error) {
			_, err := tc.Arena.Acquire(ctx, "broken")
			return nil, err
		},
	}
	f := newEngineFixture(t, client, builders)

	_, err := f.engine.Run(context.Background(), &Request{
		ConversationID: "c1",
		Model:          f.model,
		Messages:       []*models.Message{userMessage("hi")},
		ToolKeys:       []string{catalog.ToolRemoteShell},
	})
	if !errors.Is(err, ErrToolLoad) {
		t.Fatalf("Run() error = %v, want ErrToolLoad", err)
	}
	if got := f.client.calls.Load(); got != 0 {
		t.Errorf("model calls = %d, want 0 when tool load fails", got)
	}
}

func TestRun_UnknownToolKeyRejected(t *testing.T) {
	f := newEngineFixture(t, &scriptedClient{}, nil)
	_, err := f.engine.Run(context.Background(), &Request{
		ConversationID: "c1",
		Model:          f.model,
		Messages:       []*models.Message{userMessage("hi")},
		ToolKeys:       []string{"telepathy"},
	})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("Run() error = %v, want ErrUnknownTool", err)
	}
}

func TestRun_DuplicateToolCallIDsRewritten(t *testing.T) {
	tool := &staticTool{name: "echo", result: &ToolResult{Content: "ok"}}
	client := &scriptedClient{responses: [][]CompletionChunk{
		{callChunk("dup", "echo", `{}`), callChunk("dup", "echo", `{}`)},
		{textChunk("done")},
	}}
	f := newEngineFixture(t, client, map[string]ToolBuilder{
		catalog.ToolKnowledge: echoBuilder(tool),
	})

	chunks, err := f.engine.Run(context.Background(), &Request{
		ConversationID: "c1",
		Model:          f.model,
		Messages:       []*models.Message{userMessage("go")},
		ToolKeys:       []string{catalog.ToolKnowledge},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, toolCalls, toolResults, _, fatal := collect(t, chunks)
	if fatal != nil {
		t.Fatalf("unexpected fatal error: %v", fatal)
	}
	if len(toolCalls) != 2 {
		t.Fatalf("tool call events = %d, want 2", len(toolCalls))
	}
	if toolCalls[0].ToolCallID == toolCalls[1].ToolCallID {
		t.Errorf("duplicate toolCallID %q survived; ids must be unique within a run", toolCalls[0].ToolCallID)
	}
	seen := map[string]bool{}
	for _, inv := range toolResults {
		if seen[inv.ToolCallID] {
			t.Errorf("toolCallID %q appears in two terminal invocations", inv.ToolCallID)
		}
		seen[inv.ToolCallID] = true
	}
}

func TestRun_TranscriptPersisted(t *testing.T) {
	client := &scriptedClient{responses: [][]CompletionChunk{{textChunk("stored")}}}
	f := newEngineFixture(t, client, nil)

	chunks, err := f.engine.Run(context.Background(), &Request{
		ConversationID: "conv-9",
		Model:          f.model,
		Messages:       []*models.Message{userMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	_, _, _, result, _ := collect(t, chunks)

	stored, err := f.store.GetTranscript(context.Background(), "conv-9")
	if err != nil {
		t.Fatalf("GetTranscript() error = %v", err)
	}
	if len(stored) != len(result.FinalMessages) {
		t.Fatalf("stored %d messages, result carries %d", len(stored), len(result.FinalMessages))
	}
	for _, m := range stored {
		if m.ConversationID != "conv-9" {
			t.Errorf("message %s conversation = %q, want conv-9", m.ID, m.ConversationID)
		}
	}
}

func TestRun_PanickingToolRecorded(t *testing.T) {
	tool := &staticTool{name: "echo", panics: true}
	client := &scriptedClient{responses: [][]CompletionChunk{
		{callChunk("call_1", "echo", `{}`)},
		{textChunk("survived")},
	}}
	f := newEngineFixture(t, client, map[string]ToolBuilder{
		catalog.ToolKnowledge: echoBuilder(tool),
	})

	chunks, err := f.engine.Run(context.Background(), &Request{
		ConversationID: "c1",
		Model:          f.model,
		Messages:       []*models.Message{userMessage("go")},
		ToolKeys:       []string{catalog.ToolKnowledge},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, _, toolResults, result, fatal := collect(t, chunks)
	if fatal != nil {
		t.Fatalf("tool panic must not abort the run, got %v", fatal)
	}
	if result.StopReason != models.StopDone {
		t.Errorf("stop reason = %q, want done", result.StopReason)
	}
	if len(toolResults) != 1 || toolResults[0].State != models.InvocationError {
		t.Fatalf("panicking tool should yield one error-state invocation, got %+v", toolResults)
	}
	if !strings.Contains(toolResults[0].Result, "panicked") {
		t.Errorf("error result %q should mention the panic", toolResults[0].Result)
	}
}
