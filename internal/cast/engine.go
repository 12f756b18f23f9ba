// Package cast implements the orchestration engine: a bounded multi-step
// plan, call-tool, observe loop against a selected model, streaming
// incremental output to the caller and guaranteeing that every tool client
// opened during a run is released when the run ends.
package cast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/prompterhq/prompter/internal/catalog"
	"github.com/prompterhq/prompter/internal/observability"
	"github.com/prompterhq/prompter/internal/toolclient"
	"github.com/prompterhq/prompter/internal/transcript"
	"github.com/prompterhq/prompter/pkg/models"
)

// Options tunes the run loop.
type Options struct {
	// MaxSteps bounds model-call iterations per run. Requests may lower
	// this, never raise it. Default: 8
	MaxSteps int

	// MaxTokens is the completion budget passed to the model. Default: 4096
	MaxTokens int

	// ToolTimeout bounds a single tool execution. Default: 60s
	ToolTimeout time.Duration

	// MaxConcurrency limits parallel tool executions within a step.
	// Default: 5
	MaxConcurrency int
}

func (o *Options) applyDefaults() {
	if o.MaxSteps <= 0 {
		o.MaxSteps = 8
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = 60 * time.Second
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 5
	}
}

// ToolContext carries the per-run state a tool builder needs: the client
// arena for session-backed clients and the identity of the requesting user.
type ToolContext struct {
	Arena  *toolclient.Arena
	UserID string
}

// ToolBuilder constructs a tool for one run. Builders for session-backed
// tools acquire their client through the arena, so a client that cannot be
// started fails the build before any model call is issued.
type ToolBuilder func(ctx context.Context, tc ToolContext) (Tool, error)

// Request describes one run of the orchestration loop.
type Request struct {
	ConversationID string
	UserID         string
	Model          models.ModelDescriptor
	System         string
	Messages       []*models.Message
	ToolKeys       []string

	// StepLimit caps model calls for this run; 0 means the engine default.
	StepLimit int
}

// Chunk is one increment of a run's output stream. Exactly one of the
// fields is set. The stream always ends with a Result chunk, preceded by an
// Err chunk when the run failed.
type Chunk struct {
	// Text is a fragment of assistant output.
	Text string `json:"text,omitempty"`

	// ToolCall reports a tool invocation the model requested, in pending
	// state.
	ToolCall *models.ToolInvocation `json:"tool_call,omitempty"`

	// ToolResult reports a tool invocation reaching a terminal state.
	ToolResult *models.ToolInvocation `json:"tool_result,omitempty"`

	// Result carries the final run result. Emitted exactly once, last.
	Result *models.RunResult `json:"result,omitempty"`

	// Err carries a fatal run error.
	Err error `json:"-"`
}

// Engine runs the orchestration loop. One Engine serves all runs; per-run
// state lives in the request, the arena, and the loop itself.
type Engine struct {
	clients  map[string]ModelClient
	builders map[string]ToolBuilder
	catalog  *catalog.Catalog
	registry *toolclient.Registry
	store    transcript.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	opts     Options
}

// NewEngine creates an engine. clients is keyed by provider name, builders
// by tool key. store and metrics may be nil.
func NewEngine(
	clients map[string]ModelClient,
	builders map[string]ToolBuilder,
	cat *catalog.Catalog,
	registry *toolclient.Registry,
	store transcript.Store,
	metrics *observability.Metrics,
	logger *slog.Logger,
	opts Options,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Engine{
		clients:  clients,
		builders: builders,
		catalog:  cat,
		registry: registry,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		opts:     opts,
	}
}

// ResolveTools builds the tools for the selected keys, acquiring clients for
// session-backed tools through the arena. Any failure is wrapped in
// ErrToolLoad; the caller must not issue a model call after a failure.
func (e *Engine) ResolveTools(ctx context.Context, tc ToolContext, keys []string) (*Registry, error) {
	reg := NewRegistry()
	for _, key := range keys {
		if _, err := e.catalog.Tool(key); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, key)
		}
		builder, ok := e.builders[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, key)
		}
		tool, err := builder(ctx, tc)
		if err != nil {
			return nil, fmt.Errorf("%s: %v: %w", key, err, ErrToolLoad)
		}
		if err := reg.Register(tool); err != nil {
			return nil, fmt.Errorf("%s: %v: %w", key, err, ErrToolLoad)
		}
	}
	return reg, nil
}

// Run starts one orchestration run. Validation and tool-load failures are
// returned synchronously with no side effects beyond released clients; once
// a channel is returned, the run is live and the channel will be closed
// after a final Result chunk, whatever happens in between.
func (e *Engine) Run(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyMessages
	}
	client, ok := e.clients[req.Model.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s", ErrNoModelClient, req.Model.Provider)
	}

	arena := e.registry.NewArena(e.logger)
	tools, err := e.ResolveTools(ctx, ToolContext{Arena: arena, UserID: req.UserID}, req.ToolKeys)
	if err != nil {
		arena.ReleaseAll()
		return nil, err
	}

	stepLimit := e.opts.MaxSteps
	if req.StepLimit > 0 && req.StepLimit < stepLimit {
		stepLimit = req.StepLimit
	}

	e.metrics.RunStarted()
	chunks := make(chan *Chunk, 32)
	go e.runLoop(ctx, req, client, tools, arena, stepLimit, chunks)
	return chunks, nil
}

func (e *Engine) runLoop(
	ctx context.Context,
	req *Request,
	client ModelClient,
	tools *Registry,
	arena *toolclient.Arena,
	stepLimit int,
	chunks chan<- *Chunk,
) {
	executor := NewExecutor(tools, &ExecutorConfig{
		MaxConcurrency: e.opts.MaxConcurrency,
		Timeout:        e.opts.ToolTimeout,
	})

	var (
		produced   []*models.Message
		stopReason = models.StopErrored
		fatal      error
	)

	// The finalize hook: merge, persist, release. Runs exactly once per
	// run, on every exit path, before the stream closes.
	defer func() {
		if r := recover(); r != nil {
			fatal = &RunError{Phase: PhaseFinalize, Cause: fmt.Errorf("panic: %v", r)}
			stopReason = models.StopErrored
			e.logger.Error("run loop panicked", "conversation_id", req.ConversationID, "panic", r)
		}

		final := MergeTranscript(req.ConversationID, req.Messages, produced)
		if e.store != nil && req.ConversationID != "" {
			// Persistence failures do not re-fail a completed run.
			if err := e.store.SaveTranscript(context.WithoutCancel(ctx), req.ConversationID, final); err != nil {
				e.logger.Error("transcript persist failed",
					"conversation_id", req.ConversationID, "error", err)
			}
		}
		arena.ReleaseAll()
		e.metrics.RunCompleted(string(stopReason))

		if fatal != nil {
			e.emit(chunks, &Chunk{Err: fatal})
		}
		e.emit(chunks, &Chunk{Result: &models.RunResult{
			FinalMessages: final,
			StopReason:    stopReason,
		}})
		close(chunks)
	}()

	history := make([]*models.Message, 0, len(req.Messages))
	history = append(history, req.Messages...)
	schemas := tools.Schemas()
	seenCallIDs := make(map[string]bool)

	for step := 1; step <= stepLimit; step++ {
		if err := ctx.Err(); err != nil {
			fatal = &RunError{Phase: PhaseCallModel, Step: step, Cause: err}
			return
		}

		e.metrics.StepExecuted()
		assistant, calls, err := e.callModel(ctx, client, req, history, schemas, seenCallIDs, chunks)
		if err != nil {
			fatal = &RunError{Phase: PhaseCallModel, Step: step, Cause: err}
			return
		}
		produced = append(produced, assistant)
		history = append(history, assistant)

		if len(calls) == 0 {
			stopReason = models.StopDone
			return
		}

		toolMsg := e.executeStep(ctx, executor, calls, chunks)
		produced = append(produced, toolMsg)
		history = append(history, toolMsg)
	}

	stopReason = models.StopStepLimit
}

// callModel streams one completion, emitting text fragments and pending
// tool-call events as they arrive, and returns the assembled assistant
// message plus the tool calls it requested.
func (e *Engine) callModel(
	ctx context.Context,
	client ModelClient,
	req *Request,
	history []*models.Message,
	schemas []ToolSchema,
	seenCallIDs map[string]bool,
	chunks chan<- *Chunk,
) (*models.Message, []ToolCall, error) {
	stream, err := client.Stream(ctx, &CompletionRequest{
		Model:     req.Model.ModelID,
		System:    req.System,
		Messages:  history,
		Tools:     schemas,
		MaxTokens: e.opts.MaxTokens,
	})
	if err != nil {
		return nil, nil, err
	}

	var (
		text  string
		parts []models.MessagePart
		calls []ToolCall
	)
	for chunk := range stream {
		if chunk.Err != nil {
			return nil, nil, chunk.Err
		}
		if chunk.Text != "" {
			text += chunk.Text
			e.emit(chunks, &Chunk{Text: chunk.Text})
		}
		if chunk.ToolCall != nil {
			call := *chunk.ToolCall
			if call.ID == "" || seenCallIDs[call.ID] {
				call.ID = uuid.NewString()
			}
			seenCallIDs[call.ID] = true
			calls = append(calls, call)

			inv := &models.ToolInvocation{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Args:       call.Args,
				State:      models.InvocationPending,
			}
			parts = append(parts, models.MessagePart{Type: models.PartToolInvocation, Invocation: inv})
			e.emit(chunks, &Chunk{ToolCall: inv})
		}
	}

	if text != "" {
		parts = append([]models.MessagePart{{Type: models.PartText, Text: text}}, parts...)
	}
	assistant := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   text,
		Parts:     parts,
		CreatedAt: time.Now().UTC(),
	}
	return assistant, calls, nil
}

// executeStep runs the step's tool calls concurrently and returns the tool
// message carrying every invocation in terminal state.
func (e *Engine) executeStep(
	ctx context.Context,
	executor *Executor,
	calls []ToolCall,
	chunks chan<- *Chunk,
) *models.Message {
	results := executor.ExecuteAll(ctx, calls)

	parts := make([]models.MessagePart, 0, len(results))
	for _, res := range results {
		inv := &models.ToolInvocation{
			ToolCallID: res.ToolCallID,
			ToolName:   res.ToolName,
			State:      models.InvocationResult,
			Result:     res.Result.Content,
		}
		if res.Result.IsError {
			inv.State = models.InvocationError
		}
		e.metrics.ToolExecuted(res.ToolName, !res.Result.IsError)
		parts = append(parts, models.MessagePart{Type: models.PartToolInvocation, Invocation: inv})
		e.emit(chunks, &Chunk{ToolResult: inv})
	}

	return &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleTool,
		Parts:     parts,
		CreatedAt: time.Now().UTC(),
	}
}

// emit delivers a chunk, dropping it if the buffer is full and stays full.
// A stalled consumer must not wedge the run loop past its cleanup path.
func (e *Engine) emit(chunks chan<- *Chunk, c *Chunk) {
	select {
	case chunks <- c:
	case <-time.After(30 * time.Second):
		e.logger.Warn("chunk dropped, consumer stalled")
	}
}
