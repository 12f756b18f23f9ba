package cast

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// ExecutorConfig configures the parallel tool executor.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of parallel tool executions.
	// Default: 5
	MaxConcurrency int

	// Timeout bounds a single tool execution.
	// Default: 60s
	Timeout time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency: 5,
		Timeout:        60 * time.Second,
	}
}

// Executor runs tool calls in parallel with concurrency limiting and
// per-call timeouts. Failures never escape as errors: every outcome is a
// ToolResult so the run loop can hand it back to the model.
type Executor struct {
	registry *Registry
	config   *ExecutorConfig

	// Semaphore for concurrency limiting
	sem chan struct{}
}

// ExecutionResult holds the outcome of a single tool call.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     *ToolResult
	Duration   time.Duration
}

// NewExecutor creates a parallel tool executor over the given registry.
// If config is nil, DefaultExecutorConfig is used.
func NewExecutor(registry *Registry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	return &Executor{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// ExecuteAll runs the given tool calls in parallel, bounded by the
// concurrency limit. Results are returned in the same order as the input
// calls regardless of completion order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc ToolCall) {
			defer wg.Done()
			results[idx] = e.execute(ctx, tc)
		}(i, call)
	}

	wg.Wait()
	return results
}

func (e *Executor) execute(ctx context.Context, call ToolCall) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		result.Result = &ToolResult{Content: "cancelled: " + ctx.Err().Error(), IsError: true}
		result.Duration = time.Since(start)
		return result
	}

	result.Result = e.executeWithTimeout(ctx, call)
	result.Duration = time.Since(start)
	return result
}

func (e *Executor) executeWithTimeout(ctx context.Context, call ToolCall) *ToolResult {
	execCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	resultCh := make(chan *ToolResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				resultCh <- &ToolResult{
					Content: fmt.Sprintf("tool %s panicked: %v\n%s", call.Name, r, stack),
					IsError: true,
				}
			}
		}()

		res, err := e.registry.Execute(execCtx, call.Name, call.Args)
		if err != nil {
			resultCh <- &ToolResult{Content: err.Error(), IsError: true}
			return
		}
		resultCh <- res
	}()

	select {
	case res := <-resultCh:
		return res
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return &ToolResult{Content: "cancelled: " + ctx.Err().Error(), IsError: true}
		}
		return &ToolResult{
			Content: fmt.Sprintf("tool %s timed out after %s", call.Name, e.config.Timeout),
			IsError: true,
		}
	}
}
