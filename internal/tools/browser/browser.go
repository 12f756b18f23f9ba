// Package browser exposes a headless browser as a session-backed tool. The
// browser process is started through the client arena on first demand and
// torn down when the run ends.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/prompterhq/prompter/internal/cast"
	"github.com/prompterhq/prompter/internal/toolclient"
)

// Kind is the client kind registered with the tool client registry.
const Kind = "browser"

const actionTimeout = 30 * time.Second

// Action selects one browser operation.
type Action string

const (
	ActionNavigate    Action = "navigate"
	ActionExtractText Action = "extractText"
	ActionScreenshot  Action = "screenshot"
	ActionEvaluate    Action = "evaluate"
)

// Client owns one headless browser process for the duration of a run.
// Actions against the shared tab are serialized; the tab carries state
// (current page) between calls within the run.
type Client struct {
	mu          sync.Mutex
	allocCancel context.CancelFunc
	taskCtx     context.Context
	taskCancel  context.CancelFunc
}

// StartFunc returns the arena factory for the browser client. The browser
// is launched and probed eagerly so a machine without a usable Chrome
// rejects the run before any model call.
func StartFunc(headless bool) toolclient.StartFunc {
	return func(ctx context.Context) (toolclient.Client, error) {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", headless),
			chromedp.Flag("disable-gpu", true),
		)
		// The browser outlives the acquire call; its lifetime is bound to
		// Close, not to ctx.
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
		taskCtx, taskCancel := chromedp.NewContext(allocCtx)

		probeCtx, probeCancel := context.WithTimeout(taskCtx, actionTimeout)
		defer probeCancel()
		if err := chromedp.Run(probeCtx); err != nil {
			taskCancel()
			allocCancel()
			return nil, fmt.Errorf("start browser: %w", err)
		}

		return &Client{
			allocCancel: allocCancel,
			taskCtx:     taskCtx,
			taskCancel:  taskCancel,
		}, nil
	}
}

// Close shuts the browser process down.
func (c *Client) Close() error {
	c.taskCancel()
	c.allocCancel()
	return nil
}

func (c *Client) run(actions ...chromedp.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(c.taskCtx, actionTimeout)
	defer cancel()
	return chromedp.Run(ctx, actions...)
}

// Tool drives the run's browser client on behalf of the model.
type Tool struct {
	client *Client
}

// New creates the tool from an acquired browser client.
func New(client toolclient.Client) (*Tool, error) {
	c, ok := client.(*Client)
	if !ok {
		return nil, fmt.Errorf("unexpected client type %T for browser", client)
	}
	return &Tool{client: c}, nil
}

func (t *Tool) Name() string { return "browser" }

func (t *Tool) Description() string {
	return "Automate a headless browser: navigate to a URL, extract page text, take a screenshot, or evaluate JavaScript on the current page."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["navigate", "extractText", "screenshot", "evaluate"],
				"description": "The browser operation to perform."
			},
			"url": {"type": "string", "description": "Destination URL for navigate."},
			"selector": {"type": "string", "description": "CSS selector for extractText, default body."},
			"expression": {"type": "string", "description": "JavaScript expression for evaluate."}
		},
		"required": ["action"],
		"additionalProperties": false
	}`)
}

type browserArgs struct {
	Action     Action `json:"action"`
	URL        string `json:"url"`
	Selector   string `json:"selector"`
	Expression string `json:"expression"`
}

// Execute dispatches on the action. Browser-level failures are reported as
// error results so the model can react to them.
func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*cast.ToolResult, error) {
	var args browserArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error()), nil
	}

	switch args.Action {
	case ActionNavigate:
		return t.navigate(args.URL)
	case ActionExtractText:
		return t.extractText(args.Selector)
	case ActionScreenshot:
		return t.screenshot()
	case ActionEvaluate:
		return t.evaluate(args.Expression)
	default:
		return errorResult(fmt.Sprintf("unknown action %q", args.Action)), nil
	}
}

func (t *Tool) navigate(url string) (*cast.ToolResult, error) {
	if url == "" {
		return errorResult("navigate requires a url"), nil
	}
	var title, location string
	err := t.client.run(
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Title(&title),
		chromedp.Location(&location),
	)
	if err != nil {
		return errorResult("navigate failed: " + err.Error()), nil
	}
	return &cast.ToolResult{Content: fmt.Sprintf("loaded %s (%s)", location, title)}, nil
}

func (t *Tool) extractText(selector string) (*cast.ToolResult, error) {
	if selector == "" {
		selector = "body"
	}
	var text string
	if err := t.client.run(chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return errorResult("extractText failed: " + err.Error()), nil
	}
	return &cast.ToolResult{Content: text}, nil
}

func (t *Tool) screenshot() (*cast.ToolResult, error) {
	var buf []byte
	if err := t.client.run(chromedp.CaptureScreenshot(&buf)); err != nil {
		return errorResult("screenshot failed: " + err.Error()), nil
	}
	return &cast.ToolResult{
		Content: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf),
	}, nil
}

func (t *Tool) evaluate(expression string) (*cast.ToolResult, error) {
	if expression == "" {
		return errorResult("evaluate requires an expression"), nil
	}
	var result json.RawMessage
	if err := t.client.run(chromedp.Evaluate(expression, &result)); err != nil {
		return errorResult("evaluate failed: " + err.Error()), nil
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return &cast.ToolResult{Content: string(result)}, nil
}

func errorResult(msg string) *cast.ToolResult {
	return &cast.ToolResult{Content: msg, IsError: true}
}
