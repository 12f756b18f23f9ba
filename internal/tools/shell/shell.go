// Package shell exposes the remote session manager to the model as a
// session-backed tool. The tool dispatches on an explicit action enum, one
// handler per variant.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prompterhq/prompter/internal/cast"
	"github.com/prompterhq/prompter/internal/props"
	"github.com/prompterhq/prompter/internal/toolclient"
)

// Kind is the client kind registered with the tool client registry.
const Kind = "shell"

// Action selects one remote-session operation.
type Action string

const (
	ActionInitialize Action = "initialize"
	ActionExecute    Action = "execute"
	ActionEditFile   Action = "editFile"
	ActionReadFile   Action = "readFile"
	ActionDisconnect Action = "disconnect"
)

// Capability is the arena-managed handle granting remote-session access.
// Close is a no-op: remote sessions outlive individual runs and are torn
// down only by an explicit disconnect.
type Capability struct {
	manager *props.Manager
}

func (c *Capability) Close() error { return nil }

// StartFunc returns the arena factory for the shell capability. Acquisition
// fails when no session manager is configured, which rejects the run before
// any model call.
func StartFunc(manager *props.Manager) toolclient.StartFunc {
	return func(ctx context.Context) (toolclient.Client, error) {
		if manager == nil {
			return nil, errors.New("remote session manager not configured")
		}
		return &Capability{manager: manager}, nil
	}
}

// Tool is the remote shell tool for one run, scoped to one user's session.
type Tool struct {
	manager *props.Manager
	userID  string
}

// New creates the tool from an acquired capability. The user identity is
// mandatory: every operation is scoped to that user's session only.
func New(client toolclient.Client, userID string) (*Tool, error) {
	c, ok := client.(*Capability)
	if !ok {
		return nil, fmt.Errorf("unexpected client type %T for shell capability", client)
	}
	if userID == "" {
		return nil, errors.New("remote shell requires an authenticated user")
	}
	return &Tool{manager: c.manager, userID: userID}, nil
}

func (t *Tool) Name() string { return "remoteShell" }

func (t *Tool) Description() string {
	return "Operate the user's remote host over SSH: initialize a session, execute commands, read and edit files, disconnect."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["initialize", "execute", "editFile", "readFile", "disconnect"],
				"description": "The remote session operation to perform."
			},
			"host": {"type": "string", "description": "Remote host for initialize."},
			"port": {"type": "integer", "description": "SSH port for initialize, default 22."},
			"username": {"type": "string", "description": "Login user for initialize."},
			"password": {"type": "string", "description": "Password for initialize."},
			"privateKeyPath": {"type": "string", "description": "Private key file path for initialize."},
			"command": {"type": "string", "description": "Shell command for execute."},
			"path": {"type": "string", "description": "Absolute file path for editFile and readFile."},
			"content": {"type": "string", "description": "New file content for editFile."}
		},
		"required": ["action"],
		"additionalProperties": false
	}`)
}

type shellArgs struct {
	Action         Action `json:"action"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PrivateKeyPath string `json:"privateKeyPath"`
	Command        string `json:"command"`
	Path           string `json:"path"`
	Content        string `json:"content"`
}

// Execute dispatches on the action. Session-level failures are reported as
// error results so the model can react to them.
func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*cast.ToolResult, error) {
	var args shellArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error()), nil
	}

	switch args.Action {
	case ActionInitialize:
		return t.initialize(ctx, args)
	case ActionExecute:
		return t.execute(ctx, args)
	case ActionEditFile:
		return t.editFile(ctx, args)
	case ActionReadFile:
		return t.readFile(ctx, args)
	case ActionDisconnect:
		t.manager.Disconnect(t.userID)
		return &cast.ToolResult{Content: "session disconnected"}, nil
	default:
		return errorResult(fmt.Sprintf("unknown action %q", args.Action)), nil
	}
}

func (t *Tool) initialize(ctx context.Context, args shellArgs) (*cast.ToolResult, error) {
	err := t.manager.Initialize(ctx, t.userID, props.Credentials{
		Host:           args.Host,
		Port:           args.Port,
		Username:       args.Username,
		Password:       args.Password,
		PrivateKeyPath: args.PrivateKeyPath,
	})
	if err != nil {
		return errorResult("initialize failed: " + err.Error()), nil
	}
	return &cast.ToolResult{Content: fmt.Sprintf("connected to %s as %s", args.Host, args.Username)}, nil
}

func (t *Tool) execute(ctx context.Context, args shellArgs) (*cast.ToolResult, error) {
	if args.Command == "" {
		return errorResult("execute requires a command"), nil
	}
	res, err := t.manager.ExecuteCommand(ctx, t.userID, args.Command)
	if err != nil {
		return errorResult("execute failed: " + err.Error()), nil
	}
	payload, _ := json.Marshal(res)
	return &cast.ToolResult{Content: string(payload)}, nil
}

func (t *Tool) editFile(ctx context.Context, args shellArgs) (*cast.ToolResult, error) {
	if args.Path == "" {
		return errorResult("editFile requires a path"), nil
	}
	if err := t.manager.EditRemoteFile(ctx, t.userID, args.Path, args.Content); err != nil {
		return errorResult("editFile failed: " + err.Error()), nil
	}
	return &cast.ToolResult{Content: "wrote " + args.Path}, nil
}

func (t *Tool) readFile(ctx context.Context, args shellArgs) (*cast.ToolResult, error) {
	if args.Path == "" {
		return errorResult("readFile requires a path"), nil
	}
	data, err := t.manager.ReadRemoteFile(ctx, t.userID, args.Path)
	if err != nil {
		return errorResult("readFile failed: " + err.Error()), nil
	}
	return &cast.ToolResult{Content: string(data)}, nil
}

func errorResult(msg string) *cast.ToolResult {
	return &cast.ToolResult{Content: msg, IsError: true}
}
