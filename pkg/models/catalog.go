package models

import "time"

// ModelDescriptor describes one selectable language model. Descriptors are
// loaded once at process start and looked up by key.
type ModelDescriptor struct {
	Key         string `json:"key" yaml:"key"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Provider    string `json:"provider" yaml:"provider"`
	ModelID     string `json:"model_id" yaml:"model_id"`
}

// ToolKind distinguishes pure-function tools from tools that need a live
// external client.
type ToolKind string

const (
	ToolStatic        ToolKind = "static"
	ToolSessionBacked ToolKind = "session_backed"
)

// ToolDescriptor describes one selectable tool.
type ToolDescriptor struct {
	Key         string   `json:"key" yaml:"key"`
	Kind        ToolKind `json:"kind" yaml:"kind"`
	Description string   `json:"description" yaml:"description"`
}

// CommandLogEntry records one remote command execution. Entries are
// immutable once appended.
type CommandLogEntry struct {
	Command   string    `json:"command"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	ExitCode  int       `json:"exit_code"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatus is a read-only snapshot of one user's remote session.
type SessionStatus struct {
	UserID     string            `json:"user_id"`
	Connected  bool              `json:"connected"`
	Host       string            `json:"host,omitempty"`
	Username   string            `json:"username,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	CommandLog []CommandLogEntry `json:"command_log,omitempty"`
}

// ManagerStatus is an aggregate snapshot of the remote session manager.
type ManagerStatus struct {
	ActiveSessions int      `json:"active_sessions"`
	Users          []string `json:"users,omitempty"`
}
