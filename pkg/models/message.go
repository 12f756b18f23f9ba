// Package models defines the shared data types exchanged between the
// orchestration engine, the remote session manager, the tool layer, and the
// HTTP gateway.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartType identifies the kind of content a MessagePart carries.
type PartType string

const (
	PartText           PartType = "text"
	PartToolInvocation PartType = "tool_invocation"
)

// InvocationState tracks a tool invocation from request to terminal state.
type InvocationState string

const (
	InvocationPending InvocationState = "pending"
	InvocationResult  InvocationState = "result"
	InvocationError   InvocationState = "error"
)

// Terminal reports whether the state is final. Terminal invocations are
// never mutated again.
func (s InvocationState) Terminal() bool {
	return s == InvocationResult || s == InvocationError
}

// ToolInvocation is a single request from the model to execute a named tool,
// and its eventual result. ToolCallID is unique within the message set of
// one run.
type ToolInvocation struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	State      InvocationState `json:"state"`
	Result     string          `json:"result,omitempty"`
}

// MessagePart is one ordered segment of a message: either plain text or a
// tool invocation record.
type MessagePart struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	Invocation *ToolInvocation `json:"invocation,omitempty"`
}

// Message is the unified transcript message format. Content is a flattened
// text view derived from Parts, kept as a fallback for renderers that do not
// understand parts.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Role           Role          `json:"role"`
	Content        string        `json:"content"`
	Parts          []MessagePart `json:"parts,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Invocations returns the tool invocations embedded in the message parts.
func (m *Message) Invocations() []*ToolInvocation {
	var out []*ToolInvocation
	for i := range m.Parts {
		if m.Parts[i].Type == PartToolInvocation && m.Parts[i].Invocation != nil {
			out = append(out, m.Parts[i].Invocation)
		}
	}
	return out
}

// StopReason explains why a run terminated.
type StopReason string

const (
	StopDone      StopReason = "done"
	StopStepLimit StopReason = "step_limit"
	StopErrored   StopReason = "errored"
)

// RunResult is produced exactly once per run and handed to the persistence
// bridge. FinalMessages is the merged transcript: caller-supplied history in
// original order followed by newly produced messages.
type RunResult struct {
	FinalMessages []*Message `json:"final_messages"`
	StopReason    StopReason `json:"stop_reason"`
}
