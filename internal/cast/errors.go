package cast

import (
	"errors"
	"fmt"
)

// Sentinel errors for engine operations.
var (
	// ErrNoModelClient indicates no client is configured for the requested
	// model's provider.
	ErrNoModelClient = errors.New("no model client configured")

	// ErrEmptyMessages indicates a run was requested with no messages.
	ErrEmptyMessages = errors.New("messages cannot be empty")

	// ErrUnknownTool indicates a requested tool key is not in the catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrToolLoad indicates a session-backed tool's client could not be
	// started. Raised before any model call so a partially-loaded tool set
	// never reaches the model.
	ErrToolLoad = errors.New("tool load failed")
)

// Phase identifies where in the run loop an error occurred.
type Phase string

const (
	PhaseInit         Phase = "init"
	PhaseCallModel    Phase = "call_model"
	PhaseExecuteTools Phase = "execute_tools"
	PhaseFinalize     Phase = "finalize"
)

// RunError wraps a fatal run failure with the phase and step it occurred in.
type RunError struct {
	Phase Phase
	Step  int
	Cause error
}

func (e *RunError) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("run failed in %s (step %d): %v", e.Phase, e.Step, e.Cause)
	}
	return fmt.Sprintf("run failed in %s: %v", e.Phase, e.Cause)
}

func (e *RunError) Unwrap() error { return e.Cause }
