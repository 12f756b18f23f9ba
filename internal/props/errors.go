package props

import "errors"

// Sentinel errors for session manager operations.
var (
	// ErrInvalidCredentials indicates initialize was called without host,
	// username, or any authentication secret.
	ErrInvalidCredentials = errors.New("invalid credentials: host, username, and a password or private key path are required")

	// ErrNotConnected indicates no live session exists for the user.
	ErrNotConnected = errors.New("no active session: call initialize first")

	// ErrConnection indicates the session's transport failed. The session
	// is marked disconnected; the user must initialize again.
	ErrConnection = errors.New("connection failed")
)
