// Package toolclient manages the lifecycle of external tool clients.
//
// Session-backed tools depend on long-lived out-of-process clients (a
// headless browser, a remote-execution capability). A Registry maps client
// kinds to start functions; an Arena tracks the clients actually started
// during one run and releases them as a unit when the run ends, regardless
// of how it ended.
package toolclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrUnavailable indicates a client failed to start. Acquire failures
// surface before any model call is issued, so a run with an unusable tool
// set is rejected up front.
var ErrUnavailable = errors.New("tool client unavailable")

// ErrReleased indicates the arena has already been released.
var ErrReleased = errors.New("tool client arena released")

// Client is a running external tool client.
type Client interface {
	Close() error
}

// StartFunc starts a client of one kind.
type StartFunc func(ctx context.Context) (Client, error)

// Registry maps client kinds to their start functions. Registration happens
// at startup; lookups afterwards are read-only.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]StartFunc
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]StartFunc)}
}

// Register adds a start function for the given client kind, replacing any
// existing registration.
func (r *Registry) Register(kind string, start StartFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = start
}

func (r *Registry) lookup(kind string) (StartFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	start, ok := r.factories[kind]
	return start, ok
}

// NewArena creates a per-run arena backed by this registry.
func (r *Registry) NewArena(logger *slog.Logger) *Arena {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arena{reg: r, clients: make(map[string]Client), logger: logger}
}

// Arena holds the clients acquired during a single run. At most one client
// per kind is started; repeated acquisitions return the cached client.
type Arena struct {
	mu       sync.Mutex
	reg      *Registry
	clients  map[string]Client
	released bool
	logger   *slog.Logger
}

// Acquire returns the client for kind, starting it on first demand within
// this run. A start failure is reported as ErrUnavailable.
func (a *Arena) Acquire(ctx context.Context, kind string) (Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.released {
		return nil, fmt.Errorf("acquire %s: %w", kind, ErrReleased)
	}
	if c, ok := a.clients[kind]; ok {
		return c, nil
	}

	start, ok := a.reg.lookup(kind)
	if !ok {
		return nil, fmt.Errorf("acquire %s: no factory registered: %w", kind, ErrUnavailable)
	}
	c, err := start(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %v: %w", kind, err, ErrUnavailable)
	}
	a.clients[kind] = c
	return c, nil
}

// ReleaseAll closes every client acquired during the run. Individual close
// failures are logged, not propagated, and do not block closing the
// remaining clients. Subsequent calls are no-ops.
func (a *Arena) ReleaseAll() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	clients := a.clients
	a.clients = nil
	a.mu.Unlock()

	for kind, c := range clients {
		if err := c.Close(); err != nil {
			a.logger.Warn("tool client close failed", "kind", kind, "error", err)
		}
	}
}
