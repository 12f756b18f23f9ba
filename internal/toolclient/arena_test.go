package toolclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type spyClient struct {
	closed   atomic.Int32
	closeErr error
}

func (c *spyClient) Close() error {
	c.closed.Add(1)
	return c.closeErr
}

func TestAcquireCachesPerKind(t *testing.T) {
	reg := NewRegistry()
	var starts atomic.Int32
	client := &spyClient{}
	reg.Register("browser", func(ctx context.Context) (Client, error) {
		starts.Add(1)
		return client, nil
	})

	arena := reg.NewArena(nil)
	ctx := context.Background()

	first, err := arena.Acquire(ctx, "browser")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := arena.Acquire(ctx, "browser")
	if err != nil {
		t.Fatalf("Acquire again: %v", err)
	}
	if first != second {
		t.Error("repeated Acquire returned a different client")
	}
	if starts.Load() != 1 {
		t.Errorf("start called %d times, want 1", starts.Load())
	}
}

func TestAcquireStartFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register("shell", func(ctx context.Context) (Client, error) {
		return nil, errors.New("dial failed")
	})

	arena := reg.NewArena(nil)
	if _, err := arena.Acquire(context.Background(), "shell"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestAcquireUnknownKind(t *testing.T) {
	arena := NewRegistry().NewArena(nil)
	if _, err := arena.Acquire(context.Background(), "nope"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestReleaseAllClosesEverythingOnce(t *testing.T) {
	reg := NewRegistry()
	a := &spyClient{closeErr: errors.New("close failed")}
	b := &spyClient{}
	reg.Register("a", func(ctx context.Context) (Client, error) { return a, nil })
	reg.Register("b", func(ctx context.Context) (Client, error) { return b, nil })

	arena := reg.NewArena(nil)
	ctx := context.Background()
	if _, err := arena.Acquire(ctx, "a"); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	if _, err := arena.Acquire(ctx, "b"); err != nil {
		t.Fatalf("Acquire b: %v", err)
	}

	arena.ReleaseAll()
	arena.ReleaseAll() // idempotent

	// a's close error must not prevent b from closing.
	if a.closed.Load() != 1 {
		t.Errorf("a closed %d times, want 1", a.closed.Load())
	}
	if b.closed.Load() != 1 {
		t.Errorf("b closed %d times, want 1", b.closed.Load())
	}
}

func TestAcquireAfterRelease(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", func(ctx context.Context) (Client, error) { return &spyClient{}, nil })

	arena := reg.NewArena(nil)
	arena.ReleaseAll()

	if _, err := arena.Acquire(context.Background(), "a"); !errors.Is(err, ErrReleased) {
		t.Errorf("err = %v, want ErrReleased", err)
	}
}
