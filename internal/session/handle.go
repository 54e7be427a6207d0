package session

import (
	"context"
	"sync"
)

// Handle tracks the asynchronous outcome of a Connect call.
type Handle struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Done is closed once the session joined or failed to.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns ErrPending until the attempt resolves, then nil after a
// successful join or the reason the session did not join.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return ErrPending
	}
}

// Wait blocks until the connect attempt resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) resolve(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}
