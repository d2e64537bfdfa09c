package tasks

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Handle controls one task started by a Group.
//
// Cancel only requests cancellation; Wait blocks until the task's
// function has actually returned, so "cancelled" and "stopped" are distinct.
type Handle struct {
	id     string
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	once sync.Once
	err  error
}

func newHandle(name string, cancel context.CancelFunc) *Handle {
	return &Handle{
		id:     uuid.NewString(),
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Name() string { return h.name }

// Cancel requests cancellation of the task's context. Safe to call repeatedly.
func (h *Handle) Cancel() {
	if h != nil && h.cancel != nil {
		h.cancel()
	}
}

// Done is closed once the task function has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Finished reports whether the task has returned.
func (h *Handle) Finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Err is the task's result. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task returns or ctx is done, returning ctx.Err() in the latter case.
func (h *Handle) Wait(ctx context.Context) error {
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
