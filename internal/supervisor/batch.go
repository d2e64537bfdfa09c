package supervisor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"supd/pkg/logx"
)

// StartAll starts every service concurrently. Every service is attempted;
// failures come back as a *BatchError.
func (m *Manager) StartAll(ctx context.Context) error {
	return m.concurrently(ctx, "start-all", func(ctx context.Context, name string) error {
		return m.Start(ctx, name)
	})
}

// StopAll stops every service, sequentially, in reverse registration order.
func (m *Manager) StopAll(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.stopAll(ctx)
}

func (m *Manager) stopAll(ctx context.Context) error {
	list := m.reg.list()
	failures := map[string]error{}
	for i := len(list) - 1; i >= 0; i-- {
		e := list[i]
		e.opMu.Lock()
		if e.removed {
			e.opMu.Unlock()
			continue
		}
		err := m.stopLocked(ctx, e)
		e.opMu.Unlock()
		if err != nil {
			failures[e.name] = err
		}
	}
	if len(failures) > 0 {
		return &BatchError{Op: "stop-all", Failures: failures}
	}
	return nil
}

// HealthCheckAll checks every service concurrently. The map holds a report for
// every service, including the ones whose check failed.
func (m *Manager) HealthCheckAll(ctx context.Context) (map[string]Health, error) {
	var mu sync.Mutex
	out := map[string]Health{}
	err := m.concurrently(ctx, "health-check-all", func(ctx context.Context, name string) error {
		h, err := m.HealthCheck(ctx, name)
		if h.Status != "" {
			mu.Lock()
			out[name] = h
			mu.Unlock()
		}
		return err
	})
	return out, err
}

func (m *Manager) concurrently(ctx context.Context, op string, fn func(context.Context, string) error) error {
	if m.closed.Load() {
		return ErrClosed
	}
	var (
		mu       sync.Mutex
		failures = map[string]error{}
		g        errgroup.Group
	)
	for _, e := range m.reg.list() {
		name := e.name
		g.Go(func() error {
			if err := fn(ctx, name); err != nil {
				mu.Lock()
				failures[name] = err
				mu.Unlock()
			}
			// Never short-circuit the batch.
			return nil
		})
	}
	_ = g.Wait()
	if len(failures) > 0 {
		m.log.Warn("batch operation had failures", logx.String("op", op), logx.Int("failed", len(failures)))
		return &BatchError{Op: op, Failures: failures}
	}
	return nil
}
