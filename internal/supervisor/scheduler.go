package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"supd/pkg/logx"
)

// ErrSkipped is returned by Trigger when the overlap policy dropped the execution.
var ErrSkipped = errors.New("execution skipped: previous execution still in flight")

// armLocked starts the schedule loop unless one is already running. Requires opMu.
func (m *Manager) armLocked(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loop != nil && !e.loop.Finished() {
		return
	}
	e.loop = m.group.Go("svc."+e.name+".schedule", func(ctx context.Context) error {
		return m.scheduleLoop(ctx, e)
	})
}

// scheduleLoop fires executions until cancelled. A failed execution never stops the loop.
func (m *Manager) scheduleLoop(ctx context.Context, e *entry) error {
	var last time.Time
	for {
		now := time.Now()
		base := now
		if !last.IsZero() {
			base = last
		}
		next := e.trig.next(base)
		if !next.IsZero() && !next.After(now) {
			// Fell behind (long queue wait or clock jump); resync to now.
			next = e.trig.next(now)
		}
		if next.IsZero() {
			e.log.Warn("schedule has no future fire time; loop exiting")
			return nil
		}

		e.mu.Lock()
		e.nextRun = next
		e.mu.Unlock()

		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		last = next

		if err := m.fire(ctx, e, "schedule"); err != nil && ctx.Err() == nil && !errors.Is(err, ErrSkipped) {
			e.log.Warn("scheduled fire failed", logx.Err(err))
		}
	}
}

// Trigger runs one execution of a schedule-driven service now, subject to its
// overlap policy. It returns once the execution is launched, not when it ends.
func (m *Manager) Trigger(ctx context.Context, name string) error {
	e, err := m.lockEntry(name)
	if err != nil {
		return err
	}
	defer e.opMu.Unlock()
	if !e.scheduled() {
		return newServiceError(name, "trigger", ErrNotScheduled, nil)
	}
	return m.fire(ctx, e, "trigger")
}

// fire applies the overlap policy and launches one execution. ctx bounds every
// wait; for the loop it is the loop context, so stop interrupts it.
func (m *Manager) fire(ctx context.Context, e *entry, reason string) error {
	select {
	case e.fireSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.fireSem }()

	for {
		e.mu.Lock()
		if ctx.Err() != nil {
			e.mu.Unlock()
			return ctx.Err()
		}
		prev := e.run
		if prev == nil {
			err := m.launchExecLocked(e, reason)
			e.mu.Unlock()
			return err
		}
		if prev.h.Finished() {
			// Interrupted by someone else who has not cleaned up yet.
			e.mu.Unlock()
			return ErrSkipped
		}

		switch e.cfg.Overlap {
		case OverlapQueue:
			e.mu.Unlock()
			if err := m.awaitQueued(ctx, e, prev); err != nil {
				return err
			}
		case OverlapTerminatePrevious:
			if err := m.terminateLocked(ctx, e, prev); err != nil {
				return err
			}
		default:
			e.skipped++
			e.mu.Unlock()
			e.log.Info("tick skipped: previous execution still running", logx.String("reason", reason))
			m.publish(EventTickSkipped, Event{Service: e.name, Reason: reason, To: e.status})
			return ErrSkipped
		}
	}
}

// awaitQueued blocks until prev ends. The wait is bounded by RunTimeout when set;
// on expiry the tick is dropped rather than blocking the schedule forever.
func (m *Manager) awaitQueued(ctx context.Context, e *entry, prev *run) error {
	wctx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.RunTimeout > 0 {
		wctx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
	}
	defer cancel()

	select {
	case <-prev.h.Done():
		return nil
	case <-wctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		e.log.Warn("queued tick dropped: previous execution outlived the queue wait", logx.Duration("wait", e.cfg.RunTimeout))
		m.publish(EventTickSkipped, Event{Service: e.name, Reason: "queue wait expired"})
		return ErrSkipped
	}
}

// terminateLocked cancels prev, joins it and calls the service's Stop for cleanup.
// Called with e.mu held; returns with it released.
func (m *Manager) terminateLocked(ctx context.Context, e *entry, prev *run) error {
	if e.status == StatusRunning {
		m.transitionLocked(e, StatusStopping, "terminate previous")
	}
	prev.h.Cancel()
	e.mu.Unlock()

	if err := prev.h.Wait(ctx); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, m.stopTimeout)
	err := e.awaitAbandoned(wctx)
	cancel()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	stopErr := m.callStop(ctx, e)

	e.mu.Lock()
	defer e.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if e.run != prev {
		return nil
	}
	e.run = nil
	if stopErr != nil {
		e.lastError = newServiceError(e.name, "stop", ErrShutdownFailure, stopErr)
		m.transitionLocked(e, StatusCrashed, "terminate previous")
		return nil
	}
	m.transitionLocked(e, StatusStopped, "terminated")
	return nil
}

// launchExecLocked starts one scheduled execution. Requires e.mu.
func (m *Manager) launchExecLocked(e *entry, reason string) error {
	if e.abandoned != nil {
		e.skipped++
		e.log.Warn("execution skipped: an abandoned start has not returned", logx.String("reason", reason))
		m.publish(EventTickSkipped, Event{Service: e.name, Reason: "abandoned start pending", To: e.status})
		return ErrSkipped
	}
	if !m.transitionLocked(e, StatusStarting, reason) {
		return fmt.Errorf("%s: cannot run from %s", e.name, e.status)
	}
	r := newRun(true)
	e.run = r
	e.lastRun = r.startedAt
	r.h = m.group.Go("svc."+e.name+".exec", func(ctx context.Context) error {
		return m.execute(ctx, e, r)
	})
	return nil
}

// execute is one scheduled execution: the service's Start, bounded by RunTimeout.
// The outcome never reaches the restart engine; the next tick is the retry.
func (m *Manager) execute(ctx context.Context, e *entry, r *run) error {
	defer r.resolve(nil)

	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		return ctx.Err()
	}
	m.transitionLocked(e, StatusRunning, "executing")
	e.mu.Unlock()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
	}
	started := time.Now()
	err := m.startCall(runCtx, e)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	dur := time.Since(started)

	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		return ctx.Err()
	}
	e.runs++
	if err == nil {
		e.run = nil
		e.lastError = nil
		m.transitionLocked(e, StatusStopped, "execution finished")
		e.mu.Unlock()
		e.log.Debug("execution finished", logx.Duration("dur", dur))
		return nil
	}

	kind := ErrStartupFailure
	if timedOut {
		kind = ErrTimeoutExceeded
		err = fmt.Errorf("%w: execution exceeded %s: %w", ErrStartupFailure, e.cfg.RunTimeout, err)
	}
	e.failures++
	serr := newServiceError(e.name, "run", kind, err)
	e.lastError = serr
	m.transitionLocked(e, StatusCrashed, "execution failed")
	if !timedOut {
		e.run = nil
		e.mu.Unlock()
		return serr
	}
	e.mu.Unlock()

	// The timed-out call still holds the execution slot: the overlap policy
	// keeps applying to it until it returns.
	if werr := e.awaitAbandoned(ctx); werr != nil {
		return werr
	}
	e.mu.Lock()
	if e.run == r {
		e.run = nil
	}
	e.mu.Unlock()
	return serr
}
