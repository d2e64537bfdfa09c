package supervisor

import (
	"context"
	"errors"
	"fmt"

	"supd/pkg/logx"
)

// ErrRunFailure marks a persistent service that exited with an error after a successful start.
var ErrRunFailure = errors.New("run failure")

// persistentRun drives one run of a persistent service: startup (bounded by
// RunTimeout), then Wait until exit or cancellation. It only takes e.mu; a run
// cancelled by stop/remove never transitions the entry.
func (m *Manager) persistentRun(ctx context.Context, e *entry, r *run) error {
	defer r.resolve(newServiceError(e.name, "start", ErrInterrupted, nil))

	startCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.RunTimeout > 0 {
		startCtx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
	}
	err := m.startCall(startCtx, e)
	timedOut := errors.Is(startCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	e.mu.Lock()
	if ctx.Err() != nil {
		r.started = err == nil
		e.mu.Unlock()
		return ctx.Err()
	}
	if err != nil {
		kind := ErrStartupFailure
		if timedOut {
			kind = ErrTimeoutExceeded
			err = fmt.Errorf("%w after %s: %w", ErrStartupFailure, e.cfg.RunTimeout, err)
		}
		serr := newServiceError(e.name, "start", kind, err)
		e.run = nil
		e.lastError = serr
		e.failures++
		m.transitionLocked(e, StatusCrashed, "start failed")
		r.resolve(serr)
		m.afterRunLocked(e, OutcomeFailure)
		e.mu.Unlock()
		return serr
	}
	r.started = true
	e.lastError = nil
	e.runs++
	m.transitionLocked(e, StatusRunning, "started")
	r.resolve(nil)
	e.mu.Unlock()

	var exitErr error
	if w, ok := e.svc.(Waiter); ok {
		exitErr = safeCall(ctx, w.Wait)
	} else {
		<-ctx.Done()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	e.run = nil
	if exitErr != nil {
		serr := newServiceError(e.name, "run", ErrRunFailure, exitErr)
		e.lastError = serr
		e.failures++
		m.transitionLocked(e, StatusCrashed, "exited with error")
		m.afterRunLocked(e, OutcomeFailure)
		return serr
	}
	m.transitionLocked(e, StatusStopped, "exited")
	m.afterRunLocked(e, OutcomeSuccess)
	return nil
}

// startCall runs the service's Start racing it against ctx. When ctx wins, the
// call keeps running and is recorded in e.abandoned until it returns; no run is
// launched meanwhile, so a late success can be undone with Stop safely.
func (m *Manager) startCall(ctx context.Context, e *entry) error {
	res := make(chan error, 1)
	go func() { res <- safeCall(ctx, e.svc.Start) }()
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
	}
	select {
	case err := <-res:
		return err
	default:
	}

	done := make(chan struct{})
	e.mu.Lock()
	e.abandoned = done
	e.mu.Unlock()
	e.log.Warn("start did not return in time; waiting for it in the background", logx.Err(ctx.Err()))

	go func() {
		if err := <-res; err == nil {
			sctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
			if serr := safeCall(sctx, e.svc.Stop); serr != nil {
				e.log.Warn("cleanup stop after abandoned start failed", logx.Err(serr))
			}
			cancel()
		}
		e.mu.Lock()
		if e.abandoned == done {
			e.abandoned = nil
		}
		e.mu.Unlock()
		close(done)
		e.log.Debug("abandoned start returned")
	}()
	return ctx.Err()
}

// afterRunLocked consults the restart policy for a finished run. Requires e.mu.
func (m *Manager) afterRunLocked(e *entry, outcome Outcome) {
	d := Decide(e.cfg, outcome, e.manualStop, e.restartCount)
	if outcome == OutcomeSuccess && e.cfg.RestartPolicy != RestartOnFailure {
		d.RestartCount = 0
	}
	e.restartCount = d.RestartCount

	if d.Exhausted {
		e.exhausted = true
		e.lastError = newServiceError(e.name, "restart", ErrRetryExhausted, e.lastError)
		e.log.Error("retries exhausted, giving up", logx.Int("restarts", e.restartCount), logx.Err(e.lastError))
		m.publish(EventRetryExhausted, Event{Service: e.name, To: e.status, RestartCount: e.restartCount, Error: errString(e.lastError)})
		return
	}
	if !d.Relaunch {
		return
	}

	e.cancelRelaunchLocked()
	token := e.relaunchToken
	e.relaunch = m.group.After("svc."+e.name+".relaunch", d.Delay, func(ctx context.Context) error {
		return m.relaunch(ctx, e, token)
	})
	if d.Delay > 0 {
		e.log.Info("relaunch scheduled", logx.Duration("delay", d.Delay), logx.Int("restarts", d.RestartCount))
	}
	m.publish(EventRelaunchScheduled, Event{Service: e.name, To: e.status, RestartCount: d.RestartCount, Delay: d.Delay, Error: errString(e.lastError)})
}

// relaunch is the body of a delayed relaunch task.
func (m *Manager) relaunch(ctx context.Context, e *entry, token uint64) error {
	if err := e.awaitAbandoned(ctx); err != nil {
		return nil
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if ctx.Err() != nil || e.removed || e.manualStop || e.relaunchToken != token {
		return nil
	}
	e.relaunch = nil
	if _, err := m.launchLocked(e, "relaunch"); err != nil {
		e.log.Warn("relaunch failed", logx.Err(err))
	}
	return nil
}
