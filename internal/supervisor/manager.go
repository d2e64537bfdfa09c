package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"supd/internal/eventbus"
	"supd/internal/runtime/tasks"
	"supd/pkg/logx"
)

const (
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 30 * time.Second
	DefaultStopTimeout   = 10 * time.Second
	DefaultHealthTimeout = 5 * time.Second
)

// Manager supervises a set of services.
//
// Operations on one service are serialized in issuance order; operations on
// different services never block each other.
type Manager struct {
	log   logx.Logger
	bus   eventbus.Bus
	group *tasks.Group
	reg   *registry

	baseDelay     time.Duration
	maxDelay      time.Duration
	stopTimeout   time.Duration
	healthTimeout time.Duration

	closed atomic.Bool
}

type Option func(*Manager)

// WithBackoff sets the default relaunch backoff window.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		if base > 0 {
			m.baseDelay = base
		}
		if max > 0 {
			m.maxDelay = max
		}
	}
}

// WithStopTimeout bounds how long a stop waits for runs to exit and for the service's Stop.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stopTimeout = d
		}
	}
}

// WithHealthTimeout bounds a single service health check.
func WithHealthTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthTimeout = d
		}
	}
}

// NewManager creates a manager. bus may be nil.
func NewManager(log logx.Logger, bus eventbus.Bus, opts ...Option) *Manager {
	m := &Manager{
		log:           log,
		bus:           bus,
		reg:           newRegistry(),
		baseDelay:     DefaultBaseDelay,
		maxDelay:      DefaultMaxDelay,
		stopTimeout:   DefaultStopTimeout,
		healthTimeout: DefaultHealthTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	m.group = tasks.New(context.Background(), tasks.WithLogger(log))
	return m
}

// Tasks exposes the goroutine stats of the manager's task group.
func (m *Manager) Tasks() tasks.Snapshot { return m.group.Snapshot() }

// AddService registers svc. Schedule-driven services are armed immediately.
func (m *Manager) AddService(svc Service, cfg Config) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if svc == nil {
		return errors.New("nil service")
	}
	name := strings.TrimSpace(svc.Name())
	if name == "" || name != svc.Name() {
		return fmt.Errorf("invalid service name %q", svc.Name())
	}

	cfg, err := cfg.normalize(m.baseDelay, m.maxDelay)
	if err != nil {
		return newServiceError(name, "add", nil, err)
	}
	var trig *trigger
	if cfg.Schedule != nil {
		trig, err = compileSchedule(cfg.Schedule)
		if err != nil {
			return newServiceError(name, "add", ErrScheduleInvalid, err)
		}
	}

	now := time.Now()
	e := &entry{
		name:      name,
		svc:       svc,
		cfg:       cfg,
		trig:      trig,
		log:       m.log.With(logx.Service(name)),
		fireSem:   make(chan struct{}, 1),
		status:    StatusIdle,
		addedAt:   now,
		changedAt: now,
	}
	if err := m.reg.add(e); err != nil {
		return newServiceError(name, "add", err, nil)
	}

	m.publish(EventAdded, Event{Service: name})
	if trig != nil {
		e.opMu.Lock()
		m.armLocked(e)
		e.opMu.Unlock()
		e.log.Info("service added", logx.String("schedule", trig.spec.String()), logx.String("overlap", string(cfg.Overlap)))
	} else {
		e.log.Info("service added", logx.String("restart_policy", string(cfg.RestartPolicy)), logx.Int("max_retries", cfg.MaxRetries))
	}
	return nil
}

// lockEntry looks name up and takes its operation lock.
// The caller must release opMu on success.
func (m *Manager) lockEntry(name string) (*entry, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	e, ok := m.reg.get(name)
	if !ok {
		return nil, notFound(name)
	}
	e.opMu.Lock()
	if e.removed {
		e.opMu.Unlock()
		return nil, notFound(name)
	}
	return e, nil
}

// RemoveService force-stops and unregisters name. Stop failures are logged, never returned.
func (m *Manager) RemoveService(ctx context.Context, name string) error {
	e, err := m.lockEntry(name)
	if err != nil {
		return err
	}
	defer e.opMu.Unlock()

	if err := m.stopLocked(ctx, e); err != nil {
		e.log.Warn("stop during removal failed", logx.Err(err))
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	m.reg.remove(name, e)

	m.publish(EventRemoved, Event{Service: name})
	e.log.Info("service removed")
	return nil
}

// Start starts a persistent service and waits for its startup verdict, or
// re-arms the schedule of a schedule-driven one. Starting a running service is a no-op.
func (m *Manager) Start(ctx context.Context, name string) error {
	if e, ok := m.reg.get(name); ok && !e.scheduled() {
		if err := e.awaitAbandoned(ctx); err != nil {
			return err
		}
	}
	e, err := m.lockEntry(name)
	if err != nil {
		return err
	}
	r, err := m.startLocked(e)
	e.opMu.Unlock()
	if err != nil || r == nil {
		return err
	}
	return awaitStartup(ctx, r)
}

func awaitStartup(ctx context.Context, r *run) error {
	select {
	case <-r.ready:
		return r.startErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startLocked requires opMu. It returns the launched run, or nil when nothing was launched.
func (m *Manager) startLocked(e *entry) (*run, error) {
	if e.scheduled() {
		e.mu.Lock()
		e.manualStop = false
		e.mu.Unlock()
		m.armLocked(e)
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusRunning || e.status == StatusStarting {
		return nil, nil
	}
	e.manualStop = false
	e.restartCount = 0
	e.exhausted = false
	e.cancelRelaunchLocked()
	return m.launchLocked(e, "manual")
}

// launchLocked starts a persistent run. Requires e.mu.
func (m *Manager) launchLocked(e *entry, reason string) (*run, error) {
	if e.abandoned != nil {
		return nil, newServiceError(e.name, "start", ErrStartPending, nil)
	}
	if !m.transitionLocked(e, StatusStarting, reason) {
		return nil, fmt.Errorf("%s: cannot start from %s", e.name, e.status)
	}
	r := newRun(false)
	e.run = r
	r.h = m.group.Go("svc."+e.name+".run", func(ctx context.Context) error {
		return m.persistentRun(ctx, e, r)
	})
	if r.h.Finished() && errors.Is(r.h.Err(), tasks.ErrGroupStopped) {
		e.run = nil
		e.lastError = ErrClosed
		m.transitionLocked(e, StatusCrashed, "closed")
		r.resolve(ErrClosed)
		return nil, ErrClosed
	}
	return r, nil
}

// Stop stops name: cancels any pending relaunch, the schedule loop and the
// in-flight run, then calls the service's Stop.
func (m *Manager) Stop(ctx context.Context, name string) error {
	e, err := m.lockEntry(name)
	if err != nil {
		return err
	}
	defer e.opMu.Unlock()
	return m.stopLocked(ctx, e)
}

// stopLocked requires opMu.
func (m *Manager) stopLocked(ctx context.Context, e *entry) error {
	e.mu.Lock()
	e.manualStop = true
	e.cancelRelaunchLocked()
	loop := e.loop
	e.loop = nil
	if loop != nil {
		loop.Cancel()
	}
	prev := e.status
	r := e.run
	if r != nil {
		if e.status == StatusStarting || e.status == StatusRunning {
			m.transitionLocked(e, StatusStopping, "stop")
		}
		r.h.Cancel()
	}
	e.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
	defer cancel()

	var joinErr error
	if loop != nil {
		if err := loop.Wait(waitCtx); err != nil {
			joinErr = fmt.Errorf("schedule loop did not exit: %w", err)
		}
	}
	if r != nil {
		if err := r.h.Wait(waitCtx); err != nil {
			joinErr = errors.Join(joinErr, fmt.Errorf("run did not exit: %w", err))
		}
	}
	if err := e.awaitAbandoned(waitCtx); err != nil {
		joinErr = errors.Join(joinErr, fmt.Errorf("abandoned start did not return: %w", err))
	}

	// Stop is owed when the service may hold resources: a persistent run whose
	// Start succeeded, an interrupted scheduled execution, or a crashed service.
	e.mu.Lock()
	needStop := prev == StatusCrashed
	if r != nil {
		needStop = r.scheduled || r.started
	}
	e.mu.Unlock()

	var stopErr error
	if needStop {
		stopErr = m.callStop(waitCtx, e)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == r {
		e.run = nil
	}
	if err := errors.Join(joinErr, stopErr); err != nil {
		kind := ErrShutdownFailure
		serr := newServiceError(e.name, "stop", kind, err)
		if errors.Is(err, context.DeadlineExceeded) {
			serr.Err = fmt.Errorf("%w: %w", ErrTimeoutExceeded, err)
		}
		e.lastError = serr
		if e.status != StatusCrashed {
			m.transitionLocked(e, StatusCrashed, "stop failed")
		}
		e.log.Error("stop failed", logx.Err(err))
		return serr
	}
	e.restartCount = 0
	if e.status != StatusIdle {
		m.transitionLocked(e, StatusStopped, "stop")
	}
	return nil
}

// callStop invokes the service's Stop bounded by the manager's stop timeout.
func (m *Manager) callStop(ctx context.Context, e *entry) error {
	sctx, cancel := context.WithTimeout(ctx, m.stopTimeout)
	defer cancel()
	return invoke(sctx, e.svc.Stop)
}

// Restart stops then starts name as one operation. Start is attempted even if stop failed.
func (m *Manager) Restart(ctx context.Context, name string) error {
	e, err := m.lockEntry(name)
	if err != nil {
		return err
	}
	stopErr := m.stopLocked(ctx, e)
	r, startErr := m.startLocked(e)
	e.opMu.Unlock()
	if startErr == nil && r != nil {
		startErr = awaitStartup(ctx, r)
	}
	return errors.Join(stopErr, startErr)
}

// HealthCheck calls the service's own health check and overlays the manager's status.
// A failing check still returns the overlaid report, alongside an ErrHealthCheckFailure.
func (m *Manager) HealthCheck(ctx context.Context, name string) (Health, error) {
	if m.closed.Load() {
		return Health{}, ErrClosed
	}
	e, ok := m.reg.get(name)
	if !ok {
		return Health{}, notFound(name)
	}

	hctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	resCh := make(chan Health, 1)
	err := invoke(hctx, func(ctx context.Context) error {
		h, err := e.svc.HealthCheck(ctx)
		resCh <- h
		return err
	})
	var reported Health
	if err == nil {
		select {
		case reported = <-resCh:
		default:
		}
	}
	timedOut := errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return Health{}, notFound(name)
	}
	in := e.infoLocked()
	e.mu.Unlock()

	details := make(map[string]any, len(reported.Details)+8)
	if err == nil {
		maps.Copy(details, reported.Details)
		if reported.Status != "" {
			details["reportedStatus"] = string(reported.Status)
		}
	}
	details["restartCount"] = in.RestartCount
	if in.LastError != "" {
		details["lastError"] = in.LastError
	} else {
		details["lastError"] = nil
	}
	if in.Exhausted {
		details["retriesExhausted"] = true
	}
	if in.Schedule != "" {
		details["schedule"] = in.Schedule
		details["armed"] = in.Armed
		if !in.NextRun.IsZero() {
			details["nextRun"] = in.NextRun
		}
		if !in.LastRun.IsZero() {
			details["lastRun"] = in.LastRun
		}
	}
	out := Health{Status: in.Status, Details: details}

	if err != nil {
		cause := err
		if timedOut {
			cause = fmt.Errorf("%w: %w", ErrTimeoutExceeded, err)
		}
		details["healthError"] = cause.Error()
		return out, newServiceError(name, "health", ErrHealthCheckFailure, cause)
	}
	return out, nil
}

// Services lists registered services in registration order.
func (m *Manager) Services() []Info {
	list := m.reg.list()
	out := make([]Info, 0, len(list))
	for _, e := range list {
		out = append(out, e.info())
	}
	return out
}

// Info returns the snapshot of one service.
func (m *Manager) Info(name string) (Info, error) {
	e, ok := m.reg.get(name)
	if !ok {
		return Info{}, notFound(name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Info{}, notFound(name)
	}
	return e.infoLocked(), nil
}

// Close stops every service (reverse registration order) and joins all tasks.
// Every operation returns ErrClosed afterwards.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.stopAll(ctx)
	if gerr := m.group.Stop(ctx); gerr != nil {
		err = errors.Join(err, fmt.Errorf("waiting for tasks: %w", gerr))
	}
	return err
}

// transitionLocked moves e to `to` if the state machine allows it. Requires e.mu.
func (m *Manager) transitionLocked(e *entry, to Status, reason string) bool {
	from := e.status
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		e.log.Warn("illegal transition ignored", logx.String("from", string(from)), logx.String("to", string(to)), logx.String("reason", reason))
		return false
	}
	e.status = to
	e.changedAt = time.Now()

	ev := Event{Service: e.name, From: from, To: to, RestartCount: e.restartCount, Reason: reason}
	if to == StatusCrashed {
		ev.Error = errString(e.lastError)
		e.log.Warn("service crashed", logx.String("from", string(from)), logx.String("reason", reason), logx.Err(e.lastError))
	} else {
		e.log.Debug("service state", logx.String("from", string(from)), logx.String("to", string(to)), logx.String("reason", reason))
	}
	m.publish(EventState, ev)
	return true
}

// invoke runs call racing it against ctx. A call that loses the race keeps
// running in the background and its result is dropped.
// Panics inside call are returned as errors.
func invoke(ctx context.Context, call func(context.Context) error) error {
	ch := make(chan error, 1)
	go func() { ch <- safeCall(ctx, call) }()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		select {
		case err := <-ch:
			return err
		default:
		}
		return ctx.Err()
	}
}

func safeCall(ctx context.Context, call func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return call(ctx)
}
