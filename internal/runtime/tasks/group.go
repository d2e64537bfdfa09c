package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"supd/pkg/logx"
)

// ErrGroupStopped is the result of a task submitted after Stop.
var ErrGroupStopped = errors.New("task group stopped")

// PanicError is returned by a task whose function panicked.
type PanicError struct {
	Task  string
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic in %s: %v", e.Task, e.Value) }

// Group runs named goroutines tied to a shared context.
// - Named goroutines (for logging/debug)
// - Panic recovery
// - A cancellable, joinable Handle per task
// - Graceful stop with timeout-aware waiting
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	// Best-effort operational counters.
	started uint64
	active  int64

	log      logx.Logger
	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	stats   map[string]*taskStats
}

type Option func(*Group)

// Counters exposes best-effort goroutine counters.
// These are operational signals only (not a synchronization primitive).
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// TaskStats is an aggregated view of goroutines started under one name.
//
// Stats are keyed by name, so concurrent tasks with the same name are aggregated.
type TaskStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// Snapshot is a point-in-time view of a group.
type Snapshot struct {
	Counters Counters    `json:"counters"`
	Tasks    []TaskStats `json:"tasks"`
}

type taskStats struct {
	TaskStats
}

func WithLogger(log logx.Logger) Option {
	return func(g *Group) { g.log = log }
}

func New(parent context.Context, opts ...Option) *Group {
	ctx, cancel := context.WithCancel(parent)
	g := &Group{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Group) Context() context.Context { return g.ctx }

func (g *Group) Counters() Counters {
	if g == nil {
		return Counters{}
	}
	return Counters{
		Active:  atomic.LoadInt64(&g.active),
		Started: atomic.LoadUint64(&g.started),
	}
}

// Snapshot returns per-name task stats, active first.
func (g *Group) Snapshot() Snapshot {
	if g == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: g.Counters()}

	g.mu.Lock()
	ts := make([]TaskStats, 0, len(g.stats))
	for _, st := range g.stats {
		ts = append(ts, st.TaskStats)
	}
	g.mu.Unlock()

	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Active != ts[j].Active {
			return ts[i].Active > ts[j].Active
		}
		if !ts[i].LastStartAt.Equal(ts[j].LastStartAt) {
			return ts[i].LastStartAt.After(ts[j].LastStartAt)
		}
		return ts[i].Name < ts[j].Name
	})
	snap.Tasks = ts
	return snap
}

func (g *Group) statLocked(name string) *taskStats {
	st := g.stats[name]
	if st == nil {
		st = &taskStats{TaskStats{Name: name}}
		g.stats[name] = st
	}
	return st
}

func (g *Group) noteStart(name string, isRestart bool) time.Time {
	now := time.Now()
	g.mu.Lock()
	st := g.statLocked(name)
	st.Started++
	if isRestart {
		st.Restarts++
	}
	st.Active++
	st.LastStartAt = now
	g.mu.Unlock()
	return now
}

func (g *Group) noteStop(name string, startedAt time.Time, err error) {
	now := time.Now()
	dur := now.Sub(startedAt)
	g.mu.Lock()
	st := g.statLocked(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.LastRuntime = dur
	st.TotalRuntime += dur
	if err != nil {
		st.LastErr = err.Error()
		st.LastErrAt = now
	}
	g.mu.Unlock()
}

func (g *Group) notePanic(name string, p any) {
	g.mu.Lock()
	st := g.statLocked(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(p)
	g.mu.Unlock()
}

// admit registers one more goroutine unless the group is stopping.
func (g *Group) admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	g.wg.Add(1)
	return true
}

// Go starts fn in its own goroutine under a child context and returns its handle.
// A panic inside fn is recovered and reported as a *PanicError.
func (g *Group) Go(name string, fn func(ctx context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(g.ctx)
	h := newHandle(name, cancel)
	if fn == nil {
		h.finish(nil)
		return h
	}
	if !g.admit() {
		cancel()
		h.finish(ErrGroupStopped)
		return h
	}
	atomic.AddUint64(&g.started, 1)
	atomic.AddInt64(&g.active, 1)

	go func() {
		defer g.wg.Done()
		defer atomic.AddInt64(&g.active, -1)
		defer cancel()

		startedAt := g.noteStart(name, false)
		err := g.call(ctx, name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.noteStop(name, startedAt, err)
		} else {
			g.noteStop(name, startedAt, nil)
		}
		h.finish(err)
	}()
	return h
}

// After runs fn once delay has elapsed. Cancelling the handle before the
// delay expires means fn never runs; the handle then reports context.Canceled.
func (g *Group) After(name string, delay time.Duration, fn func(ctx context.Context) error) *Handle {
	return g.Go(name, func(ctx context.Context) error {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fn(ctx)
	})
}

func (g *Group) call(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			g.notePanic(name, r)
			if !g.log.IsZero() {
				g.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.Stack(stack))
			}
			err = &PanicError{Task: name, Value: r, Stack: stack}
		}
	}()
	return fn(ctx)
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	stopOnCleanExit bool
}

// WithRestartBackoff configures the exponential backoff window used between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits the number of restarts before giving up.
// The initial run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithStopOnCleanExit makes GoRestart stop (not restart) if fn returns nil. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// GoRestart runs fn and restarts it on error/panic using jittered exponential
// backoff until the group (or the returned handle) is cancelled.
//
// Meant for infrastructure loops (listeners, watchers) that should self-heal.
// Supervised services do not use this; their restart decisions are policy driven.
func (g *Group) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) *Handle {
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	return g.Go(name+".restart", func(ctx context.Context) error {
		backoff := cfg.minBackoff
		restarts := 0
		for {
			if ctx.Err() != nil {
				return nil
			}
			startedAt := g.noteStart(name, restarts > 0)
			err := g.call(ctx, name, fn)

			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				g.noteStop(name, startedAt, nil)
				return nil
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					g.noteStop(name, startedAt, nil)
					return nil
				}
				err = errors.New("exited")
			}
			g.noteStop(name, startedAt, err)

			restarts++
			// A long healthy run resets the backoff window.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				if !g.log.IsZero() {
					g.log.Error("task gave up after restarts", logx.String("task", name), logx.Int("restarts", restarts), logx.Err(err))
				}
				return fmt.Errorf("%s: %w", name, err)
			}

			wait := min(backoff, cfg.maxBackoff)
			// 20% jitter.
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			if !g.log.IsZero() {
				g.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))
			}

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

// Stop cancels every task and waits for them to return (bounded by ctx).
// Tasks submitted after Stop finish immediately with ErrGroupStopped.
func (g *Group) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.cancel()
	return g.Wait(ctx)
}

// Wait blocks until every task has returned or ctx is done. It is meant to follow Stop.
func (g *Group) Wait(ctx context.Context) error {
	g.doneOnce.Do(func() {
		go func() {
			g.wg.Wait()
			close(g.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.doneCh:
		return nil
	}
}
