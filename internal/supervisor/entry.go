package supervisor

import (
	"context"
	"sync"
	"time"

	"supd/internal/runtime/tasks"
	"supd/pkg/logx"
)

// run is one launched execution: a persistent run or one scheduled execution.
type run struct {
	h         *tasks.Handle
	scheduled bool
	startedAt time.Time

	// started is set once the service's Start returned nil. Guarded by entry.mu.
	started bool

	readyOnce sync.Once
	ready     chan struct{}
	startErr  error
}

func newRun(scheduled bool) *run {
	return &run{scheduled: scheduled, startedAt: time.Now(), ready: make(chan struct{})}
}

// resolve publishes the startup verdict once.
func (r *run) resolve(err error) {
	r.readyOnce.Do(func() {
		r.startErr = err
		close(r.ready)
	})
}

// entry is the manager's bookkeeping for one registered service.
//
// Lock order: opMu, then fireSem, then mu. Run goroutines only ever take mu.
type entry struct {
	name string
	svc  Service
	cfg  Config
	trig *trigger
	seq  uint64
	log  logx.Logger

	// opMu serializes caller operations (start/stop/restart/remove/trigger).
	opMu sync.Mutex
	// fireSem serializes schedule firing between the loop and Trigger.
	fireSem chan struct{}

	mu           sync.Mutex
	status       Status
	restartCount int
	lastError    error
	manualStop   bool
	exhausted    bool
	removed      bool

	run           *run
	// abandoned is closed once a Start call that lost its race returns.
	// No run is launched while it is set.
	abandoned     chan struct{}
	relaunch      *tasks.Handle
	relaunchToken uint64
	loop          *tasks.Handle

	addedAt   time.Time
	changedAt time.Time
	lastRun   time.Time
	nextRun   time.Time
	runs      uint64
	failures  uint64
	skipped   uint64
}

func (e *entry) scheduled() bool { return e.trig != nil }

// Info is a read-only snapshot of a registered service.
type Info struct {
	Name          string        `json:"name"`
	Status        Status        `json:"status"`
	RestartPolicy RestartPolicy `json:"restart_policy"`
	MaxRetries    int           `json:"max_retries,omitempty"`
	RestartCount  int           `json:"restart_count"`
	LastError     string        `json:"last_error,omitempty"`
	ManualStop    bool          `json:"manual_stop"`
	Exhausted     bool          `json:"retries_exhausted,omitempty"`
	RelaunchDue   bool          `json:"relaunch_pending,omitempty"`

	Schedule   string        `json:"schedule,omitempty"`
	Overlap    OverlapPolicy `json:"overlap_policy,omitempty"`
	Armed      bool          `json:"armed,omitempty"`
	RunTimeout time.Duration `json:"run_timeout,omitempty"`
	NextRun    time.Time     `json:"next_run,omitempty"`
	LastRun    time.Time     `json:"last_run,omitempty"`
	Runs       uint64        `json:"runs"`
	Failures   uint64        `json:"failures"`
	Skipped    uint64        `json:"skipped,omitempty"`

	RunID     string    `json:"run_id,omitempty"`
	AddedAt   time.Time `json:"added_at"`
	ChangedAt time.Time `json:"changed_at"`
}

func (e *entry) infoLocked() Info {
	in := Info{
		Name:          e.name,
		Status:        e.status.Reported(),
		RestartPolicy: e.cfg.RestartPolicy,
		MaxRetries:    e.cfg.MaxRetries,
		RestartCount:  e.restartCount,
		ManualStop:    e.manualStop,
		Exhausted:     e.exhausted,
		RelaunchDue:   e.relaunch != nil && !e.relaunch.Finished(),
		RunTimeout:    e.cfg.RunTimeout,
		Runs:          e.runs,
		Failures:      e.failures,
		AddedAt:       e.addedAt,
		ChangedAt:     e.changedAt,
	}
	if e.lastError != nil {
		in.LastError = e.lastError.Error()
	}
	if e.run != nil && e.run.h != nil {
		in.RunID = e.run.h.ID()
	}
	if e.trig != nil {
		in.Schedule = e.trig.spec.String()
		in.Overlap = e.cfg.Overlap
		in.Armed = e.loop != nil && !e.loop.Finished()
		in.LastRun = e.lastRun
		in.Skipped = e.skipped
		if in.Armed {
			in.NextRun = e.nextRun
		}
	}
	return in
}

// awaitAbandoned waits until no abandoned Start call of e is still executing.
func (e *entry) awaitAbandoned(ctx context.Context) error {
	e.mu.Lock()
	ch := e.abandoned
	e.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.infoLocked()
}

// cancelRelaunchLocked drops a pending relaunch. The relaunch task also checks
// the token, so a cancelled relaunch never takes effect even if already firing.
func (e *entry) cancelRelaunchLocked() {
	e.relaunchToken++
	if e.relaunch != nil {
		e.relaunch.Cancel()
		e.relaunch = nil
	}
}
