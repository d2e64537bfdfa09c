package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supd/internal/eventbus"
	"supd/pkg/logx"
)

// fakeService is a scriptable Service. Zero funcs succeed immediately.
type fakeService struct {
	name string

	startFn  func(ctx context.Context) error
	stopFn   func(ctx context.Context) error
	healthFn func(ctx context.Context) (Health, error)

	starts atomic.Int32
	stops  atomic.Int32
	checks atomic.Int32

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFake(name string) *fakeService { return &fakeService{name: name} }

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(ctx context.Context) error {
	f.starts.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		cur := f.maxActive.Load()
		if n <= cur || f.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.startFn != nil {
		return f.startFn(ctx)
	}
	return nil
}

func (f *fakeService) Stop(ctx context.Context) error {
	f.stops.Add(1)
	if f.stopFn != nil {
		return f.stopFn(ctx)
	}
	return nil
}

func (f *fakeService) HealthCheck(ctx context.Context) (Health, error) {
	f.checks.Add(1)
	if f.healthFn != nil {
		return f.healthFn(ctx)
	}
	return Health{Status: StatusRunning}, nil
}

// waitingService adds Wait: it exits when a value is sent on exit.
type waitingService struct {
	*fakeService
	exit chan error
}

func newWaiting(name string) *waitingService {
	return &waitingService{fakeService: newFake(name), exit: make(chan error, 1)}
}

func (w *waitingService) Wait(ctx context.Context) error {
	select {
	case err := <-w.exit:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// blockUntilCancelled is a start func that never finishes on its own.
func blockUntilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func sleepFor(d time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type testManager struct {
	*Manager
	bus *eventbus.MemBus
}

func newTestManager(t *testing.T, opts ...Option) testManager {
	t.Helper()
	bus := eventbus.New()
	opts = append([]Option{WithBackoff(time.Millisecond, 30*time.Millisecond), WithStopTimeout(time.Second)}, opts...)
	m := NewManager(logx.Nop(), bus, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return testManager{Manager: m, bus: bus}
}

func (tm testManager) status(t *testing.T, name string) Status {
	t.Helper()
	in, err := tm.Info(name)
	require.NoError(t, err)
	return in.Status
}

func (tm testManager) waitStatus(t *testing.T, name string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		in, err := tm.Info(name)
		return err == nil && in.Status == want
	}, 2*time.Second, 2*time.Millisecond, "service %s never reached %s", name, want)
}

// eventRecorder collects bus events of one type.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func recordEvents(t *testing.T, bus *eventbus.MemBus, typ string) *eventRecorder {
	t.Helper()
	ch, unsub := bus.Subscribe(256)
	rec := &eventRecorder{done: make(chan struct{})}
	go func() {
		defer close(rec.done)
		for ev := range ch {
			if ev.Type != typ {
				continue
			}
			if data, ok := ev.Data.(Event); ok {
				rec.mu.Lock()
				rec.events = append(rec.events, data)
				rec.mu.Unlock()
			}
		}
	}()
	t.Cleanup(func() {
		unsub()
		<-rec.done
	})
	return rec
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
