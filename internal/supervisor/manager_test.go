package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddServiceValidation(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.AddService(newFake("web"), Config{}))

	err := m.AddService(newFake("web"), Config{})
	require.ErrorIs(t, err, ErrAlreadyExists)

	err = m.AddService(newFake("cron-bad"), Config{Schedule: CronSchedule{Expr: "61 * * * *"}})
	require.ErrorIs(t, err, ErrScheduleInvalid)

	err = m.AddService(newFake("interval-bad"), Config{Schedule: IntervalSchedule{}})
	require.ErrorIs(t, err, ErrScheduleInvalid)

	require.Error(t, m.AddService(newFake(""), Config{}))
	require.Error(t, m.AddService(newFake("policy"), Config{RestartPolicy: "sometimes"}))

	names := []string{}
	for _, in := range m.Services() {
		names = append(names, in.Name)
	}
	require.Equal(t, []string{"web"}, names)

	in, err := m.Info("web")
	require.NoError(t, err)
	require.Equal(t, RestartOnFailure, in.RestartPolicy)
	require.Equal(t, StatusStopped, in.Status)
}

func TestUnknownServiceIsNotFound(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.ErrorIs(t, m.Start(ctx, "ghost"), ErrNotFound)
	require.ErrorIs(t, m.Stop(ctx, "ghost"), ErrNotFound)
	require.ErrorIs(t, m.Restart(ctx, "ghost"), ErrNotFound)
	require.ErrorIs(t, m.RemoveService(ctx, "ghost"), ErrNotFound)
	require.ErrorIs(t, m.Trigger(ctx, "ghost"), ErrNotFound)
	_, err := m.HealthCheck(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Info("ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newFake("web")
	require.NoError(t, m.AddService(svc, Config{RestartPolicy: RestartUnlessStopped}))

	before, err := m.HealthCheck(ctx, "web")
	require.NoError(t, err)
	require.Equal(t, StatusStopped, before.Status)

	require.NoError(t, m.Start(ctx, "web"))
	h, err := m.HealthCheck(ctx, "web")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, h.Status)

	require.NoError(t, m.Stop(ctx, "web"))
	after, err := m.HealthCheck(ctx, "web")
	require.NoError(t, err)

	require.Equal(t, before.Status, after.Status)
	require.Equal(t, 0, after.Details["restartCount"])
	require.Equal(t, before.Details["restartCount"], after.Details["restartCount"])
	require.Equal(t, before.Details["lastError"], after.Details["lastError"])
	require.EqualValues(t, 1, svc.starts.Load())
	require.EqualValues(t, 1, svc.stops.Load())
}

func TestStartIsNoopWhenRunning(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newFake("web")
	require.NoError(t, m.AddService(svc, Config{}))

	require.NoError(t, m.Start(ctx, "web"))
	require.NoError(t, m.Start(ctx, "web"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Start(ctx, "web")
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, svc.starts.Load())
	require.EqualValues(t, 1, svc.maxActive.Load())
	require.Equal(t, StatusRunning, m.status(t, "web"))
}

func TestStatusOverlayWinsOverSelfReport(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newFake("liar")
	svc.startFn = func(context.Context) error { return errors.New("cannot bind") }
	svc.healthFn = func(context.Context) (Health, error) {
		return Health{Status: StatusRunning, Details: map[string]any{"pid": 42}}, nil
	}
	require.NoError(t, m.AddService(svc, Config{RestartPolicy: RestartNo}))

	err := m.Start(ctx, "liar")
	require.ErrorIs(t, err, ErrStartupFailure)

	h, err := m.HealthCheck(ctx, "liar")
	require.NoError(t, err)
	require.Equal(t, StatusCrashed, h.Status)
	require.Equal(t, "running", h.Details["reportedStatus"])
	require.Equal(t, 42, h.Details["pid"])
	require.Contains(t, h.Details["lastError"], "cannot bind")
}

func TestHealthCheckFailureStillReports(t *testing.T) {
	m := newTestManager(t, WithHealthTimeout(20*time.Millisecond))
	ctx := context.Background()
	svc := newFake("slow")
	svc.healthFn = func(ctx context.Context) (Health, error) {
		<-ctx.Done()
		return Health{}, ctx.Err()
	}
	require.NoError(t, m.AddService(svc, Config{}))
	require.NoError(t, m.Start(ctx, "slow"))

	h, err := m.HealthCheck(ctx, "slow")
	require.ErrorIs(t, err, ErrHealthCheckFailure)
	require.ErrorIs(t, err, ErrTimeoutExceeded)
	require.Equal(t, StatusRunning, h.Status)
	require.Equal(t, 0, h.Details["restartCount"])
}

func TestRetryExhaustion(t *testing.T) {
	m := newTestManager(t)
	rec := recordEvents(t, m.bus, EventRelaunchScheduled)
	ctx := context.Background()

	svc := newFake("flaky")
	svc.startFn = func(context.Context) error { return errors.New("boom") }
	require.NoError(t, m.AddService(svc, Config{RestartPolicy: RestartOnFailure, MaxRetries: 3}))

	require.ErrorIs(t, m.Start(ctx, "flaky"), ErrStartupFailure)

	require.Eventually(t, func() bool {
		in, err := m.Info("flaky")
		return err == nil && in.Exhausted
	}, 2*time.Second, 2*time.Millisecond)

	// No further relaunch once exhausted.
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 4, svc.starts.Load())

	in, err := m.Info("flaky")
	require.NoError(t, err)
	require.Equal(t, StatusCrashed, in.Status)
	require.Equal(t, 3, in.RestartCount)
	require.False(t, in.RelaunchDue)
	require.Contains(t, in.LastError, ErrRetryExhausted.Error())

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 2*time.Millisecond)
	delays := []time.Duration{}
	for _, ev := range rec.snapshot() {
		delays = append(delays, ev.Delay)
	}
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, delays)

	// A manual start resets the chain.
	svc.startFn = nil
	require.NoError(t, m.Start(ctx, "flaky"))
	in, err = m.Info("flaky")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, in.Status)
	require.Equal(t, 0, in.RestartCount)
	require.Empty(t, in.LastError)
}

func TestManualStopSuppressesRestart(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newWaiting("worker")
	require.NoError(t, m.AddService(svc, Config{RestartPolicy: RestartUnlessStopped}))

	require.NoError(t, m.Start(ctx, "worker"))
	require.NoError(t, m.Stop(ctx, "worker"))

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StatusStopped, m.status(t, "worker"))
	require.EqualValues(t, 1, svc.starts.Load())
	require.EqualValues(t, 1, svc.stops.Load())
}

func TestCleanExitRelaunchesWithoutManualStop(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newWaiting("worker")
	require.NoError(t, m.AddService(svc, Config{RestartPolicy: RestartUnlessStopped}))

	require.NoError(t, m.Start(ctx, "worker"))
	svc.exit <- nil

	require.Eventually(t, func() bool { return svc.starts.Load() == 2 }, 2*time.Second, 2*time.Millisecond)
	m.waitStatus(t, "worker", StatusRunning)
	in, err := m.Info("worker")
	require.NoError(t, err)
	require.Equal(t, 0, in.RestartCount)
}

func TestCrashUnderAlwaysBacksOff(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newWaiting("worker")
	require.NoError(t, m.AddService(svc, Config{RestartPolicy: RestartAlways}))

	require.NoError(t, m.Start(ctx, "worker"))
	svc.exit <- errors.New("segfault")

	require.Eventually(t, func() bool { return svc.starts.Load() == 2 }, 2*time.Second, 2*time.Millisecond)
	m.waitStatus(t, "worker", StatusRunning)
	in, err := m.Info("worker")
	require.NoError(t, err)
	require.Equal(t, 1, in.RestartCount)
	// lastError is cleared by the successful relaunch.
	require.Empty(t, in.LastError)
}

func TestNoPolicyLeavesCrashed(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newWaiting("worker")
	require.NoError(t, m.AddService(svc, Config{RestartPolicy: RestartNo}))

	require.NoError(t, m.Start(ctx, "worker"))
	svc.exit <- errors.New("oom")
	m.waitStatus(t, "worker", StatusCrashed)

	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, svc.starts.Load())
	in, err := m.Info("worker")
	require.NoError(t, err)
	require.Contains(t, in.LastError, "oom")
}

func TestStopCancelsPendingRelaunch(t *testing.T) {
	m := newTestManager(t, WithBackoff(200*time.Millisecond, time.Second))
	ctx := context.Background()
	svc := newFake("flaky")
	svc.startFn = func(context.Context) error { return errors.New("boom") }
	require.NoError(t, m.AddService(svc, Config{}))

	require.Error(t, m.Start(ctx, "flaky"))
	in, err := m.Info("flaky")
	require.NoError(t, err)
	require.True(t, in.RelaunchDue)

	require.NoError(t, m.Stop(ctx, "flaky"))
	time.Sleep(300 * time.Millisecond)

	require.EqualValues(t, 1, svc.starts.Load())
	in, err = m.Info("flaky")
	require.NoError(t, err)
	require.Equal(t, StatusStopped, in.Status)
	require.False(t, in.RelaunchDue)
	require.Equal(t, 0, in.RestartCount)
}

func TestStopInterruptsInFlightStart(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newFake("slow")
	svc.startFn = blockUntilCancelled
	require.NoError(t, m.AddService(svc, Config{RestartPolicy: RestartAlways}))

	startErr := make(chan error, 1)
	go func() { startErr <- m.Start(ctx, "slow") }()
	m.waitStatus(t, "slow", StatusStarting)

	require.NoError(t, m.Stop(ctx, "slow"))
	require.ErrorIs(t, <-startErr, ErrInterrupted)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StatusStopped, m.status(t, "slow"))
	require.EqualValues(t, 1, svc.starts.Load())
	// Start never succeeded, so there was nothing to stop.
	require.EqualValues(t, 0, svc.stops.Load())
}

func TestRunTimeoutOnStartup(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newFake("hang")
	svc.startFn = blockUntilCancelled
	require.NoError(t, m.AddService(svc, Config{RestartPolicy: RestartNo, RunTimeout: 20 * time.Millisecond}))

	err := m.Start(ctx, "hang")
	require.ErrorIs(t, err, ErrTimeoutExceeded)
	require.ErrorIs(t, err, ErrStartupFailure)
	require.Equal(t, StatusCrashed, m.status(t, "hang"))
}

// slowFirstStart makes the first Start ignore ctx and return late; later starts succeed at once.
func slowFirstStart(d time.Duration) func(context.Context) error {
	var first atomic.Bool
	first.Store(true)
	return func(context.Context) error {
		if first.CompareAndSwap(true, false) {
			time.Sleep(d)
		}
		return nil
	}
}

func TestRelaunchWaitsForAbandonedStart(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newFake("slow-boot")
	svc.startFn = slowFirstStart(120 * time.Millisecond)
	require.NoError(t, m.AddService(svc, Config{RestartPolicy: RestartOnFailure, RunTimeout: 20 * time.Millisecond}))

	require.ErrorIs(t, m.Start(ctx, "slow-boot"), ErrTimeoutExceeded)
	m.waitStatus(t, "slow-boot", StatusRunning)
	require.EqualValues(t, 2, svc.starts.Load())
	require.EqualValues(t, 1, svc.maxActive.Load())
	// only the abandoned instance was stopped
	require.EqualValues(t, 1, svc.stops.Load())

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, svc.stops.Load())
	require.Equal(t, StatusRunning, m.status(t, "slow-boot"))
}

func TestManualStartWaitsForAbandonedStart(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newFake("slow-boot")
	svc.startFn = slowFirstStart(80 * time.Millisecond)
	require.NoError(t, m.AddService(svc, Config{RestartPolicy: RestartNo, RunTimeout: 20 * time.Millisecond}))

	require.ErrorIs(t, m.Start(ctx, "slow-boot"), ErrTimeoutExceeded)
	require.NoError(t, m.Start(ctx, "slow-boot"))
	require.Equal(t, StatusRunning, m.status(t, "slow-boot"))
	require.EqualValues(t, 1, svc.maxActive.Load())
	require.EqualValues(t, 1, svc.stops.Load())
}

func TestStopFailureReportsCrashed(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newFake("sticky")
	svc.stopFn = func(context.Context) error { return errors.New("busy") }
	require.NoError(t, m.AddService(svc, Config{}))

	require.NoError(t, m.Start(ctx, "sticky"))
	err := m.Stop(ctx, "sticky")
	require.ErrorIs(t, err, ErrShutdownFailure)
	require.Equal(t, StatusCrashed, m.status(t, "sticky"))

	// No relaunch after a failed manual stop.
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, svc.starts.Load())
}

func TestRemoveDespiteStopFailure(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newFake("sticky")
	svc.stopFn = func(context.Context) error { return errors.New("busy") }
	require.NoError(t, m.AddService(svc, Config{}))
	require.NoError(t, m.Start(ctx, "sticky"))

	require.NoError(t, m.RemoveService(ctx, "sticky"))
	require.Empty(t, m.Services())
	require.EqualValues(t, 1, svc.stops.Load())

	_, err := m.HealthCheck(ctx, "sticky")
	require.ErrorIs(t, err, ErrNotFound)

	// The name is free again.
	require.NoError(t, m.AddService(newFake("sticky"), Config{}))
}

func TestRestartStartsEvenIfStopFails(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newFake("sticky")
	svc.stopFn = func(context.Context) error { return errors.New("busy") }
	require.NoError(t, m.AddService(svc, Config{}))
	require.NoError(t, m.Start(ctx, "sticky"))

	err := m.Restart(ctx, "sticky")
	require.ErrorIs(t, err, ErrShutdownFailure)
	require.EqualValues(t, 2, svc.starts.Load())
	require.Equal(t, StatusRunning, m.status(t, "sticky"))
}

func TestBatchPartialFailure(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	bad := newFake("bad")
	bad.startFn = func(context.Context) error { return errors.New("nope") }
	require.NoError(t, m.AddService(newFake("a"), Config{RestartPolicy: RestartNo}))
	require.NoError(t, m.AddService(bad, Config{RestartPolicy: RestartNo}))
	require.NoError(t, m.AddService(newFake("c"), Config{RestartPolicy: RestartNo}))

	err := m.StartAll(ctx)
	var be *BatchError
	require.ErrorAs(t, err, &be)
	require.Equal(t, []string{"bad"}, be.Services())
	require.ErrorIs(t, err, ErrStartupFailure)
	require.Contains(t, err.Error(), "bad")

	require.Equal(t, StatusRunning, m.status(t, "a"))
	require.Equal(t, StatusRunning, m.status(t, "c"))
	require.Equal(t, StatusCrashed, m.status(t, "bad"))

	reports, err := m.HealthCheckAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	require.Equal(t, StatusCrashed, reports["bad"].Status)
}

func TestStopAllReverseOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var mu sync.Mutex
	order := []string{}
	for _, name := range []string{"db", "cache", "api"} {
		svc := newFake(name)
		svc.stopFn = func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
		require.NoError(t, m.AddService(svc, Config{}))
	}
	require.NoError(t, m.StartAll(ctx))
	require.NoError(t, m.StopAll(ctx))
	require.Equal(t, []string{"api", "cache", "db"}, order)

	for _, in := range m.Services() {
		require.Equal(t, StatusStopped, in.Status)
	}
}

func TestOperationsOnDifferentServicesDoNotBlock(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	slow := newFake("slow")
	slow.startFn = blockUntilCancelled
	require.NoError(t, m.AddService(slow, Config{}))
	require.NoError(t, m.AddService(newFake("fast"), Config{}))

	go func() { _ = m.Start(ctx, "slow") }()
	m.waitStatus(t, "slow", StatusStarting)

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, "fast") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("start of an unrelated service blocked")
	}
}

func TestCloseRejectsFurtherOperations(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	svc := newFake("web")
	require.NoError(t, m.AddService(svc, Config{}))
	require.NoError(t, m.Start(ctx, "web"))

	require.NoError(t, m.Close(ctx))
	require.EqualValues(t, 1, svc.stops.Load())
	require.ErrorIs(t, m.Start(ctx, "web"), ErrClosed)
	require.ErrorIs(t, m.AddService(newFake("x"), Config{}), ErrClosed)
	require.Zero(t, m.Tasks().Counters.Active)
}
