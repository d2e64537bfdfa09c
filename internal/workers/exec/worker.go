package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"supd/internal/supervisor"
	"supd/pkg/logx"
)

type Mode string

const (
	ModePersistent Mode = "persistent"
	ModeOneshot    Mode = "oneshot"
)

const DefaultStopTimeout = 10 * time.Second

var ErrNotRunning = errors.New("process not running")

// Config describes the child process.
type Config struct {
	Name    string
	Command string
	Args    []string
	// Env entries (KEY=VALUE) are appended to the supervisor's environment.
	Env         []string
	Dir         string
	Mode        Mode
	StopTimeout time.Duration
}

// Worker implements supervisor.Service and supervisor.Waiter.
type Worker struct {
	cfg Config
	log logx.Logger

	mu        sync.Mutex
	cmd       *osexec.Cmd
	done      chan struct{}
	exitErr   error
	startedAt time.Time
	exitedAt  time.Time
	lastExit  int
	stopping  bool
	stderr    *tailBuffer
}

var (
	_ supervisor.Service = (*Worker)(nil)
	_ supervisor.Waiter  = (*Worker)(nil)
)

func New(cfg Config, log logx.Logger) (*Worker, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.Command = strings.TrimSpace(cfg.Command)
	if cfg.Name == "" {
		return nil, errors.New("exec worker: name is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("exec worker %s: command is required", cfg.Name)
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModePersistent
	case ModePersistent, ModeOneshot:
	default:
		return nil, fmt.Errorf("exec worker %s: unknown mode %q", cfg.Name, cfg.Mode)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{cfg: cfg, log: log.With(logx.String("cmd", cfg.Command)), lastExit: -1}, nil
}

func (w *Worker) Name() string { return w.cfg.Name }

// command builds the child. ctx cancellation sends SIGTERM; the process is
// killed if it outlives StopTimeout.
func (w *Worker) command(ctx context.Context) (*osexec.Cmd, *tailBuffer) {
	cmd := osexec.CommandContext(ctx, w.cfg.Command, w.cfg.Args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = w.cfg.StopTimeout
	cmd.Dir = w.cfg.Dir
	if len(w.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), w.cfg.Env...)
	}
	tail := newTailBuffer(4096)
	cmd.Stdout = newLineLogger(w.log, "stdout", nil)
	cmd.Stderr = newLineLogger(w.log, "stderr", tail)
	return cmd, tail
}

// Start spawns the process. In oneshot mode it also waits for it to exit;
// cancelling ctx sends SIGTERM and kills after StopTimeout.
func (w *Worker) Start(ctx context.Context) error {
	if w.cfg.Mode == ModeOneshot {
		return w.runOnce(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		select {
		case <-w.done:
		default:
			return fmt.Errorf("%s: already running (pid %d)", w.cfg.Name, w.cmd.Process.Pid)
		}
	}

	// The process outlives Start; Stop ends it.
	cmd, tail := w.command(context.Background())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", w.cfg.Command, err)
	}
	done := make(chan struct{})
	w.cmd, w.done, w.exitErr, w.stopping = cmd, done, nil, false
	w.stderr = tail
	w.startedAt = time.Now()
	w.log.Info("process started", logx.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		w.mu.Lock()
		w.exitErr = describeExit(err, tail)
		w.exitedAt = time.Now()
		w.lastExit = cmd.ProcessState.ExitCode()
		w.mu.Unlock()
		close(done)
	}()
	return nil
}

func (w *Worker) runOnce(ctx context.Context) error {
	cmd, tail := w.command(ctx)
	w.mu.Lock()
	if err := cmd.Start(); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("spawn %s: %w", w.cfg.Command, err)
	}
	w.cmd, w.stderr = cmd, tail
	w.startedAt = time.Now()
	w.mu.Unlock()

	err := cmd.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.exitedAt = time.Now()
	if cmd.ProcessState != nil {
		w.lastExit = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	w.exitErr = describeExit(err, tail)
	return w.exitErr
}

// describeExit attaches the stderr tail to a failed exit.
func describeExit(err error, tail *tailBuffer) error {
	if err == nil {
		return nil
	}
	if s := tail.String(); s != "" {
		return fmt.Errorf("%w: %s", err, s)
	}
	return err
}

// Wait blocks until the process exits. A process stopped through Stop exits cleanly.
func (w *Worker) Wait(ctx context.Context) error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		return nil
	}
	return w.exitErr
}

// Stop sends SIGTERM and kills the process if it outlives StopTimeout (or ctx).
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cmd, done := w.cmd, w.done
	if done == nil || w.cfg.Mode == ModeOneshot {
		w.mu.Unlock()
		return nil
	}
	select {
	case <-done:
		w.mu.Unlock()
		return nil
	default:
	}
	w.stopping = true
	w.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		w.log.Warn("SIGTERM failed", logx.Err(err))
	}
	t := time.NewTimer(w.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-done:
		w.log.Info("process stopped")
		return nil
	case <-t.C:
	case <-ctx.Done():
	}

	w.log.Warn("process ignored SIGTERM, killing", logx.Duration("grace", w.cfg.StopTimeout))
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", w.cfg.Name, err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("%s: %w after kill", w.cfg.Name, supervisor.ErrTimeoutExceeded)
	}
}

func (w *Worker) HealthCheck(ctx context.Context) (supervisor.Health, error) {
	if err := ctx.Err(); err != nil {
		return supervisor.Health{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	details := map[string]any{
		"command": w.cfg.Command,
		"mode":    string(w.cfg.Mode),
	}
	running := w.cmd != nil && w.cmd.Process != nil && w.exitedAt.Before(w.startedAt)
	if running {
		details["pid"] = w.cmd.Process.Pid
		details["uptime"] = time.Since(w.startedAt).Truncate(time.Second).String()
		return supervisor.Health{Status: supervisor.StatusRunning, Details: details}, nil
	}
	if w.lastExit >= 0 {
		details["exitCode"] = w.lastExit
		details["exitedAt"] = w.exitedAt
	}
	st := supervisor.StatusStopped
	if w.exitErr != nil && !w.stopping {
		st = supervisor.StatusCrashed
		details["exitError"] = w.exitErr.Error()
		if tail := w.stderr.String(); tail != "" {
			details["stderr"] = tail
		}
	}
	return supervisor.Health{Status: st, Details: details}, nil
}
