package systemd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"supd/internal/supervisor"
	"supd/pkg/logx"
)

var ErrUnsupported = errors.New("systemd workers: unsupported OS (linux only)")

const (
	DefaultPollInterval = 2 * time.Second
	jobMode             = "replace"
)

// unitConn is the slice of *dbus.Conn the worker uses.
type unitConn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ListUnitsByPatternsContext(ctx context.Context, states, patterns []string) ([]dbus.UnitStatus, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
}

type Config struct {
	Name string
	// Unit defaults to Name; ".service" is appended when no unit suffix is given.
	Unit         string
	PollInterval time.Duration
}

// UnitStatus is the live state of a unit.
type UnitStatus struct {
	Unit        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, exited, ...
	LoadState   string // loaded, not-found, ...
	Description string
	MainPID     uint32
	Memory      uint64
	ActiveSince time.Time
	StateChange time.Time
}

// Worker implements supervisor.Service and supervisor.Waiter.
type Worker struct {
	cfg  Config
	unit string
	conn unitConn
	log  logx.Logger
}

var (
	_ supervisor.Service = (*Worker)(nil)
	_ supervisor.Waiter  = (*Worker)(nil)
)

// New binds a worker to conn (usually from Dial).
func New(cfg Config, conn *Conn, log logx.Logger) (*Worker, error) {
	if conn == nil {
		return nil, errors.New("systemd worker: nil connection")
	}
	return newWorker(cfg, conn.c, log)
}

func newWorker(cfg Config, c unitConn, log logx.Logger) (*Worker, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, errors.New("systemd worker: name is required")
	}
	if c == nil {
		return nil, ErrUnsupported
	}
	unit := strings.TrimSpace(cfg.Unit)
	if unit == "" {
		unit = cfg.Name
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{cfg: cfg, unit: unit, conn: c, log: log.With(logx.String("unit", unit))}, nil
}

func (w *Worker) Name() string { return w.cfg.Name }
func (w *Worker) Unit() string { return w.unit }

// Start enqueues a start job and waits for its result. For Type=oneshot units
// the job completes when the unit's command has finished.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.runJob(ctx, "start", w.conn.StartUnitContext); err != nil {
		return err
	}
	st, err := w.Status(ctx)
	if err != nil {
		return err
	}
	if st.Active == "failed" {
		return fmt.Errorf("%s failed right after start (%s)", w.unit, st.SubState)
	}
	return nil
}

func (w *Worker) Stop(ctx context.Context) error {
	return w.runJob(ctx, "stop", w.conn.StopUnitContext)
}

func (w *Worker) runJob(ctx context.Context, op string, call func(context.Context, string, string, chan<- string) (int, error)) error {
	ch := make(chan string, 1)
	if _, err := call(ctx, w.unit, jobMode, ch); err != nil {
		return fmt.Errorf("%s %s: %w", op, w.unit, err)
	}
	select {
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", op, w.unit, res)
		}
		w.log.Debug("job done", logx.String("op", op))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait polls until the unit is no longer active. A failed unit returns an error.
func (w *Worker) Wait(ctx context.Context) error {
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		st, err := w.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Debug("status poll failed", logx.Err(err))
			continue
		}
		switch st.Active {
		case "failed":
			return fmt.Errorf("%s failed (%s)", w.unit, st.SubState)
		case "inactive":
			return nil
		}
	}
}

func (w *Worker) HealthCheck(ctx context.Context) (supervisor.Health, error) {
	st, err := w.Status(ctx)
	if err != nil {
		return supervisor.Health{}, err
	}
	details := map[string]any{
		"unit":        w.unit,
		"activeState": st.Active,
		"subState":    st.SubState,
		"loadState":   st.LoadState,
	}
	if st.MainPID > 0 {
		details["pid"] = st.MainPID
	}
	if st.Memory > 0 {
		details["memoryBytes"] = st.Memory
	}
	if !st.ActiveSince.IsZero() {
		details["activeSince"] = st.ActiveSince
	}
	if st.LoadState == "not-found" {
		return supervisor.Health{Status: supervisor.StatusCrashed, Details: details}, fmt.Errorf("unit %s not found", w.unit)
	}
	return supervisor.Health{Status: mapActiveState(st.Active), Details: details}, nil
}

func mapActiveState(active string) supervisor.Status {
	switch active {
	case "active", "reloading":
		return supervisor.StatusRunning
	case "activating":
		return supervisor.StatusStarting
	case "deactivating":
		return supervisor.StatusStopping
	case "failed":
		return supervisor.StatusCrashed
	default:
		return supervisor.StatusStopped
	}
}

// Status is a cheap lookup: ListUnitsByPatterns for the core state, the full
// property map only for PID, memory and timestamps.
func (w *Worker) Status(ctx context.Context) (UnitStatus, error) {
	st := UnitStatus{Unit: w.unit}
	units, err := w.conn.ListUnitsByPatternsContext(ctx, nil, []string{w.unit})
	if err == nil {
		for _, u := range units {
			if u.Name == w.unit {
				st.Active, st.SubState, st.LoadState, st.Description = u.ActiveState, u.SubState, u.LoadState, u.Description
				break
			}
		}
	}

	props, perr := w.conn.GetUnitPropertiesContext(ctx, w.unit)
	if perr != nil {
		if isNoSuchUnitErr(perr) {
			st.Active, st.SubState, st.LoadState = "unknown", "not-found", "not-found"
			return st, nil
		}
		if st.Active == "" {
			return st, fmt.Errorf("status of %s: %w", w.unit, errors.Join(err, perr))
		}
		return st, nil
	}
	if st.Active == "" {
		st.Active, _ = getStringProperty(props, "ActiveState")
		st.SubState, _ = getStringProperty(props, "SubState")
		st.LoadState, _ = getStringProperty(props, "LoadState")
		st.Description, _ = getStringProperty(props, "Description")
	}
	if pid, ok := props["MainPID"].(uint32); ok {
		st.MainPID = pid
	}
	if mem, ok := props["MemoryCurrent"].(uint64); ok && mem != ^uint64(0) {
		st.Memory = mem
	}
	st.ActiveSince = parseTimestamp(props, "ActiveEnterTimestamp")
	st.StateChange = parseTimestamp(props, "StateChangeTimestamp")
	return st, nil
}

func isNoSuchUnitErr(err error) bool {
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}

func parseTimestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// systemd timestamps are in microseconds since the Unix epoch
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func getStringProperty(props map[string]interface{}, key string) (string, bool) {
	v, ok := props[key].(string)
	return v, ok
}
