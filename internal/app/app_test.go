package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"supd/internal/eventbus"
	"supd/internal/storage"
	"supd/internal/supervisor"
)

func writeConfig(t *testing.T, path, services string) {
	t.Helper()
	body := `
storage:
  driver: file
  path: ` + filepath.Join(filepath.Dir(path), "supd") + `
supervisor:
  base_delay: 50ms
  max_delay: 200ms
  stop_timeout: 2s
services:
` + services
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func status(a *App, name string) supervisor.Status {
	info, err := a.Manager().Info(name)
	if err != nil {
		return ""
	}
	return info.Status
}

func startApp(t *testing.T, services string) (*App, string) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "supd.yaml")
	writeConfig(t, path, services)

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, path
}

const sleeper = `  - name: sleeper
    command: /bin/sh
    args: ["-c", "exec sleep 30"]
    restart_policy: always
`

func TestStartAutostartsAndRecords(t *testing.T) {
	a, _ := startApp(t, sleeper+`  - name: idle
    command: /bin/sh
    args: ["-c", "exec sleep 30"]
    autostart: false
`)

	waitFor(t, "sleeper running", func() bool { return status(a, "sleeper") == supervisor.StatusRunning })
	if got := status(a, "idle"); got == supervisor.StatusRunning {
		t.Fatalf("idle should not autostart, status %s", got)
	}

	waitFor(t, "recorded events", func() bool {
		recs, err := a.Store().ListEvents(context.Background(), storage.EventFilter{Service: "sleeper"})
		if err != nil {
			return false
		}
		for _, r := range recs {
			if r.Type == supervisor.EventState && r.To == string(supervisor.StatusRunning) {
				return true
			}
		}
		return false
	})
}

func TestReloadReconcilesServices(t *testing.T) {
	a, path := startApp(t, sleeper)
	waitFor(t, "sleeper running", func() bool { return status(a, "sleeper") == supervisor.StatusRunning })

	writeConfig(t, path, `  - name: ticker
    command: /bin/sh
    args: ["-c", "true"]
    schedule: "1h"
`)
	if err := a.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	waitFor(t, "sleeper removed", func() bool {
		_, err := a.Manager().Info("sleeper")
		return errors.Is(err, supervisor.ErrNotFound)
	})
	waitFor(t, "ticker armed", func() bool {
		info, err := a.Manager().Info("ticker")
		return err == nil && info.Armed && strings.HasPrefix(info.Schedule, "every:")
	})
}

func TestStopIsIdempotentBeforeStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supd.yaml")
	writeConfig(t, path, "  []\n")
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed before Start")
	}
}

func TestEventRecordMapping(t *testing.T) {
	at := time.Now()
	rec, ok := eventRecord(eventbus.Event{
		Type: supervisor.EventRelaunchScheduled,
		Time: at,
		Data: supervisor.Event{Service: "web", From: supervisor.StatusRunning, To: supervisor.StatusCrashed, RestartCount: 2, Delay: time.Second, Error: "exit 1"},
	})
	if !ok {
		t.Fatal("supervisor event not mapped")
	}
	if rec.Service != "web" || rec.To != "crashed" || rec.RestartCount != 2 || rec.Delay != time.Second || !rec.At.Equal(at) {
		t.Fatalf("record = %+v", rec)
	}
	if _, ok := eventRecord(eventbus.Event{Type: "config.reloaded"}); ok {
		t.Fatal("non-service event mapped")
	}
}
