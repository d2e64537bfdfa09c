package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"supd/internal/eventbus"
	"supd/internal/httpapi"
	"supd/internal/supervisor"
	"supd/pkg/logx"
)

type fakeService struct{ name string }

func (s *fakeService) Name() string                { return s.name }
func (s *fakeService) Start(context.Context) error { return nil }
func (s *fakeService) Stop(context.Context) error  { return nil }
func (s *fakeService) HealthCheck(context.Context) (supervisor.Health, error) {
	return supervisor.Health{Status: supervisor.StatusRunning, Details: map[string]any{"pid": 7}}, nil
}

func newDaemon(t *testing.T, names ...string) string {
	t.Helper()
	mgr := supervisor.NewManager(logx.Nop(), eventbus.New())
	for _, n := range names {
		if err := mgr.AddService(&fakeService{name: n}, supervisor.Config{}); err != nil {
			t.Fatalf("AddService: %v", err)
		}
	}
	srv := httptest.NewServer(httpapi.Handler(mgr, nil, logx.Nop(), httpapi.Config{}))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close(context.Background())
	})
	return srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSubcommands(t *testing.T) {
	want := []string{"serve", "validate", "status", "health", "events", "dashboard",
		"start", "stop", "restart", "trigger", "remove", "start-all", "stop-all"}
	have := map[string]bool{}
	for _, c := range NewRootCmd().Commands() {
		have[c.Name()] = true
	}
	for _, n := range want {
		if !have[n] {
			t.Errorf("missing subcommand %q", n)
		}
	}
}

func TestVersion(t *testing.T) {
	SetVersion("1.2.3")
	defer SetVersion("dev")
	out, err := run(t, "--version")
	if err != nil {
		t.Fatal(err)
	}
	if out != "supd version 1.2.3\n" {
		t.Fatalf("version output %q", out)
	}
}

func TestStatusAndActions(t *testing.T) {
	addr := newDaemon(t, "web", "worker")

	out, err := run(t, "--addr", addr, "start", "web")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if strings.TrimSpace(out) != "service web started" {
		t.Fatalf("start output %q", out)
	}

	out, err = run(t, "--addr", addr, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, s := range []string{"SERVICE", "web", "worker", "running"} {
		if !strings.Contains(out, s) {
			t.Fatalf("status output missing %q:\n%s", s, out)
		}
	}

	out, err = run(t, "--addr", addr, "-o", "json", "status")
	if err != nil {
		t.Fatalf("status json: %v", err)
	}
	var list []supervisor.Info
	if err := json.Unmarshal([]byte(out), &list); err != nil || len(list) != 2 {
		t.Fatalf("json output %q: %v", out, err)
	}

	out, err = run(t, "--addr", addr, "status", "web")
	if err != nil || !strings.Contains(out, "restart:") {
		t.Fatalf("detail %q: %v", out, err)
	}

	out, err = run(t, "--addr", addr, "health")
	if err != nil || !strings.Contains(out, "overall: ok") || !strings.Contains(out, "pid=7") {
		t.Fatalf("health %q: %v", out, err)
	}

	if _, err := run(t, "--addr", addr, "stop-all"); err != nil {
		t.Fatalf("stop-all: %v", err)
	}
}

func TestUnknownServiceFails(t *testing.T) {
	addr := newDaemon(t)
	_, err := run(t, "--addr", addr, "stop", "ghost")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v", err)
	}
}

func TestBadOutputFormat(t *testing.T) {
	addr := newDaemon(t)
	if _, err := run(t, "--addr", addr, "-o", "xml", "status"); err == nil {
		t.Fatal("expected format error")
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("services:\n  - name: web\n    command: /bin/true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "validate", "-c", good)
	if err != nil || !strings.Contains(out, "ok (1 services)") {
		t.Fatalf("validate %q: %v", out, err)
	}

	sched := filepath.Join(dir, "sched.yaml")
	if err := os.WriteFile(sched, []byte("services:\n  - name: backup\n    command: /bin/true\n    schedule: \"0 12 * * *\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, "validate", "-c", sched, "--next", "2")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "  backup (cron:0 12 * * *): ") || strings.Count(lines[1], "12:00:00") != 2 {
		t.Fatalf("validate preview %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("services:\n  - name: web\n    kind: exec\n    schedule: \"nope nope\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "validate", "-c", bad); err == nil {
		t.Fatal("expected validation error")
	}
}
