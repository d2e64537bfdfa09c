package dashboard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"supd/internal/supervisor"
)

type fakeClient struct {
	mu    sync.Mutex
	list  []supervisor.Info
	calls []string
	fail  error
}

func (f *fakeClient) Services(context.Context) ([]supervisor.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list, f.fail
}

func (f *fakeClient) record(op, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+" "+name)
	if f.fail != nil {
		return "", f.fail
	}
	return "service " + name + " " + op, nil
}

func (f *fakeClient) Start(_ context.Context, n string) (string, error)   { return f.record("start", n) }
func (f *fakeClient) Stop(_ context.Context, n string) (string, error)    { return f.record("stop", n) }
func (f *fakeClient) Restart(_ context.Context, n string) (string, error) { return f.record("restart", n) }
func (f *fakeClient) Trigger(_ context.Context, n string) (string, error) { return f.record("trigger", n) }

func loaded(t *testing.T, c *fakeClient) Model {
	t.Helper()
	m := New(c, 0)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	next, _ = next.Update(m.fetch()())
	return next.(Model)
}

func TestFetchFillsTable(t *testing.T) {
	c := &fakeClient{list: []supervisor.Info{
		{Name: "web", Status: supervisor.StatusRunning, RestartPolicy: supervisor.RestartAlways},
		{Name: "backup", Status: supervisor.StatusStopped, Schedule: "cron:0 3 * * *", Overlap: supervisor.OverlapQueue, Armed: true},
	}}
	m := loaded(t, c)

	rows := m.table.Rows()
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0][0] != "web" || rows[0][2] != "always" {
		t.Fatalf("row 0 = %v", rows[0])
	}
	if rows[1][2] != "queue" || rows[1][4] != "cron:0 3 * * *" {
		t.Fatalf("row 1 = %v", rows[1])
	}
	view := m.View()
	if !strings.Contains(view, "2 services") || !strings.Contains(view, "web") {
		t.Fatalf("view missing content:\n%s", view)
	}
}

func TestActionKeysCallSelected(t *testing.T) {
	c := &fakeClient{list: []supervisor.Info{{Name: "web", Status: supervisor.StatusStopped}}}
	m := loaded(t, c)

	for _, k := range []string{"s", "x", "r", "t"} {
		next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)})
		if cmd == nil {
			t.Fatalf("key %q produced no command", k)
		}
		msg := cmd()
		am, ok := msg.(actionMsg)
		if !ok {
			t.Fatalf("key %q produced %T", k, msg)
		}
		next, _ = next.Update(am)
		m = next.(Model)
		if m.status != am.message {
			t.Fatalf("status = %q, want %q", m.status, am.message)
		}
	}
	want := []string{"start web", "stop web", "restart web", "trigger web"}
	if strings.Join(c.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v", c.calls)
	}
}

func TestActionWithoutServicesIsNoop(t *testing.T) {
	m := loaded(t, &fakeClient{})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	if cmd != nil {
		t.Fatal("expected no command with an empty table")
	}
}

func TestErrorsAreShown(t *testing.T) {
	c := &fakeClient{list: []supervisor.Info{{Name: "web"}}}
	m := loaded(t, c)

	c.fail = errors.New("connection refused")
	next, _ := m.Update(m.fetch()())
	m = next.(Model)
	if len(m.table.Rows()) != 1 {
		t.Fatal("stale rows should be kept on fetch errors")
	}
	if !strings.Contains(m.View(), "connection refused") {
		t.Fatal("fetch error not rendered")
	}

	next, _ = m.Update(actionMsg{action: "stop", name: "web", err: errors.New("boom")})
	if got := next.(Model).status; got != "stop web failed: boom" {
		t.Fatalf("status = %q", got)
	}
}

func TestQuit(t *testing.T) {
	m := New(&fakeClient{}, 0)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("no quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q should quit")
	}
}

func TestFitTruncatesToWidth(t *testing.T) {
	m := New(&fakeClient{}, 0)
	m.width = 14
	if got := m.fit(strings.Repeat("x", 40)); got != strings.Repeat("x", 9)+"…" {
		t.Fatalf("fit = %q", got)
	}
}
