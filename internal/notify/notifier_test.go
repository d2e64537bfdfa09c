package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"supd/internal/eventbus"
	"supd/internal/storage"
	"supd/internal/supervisor"
	"supd/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	fails atomic.Int32 // remaining failures
}

func (r *recordingSender) Send(_ context.Context, text string) error {
	if r.fails.Load() > 0 {
		r.fails.Add(-1)
		return errors.New("telegram 502")
	}
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startNotifier(t *testing.T, cfg Config, s Sender, bus eventbus.Bus, st storage.Store) *Notifier {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	n := New(cfg, s, logx.Nop(), bus, st)
	n.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = n.Stop(ctx)
	})
	return n
}

func TestNotifyDeliversAndDedups(t *testing.T) {
	s := &recordingSender{}
	n := startNotifier(t, Config{DedupWindow: time.Minute}, s, nil, nil)
	ctx := context.Background()

	alert := Notification{Service: "web", Priority: PriorityCritical, Key: "crashed", Text: "web crashed"}
	if err := n.Notify(ctx, alert); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "delivery", func() bool { return len(s.sent()) == 1 })
	if got := s.sent()[0]; !strings.HasSuffix(got, "web crashed") || !strings.HasPrefix(got, "🚨") {
		t.Fatalf("text = %q", got)
	}

	// Same key inside the window is suppressed even with new text.
	alert.Text = "web crashed again"
	if err := n.Notify(ctx, alert); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	// Another service is not.
	if err := n.Notify(ctx, Notification{Service: "db", Key: "crashed", Text: "db crashed"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "second delivery", func() bool { return len(s.sent()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := len(s.sent()); got != 2 {
		t.Fatalf("sent %d alerts, want 2", got)
	}
	if h := n.History(); len(h) != 2 {
		t.Fatalf("history = %d", len(h))
	}
}

func TestNotifyRetries(t *testing.T) {
	s := &recordingSender{}
	s.fails.Store(2)
	n := startNotifier(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, s, nil, nil)

	if err := n.Notify(context.Background(), Notification{Service: "web", Text: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "delivery after retries", func() bool { return len(s.sent()) == 1 })
}

func TestNotifyGivesUpAndPublishesFailure(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	s := &recordingSender{}
	s.fails.Store(100)
	n := startNotifier(t, Config{RetryMax: 1, RetryBase: time.Millisecond}, s, bus, nil)
	if err := n.Notify(context.Background(), Notification{Service: "web", Text: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != EventFailed {
				continue
			}
			if data := ev.Data.(NotificationEvent); data.Service != "web" || data.Error == "" {
				t.Fatalf("failed event = %+v", data)
			}
			return
		case <-timeout:
			t.Fatalf("no %s event", EventFailed)
		}
	}
}

func TestNotifyLifecycleErrors(t *testing.T) {
	ctx := context.Background()
	off := New(Config{}, &recordingSender{}, logx.Nop(), nil, nil)
	if err := off.Notify(ctx, Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled notify err = %v", err)
	}

	n := New(Config{Enabled: true}, &recordingSender{}, logx.Nop(), nil, nil)
	if err := n.Notify(ctx, Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started notify err = %v", err)
	}
	n.Start(ctx)
	n.Start(ctx)
	if err := n.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := n.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := n.Notify(ctx, Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped notify err = %v", err)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "n.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer st.Close()

	cfg := Config{DedupWindow: time.Hour, PersistDedup: true}
	alert := Notification{Service: "web", Key: "crashed", Text: "web crashed"}

	first := &recordingSender{}
	n1 := startNotifier(t, cfg, first, nil, st)
	if err := n1.Notify(context.Background(), alert); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first delivery", func() bool { return len(first.sent()) == 1 })
	key := dedupKey(alert)
	waitFor(t, "dedup persisted", func() bool {
		_, ok, _ := st.GetDedup(context.Background(), key)
		return ok
	})
	if err := n1.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	second := &recordingSender{}
	n2 := startNotifier(t, cfg, second, nil, st)
	if err := n2.Notify(context.Background(), alert); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(second.sent()); got != 0 {
		t.Fatalf("restarted notifier sent %d duplicate alerts", got)
	}
}

func TestAlertFor(t *testing.T) {
	ev := func(typ string, data supervisor.Event) eventbus.Event {
		return eventbus.Event{Type: typ, Data: data}
	}
	down := map[string]bool{}

	if _, ok := alertFor(ev(supervisor.EventState, supervisor.Event{Service: "web", From: "stopped", To: "starting"}), down, true); ok {
		t.Fatalf("starting should not alert")
	}

	nt, ok := alertFor(ev(supervisor.EventState, supervisor.Event{Service: "web", From: "running", To: "crashed", Error: "exit 1"}), down, true)
	if !ok || nt.Priority != PriorityWarning || nt.Text != "web crashed (was running): exit 1" {
		t.Fatalf("crash alert = %+v %v", nt, ok)
	}

	nt, ok = alertFor(ev(supervisor.EventState, supervisor.Event{Service: "web", From: "starting", To: "running", RestartCount: 1}), down, true)
	if !ok || nt.Key != "recovered" {
		t.Fatalf("recovery alert = %+v %v", nt, ok)
	}
	if _, ok := alertFor(ev(supervisor.EventState, supervisor.Event{Service: "web", From: "starting", To: "running"}), down, true); ok {
		t.Fatalf("recovery must be reported once")
	}

	nt, ok = alertFor(ev(supervisor.EventRetryExhausted, supervisor.Event{Service: "db", RestartCount: 3}), down, false)
	if !ok || nt.Priority != PriorityCritical || nt.Text != "db gave up after 3 restarts" {
		t.Fatalf("exhausted alert = %+v %v", nt, ok)
	}
	if _, ok := alertFor(ev(supervisor.EventState, supervisor.Event{Service: "db", From: "starting", To: "running"}), down, false); ok {
		t.Fatalf("recovery alerts disabled")
	}

	if _, ok := alertFor(eventbus.Event{Type: EventSent, Data: NotificationEvent{}}, down, true); ok {
		t.Fatalf("non-service events are ignored")
	}
}

func TestWatchForwardsCrashes(t *testing.T) {
	bus := eventbus.New()
	s := &recordingSender{}
	n := startNotifier(t, Config{}, s, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watch(ctx, bus) }()

	waitFor(t, "subscription", func() bool { return bus.Stats().Subscribers == 1 })
	bus.Publish(eventbus.Event{Type: supervisor.EventState, Data: supervisor.Event{Service: "web", From: "running", To: "crashed"}})
	waitFor(t, "crash alert", func() bool { return len(s.sent()) == 1 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}

func TestTelegramSender(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		path, body = r.URL.Path, string(b)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"hi"}}`)
	}))
	defer srv.Close()

	if _, err := NewTelegram(TelegramConfig{ChatID: 42}); err == nil {
		t.Fatalf("expected missing token error")
	}
	if _, err := NewTelegram(TelegramConfig{Token: "abc"}); err == nil {
		t.Fatalf("expected missing chat error")
	}

	tg, err := NewTelegram(TelegramConfig{Token: "abc", ChatID: 42, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	if err := tg.Send(context.Background(), "web crashed"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if path != "/botabc/sendMessage" {
		t.Fatalf("path = %q", path)
	}
	if !strings.Contains(body, "web crashed") || !strings.Contains(body, "42") {
		t.Fatalf("body = %q", body)
	}
}
