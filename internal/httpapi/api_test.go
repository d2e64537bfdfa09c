package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"supd/internal/eventbus"
	"supd/internal/storage"
	"supd/internal/supervisor"
	"supd/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// keep-alive connections of http.DefaultTransport
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type stubService struct {
	name    string
	failing atomic.Bool
	running atomic.Bool
}

func (s *stubService) Name() string { return s.name }

func (s *stubService) Start(context.Context) error {
	if s.failing.Load() {
		return errors.New("boom")
	}
	s.running.Store(true)
	return nil
}

func (s *stubService) Stop(context.Context) error {
	s.running.Store(false)
	return nil
}

func (s *stubService) HealthCheck(context.Context) (supervisor.Health, error) {
	if s.failing.Load() {
		return supervisor.Health{}, errors.New("unhealthy")
	}
	return supervisor.Health{Status: supervisor.StatusRunning, Details: map[string]any{"pid": 42}}, nil
}

type fixture struct {
	mgr    *supervisor.Manager
	store  storage.Store
	client *Client
	srv    *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	bus := eventbus.New()
	mgr := supervisor.NewManager(logx.Nop(), bus)
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "supd")}, logx.Nop())
	require.NoError(t, err)

	srv := httptest.NewServer(Handler(mgr, st, logx.Nop(), Config{Token: token}))
	f := &fixture{mgr: mgr, store: st, client: NewClient(srv.URL, token), srv: srv}
	t.Cleanup(func() {
		srv.Close()
		f.client.http.CloseIdleConnections()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, mgr.Close(ctx))
		require.NoError(t, st.Close())
	})
	return f
}

func TestStartStopRoundTrip(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	svc := &stubService{name: "web"}
	require.NoError(t, f.mgr.AddService(svc, supervisor.Config{}))

	msg, err := f.client.Start(ctx, "web")
	require.NoError(t, err)
	require.Equal(t, "service web started", msg)
	require.True(t, svc.running.Load())

	h, err := f.client.Health(ctx, "web")
	require.NoError(t, err)
	require.Equal(t, supervisor.StatusRunning, h.Status)
	require.EqualValues(t, 42, h.Details["pid"])

	list, err := f.client.Services(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "web", list[0].Name)

	_, err = f.client.Stop(ctx, "web")
	require.NoError(t, err)
	view, err := f.client.Service(ctx, "web")
	require.NoError(t, err)
	require.Equal(t, supervisor.StatusStopped, view.Status)
	require.True(t, view.ManualStop)
}

func TestUnknownServiceIs404(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	for _, call := range []func() error{
		func() error { _, err := f.client.Start(ctx, "ghost"); return err },
		func() error { _, err := f.client.Remove(ctx, "ghost"); return err },
		func() error { _, err := f.client.Health(ctx, "ghost"); return err },
		func() error { _, err := f.client.Events(ctx, "ghost", 0); return err },
	} {
		err := call()
		require.ErrorIs(t, err, ErrNotFound)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Contains(t, apiErr.Message, "ghost")
	}
}

func TestFailuresAre500(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	svc := &stubService{name: "bad"}
	svc.failing.Store(true)
	require.NoError(t, f.mgr.AddService(svc, supervisor.Config{}))

	_, err := f.client.Start(ctx, "bad")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.Status)
	require.Contains(t, apiErr.Message, "boom")

	_, err = f.client.Trigger(ctx, "bad")
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

func TestBatchAndAggregateHealth(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	good := &stubService{name: "good"}
	bad := &stubService{name: "bad"}
	bad.failing.Store(true)
	require.NoError(t, f.mgr.AddService(good, supervisor.Config{}))
	require.NoError(t, f.mgr.AddService(bad, supervisor.Config{}))

	_, err := f.client.StartAll(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.Status)
	require.Contains(t, apiErr.Message, "bad")
	require.True(t, good.running.Load())

	rep, err := f.client.HealthAll(ctx)
	require.NoError(t, err)
	require.Equal(t, "degraded", rep.Status)
	require.Equal(t, supervisor.StatusRunning, rep.Services["good"].Status)
	require.Contains(t, rep.Errors, "bad")

	_, err = f.client.StopAll(ctx)
	require.NoError(t, err)
	require.False(t, good.running.Load())
}

func TestRemoveAndEvents(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.mgr.AddService(&stubService{name: "job"}, supervisor.Config{}))

	require.NoError(t, f.store.AppendEvent(ctx, storage.EventRecord{Type: "service.state", Service: "job", From: "stopped", To: "starting"}))
	require.NoError(t, f.store.AppendEvent(ctx, storage.EventRecord{Type: "service.state", Service: "other"}))

	evs, err := f.client.Events(ctx, "job", 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, "starting", evs[0].To)

	_, err = f.client.Remove(ctx, "job")
	require.NoError(t, err)
	_, err = f.client.Service(ctx, "job")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBadEventQueryIs500(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.mgr.AddService(&stubService{name: "job"}, supervisor.Config{}))

	for _, q := range []string{"limit=-1", "limit=abc", "since=yesterday"} {
		resp, err := http.Get(f.srv.URL + "/services/job/events?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode, q)
	}
	resp, err := http.Get(f.srv.URL + "/services/job/events?limit=5&since=2024-01-02T15:04:05Z")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	f := newFixture(t, "s3cret")
	ctx := context.Background()

	_, err := NewClient(f.srv.URL, "wrong").Services(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)

	_, err = f.client.Services(ctx)
	require.NoError(t, err)

	resp, err := http.Get(f.srv.URL + "/services?token=s3cret")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(RequestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, "")
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/services", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "abc-123", resp.Header.Get(RequestIDHeader))

	req.Header.Set(RequestIDHeader, "has space")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEqual(t, "has space", resp.Header.Get(RequestIDHeader))
	require.Len(t, resp.Header.Get(RequestIDHeader), 20)
}

func TestMethodMismatch(t *testing.T) {
	f := newFixture(t, "")
	resp, err := http.Get(f.srv.URL + "/services/web/start")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestOperatorActionsAreAudited(t *testing.T) {
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "supd")}, logx.Nop())
	require.NoError(t, err)
	mgr := supervisor.NewManager(logx.Nop(), eventbus.New())
	require.NoError(t, mgr.AddService(&stubService{name: "web"}, supervisor.Config{}))
	srv := httptest.NewServer(Handler(mgr, st, logx.Nop(), Config{}))
	c := NewClient(srv.URL, "")

	_, err = c.Start(context.Background(), "web")
	require.NoError(t, err)
	_, err = c.Stop(context.Background(), "nope")
	require.Error(t, err)

	srv.Close()
	c.http.CloseIdleConnections()
	require.NoError(t, mgr.Close(context.Background()))
	require.NoError(t, st.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "supd.audit.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"action":"start"`)
	require.Contains(t, lines[0], `"ok":true`)
	require.Contains(t, lines[1], `"target":"nope"`)
	require.Contains(t, lines[1], `"ok":false`)
}

func TestServerLifecycle(t *testing.T) {
	mgr := supervisor.NewManager(logx.Nop(), eventbus.New())
	defer mgr.Close(context.Background())
	s := NewServer(mgr, nil, logx.Nop())
	ctx := context.Background()

	bound := s.Bound()
	s.Reconfigure(ctx, Config{Addr: "127.0.0.1:0"}, true)
	select {
	case <-bound:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not bind")
	}
	c := NewClient(s.Addr(), "")
	rep, err := c.HealthAll(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", rep.Status)
	c.http.CloseIdleConnections()

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Addr: "127.0.0.1:0"}, false)
	require.Empty(t, s.Addr())
}

func TestConfigCheck(t *testing.T) {
	require.NoError(t, Config{}.Check())
	require.NoError(t, Config{Addr: "localhost:9000"}.Check())
	require.Error(t, Config{Addr: ":9000"}.Check())
	require.NoError(t, Config{Addr: ":9000", Token: "x"}.Check())
	require.NoError(t, Config{Addr: "0.0.0.0:9000", AllowInsecure: true}.Check())
	require.Error(t, Config{Addr: "nonsense"}.Check())
}
