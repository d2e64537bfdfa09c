package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"time"

	"supd/internal/runtime/tasks"
	"supd/internal/storage"
	"supd/internal/supervisor"
	"supd/pkg/logx"
)

// Supervisor is the subset of *supervisor.Manager the API drives.
type Supervisor interface {
	Services() []supervisor.Info
	Info(name string) (supervisor.Info, error)
	HealthCheck(ctx context.Context, name string) (supervisor.Health, error)
	HealthCheckAll(ctx context.Context) (map[string]supervisor.Health, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Trigger(ctx context.Context, name string) error
	RemoveService(ctx context.Context, name string) error
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	Tasks() tasks.Snapshot
}

var _ Supervisor = (*supervisor.Manager)(nil)

type errorBody struct {
	Error string `json:"error"`
}

type messageBody struct {
	Message string `json:"message"`
}

// ServiceView is the detail payload of GET /services/{name}.
type ServiceView struct {
	supervisor.Info
	Health *supervisor.Health `json:"health,omitempty"`
}

// HealthReport is the payload of GET /health.
type HealthReport struct {
	Status   string                       `json:"status"` // ok | degraded
	Services map[string]supervisor.Health `json:"services"`
	Errors   map[string]string            `json:"errors,omitempty"`
	Tasks    tasks.Counters               `json:"tasks"`
}

type handler struct {
	sup   Supervisor
	store storage.Store
	log   logx.Logger
}

// Handler builds the routed API without the server lifecycle.
func Handler(sup Supervisor, store storage.Store, log logx.Logger, cfg Config) http.Handler {
	h := &handler{sup: sup, store: store, log: log}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /services", h.list)
	mux.HandleFunc("POST /services/start-all", h.audited("start-all", h.batch(sup.StartAll, "all services started")))
	mux.HandleFunc("POST /services/stop-all", h.audited("stop-all", h.batch(sup.StopAll, "all services stopped")))
	mux.HandleFunc("GET /services/{name}", h.get)
	mux.HandleFunc("GET /services/{name}/health", h.healthOne)
	mux.HandleFunc("GET /services/{name}/events", h.events)
	mux.HandleFunc("POST /services/{name}/start", h.audited("start", h.op(sup.Start, "started")))
	mux.HandleFunc("POST /services/{name}/stop", h.audited("stop", h.op(sup.Stop, "stopped")))
	mux.HandleFunc("POST /services/{name}/restart", h.audited("restart", h.op(sup.Restart, "restarted")))
	mux.HandleFunc("POST /services/{name}/trigger", h.audited("trigger", h.op(sup.Trigger, "triggered")))
	mux.HandleFunc("DELETE /services/{name}", h.audited("remove", h.op(sup.RemoveService, "removed")))

	if cfg.Pprof {
		mux.HandleFunc("GET /debug/pprof/", hpprof.Index)
		mux.HandleFunc("GET /debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("GET /debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("GET /debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("GET /debug/pprof/trace", hpprof.Trace)
	}

	return chain(mux, requestID, accessLog(log), bearerAuth(cfg.Token))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps NotFound to 404 and everything else to 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, supervisor.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sup.Services())
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	in, err := h.sup.Info(name)
	if err != nil {
		writeError(w, err)
		return
	}
	view := ServiceView{Info: in}
	if r.URL.Query().Get("health") == "1" {
		if hl, err := h.sup.HealthCheck(r.Context(), name); err == nil || hl.Status != "" {
			view.Health = &hl
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) healthOne(w http.ResponseWriter, r *http.Request) {
	hl, err := h.sup.HealthCheck(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hl)
}

// health aggregates every service. Failed checks degrade the report rather
// than failing the request.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	all, err := h.sup.HealthCheckAll(r.Context())
	rep := HealthReport{Status: "ok", Services: all, Tasks: h.sup.Tasks().Counters}
	if rep.Services == nil {
		rep.Services = map[string]supervisor.Health{}
	}
	if err != nil {
		var be *supervisor.BatchError
		if !errors.As(err, &be) {
			writeError(w, err)
			return
		}
		rep.Status = "degraded"
		rep.Errors = make(map[string]string, len(be.Failures))
		for name, e := range be.Failures {
			rep.Errors[name] = e.Error()
		}
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.sup.Info(name); err != nil {
		writeError(w, err)
		return
	}
	if h.store == nil {
		writeJSON(w, http.StatusOK, []storage.EventRecord{})
		return
	}
	f := storage.EventFilter{Service: name}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: fmt.Sprintf("invalid limit %q", v)})
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: fmt.Sprintf("invalid since %q (want RFC3339)", v)})
			return
		}
		f.Since = t
	}
	recs, err := h.store.ListEvents(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []storage.EventRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) op(call func(context.Context, string) error, verb string) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		name := r.PathValue("name")
		if err := call(r.Context(), name); err != nil {
			writeError(w, err)
			return err
		}
		writeJSON(w, http.StatusOK, messageBody{Message: "service " + name + " " + verb})
		return nil
	}
}

func (h *handler) batch(call func(context.Context) error, msg string) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		if err := call(r.Context()); err != nil {
			writeError(w, err)
			return err
		}
		writeJSON(w, http.StatusOK, messageBody{Message: msg})
		return nil
	}
}

// audited records operator actions in the store.
func (h *handler) audited(action string, fn func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		err := fn(w, r)
		if h.store == nil {
			return
		}
		e := storage.AuditEntry{
			At:        start,
			RequestID: RequestID(r.Context()),
			Remote:    r.RemoteAddr,
			Action:    action,
			Target:    r.PathValue("name"),
			OK:        err == nil,
			TookMS:    time.Since(start).Milliseconds(),
		}
		if err != nil {
			e.Error = err.Error()
		}
		// the request context may already be cancelled
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
		defer cancel()
		if aerr := h.store.AppendAudit(ctx, e); aerr != nil {
			h.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
		}
	}
}
