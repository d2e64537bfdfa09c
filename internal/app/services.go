package app

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"supd/internal/config"
	"supd/internal/supervisor"
	"supd/internal/workers/exec"
	"supd/internal/workers/systemd"
	"supd/pkg/logx"
)

// buildService creates the worker behind a spec.
func (a *App) buildService(ctx context.Context, spec config.ServiceSpec) (supervisor.Service, error) {
	switch spec.Kind {
	case config.KindSystemd:
		conn, err := a.systemdConn(ctx)
		if err != nil {
			return nil, err
		}
		return systemd.New(spec.Systemd, conn, a.log)
	default:
		return exec.New(spec.Exec, a.log)
	}
}

// systemdConn dials the system bus on first use and reuses it afterwards.
func (a *App) systemdConn(ctx context.Context) (*systemd.Conn, error) {
	a.svcMu.Lock()
	defer a.svcMu.Unlock()
	if a.dbus != nil {
		return a.dbus, nil
	}
	conn, err := systemd.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("systemd: %w", err)
	}
	a.dbus = conn
	return conn, nil
}

// applyServices reconciles the registry with specs: new services are added,
// missing ones removed and changed ones replaced. Autostart applies to every
// service that was (re)registered here; for a scheduled service it decides
// whether the schedule stays armed.
func (a *App) applyServices(ctx context.Context, specs []config.ServiceSpec) {
	want := make(map[string]config.ServiceSpec, len(specs))
	for _, s := range specs {
		want[s.Name] = s
	}

	a.svcMu.Lock()
	have := make(map[string]config.ServiceSpec, len(a.specs))
	for name, s := range a.specs {
		have[name] = s
	}
	a.svcMu.Unlock()

	for name := range have {
		if _, ok := want[name]; ok {
			continue
		}
		if err := a.mgr.RemoveService(ctx, name); err != nil {
			a.log.Warn("remove service failed", logx.Service(name), logx.Err(err))
		}
		a.forget(name)
	}

	var started []string
	for _, name := range sortedKeys(want) {
		spec := want[name]
		prev, existed := have[name]
		if existed && reflect.DeepEqual(prev, spec) {
			continue
		}
		if existed {
			if err := a.mgr.RemoveService(ctx, name); err != nil {
				a.log.Warn("replace service failed", logx.Service(name), logx.Err(err))
				continue
			}
			a.forget(name)
		}
		svc, err := a.buildService(ctx, spec)
		if err != nil {
			a.log.Error("service not registered", logx.Service(name), logx.Err(err))
			continue
		}
		if err := a.mgr.AddService(svc, spec.Supervisor); err != nil {
			a.log.Error("service not registered", logx.Service(name), logx.Err(err))
			continue
		}
		a.svcMu.Lock()
		a.specs[name] = spec
		a.svcMu.Unlock()

		switch {
		case spec.Supervisor.Schedule != nil && !spec.Autostart:
			// scheduled services are armed on add
			if err := a.mgr.Stop(ctx, name); err != nil {
				a.log.Warn("disarm failed", logx.Service(name), logx.Err(err))
			}
		case spec.Supervisor.Schedule == nil && spec.Autostart:
			started = append(started, name)
		}
	}

	for _, name := range started {
		if err := a.mgr.Start(ctx, name); err != nil {
			a.log.Warn("autostart failed", logx.Service(name), logx.Err(err))
		}
	}
}

func (a *App) forget(name string) {
	a.svcMu.Lock()
	delete(a.specs, name)
	a.svcMu.Unlock()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
