package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"supd/internal/httpapi"
	"supd/internal/notify"
	"supd/internal/storage"
	"supd/internal/supervisor"
	"supd/internal/workers/exec"
	"supd/internal/workers/systemd"
	"supd/pkg/logx"
)

const (
	KindExec    = "exec"
	KindSystemd = "systemd"
)

// Logx maps the logging section onto the sink configuration.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		Format:  l.Format,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

// HTTPServer returns the API server settings. ok is false when the API is disabled.
func (c *Config) HTTPServer() (cfg httpapi.Config, ok bool, err error) {
	if c == nil || c.HTTP == nil || !c.HTTP.Enabled {
		return httpapi.Config{}, false, nil
	}
	h := c.HTTP
	cfg = httpapi.Config{
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
	}
	var errs []error
	var e error
	if cfg.ReadTimeout, e = ParseDurationField("http.read_timeout", h.ReadTimeout); e != nil {
		errs = append(errs, e)
	}
	if cfg.WriteTimeout, e = ParseDurationField("http.write_timeout", h.WriteTimeout); e != nil {
		errs = append(errs, e)
	}
	if cfg.IdleTimeout, e = ParseDurationField("http.idle_timeout", h.IdleTimeout); e != nil {
		errs = append(errs, e)
	}
	if err := errors.Join(errs...); err != nil {
		return httpapi.Config{}, false, err
	}
	if err := cfg.Check(); err != nil {
		return httpapi.Config{}, false, fmt.Errorf("http: %w", err)
	}
	return cfg, true, nil
}

// StorageStore returns the store settings; a nil section disables storage.
func (c *Config) StorageStore() (storage.Config, error) {
	if c == nil || c.Storage == nil {
		return storage.Config{}, nil
	}
	bt, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: bt,
	}, nil
}

// Notifier returns the alert pipeline settings. A nil section is disabled.
func (c *Config) Notifier() (notify.Config, error) {
	if c == nil || c.Notify == nil {
		return notify.Config{}, nil
	}
	n := c.Notify
	out := notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		NotifyRecovery:  n.Recovery,
	}
	var errs []error
	var e error
	if out.RetryBase, e = ParseDurationField("notify.retry_base", n.RetryBase); e != nil {
		errs = append(errs, e)
	}
	if out.RetryMaxDelay, e = ParseDurationField("notify.retry_max_delay", n.RetryMaxDelay); e != nil {
		errs = append(errs, e)
	}
	if out.DedupWindow, e = ParseDurationOrDefault("notify.dedup_window", n.DedupWindow, 10*time.Minute); e != nil {
		errs = append(errs, e)
	}
	if n.Enabled && strings.TrimSpace(n.Telegram.Token) != "" && n.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("notify.telegram.chat_id is required when a token is set"))
	}
	return out, errors.Join(errs...)
}

// TelegramSender reports the Telegram target. ok is false when no token is configured.
func (c *Config) TelegramSender() (notify.TelegramConfig, bool) {
	if c == nil || c.Notify == nil || strings.TrimSpace(c.Notify.Telegram.Token) == "" {
		return notify.TelegramConfig{}, false
	}
	t := c.Notify.Telegram
	return notify.TelegramConfig{
		Token:    strings.TrimSpace(t.Token),
		ChatID:   t.ChatID,
		ThreadID: t.ThreadID,
		APIURL:   strings.TrimSpace(t.APIURL),
	}, true
}

// ManagerOptions turns the supervisor section into manager options.
func (s SupervisorConfig) ManagerOptions() ([]supervisor.Option, error) {
	base, err1 := ParseDurationOrDefault("supervisor.base_delay", s.BaseDelay, supervisor.DefaultBaseDelay)
	maxDelay, err2 := ParseDurationOrDefault("supervisor.max_delay", s.MaxDelay, supervisor.DefaultMaxDelay)
	stop, err3 := ParseDurationOrDefault("supervisor.stop_timeout", s.StopTimeout, supervisor.DefaultStopTimeout)
	health, err4 := ParseDurationOrDefault("supervisor.health_timeout", s.HealthTimeout, supervisor.DefaultHealthTimeout)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, err
	}
	return []supervisor.Option{
		supervisor.WithBackoff(base, maxDelay),
		supervisor.WithStopTimeout(stop),
		supervisor.WithHealthTimeout(health),
	}, nil
}

// ServiceSpec is a fully parsed service definition.
type ServiceSpec struct {
	Name       string
	Kind       string
	Autostart  bool
	Supervisor supervisor.Config
	Exec       exec.Config
	Systemd    systemd.Config
}

// Resolve parses and checks one service definition.
func (s ServiceConfig) Resolve() (ServiceSpec, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return ServiceSpec{}, errors.New("service name is required")
	}
	at := func(field string) string { return "services." + name + "." + field }

	spec := ServiceSpec{
		Name:      name,
		Kind:      strings.ToLower(strings.TrimSpace(s.Kind)),
		Autostart: s.AutostartEnabled(),
	}
	if spec.Kind == "" {
		spec.Kind = KindExec
	}

	var errs []error
	sc := supervisor.Config{MaxRetries: s.MaxRetries}
	var err error
	if sc.RestartPolicy, err = supervisor.ParseRestartPolicy(s.RestartPolicy); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", at("restart_policy"), err))
	}
	if sc.Overlap, err = supervisor.ParseOverlapPolicy(s.OverlapPolicy); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", at("overlap_policy"), err))
	}
	if strings.TrimSpace(s.Schedule) != "" {
		if sc.Schedule, err = supervisor.ParseSchedule(s.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w: %w", at("schedule"), supervisor.ErrScheduleInvalid, err))
		}
	}
	if sc.RunTimeout, err = ParseDurationField(at("run_timeout"), s.RunTimeout); err != nil {
		errs = append(errs, err)
	}
	if sc.BaseDelay, err = ParseDurationField(at("base_delay"), s.BaseDelay); err != nil {
		errs = append(errs, err)
	}
	if sc.MaxDelay, err = ParseDurationField(at("max_delay"), s.MaxDelay); err != nil {
		errs = append(errs, err)
	}
	if s.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%s: must be >= 0", at("max_retries")))
	}
	stop, err := ParseDurationField(at("stop_timeout"), s.StopTimeout)
	if err != nil {
		errs = append(errs, err)
	}
	spec.Supervisor = sc

	switch spec.Kind {
	case KindExec:
		mode := exec.Mode(strings.ToLower(strings.TrimSpace(s.Mode)))
		if mode == "" {
			mode = exec.ModePersistent
			if sc.Schedule != nil {
				mode = exec.ModeOneshot
			}
		}
		if mode != exec.ModePersistent && mode != exec.ModeOneshot {
			errs = append(errs, fmt.Errorf("%s: unknown mode %q", at("mode"), s.Mode))
		}
		if strings.TrimSpace(s.Command) == "" {
			errs = append(errs, fmt.Errorf("%s: required for kind exec", at("command")))
		}
		if strings.TrimSpace(s.Unit) != "" {
			errs = append(errs, fmt.Errorf("%s: only valid for kind systemd", at("unit")))
		}
		spec.Exec = exec.Config{
			Name:        name,
			Command:     strings.TrimSpace(s.Command),
			Args:        s.Args,
			Env:         s.Env,
			Dir:         strings.TrimSpace(s.Dir),
			Mode:        mode,
			StopTimeout: stop,
		}
	case KindSystemd:
		if strings.TrimSpace(s.Command) != "" || len(s.Args) > 0 {
			errs = append(errs, fmt.Errorf("%s: command/args are not valid for kind systemd", at("kind")))
		}
		spec.Systemd = systemd.Config{Name: name, Unit: strings.TrimSpace(s.Unit)}
	default:
		errs = append(errs, fmt.Errorf("%s: unknown kind %q", at("kind"), s.Kind))
	}
	if err := errors.Join(errs...); err != nil {
		return ServiceSpec{}, err
	}
	return spec, nil
}

// ServiceSpecs resolves every service definition, rejecting duplicates.
func (c *Config) ServiceSpecs() ([]ServiceSpec, error) {
	if c == nil {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(c.Services))
	out := make([]ServiceSpec, 0, len(c.Services))
	var errs []error
	for i, s := range c.Services {
		spec, err := s.Resolve()
		if err != nil {
			errs = append(errs, fmt.Errorf("services[%d]: %w", i, err))
			continue
		}
		if _, dup := seen[spec.Name]; dup {
			errs = append(errs, fmt.Errorf("services[%d]: duplicate name %q", i, spec.Name))
			continue
		}
		seen[spec.Name] = struct{}{}
		out = append(out, spec)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks every section and reports all problems at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if _, _, err := cfg.HTTPServer(); err != nil {
		errs = append(errs, err)
	}
	if st, err := cfg.StorageStore(); err != nil {
		errs = append(errs, err)
	} else if st.Driver != "" && st.Driver != "none" && st.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if _, err := cfg.Notifier(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Supervisor.ManagerOptions(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.ServiceSpecs(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
