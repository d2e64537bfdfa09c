package config

// Config is the on-disk daemon configuration.
//
// Durations are Go duration strings ("500ms", "10s", "1m") or bare seconds.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	HTTP       *HTTPConfig      `json:"http,omitempty"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Notify     *NotifyConfig    `json:"notify,omitempty"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Services   []ServiceConfig  `json:"services"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "pretty" (default) or "json".
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the control API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7070").
//   - A non-loopback address requires a token unless allow_insecure is set.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the optional history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./supd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// NotifyConfig controls crash alerts.
//
// If the whole section is omitted, alerts are disabled.
type NotifyConfig struct {
	Enabled         bool           `json:"enabled"`
	Workers         int            `json:"workers,omitempty"`
	QueueSize       int            `json:"queue_size,omitempty"`
	RatePerSec      int            `json:"rate_per_sec,omitempty"`
	RetryMax        int            `json:"retry_max,omitempty"`
	RetryBase       string         `json:"retry_base,omitempty"`
	RetryMaxDelay   string         `json:"retry_max_delay,omitempty"`
	DedupWindow     string         `json:"dedup_window,omitempty"`
	DedupMaxEntries int            `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool           `json:"persist_dedup,omitempty"`
	Recovery        bool           `json:"recovery,omitempty"`
	Telegram        TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

// SupervisorConfig holds manager-wide defaults.
type SupervisorConfig struct {
	BaseDelay     string `json:"base_delay,omitempty"`
	MaxDelay      string `json:"max_delay,omitempty"`
	StopTimeout   string `json:"stop_timeout,omitempty"`
	HealthTimeout string `json:"health_timeout,omitempty"`
}

// ServiceConfig defines one supervised service.
//
// Kind selects the worker:
//   - "exec" (default): a child process built from command/args/env/dir
//   - "systemd": a unit controlled over D-Bus
type ServiceConfig struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`

	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	// Mode is "persistent" or "oneshot"; empty derives it from schedule.
	Mode string `json:"mode,omitempty"`

	Unit string `json:"unit,omitempty"`

	RestartPolicy string `json:"restart_policy,omitempty"`
	MaxRetries    int    `json:"max_retries,omitempty"`
	Schedule      string `json:"schedule,omitempty"`
	RunTimeout    string `json:"run_timeout,omitempty"`
	OverlapPolicy string `json:"overlap_policy,omitempty"`
	BaseDelay     string `json:"base_delay,omitempty"`
	MaxDelay      string `json:"max_delay,omitempty"`
	StopTimeout   string `json:"stop_timeout,omitempty"`

	// Autostart defaults to true.
	Autostart *bool `json:"autostart,omitempty"`
}

func (s ServiceConfig) AutostartEnabled() bool {
	return s.Autostart == nil || *s.Autostart
}
