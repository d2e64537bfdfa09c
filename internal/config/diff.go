package config

import (
	"hash/fnv"
	"reflect"
	"slices"
	"strings"

	"supd/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Service names by kind of change, sorted.
	Added   []string
	Removed []string
	Changed []string
	// Fields are safe structured attrs for logging; they never include secrets.
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeChange diffs oldCfg against newCfg. A nil config is treated as empty.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// never log the token, only whether one is set
	oH, nH := derefHTTP(oldCfg.HTTP), derefHTTP(newCfg.HTTP)
	if oH != nH {
		ch.Sections = append(ch.Sections, "http")
		ch.Fields = append(ch.Fields,
			logx.Bool("http.enabled", nH.Enabled),
			logx.String("http.addr", strings.TrimSpace(nH.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nH.Token) != ""),
			logx.Bool("http.pprof", nH.Pprof),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		ch.Sections = append(ch.Sections, "storage")
		ch.Fields = append(ch.Fields,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	oN, nN := derefNotify(oldCfg.Notify), derefNotify(newCfg.Notify)
	if oN != nN {
		ch.Sections = append(ch.Sections, "notify")
		ch.Fields = append(ch.Fields,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.Int("notify.rate_per_sec", nN.RatePerSec),
			logx.Bool("notify.telegram_set", strings.TrimSpace(nN.Telegram.Token) != ""),
		)
	}

	if oldCfg.Supervisor != newCfg.Supervisor {
		ch.Sections = append(ch.Sections, "supervisor")
		ch.Fields = append(ch.Fields,
			logx.String("supervisor.base_delay", newCfg.Supervisor.BaseDelay),
			logx.String("supervisor.max_delay", newCfg.Supervisor.MaxDelay),
		)
	}

	ch.Added, ch.Removed, ch.Changed = diffServices(oldCfg.Services, newCfg.Services)
	if len(ch.Added)+len(ch.Removed)+len(ch.Changed) > 0 {
		ch.Sections = append(ch.Sections, "services")
		ch.Fields = append(ch.Fields,
			logx.Int("services.added", len(ch.Added)),
			logx.Int("services.removed", len(ch.Removed)),
			logx.Int("services.changed", len(ch.Changed)),
		)
	}

	slices.Sort(ch.Sections)
	return ch
}

func derefHTTP(c *HTTPConfig) HTTPConfig {
	if c == nil {
		return HTTPConfig{}
	}
	return *c
}

func derefStorage(c *StorageConfig) StorageConfig {
	if c == nil {
		return StorageConfig{}
	}
	return *c
}

func derefNotify(c *NotifyConfig) NotifyConfig {
	if c == nil {
		return NotifyConfig{}
	}
	return *c
}

// diffServices matches definitions by trimmed name.
func diffServices(oldS, newS []ServiceConfig) (added, removed, changed []string) {
	index := func(list []ServiceConfig) map[string]ServiceConfig {
		m := make(map[string]ServiceConfig, len(list))
		for _, s := range list {
			m[strings.TrimSpace(s.Name)] = s
		}
		return m
	}
	oldM, newM := index(oldS), index(newS)
	for name, n := range newM {
		o, ok := oldM[name]
		switch {
		case !ok:
			added = append(added, name)
		case !reflect.DeepEqual(o, n):
			changed = append(changed, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			removed = append(removed, name)
		}
	}
	slices.Sort(added)
	slices.Sort(removed)
	slices.Sort(changed)
	return added, removed, changed
}

// hashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
