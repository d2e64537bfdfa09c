package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON lines next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string        `json:"driver"`
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"-"` // sqlite only; 0 means default
}

// EventRecord is one lifecycle event of a supervised service.
type EventRecord struct {
	ID           string        `json:"id"`
	At           time.Time     `json:"at"`
	Type         string        `json:"type"`
	Service      string        `json:"service"`
	From         string        `json:"from,omitempty"`
	To           string        `json:"to,omitempty"`
	RestartCount int           `json:"restart_count,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// stamp fills in the ID and timestamp when the caller left them empty.
func (r EventRecord) stamp() EventRecord {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return r
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Service string
	Since   time.Time
	// Limit keeps the newest N records; 0 means DefaultListLimit.
	Limit int
}

const DefaultListLimit = 100

func (f EventFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f EventFilter) match(r EventRecord) bool {
	if f.Service != "" && r.Service != f.Service {
		return false
	}
	if !f.Since.IsZero() && r.At.Before(f.Since) {
		return false
	}
	return true
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	RequestID string    `json:"request_id,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}
