package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"supd/pkg/logx"
)

// Store is the persistence API used by the app and the notifier.
type Store interface {
	AppendEvent(ctx context.Context, r EventRecord) error
	// ListEvents returns matching records oldest first.
	ListEvents(ctx context.Context, f EventFilter) ([]EventRecord, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// keepNewest trims recs to the last n entries.
func keepNewest(recs []EventRecord, n int) []EventRecord {
	if len(recs) <= n {
		return recs
	}
	return append([]EventRecord(nil), recs[len(recs)-n:]...)
}
