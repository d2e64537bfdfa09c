package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"supd/pkg/logx"
)

// fileStore keeps history in plain files next to the configured path:
//
//	<prefix>.events.jsonl   lifecycle events
//	<prefix>.audit.jsonl    operator actions
//	<prefix>.dedup.json     alert dedup snapshot
//	<prefix>.dedup.jsonl    alert dedup journal, folded into the snapshot
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	eventsPath string
	eventsFile *os.File
	auditFile  *os.File
	dedup      *dedupLog
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	prefix := strings.TrimSuffix(path, filepath.Ext(path))
	if err := os.MkdirAll(filepath.Dir(prefix), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, eventsPath: prefix + ".events.jsonl"}
	var err error
	if s.eventsFile, err = appendOnly(s.eventsPath); err != nil {
		return nil, err
	}
	if s.auditFile, err = appendOnly(prefix + ".audit.jsonl"); err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.dedup, err = openDedupLog(prefix); err != nil {
		_ = s.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("dedup_keys", len(s.dedup.until)))
	return s, nil
}

func appendOnly(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.eventsFile, &s.auditFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	if s.dedup != nil {
		errs = append(errs, s.dedup.close())
		s.dedup = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendEvent(ctx context.Context, r EventRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return errors.New("events file closed")
	}
	return json.NewEncoder(s.eventsFile).Encode(r.stamp())
}

func (s *fileStore) ListEvents(ctx context.Context, f EventFilter) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return nil, errors.New("events file closed")
	}

	rf, err := os.Open(s.eventsPath)
	if err != nil {
		return nil, err
	}
	defer rf.Close()

	var out []EventRecord
	sc := bufio.NewScanner(rf)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r EventRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn tail line after a crash is skipped.
			continue
		}
		if f.match(r) {
			out = append(out, r)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return keepNewest(out, f.limit()), nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key = strings.TrimSpace(key); key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup == nil {
		return errors.New("dedup journal closed")
	}
	if err := s.dedup.put(key, until); err != nil {
		return err
	}
	if s.dedup.writes%foldEvery == 0 {
		// the journal already holds the write; folding is only housekeeping
		if err := s.dedup.fold(); err != nil {
			s.log.Debug("dedup fold failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup == nil {
		return time.Time{}, false, nil
	}
	ms, ok := s.dedup.until[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// foldEvery is how many journal writes trigger a snapshot rewrite.
const foldEvery = 1000

// dedupLog is a snapshot plus journal of alert suppression deadlines (unix ms).
type dedupLog struct {
	snapPath string
	journal  *os.File
	until    map[string]int64
	writes   int
}

type dedupLine struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openDedupLog(prefix string) (*dedupLog, error) {
	d := &dedupLog{snapPath: prefix + ".dedup.json", until: map[string]int64{}}
	journalPath := prefix + ".dedup.jsonl"

	// Missing or damaged files just mean an empty starting state.
	if raw, err := os.ReadFile(d.snapPath); err == nil {
		_ = json.Unmarshal(raw, &d.until)
	}
	if f, err := os.Open(journalPath); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var l dedupLine
			if json.Unmarshal(sc.Bytes(), &l) == nil && l.Key != "" {
				d.until[l.Key] = l.Until
			}
		}
		_ = f.Close()
	}
	d.dropExpired(time.Now())

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	d.journal = f
	return d, nil
}

func (d *dedupLog) put(key string, until time.Time) error {
	ms := until.UnixMilli()
	d.until[key] = ms
	if err := json.NewEncoder(d.journal).Encode(dedupLine{Key: key, Until: ms}); err != nil {
		return err
	}
	d.writes++
	return nil
}

// fold writes the live map as the new snapshot and empties the journal.
func (d *dedupLog) fold() error {
	d.dropExpired(time.Now())
	raw, err := json.Marshal(d.until)
	if err != nil {
		return err
	}
	tmp := d.snapPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, d.snapPath); err != nil {
		return err
	}
	return d.journal.Truncate(0)
}

func (d *dedupLog) dropExpired(now time.Time) {
	cut := now.UnixMilli()
	for k, v := range d.until {
		if v < cut {
			delete(d.until, k)
		}
	}
}

func (d *dedupLog) close() error {
	return d.journal.Close()
}
