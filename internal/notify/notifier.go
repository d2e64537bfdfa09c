package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"supd/internal/eventbus"
	"supd/internal/runtime/tasks"
	"supd/internal/storage"
	"supd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Event types published by the notifier.
const (
	EventDeduped = "notify.deduped"
	EventQueued  = "notify.queued"
	EventDropped = "notify.dropped"
	EventSent    = "notify.sent"
	EventFailed  = "notify.failed"
)

type job struct {
	n   Notification
	key string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Notifier is safe for concurrent use.
type Notifier struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	store  storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue     chan job
	persistCh chan dedupWrite
	group     *tasks.Group

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a notifier. bus and store may be nil.
func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		sender: sender,
		log:    log,
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	n.applyLocked(cfg)
	return n
}

func (n *Notifier) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg.Enabled && n.sender != nil
}

// Apply swaps the config. Worker and queue sizes take effect on the next Start.
func (n *Notifier) Apply(cfg Config) {
	n.mu.Lock()
	n.applyLocked(cfg)
	n.mu.Unlock()
}

// SetSender swaps the delivery backend.
func (n *Notifier) SetSender(s Sender) {
	n.mu.Lock()
	n.sender = s
	n.mu.Unlock()
}

func (n *Notifier) config() Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

func (n *Notifier) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	n.cfg = cfg
	// Burst = rate per sec, so short spikes don't block too hard.
	n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.queue != nil || !n.cfg.Enabled {
		return
	}

	n.queue = make(chan job, n.cfg.QueueSize)
	n.accepting = true
	n.group = tasks.New(ctx, tasks.WithLogger(n.log))
	if n.cfg.PersistDedup && n.store != nil {
		n.persistCh = make(chan dedupWrite, 1024)
		pch, st := n.persistCh, n.store
		n.group.GoRestart("notify.dedup.persist", func(c context.Context) error {
			return n.persistLoop(c, pch, st)
		})
	}
	q := n.queue
	for i := range n.cfg.Workers {
		n.group.GoRestart(fmt.Sprintf("notify.worker.%d", i), func(c context.Context) error {
			return n.workerLoop(c, q)
		})
	}
}

// Stop stops intake and drains the queue best-effort until ctx is done.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.queue == nil {
		n.mu.Unlock()
		return nil
	}
	q, pch, g := n.queue, n.persistCh, n.group
	n.accepting = false
	n.queue, n.persistCh, n.group = nil, nil, nil
	n.mu.Unlock()

	// In-flight Notify calls finish before the queue closes.
	n.sendWG.Wait()
	close(q)
	if pch != nil {
		close(pch)
	}

	err := g.Wait(ctx)
	if err != nil {
		n.log.Warn("notifier drain cut short", logx.Err(err))
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.Stop(sctx)
	}
	return err
}

// Notify enqueues n. Deduplicated alerts return nil without being sent.
func (n *Notifier) Notify(ctx context.Context, nt Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	if !n.cfg.Enabled {
		n.mu.Unlock()
		return ErrDisabled
	}
	if !n.accepting || n.queue == nil {
		n.mu.Unlock()
		return ErrStopped
	}
	q := n.queue
	cfg := n.cfg
	st := n.store
	pch := n.persistCh
	n.sendWG.Add(1)
	n.mu.Unlock()
	defer n.sendWG.Done()

	key := dedupKey(nt)
	if cfg.DedupWindow > 0 {
		if !n.dedupAllow(ctx, key, cfg, st, pch) {
			n.publish(EventDeduped, nt, key, nil)
			return nil
		}
	}

	select {
	case q <- job{n: nt, key: key}:
		n.publish(EventQueued, nt, key, nil)
		return nil
	default:
		n.publish(EventDropped, nt, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns the most recent delivered alerts.
func (n *Notifier) History() []HistoryItem {
	n.hmu.Lock()
	defer n.hmu.Unlock()
	return append([]HistoryItem(nil), n.history...)
}

func (n *Notifier) appendHistory(text string) {
	n.hmu.Lock()
	n.history = append(n.history, HistoryItem{At: time.Now(), Text: text})
	if len(n.history) > 300 {
		n.history = n.history[len(n.history)-300:]
	}
	n.hmu.Unlock()
}

func (n *Notifier) publish(typ string, nt Notification, key string, err error) {
	if n.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Service: nt.Service, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	n.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (n *Notifier) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case w, ok := <-ch:
			if !ok {
				return nil
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				n.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (n *Notifier) workerLoop(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j, ok := <-q:
			if !ok {
				return nil
			}
			n.sendWithRetry(ctx, j)
		}
	}
}

func (n *Notifier) sendWithRetry(ctx context.Context, j job) {
	n.mu.Lock()
	cfg, lim, sender := n.cfg, n.limiter, n.sender
	n.mu.Unlock()
	if sender == nil {
		return
	}

	text := prefixForPriority(j.n.Priority) + j.n.Text
	attempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(callCtx, text)
		cancel()
		if err == nil {
			n.appendHistory(text)
			n.publish(EventSent, j.n, j.key, nil)
			return
		}
		lastErr = err
		n.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	n.log.Warn("notification dropped after retries", logx.Service(j.n.Service), logx.Err(lastErr))
	n.publish(EventFailed, j.n, j.key, lastErr)
}

func prefixForPriority(p Priority) string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarning:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	default:
		return ""
	}
}

func dedupKey(nt Notification) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(nt.Service))
	_, _ = h.Write([]byte("|"))
	if nt.Key != "" {
		_, _ = h.Write([]byte(nt.Key))
	} else {
		_, _ = fmt.Fprintf(h, "%d|%s", nt.Priority, nt.Text)
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (n *Notifier) dedupAllow(ctx context.Context, key string, cfg Config, st storage.Store, pch chan dedupWrite) bool {
	now := time.Now()

	n.dmu.Lock()
	if until, ok := n.dedup[key]; ok && now.Before(until) {
		n.dmu.Unlock()
		return false
	}
	n.dmu.Unlock()

	// Persistent check (best-effort) for cross-restart dedup.
	if cfg.PersistDedup && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			n.dmu.Lock()
			n.dedup[key] = until
			n.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	n.dmu.Lock()
	n.dedup[key] = until
	for k, u := range n.dedup {
		if !now.Before(u) {
			delete(n.dedup, k)
		}
	}
	// Evict earliest expiry until within cap.
	for len(n.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range n.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(n.dedup, minKey)
	}
	n.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1) with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
