// Package tracker owns the mapping from provider message ids to outbound
// SendIntents and reconciles provider delivery receipts with them. State is
// sharded by external id so receipts for different messages never contend on
// one lock.
package tracker

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"wabridge/internal/catalog"
	"wabridge/internal/domain"
	"wabridge/internal/metrics"
)

const shardCount = 16

// NotifyFunc receives exactly one call per delivery-status transition.
// Reason is the localized failure text, empty unless status is failed.
type NotifyFunc func(externalID string, status domain.DeliveryStatus, reason string)

// Store persists outbound message rows. A nil Store disables persistence.
type Store interface {
	SaveIntent(ctx context.Context, intent *domain.SendIntent) error
	UpdateStatus(ctx context.Context, externalID string, status domain.DeliveryStatus, lastError string, attempts int) error
	RecentTerminal(ctx context.Context, limit int) (map[string]domain.DeliveryStatus, error)
}

// Config tunes the tracker.
type Config struct {
	// PendingHold bounds how long a receipt for an unknown id is held before
	// being discarded.
	PendingHold time.Duration
	// HistorySize bounds the terminal-id set that absorbs duplicate
	// re-deliveries of the same status event.
	HistorySize int
	Locale      string
}

type entry struct {
	intent *domain.SendIntent
	status domain.DeliveryStatus
}

type heldReceipt struct {
	receipts []domain.DeliveryReceipt
	deadline time.Time
}

type shard struct {
	mu      sync.Mutex
	active  map[string]*entry
	pending map[string]*heldReceipt
	history map[string]domain.DeliveryStatus
	order   []string // history eviction order
}

// Tracker correlates delivery receipts with previously sent messages.
type Tracker struct {
	shards          [shardCount]*shard
	cat             *catalog.Catalog
	cfg             Config
	notify          NotifyFunc
	store           Store
	logger          *slog.Logger
	perShardHistory int
}

// New creates a tracker. notify may be nil; store may be nil.
func New(cfg Config, cat *catalog.Catalog, store Store, notify NotifyFunc, logger *slog.Logger) *Tracker {
	if cfg.PendingHold <= 0 {
		cfg.PendingHold = 60 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1024
	}
	if cfg.Locale == "" {
		cfg.Locale = cat.DefaultLocale()
	}

	t := &Tracker{
		cat:    cat,
		cfg:    cfg,
		notify: notify,
		store:  store,
		logger: logger,
	}
	t.perShardHistory = cfg.HistorySize/shardCount + 1
	for i := range t.shards {
		t.shards[i] = &shard{
			active:  make(map[string]*entry),
			pending: make(map[string]*heldReceipt),
			history: make(map[string]domain.DeliveryStatus),
		}
	}
	return t
}

func (t *Tracker) shardFor(externalID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(externalID))
	return t.shards[h.Sum32()%shardCount]
}

// transition is a status change observed under a shard lock, fired after the
// lock is released so handlers can call back into the tracker.
type transition struct {
	externalID string
	status     domain.DeliveryStatus
	reason     string
	attempts   int
}

// RecordSent registers a SendIntent once the provider (or the local failure
// path) has assigned it an external id. The acceptance itself is the "sent"
// transition; a later sent receipt from the provider is an idempotent no-op.
// Receipts that raced ahead of this registration are re-applied immediately.
func (t *Tracker) RecordSent(ctx context.Context, intent *domain.SendIntent) {
	id := intent.ExternalID
	if id == "" {
		t.logger.Error("RecordSent with empty external id", "kind", intent.Kind())
		return
	}

	s := t.shardFor(id)
	s.mu.Lock()
	if _, dup := s.active[id]; dup {
		s.mu.Unlock()
		t.logger.Warn("duplicate RecordSent ignored", "id", id)
		return
	}
	if _, done := s.history[id]; done {
		s.mu.Unlock()
		t.logger.Warn("RecordSent for already-terminal id ignored", "id", id)
		return
	}

	e := &entry{intent: intent, status: domain.StatusSent}
	s.active[id] = e
	transitions := []transition{{externalID: id, status: domain.StatusSent, attempts: intent.Attempts}}

	// Re-apply receipts that arrived before the send round-trip completed.
	if held, ok := s.pending[id]; ok {
		delete(s.pending, id)
		for i := range held.receipts {
			transitions = append(transitions, t.applyLocked(s, e, &held.receipts[i])...)
		}
	}
	s.mu.Unlock()

	metrics.PendingIntents().Inc()
	if t.store != nil {
		if err := t.store.SaveIntent(ctx, intent); err != nil {
			t.logger.Error("cannot persist send intent", "id", id, "err", err)
		}
	}
	t.fire(ctx, transitions)
}

// ApplyReceipt advances an intent's status from a provider (or synthesized)
// receipt. Statuses only move forward along sent → delivered → read, or to
// failed from any non-terminal state; receipts for a status at or below the
// recorded one are no-ops. Receipts for unknown ids are held briefly and
// re-applied when RecordSent registers the id.
func (t *Tracker) ApplyReceipt(ctx context.Context, r *domain.DeliveryReceipt) {
	if r.Status == domain.StatusUnknown || r.Status.Rank() == 0 {
		t.logger.Debug("ignoring receipt with unknown status", "id", r.ExternalID)
		return
	}

	s := t.shardFor(r.ExternalID)
	s.mu.Lock()

	var transitions []transition
	if e, ok := s.active[r.ExternalID]; ok {
		transitions = t.applyLocked(s, e, r)
	} else if recorded, done := s.history[r.ExternalID]; done {
		// Terminal already; absorb duplicates, allow the delivered → read
		// upgrade the provider may still push.
		if r.Status != domain.StatusFailed && r.Status.Rank() > recorded.Rank() {
			s.history[r.ExternalID] = r.Status
			transitions = []transition{{externalID: r.ExternalID, status: r.Status}}
		}
	} else {
		// Receipt before the local send confirmation: a legitimate race.
		held, ok := s.pending[r.ExternalID]
		if !ok {
			held = &heldReceipt{deadline: time.Now().Add(t.cfg.PendingHold)}
			s.pending[r.ExternalID] = held
		}
		held.receipts = append(held.receipts, *r)
		t.logger.Debug("holding receipt for unregistered id", "id", r.ExternalID, "status", r.Status)
	}
	s.mu.Unlock()

	t.fire(ctx, transitions)
}

// applyLocked advances one active entry. Caller holds the shard lock.
func (t *Tracker) applyLocked(s *shard, e *entry, r *domain.DeliveryReceipt) []transition {
	if r.Status != domain.StatusFailed && r.Status.Rank() <= e.status.Rank() {
		return nil // out-of-order or duplicate: no-op by design
	}

	e.status = r.Status
	tr := transition{externalID: r.ExternalID, status: r.Status, attempts: e.intent.Attempts}

	if r.Status == domain.StatusFailed {
		tr.reason = r.ErrorDetails
		if tr.reason == "" {
			tr.reason = t.cat.LookupError(r.ErrorCode, t.cfg.Locale)
		}
		e.intent.LastError = tr.reason
	}

	if r.Status.Terminal() {
		delete(s.active, r.ExternalID)
		e.intent.CancelRetry()
		t.recordTerminalLocked(s, r.ExternalID, r.Status)
		metrics.PendingIntents().Dec()
	}
	return []transition{tr}
}

// recordTerminalLocked adds an id to the bounded duplicate-absorption set.
func (t *Tracker) recordTerminalLocked(s *shard, id string, status domain.DeliveryStatus) {
	if _, exists := s.history[id]; !exists {
		s.order = append(s.order, id)
		if len(s.order) > t.perShardHistory {
			evict := s.order[0]
			s.order = s.order[1:]
			delete(s.history, evict)
		}
	}
	s.history[id] = status
}

func (t *Tracker) fire(ctx context.Context, transitions []transition) {
	for _, tr := range transitions {
		metrics.StatusTransitions(string(tr.status)).Inc()
		if t.store != nil {
			if err := t.store.UpdateStatus(ctx, tr.externalID, tr.status, tr.reason, tr.attempts); err != nil {
				t.logger.Error("cannot persist status", "id", tr.externalID, "err", err)
			}
		}
		if t.notify != nil {
			t.notify(tr.externalID, tr.status, tr.reason)
		}
	}
}

// StatusOf reports the recorded delivery status for an external id.
func (t *Tracker) StatusOf(externalID string) domain.DeliveryStatus {
	s := t.shardFor(externalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.active[externalID]; ok {
		return e.status
	}
	if status, ok := s.history[externalID]; ok {
		return status
	}
	return domain.StatusUnknown
}

// Restore warms the terminal-history set from the store so duplicate receipts
// for messages sent before a restart are still absorbed.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	recent, err := t.store.RecentTerminal(ctx, t.cfg.HistorySize)
	if err != nil {
		return err
	}
	for id, status := range recent {
		s := t.shardFor(id)
		s.mu.Lock()
		t.recordTerminalLocked(s, id, status)
		s.mu.Unlock()
	}
	return nil
}

// Run sweeps expired held receipts until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.cfg.PendingHold / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.expirePending(now)
		}
	}
}

func (t *Tracker) expirePending(now time.Time) {
	for _, s := range t.shards {
		s.mu.Lock()
		for id, held := range s.pending {
			if now.After(held.deadline) {
				delete(s.pending, id)
				t.logger.Warn("discarding receipts held past the wait window",
					"id", id, "count", len(held.receipts))
			}
		}
		s.mu.Unlock()
	}
}
