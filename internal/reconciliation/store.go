// Package reconciliation merges the push feed and the polled snapshots into
// one deduplicated set of records with two orderings: the alert view
// (push arrival order, newest first) and the history view (order of the
// last full fetch).
//
// Every record appears at most once regardless of how many times or through
// which channel it was received. The last delivery for an ID wins.
package reconciliation

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/riskwatch/internal/transaction"
)

// Source names the endpoint a snapshot came from.
type Source string

const (
	SourceAlerts  Source = "alerts"
	SourceHistory Source = "history"
)

// Kind distinguishes notifications.
type Kind string

const (
	// KindInserted is published once per ID, the first time it arrives on the push feed.
	KindInserted Kind = "inserted"
	// KindUpdated is published when a pushed ID was already in the alert view.
	KindUpdated Kind = "updated"
	// KindSnapshot is published after a snapshot has been applied.
	KindSnapshot Kind = "snapshot"
)

// Notification describes one store transition.
type Notification struct {
	Kind   Kind                    `json:"kind"`
	Tx     transaction.Transaction `json:"tx"`
	Source Source                  `json:"source,omitempty"`
	Len    int                     `json:"len,omitempty"`
}

// Store holds the reconciled records. It is safe for concurrent use, but is
// designed around a single writer (the monitor loop) and many readers.
type Store struct {
	mu       sync.RWMutex
	records  map[string]transaction.Transaction
	arrival  []string // newest first
	arrived  map[string]struct{}
	snapshot []string
	status   Status
	now      func() time.Time

	subMu    sync.Mutex
	subs     map[int]chan Notification
	nextSub  int
	onInsert []func(transaction.Transaction)

	logger *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records: make(map[string]transaction.Transaction),
		arrived: make(map[string]struct{}),
		subs:    make(map[int]chan Notification),
		now:     time.Now,
		logger:  logger,
	}
}

// ApplyPush applies one record received on the push feed. It reports
// whether the ID was new to the alert view. New IDs are prepended to the
// alert view and announced as KindInserted; known IDs have their record
// replaced in place without moving. Records without an ID are dropped.
func (s *Store) ApplyPush(tx transaction.Transaction) bool {
	if tx.ID == "" {
		storePushes.WithLabelValues("dropped").Inc()
		s.logger.Debug("dropping pushed record without id")
		return false
	}

	s.mu.Lock()
	_, known := s.arrived[tx.ID]
	s.records[tx.ID] = tx
	if !known {
		s.arrived[tx.ID] = struct{}{}
		s.arrival = slices.Insert(s.arrival, 0, tx.ID)
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	if known {
		storePushes.WithLabelValues("updated").Inc()
		s.publish(Notification{Kind: KindUpdated, Tx: tx})
		return false
	}

	storePushes.WithLabelValues("inserted").Inc()
	s.publish(Notification{Kind: KindInserted, Tx: tx})
	s.fireInsert(tx)
	return true
}

// ApplySnapshot replaces the history view with list, in list order. When an
// ID appears more than once the last payload wins and the first position is
// kept. The alert view is untouched and nothing is announced as inserted.
// Records that were only in the previous history are forgotten.
func (s *Store) ApplySnapshot(list []transaction.Transaction) {
	order := make([]string, 0, len(list))
	seen := make(map[string]struct{}, len(list))

	s.mu.Lock()
	for _, tx := range list {
		if tx.ID == "" {
			continue
		}
		if _, dup := seen[tx.ID]; !dup {
			seen[tx.ID] = struct{}{}
			order = append(order, tx.ID)
		}
		s.records[tx.ID] = tx
	}

	pruned := 0
	for _, id := range s.snapshot {
		if _, still := seen[id]; still {
			continue
		}
		if _, alerted := s.arrived[id]; alerted {
			continue
		}
		delete(s.records, id)
		pruned++
	}
	s.snapshot = order
	s.updateGaugesLocked()
	s.mu.Unlock()

	storeSnapshots.WithLabelValues(string(SourceHistory)).Inc()
	storePruned.Add(float64(pruned))
	s.publish(Notification{Kind: KindSnapshot, Source: SourceHistory, Len: len(order)})
}

// ApplyAlertSnapshot merges the polled alert list. Every record is upserted;
// IDs not yet in the alert view are appended to its tail in list order.
// They are backfill, not arrivals, so nothing is announced as inserted.
func (s *Store) ApplyAlertSnapshot(list []transaction.Transaction) {
	s.mu.Lock()
	for _, tx := range list {
		if tx.ID == "" {
			continue
		}
		s.records[tx.ID] = tx
		if _, known := s.arrived[tx.ID]; !known {
			s.arrived[tx.ID] = struct{}{}
			s.arrival = append(s.arrival, tx.ID)
		}
	}
	n := len(s.arrival)
	s.updateGaugesLocked()
	s.mu.Unlock()

	storeSnapshots.WithLabelValues(string(SourceAlerts)).Inc()
	s.publish(Notification{Kind: KindSnapshot, Source: SourceAlerts, Len: n})
}

// AlertView returns the alert view, newest first.
func (s *Store) AlertView() []transaction.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.arrival)
}

// HistoryView returns the history view in the order of the last full fetch.
func (s *Store) HistoryView() []transaction.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.snapshot)
}

// Get returns the record for id.
func (s *Store) Get(id string) (transaction.Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.records[id]
	return tx, ok
}

// Len returns the number of distinct records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) collectLocked(ids []string) []transaction.Transaction {
	out := make([]transaction.Transaction, 0, len(ids))
	for _, id := range ids {
		if tx, ok := s.records[id]; ok {
			out = append(out, tx)
		}
	}
	return out
}

func (s *Store) updateGaugesLocked() {
	storeRecords.WithLabelValues("alerts").Set(float64(len(s.arrival)))
	storeRecords.WithLabelValues("history").Set(float64(len(s.snapshot)))
	storeRecords.WithLabelValues("total").Set(float64(len(s.records)))
}

// Subscribe registers a notification subscriber. When the buffer is full a
// notification is dropped for that subscriber rather than blocking the
// writer. cancel unregisters and closes the channel; it is idempotent.
func (s *Store) Subscribe(buffer int) (<-chan Notification, func()) {
	ch := make(chan Notification, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			close(ch)
			s.subMu.Unlock()
		})
	}
}

// OnInsert registers fn to be called synchronously, on the writer's
// goroutine, exactly once for every KindInserted transition. Register hooks
// before the first mutation.
func (s *Store) OnInsert(fn func(transaction.Transaction)) {
	s.subMu.Lock()
	s.onInsert = append(s.onInsert, fn)
	s.subMu.Unlock()
}

func (s *Store) publish(n Notification) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
			notificationsDropped.Inc()
		}
	}
}

func (s *Store) fireInsert(tx transaction.Transaction) {
	s.subMu.Lock()
	hooks := slices.Clone(s.onInsert)
	s.subMu.Unlock()
	for _, fn := range hooks {
		fn(tx)
	}
}
