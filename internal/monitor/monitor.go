// Package monitor runs the feed session: the push client and the two poll
// timers produce events on one channel, and a single loop applies them to
// the reconciliation store in the order received.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mbd888/riskwatch/internal/circuitbreaker"
	"github.com/mbd888/riskwatch/internal/config"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/poller"
	"github.com/mbd888/riskwatch/internal/pushfeed"
	"github.com/mbd888/riskwatch/internal/reconciliation"
	"github.com/mbd888/riskwatch/internal/transaction"
)

// eventBuffer is the capacity of the shared event channel.
const eventBuffer = 256

// ErrAlreadyStarted is returned by a second call to Run.
var ErrAlreadyStarted = errors.New("monitor: already started")

// Monitor owns one feed session.
type Monitor struct {
	store     *reconciliation.Store
	push      *pushfeed.Client
	alerts    *poller.Timer
	history   *poller.Timer
	events    chan Event
	sessionID string
	logger    *slog.Logger
	started   atomic.Bool
	running   atomic.Bool
	applied   atomic.Int64
}

// New builds a monitor for cfg that applies events to store.
func New(cfg *config.Config, store *reconciliation.Store, logger *slog.Logger) (*Monitor, error) {
	sessionID := uuid.NewString()
	logger = logging.Component(logger, "monitor").With("session_id", sessionID)

	m := &Monitor{
		store:     store,
		events:    make(chan Event, eventBuffer),
		sessionID: sessionID,
		logger:    logger,
	}

	push, err := pushfeed.New(pushfeed.Config{
		BaseURL:   cfg.Feed.BaseURL,
		PushPath:  cfg.Feed.PushPath,
		EventName: cfg.Feed.EventName,
		User:      cfg.Feed.User,
		Pass:      cfg.Feed.Pass,
	}, m.onPush, m.onStatus, logging.Component(logger, "pushfeed"))
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	m.push = push

	fetcher := poller.NewFetcher(cfg.Feed.BaseURL,
		poller.Credentials{User: cfg.Feed.User, Pass: cfg.Feed.Pass},
		cfg.Feed.RequestTimeout,
		logging.Component(logger, "poller"))

	breaker := circuitbreaker.New(cfg.Feed.BreakerThreshold, cfg.Feed.BreakerCooldown,
		logging.Component(logger, "circuitbreaker"))

	m.alerts = poller.NewTimer(reconciliation.SourceAlerts, cfg.AlertsInterval(),
		poller.Guard(breaker, poller.PathAlerts, fetcher.FetchAlerts),
		m.onResult, logging.Component(logger, "poller"))
	m.history = poller.NewTimer(reconciliation.SourceHistory, cfg.AllInterval(),
		poller.Guard(breaker, poller.PathAll, fetcher.FetchAll),
		m.onResult, logging.Component(logger, "poller"))

	return m, nil
}

// SessionID identifies this feed session in logs.
func (m *Monitor) SessionID() string { return m.sessionID }

// Applied returns how many events have been applied.
func (m *Monitor) Applied() int64 { return m.applied.Load() }

// Running reports whether Run is active.
func (m *Monitor) Running() bool { return m.running.Load() }

// Run starts the producers and applies their events until ctx is done.
// On return the push client is closed and both timers have stopped; no
// further mutation happens. A monitor runs once.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	m.running.Store(true)
	defer m.running.Store(false)

	ctx = logging.WithSessionID(ctx, m.sessionID)
	ctx, cancel := context.WithCancel(ctx)

	var producers sync.WaitGroup
	producers.Add(2)
	go func() { defer producers.Done(); m.alerts.Start(ctx) }()
	go func() { defer producers.Done(); m.history.Start(ctx) }()
	m.push.Start(ctx)

	m.logger.Info("monitor started")
	defer func() {
		cancel()
		_ = m.push.Close()
		m.alerts.Stop()
		m.history.Stop()
		producers.Wait()
		m.logger.Info("monitor stopped", "applied", m.applied.Load())
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			m.apply(ev)
		}
	}
}

// Submit hands an event to the loop. It returns false if ctx ended first.
func (m *Monitor) Submit(ctx context.Context, ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Monitor) apply(ev Event) {
	m.applied.Add(1)
	switch e := ev.(type) {
	case NewTransaction:
		if m.store.ApplyPush(e.Tx) {
			m.logger.Debug("alert received", "transaction_id", e.Tx.ID, "band", e.Tx.Band())
		}
	case SnapshotReceived:
		switch e.Source {
		case reconciliation.SourceAlerts:
			m.store.ApplyAlertSnapshot(e.Transactions)
		case reconciliation.SourceHistory:
			m.store.ApplySnapshot(e.Transactions)
		}
		m.store.RecordFetch(e.Source, nil)
	case FetchFailed:
		m.store.RecordFetch(e.Source, e.Err)
	case ConnectionChanged:
		m.store.SetConnection(e.Connected, e.Err)
	default:
		m.logger.Warn("unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (m *Monitor) onPush(ctx context.Context, tx transaction.Transaction) {
	m.Submit(ctx, NewTransaction{Tx: tx})
}

func (m *Monitor) onStatus(s pushfeed.Status) {
	// Never blocks the push client; a later status supersedes a dropped one.
	select {
	case m.events <- ConnectionChanged{Connected: s.Connected, Err: s.Err, Attempt: s.Attempt}:
	default:
		m.logger.Warn("event buffer full, dropping connection status", "connected", s.Connected)
	}
}

func (m *Monitor) onResult(ctx context.Context, r poller.Result) {
	if r.Err != nil {
		m.Submit(ctx, FetchFailed{Source: r.Source, Err: r.Err})
		return
	}
	m.Submit(ctx, SnapshotReceived{Source: r.Source, Transactions: r.Transactions})
}
