package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/riskwatch/internal/reconciliation"
	"github.com/mbd888/riskwatch/internal/transaction"
)

// FetchFunc fetches one snapshot.
type FetchFunc func(ctx context.Context) ([]transaction.Transaction, error)

// Result is the outcome of one scheduled fetch. Err is nil on success.
type Result struct {
	Source       reconciliation.Source
	Transactions []transaction.Transaction
	Err          error
}

// DeliverFunc receives results. It is called from fetch goroutines and
// must honor ctx.
type DeliverFunc func(ctx context.Context, r Result)

// Timer runs a fetch immediately on Start and then on every tick. Ticks do
// not wait for the previous fetch, so runs may overlap; each result is
// delivered as it completes.
type Timer struct {
	source   reconciliation.Source
	interval time.Duration
	fetch    FetchFunc
	deliver  DeliverFunc
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	inflight sync.WaitGroup
}

// NewTimer creates a timer for one source.
func NewTimer(source reconciliation.Source, interval time.Duration, fetch FetchFunc, deliver DeliverFunc, logger *slog.Logger) *Timer {
	return &Timer{
		source:   source,
		interval: interval,
		fetch:    fetch,
		deliver:  deliver,
		logger:   logger.With("source", string(source)),
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine. In-flight fetches are cancelled on exit and Start returns only
// after they finish; nothing is delivered after Start returns.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		t.inflight.Wait()
	}()

	t.launch(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.launch(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) launch(ctx context.Context) {
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		t.safeRun(ctx)
	}()
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			timerPanics.Inc()
			t.logger.Error("panic in poll timer", "panic", fmt.Sprint(r))
		}
	}()

	txs, err := t.fetch(ctx)

	// Stopped while the request was in flight: drop the result.
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.logger.Warn("poll failed", "error", err)
	} else {
		t.logger.Debug("poll succeeded", "records", len(txs))
	}
	t.deliver(ctx, Result{Source: t.source, Transactions: txs, Err: err})
}
