// Package alert plays a sound cue for every record that is new to the
// alert view.
//
// Playback is best-effort: a failure is logged and counted, never retried,
// and never reaches the store.
package alert

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/risk"
	"github.com/mbd888/riskwatch/internal/transaction"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	alertsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "alert",
		Name:      "fired_total",
		Help:      "Sound cues started, by risk band.",
	}, []string{"band"})

	alertsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "alert",
		Name:      "failed_total",
		Help:      "Sound cues that returned an error.",
	})

	alertsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "alert",
		Name:      "skipped_total",
		Help:      "Inserted records below the configured minimum band.",
	})
)

func init() {
	prometheus.MustRegister(alertsFired, alertsFailed, alertsSkipped)
}

// Inserter is the part of the store the trigger attaches to.
type Inserter interface {
	OnInsert(fn func(transaction.Transaction))
}

// Trigger turns insert notifications into sound cues.
type Trigger struct {
	player  Player
	minBand risk.Band
	logger  *slog.Logger

	ctx context.Context
	wg  sync.WaitGroup
}

// NewTrigger creates a trigger. An empty minBand fires for every insert.
func NewTrigger(player Player, minBand risk.Band, logger *slog.Logger) *Trigger {
	if player == nil {
		player = NopPlayer{}
	}
	return &Trigger{
		player:  player,
		minBand: minBand,
		logger:  logger,
		ctx:     context.Background(),
	}
}

// Attach registers the trigger on the store. Cues are played under ctx;
// cancelling it aborts in-flight playback.
func (t *Trigger) Attach(ctx context.Context, store Inserter) {
	t.ctx = ctx
	store.OnInsert(t.Handle)
}

// Handle fires once for tx unless it is below the minimum band. Playback
// runs in its own goroutine so a slow player never stalls the caller.
func (t *Trigger) Handle(tx transaction.Transaction) {
	band := tx.Band()
	if t.minBand != "" && !band.AtLeast(t.minBand) {
		alertsSkipped.Inc()
		t.logger.Debug("alert below threshold", "transaction_id", tx.ID, "band", band)
		return
	}

	alertsFired.WithLabelValues(string(band)).Inc()
	t.logger.Info("new alert",
		"transaction_id", tx.ID,
		"band", band,
		"score", tx.Score(),
		"action", tx.Action(),
		"merchant", tx.Merchant.Name,
	)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.player.Play(t.ctx); err != nil {
			alertsFailed.Inc()
			t.logger.Warn("alert sound failed", "transaction_id", tx.ID, "error", err)
		}
	}()
}

// Wait blocks until all started cues have finished.
func (t *Trigger) Wait() {
	t.wg.Wait()
}
