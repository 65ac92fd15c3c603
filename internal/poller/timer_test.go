package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/reconciliation"
	"github.com/mbd888/riskwatch/internal/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type results struct {
	mu  sync.Mutex
	all []Result
}

func (r *results) deliver(_ context.Context, res Result) {
	r.mu.Lock()
	r.all = append(r.all, res)
	r.mu.Unlock()
}

func (r *results) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.all)
}

func (r *results) get(i int) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.all[i]
}

func TestTimer_RunsImmediately(t *testing.T) {
	var calls atomic.Int64
	fetch := func(context.Context) ([]transaction.Transaction, error) {
		calls.Add(1)
		return []transaction.Transaction{{ID: "a"}}, nil
	}
	res := &results{}
	timer := NewTimer(reconciliation.SourceHistory, time.Hour, fetch, res.deliver, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool { return res.len() == 1 }, time.Second, 5*time.Millisecond)
	r := res.get(0)
	assert.Equal(t, reconciliation.SourceHistory, r.Source)
	assert.NoError(t, r.Err)
	assert.Len(t, r.Transactions, 1)
	assert.Equal(t, int64(1), calls.Load())
}

func TestTimer_Ticks(t *testing.T) {
	var calls atomic.Int64
	fetch := func(context.Context) ([]transaction.Transaction, error) {
		calls.Add(1)
		return nil, nil
	}
	res := &results{}
	timer := NewTimer(reconciliation.SourceAlerts, 10*time.Millisecond, fetch, res.deliver, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool { return res.len() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())
}

func TestTimer_DeliversErrors(t *testing.T) {
	boom := errors.New("boom")
	fetch := func(context.Context) ([]transaction.Transaction, error) { return nil, boom }
	res := &results{}
	timer := NewTimer(reconciliation.SourceAlerts, time.Hour, fetch, res.deliver, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool { return res.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, res.get(0).Err, boom)
}

func TestTimer_OverlappingFetches(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int64
	fetch := func(ctx context.Context) ([]transaction.Transaction, error) {
		n := started.Add(1)
		if n == 1 {
			// The first run hangs until released; later ticks must not wait for it.
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return []transaction.Transaction{{ID: "x"}}, nil
	}
	res := &results{}
	timer := NewTimer(reconciliation.SourceHistory, 10*time.Millisecond, fetch, res.deliver, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool { return res.len() >= 2 }, 2*time.Second, 5*time.Millisecond)
	close(release)
}

func TestTimer_StopDiscardsInFlight(t *testing.T) {
	entered := make(chan struct{})
	fetch := func(ctx context.Context) ([]transaction.Transaction, error) {
		close(entered)
		<-ctx.Done()
		return []transaction.Transaction{{ID: "late"}}, nil
	}
	res := &results{}
	timer := NewTimer(reconciliation.SourceHistory, time.Hour, fetch, res.deliver, logging.Discard())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	<-entered
	timer.Stop()
	timer.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Equal(t, 0, res.len(), "results completing after stop are discarded")
	assert.False(t, timer.Running())
}

func TestTimer_RecoversPanic(t *testing.T) {
	var calls atomic.Int64
	fetch := func(context.Context) ([]transaction.Transaction, error) {
		if calls.Add(1) == 1 {
			panic("kaboom")
		}
		return nil, nil
	}
	res := &results{}
	timer := NewTimer(reconciliation.SourceAlerts, 10*time.Millisecond, fetch, res.deliver, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool { return res.len() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int64(2))
}
