package alert

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/reconciliation"
	"github.com/mbd888/riskwatch/internal/risk"
	"github.com/mbd888/riskwatch/internal/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id string, score float64) transaction.Transaction {
	return transaction.NormalizeMap(map[string]any{
		"transaction_id": id,
		"risk_analysis":  map[string]any{"risk_score": score},
	})
}

type countingPlayer struct {
	calls atomic.Int64
	err   error
}

func (p *countingPlayer) Play(context.Context) error {
	p.calls.Add(1)
	return p.err
}

func TestTrigger_FiresOncePerInsert(t *testing.T) {
	store := reconciliation.NewStore(logging.Discard())
	player := &countingPlayer{}
	trig := NewTrigger(player, "", logging.Discard())
	trig.Attach(context.Background(), store)

	store.ApplyPush(rec("T1", 0.85))
	store.ApplyPush(rec("T1", 0.2))
	store.ApplySnapshot([]transaction.Transaction{rec("T2", 0.9)})
	store.ApplyAlertSnapshot([]transaction.Transaction{rec("T3", 0.9)})
	trig.Wait()

	assert.Equal(t, int64(1), player.calls.Load())

	store.ApplyPush(rec("T4", 0.99))
	trig.Wait()
	assert.Equal(t, int64(2), player.calls.Load())
}

func TestTrigger_MinBand(t *testing.T) {
	player := &countingPlayer{}
	trig := NewTrigger(player, risk.BandHigh, logging.Discard())

	trig.Handle(rec("low", 0.1))
	trig.Handle(rec("medium", 0.7))
	trig.Handle(rec("high", 0.71))
	trig.Wait()

	assert.Equal(t, int64(1), player.calls.Load())
}

func TestTrigger_FailureIsSwallowed(t *testing.T) {
	player := &countingPlayer{err: errors.New("no audio device")}
	trig := NewTrigger(player, "", logging.Discard())

	assert.NotPanics(t, func() {
		trig.Handle(rec("a", 0.9))
		trig.Handle(rec("b", 0.9))
		trig.Wait()
	})
	assert.Equal(t, int64(2), player.calls.Load(), "failures are not retried")
}

func TestTrigger_SlowPlayerDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	slow := PlayerFunc(func(context.Context) error {
		<-release
		return nil
	})
	trig := NewTrigger(slow, "", logging.Discard())

	done := make(chan struct{})
	go func() {
		trig.Handle(rec("a", 0.9))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle blocked on the player")
	}
	close(release)
	trig.Wait()
}

func TestBellPlayer(t *testing.T) {
	var buf bytes.Buffer
	p := NewBellPlayer(&buf)
	require.NoError(t, p.Play(context.Background()))
	require.NoError(t, p.Play(context.Background()))
	assert.Equal(t, "\a\a", buf.String())
}

func TestNewCommandPlayer(t *testing.T) {
	_, err := NewCommandPlayer("   ", 0)
	assert.ErrorIs(t, err, ErrEmptyCommand)

	p, err := NewCommandPlayer("paplay /usr/share/sounds/notification.oga", 0)
	require.NoError(t, err)
	assert.Equal(t, "paplay", p.name)
	assert.Equal(t, []string{"/usr/share/sounds/notification.oga"}, p.args)
	assert.Equal(t, DefaultCommandTimeout, p.timeout)
}

func TestCommandPlayer_MissingBinary(t *testing.T) {
	p, err := NewCommandPlayer("riskwatch-no-such-player-binary", time.Second)
	require.NoError(t, err)
	assert.Error(t, p.Play(context.Background()))
}

func TestNewPlayer(t *testing.T) {
	p, err := NewPlayer("paplay ding.oga", true, nil)
	require.NoError(t, err)
	assert.IsType(t, &CommandPlayer{}, p)

	p, err = NewPlayer("", true, &bytes.Buffer{})
	require.NoError(t, err)
	assert.IsType(t, &BellPlayer{}, p)

	p, err = NewPlayer("  ", false, nil)
	require.NoError(t, err)
	assert.Equal(t, NopPlayer{}, p)
}
