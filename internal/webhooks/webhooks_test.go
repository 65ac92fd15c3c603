package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
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
		"amount":         120.5,
		"merchant":       map[string]any{"name": "Acme Travel"},
		"risk_analysis":  map[string]any{"risk_score": score, "recommended_action": "review"},
	})
}

type received struct {
	header http.Header
	body   []byte
}

type receiver struct {
	mu    sync.Mutex
	got   []received
	codes []int
	calls atomic.Int64
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	n := int(r.calls.Add(1))
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.got = append(r.got, received{header: req.Header.Clone(), body: body})
	code := http.StatusOK
	if n <= len(r.codes) {
		code = r.codes[n-1]
	}
	r.mu.Unlock()
	w.WriteHeader(code)
}

func (r *receiver) last(t *testing.T) received {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.got)
	return r.got[len(r.got)-1]
}

func newDispatcher(url, secret string) *Dispatcher {
	return NewDispatcher(Config{
		URL:       url,
		Secret:    secret,
		BaseDelay: time.Millisecond,
	}, logging.Discard())
}

func TestSend_SignsPayload(t *testing.T) {
	r := &receiver{}
	srv := httptest.NewServer(r)
	defer srv.Close()

	d := newDispatcher(srv.URL, "hook-secret")
	event := &Event{ID: "evt_1", Type: EventAlertCreated, Timestamp: time.Unix(1_700_000_000, 0).UTC(), Data: rec("T1", 0.9).Annotate()}
	require.NoError(t, d.Send(context.Background(), event))

	got := r.last(t)
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, "alert.created", got.header.Get(HeaderEvent))
	assert.Equal(t, "1700000000", got.header.Get(HeaderTimestamp))
	assert.True(t, Verify(got.body, "hook-secret", got.header.Get(HeaderSignature)))
	assert.False(t, Verify(got.body, "other", got.header.Get(HeaderSignature)))

	var body map[string]any
	require.NoError(t, json.Unmarshal(got.body, &body))
	assert.Equal(t, "evt_1", body["id"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "T1", data["transaction_id"])
	assert.Equal(t, "high", data["risk_band"])

	assert.Empty(t, d.LastError())
	assert.False(t, d.LastSuccess().IsZero())
}

func TestSend_NoSecretNoSignature(t *testing.T) {
	r := &receiver{}
	srv := httptest.NewServer(r)
	defer srv.Close()

	d := newDispatcher(srv.URL, "")
	require.NoError(t, d.Send(context.Background(), &Event{ID: "evt_2", Type: EventAlertCreated, Timestamp: time.Now()}))
	assert.Empty(t, r.last(t).header.Get(HeaderSignature))
}

func TestSend_RetriesServerErrors(t *testing.T) {
	r := &receiver{codes: []int{http.StatusBadGateway, http.StatusServiceUnavailable}}
	srv := httptest.NewServer(r)
	defer srv.Close()

	d := newDispatcher(srv.URL, "")
	require.NoError(t, d.Send(context.Background(), &Event{ID: "evt_3", Type: EventAlertCreated, Timestamp: time.Now()}))
	assert.Equal(t, int64(3), r.calls.Load())
}

func TestSend_ClientErrorIsPermanent(t *testing.T) {
	r := &receiver{codes: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(r)
	defer srv.Close()

	d := newDispatcher(srv.URL, "")
	err := d.Send(context.Background(), &Event{ID: "evt_4", Type: EventAlertCreated, Timestamp: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int64(1), r.calls.Load())
	assert.Equal(t, "status 400", d.LastError())
}

func TestSend_GivesUpAfterMaxAttempts(t *testing.T) {
	r := &receiver{codes: []int{500, 500, 500, 500}}
	srv := httptest.NewServer(r)
	defer srv.Close()

	d := newDispatcher(srv.URL, "")
	err := d.Send(context.Background(), &Event{ID: "evt_5", Type: EventAlertCreated, Timestamp: time.Now()})
	require.Error(t, err)
	assert.Equal(t, int64(3), r.calls.Load())
}

func TestDispatcher_AttachDeliversInserts(t *testing.T) {
	r := &receiver{}
	srv := httptest.NewServer(r)
	defer srv.Close()

	store := reconciliation.NewStore(logging.Discard())
	d := NewDispatcher(Config{URL: srv.URL, MinBand: risk.BandMedium, BaseDelay: time.Millisecond}, logging.Discard())
	d.Attach(context.Background(), store)

	store.ApplyPush(rec("low", 0.1))
	store.ApplyPush(rec("T1", 0.9))
	store.ApplyPush(rec("T1", 0.95))
	d.Wait()

	assert.Equal(t, int64(1), r.calls.Load(), "updates and low alerts are not delivered")
	var body map[string]any
	require.NoError(t, json.Unmarshal(r.last(t).body, &body))
	assert.Equal(t, "T1", body["data"].(map[string]any)["transaction_id"])
}

func TestNewDispatcher_Defaults(t *testing.T) {
	d := NewDispatcher(Config{URL: "http://localhost"}, nil)
	assert.Equal(t, 3, d.cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, d.cfg.BaseDelay)
	assert.Equal(t, 10*time.Second, d.client.Timeout)
}
