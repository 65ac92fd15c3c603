package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/riskwatch/internal/filter"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/reconciliation"
	"github.com/mbd888/riskwatch/internal/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

func tx(id string, score float64) transaction.Transaction {
	t := transaction.Transaction{ID: id}
	t.RiskAnalysis.Score = score
	return t
}

func inserted(t transaction.Transaction) *Event {
	return FromNotification(reconciliation.Notification{Kind: reconciliation.KindInserted, Tx: t})
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_EmptySpec(t *testing.T) {
	h := testHub()
	client := &Client{}
	assert.True(t, h.shouldSend(client, inserted(tx("a", 0.1))))
	assert.True(t, h.shouldSend(client, inserted(tx("b", 0.9))))
}

func TestShouldSend_RiskLevel(t *testing.T) {
	h := testHub()
	client := &Client{spec: filter.Spec{RiskLevel: "high"}}

	assert.True(t, h.shouldSend(client, inserted(tx("a", 0.85))))
	assert.False(t, h.shouldSend(client, inserted(tx("b", 0.5))))
}

func TestShouldSend_SearchSupersedesLevel(t *testing.T) {
	h := testHub()
	client := &Client{spec: filter.Spec{RiskLevel: "high", SearchTerm: "ABC"}}

	assert.True(t, h.shouldSend(client, inserted(tx("abc-1", 0.1))))
	assert.False(t, h.shouldSend(client, inserted(tx("zzz", 0.9))))
}

func TestShouldSend_SnapshotGoesToEveryone(t *testing.T) {
	h := testHub()
	client := &Client{spec: filter.Spec{RiskLevel: "high", SearchTerm: "nothing-matches"}}
	ev := FromNotification(reconciliation.Notification{Kind: reconciliation.KindSnapshot, Source: reconciliation.SourceHistory, Len: 3})

	assert.True(t, h.shouldSend(client, ev))
	assert.Equal(t, EventSnapshot, ev.Type)
	assert.Equal(t, SnapshotData{Source: reconciliation.SourceHistory, Len: 3}, ev.Data)
}

func TestFromNotification_Updated(t *testing.T) {
	ev := FromNotification(reconciliation.Notification{Kind: reconciliation.KindUpdated, Tx: tx("u", 0.5)})
	assert.Equal(t, EventUpdated, ev.Type)
	data, ok := ev.Data.(transaction.Annotated)
	require.True(t, ok)
	assert.Equal(t, "u", data.ID)
	assert.Equal(t, "medium", string(data.RiskBand))
}

func TestParseSpec(t *testing.T) {
	spec, err := parseSpec(filter.Spec{RiskLevel: "HIGH", Mode: "and", SearchTerm: "x"})
	require.NoError(t, err)
	assert.Equal(t, filter.Level("high"), spec.RiskLevel)
	assert.Equal(t, filter.ModeAnd, spec.Mode)

	_, err = parseSpec(filter.Spec{RiskLevel: "severe"})
	assert.ErrorIs(t, err, filter.ErrInvalidRiskLevel)

	_, err = parseSpec(filter.Spec{Mode: "or"})
	assert.ErrorIs(t, err, filter.ErrInvalidMode)
}

// ---------------------------------------------------------------------------
// Hub lifecycle
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{id: "c1", hub: h, send: make(chan []byte, 8)}
	h.register <- client
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])

	h.unregister <- client
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-client.send
	assert.False(t, ok, "send is closed on unregister")
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	high := &Client{id: "high", hub: h, send: make(chan []byte, 8), spec: filter.Spec{RiskLevel: "high"}}
	all := &Client{id: "all", hub: h, send: make(chan []byte, 8)}
	h.register <- high
	h.register <- all

	h.Broadcast(inserted(tx("low-1", 0.1)))
	h.Broadcast(inserted(tx("high-1", 0.9)))

	require.Eventually(t, func() bool { return len(all.send) == 2 }, time.Second, 5*time.Millisecond)
	require.Len(t, high.send, 1)

	var ev struct {
		Type EventType      `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(<-high.send, &ev))
	assert.Equal(t, EventInserted, ev.Type)
	assert.Equal(t, "high-1", ev.Data["transaction_id"])
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	client := &Client{id: "c", hub: h, send: make(chan []byte, 8)}
	h.register <- client
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, ok := <-client.send
	assert.False(t, ok)
}

func TestHub_Follow(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{id: "c", hub: h, send: make(chan []byte, 8)}
	h.register <- client

	store := reconciliation.NewStore(logging.Discard())
	ch, unsubscribe := store.Subscribe(16)
	defer unsubscribe()
	go h.Follow(ctx, ch)

	store.ApplyPush(tx("T1", 0.85))
	store.ApplySnapshot([]transaction.Transaction{tx("T2", 0.2)})

	require.Eventually(t, func() bool { return len(client.send) == 2 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, string(<-client.send), `"type":"inserted"`)
	assert.Contains(t, string(<-client.send), `"type":"snapshot"`)
}

// ---------------------------------------------------------------------------
// WebSocket round trips
// ---------------------------------------------------------------------------

func dial(t *testing.T, h *Hub, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(msg, &out))
	return out
}

func TestHandleWebSocket_QueryFilter(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dial(t, h, "?risk=high")
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)

	h.Broadcast(inserted(tx("quiet", 0.1)))
	h.Broadcast(inserted(tx("loud", 0.95)))

	ev := readEvent(t, conn)
	assert.Equal(t, "inserted", ev["type"])
	assert.Equal(t, "loud", ev["data"].(map[string]any)["transaction_id"])
}

func TestHandleWebSocket_UpdateFilter(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dial(t, h, "")
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"riskLevel":"bogus"}`)))
	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"searchTerm":"acme"}`)))
	ev = readEvent(t, conn)
	assert.Equal(t, "filter", ev["type"])

	h.Broadcast(inserted(tx("other", 0.9)))
	h.Broadcast(inserted(tx("acme-7", 0.1)))
	ev = readEvent(t, conn)
	assert.Equal(t, "acme-7", ev["data"].(map[string]any)["transaction_id"])
}

func TestHandleWebSocket_BadQuery(t *testing.T) {
	h := testHub()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ws?risk=extreme", nil)
	h.HandleWebSocket(rec, req)
	assert.Equal(t, 400, rec.Code)
}

func TestHandleWebSocket_AfterStop(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest("GET", "/ws", nil))
	assert.Equal(t, 503, rec.Code)
}
