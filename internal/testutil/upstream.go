// Package testutil provides shared test infrastructure: a fake risk
// analyzer serving the snapshot endpoints and the push socket.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Credentials accepted by the fake upstream.
const (
	User = "admin"
	Pass = "test-password"
)

// Snapshot endpoints and push path served by the fake upstream.
const (
	PathAlerts = "/admin/notifications"
	PathAll    = "/admin/all-transactions"
	PushPath   = "/socket.io/?EIO=4&transport=websocket"
)

// Framing selects how the push socket frames events.
type Framing int

const (
	// FramingEnvelope sends {"event": name, "data": payload}.
	FramingEnvelope Framing = iota
	// FramingEngineIO speaks Engine.IO v4 / Socket.IO v5 text packets.
	FramingEngineIO
)

type response struct {
	status int
	body   []byte
}

type upConn struct {
	ws    *websocket.Conn
	mu    sync.Mutex
	ready bool
}

func (c *upConn) write(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Upstream is a fake risk analyzer.
type Upstream struct {
	Server  *httptest.Server
	framing Framing

	mu        sync.Mutex
	responses map[string]response
	requests  map[string][]http.Header
	conns     map[*upConn]struct{}
	accepted  int
	ready     int
	pongs     int
	rejectWS  bool
}

// NewUpstream starts a fake upstream that is closed when the test ends.
func NewUpstream(t testing.TB, framing Framing) *Upstream {
	t.Helper()
	gin.SetMode(gin.TestMode)

	u := &Upstream{
		framing:   framing,
		responses: make(map[string]response),
		requests:  make(map[string][]http.Header),
		conns:     make(map[*upConn]struct{}),
	}
	u.SetList(PathAlerts, "notifications")
	u.SetList(PathAll, "transactions")

	r := gin.New()
	r.GET(PathAlerts, u.serveSnapshot)
	r.GET(PathAll, u.serveSnapshot)
	r.GET("/socket.io/", u.servePush)

	u.Server = httptest.NewServer(r)
	t.Cleanup(u.Close)
	return u
}

// URL is the upstream base URL (http://127.0.0.1:port).
func (u *Upstream) URL() string { return u.Server.URL }

// Close drops all push connections and stops the server.
func (u *Upstream) Close() {
	u.Drop()
	u.Server.Close()
}

// SetList serves {field: records} with status 200 on path.
func (u *Upstream) SetList(path, field string, records ...any) {
	if records == nil {
		records = []any{}
	}
	body, _ := json.Marshal(map[string]any{field: records})
	u.SetResponse(path, http.StatusOK, string(body))
}

// SetResponse serves a raw body and status on path.
func (u *Upstream) SetResponse(path string, status int, body string) {
	u.mu.Lock()
	u.responses[path] = response{status: status, body: []byte(body)}
	u.mu.Unlock()
}

// Requests returns the headers of every request made to path.
func (u *Upstream) Requests(path string) []http.Header {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]http.Header, len(u.requests[path]))
	copy(out, u.requests[path])
	return out
}

// RejectPush makes push handshakes fail with 503 while on.
func (u *Upstream) RejectPush(on bool) {
	u.mu.Lock()
	u.rejectWS = on
	u.mu.Unlock()
}

func (u *Upstream) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	return ok && user == User && pass == Pass
}

func (u *Upstream) serveSnapshot(c *gin.Context) {
	path := c.Request.URL.Path
	u.mu.Lock()
	u.requests[path] = append(u.requests[path], c.Request.Header.Clone())
	resp := u.responses[path]
	u.mu.Unlock()

	if !u.authorized(c.Request) {
		c.Header("WWW-Authenticate", `Basic realm="Login Required"`)
		c.String(http.StatusUnauthorized, "Could not verify your access level for that URL.")
		return
	}
	c.Data(resp.status, "application/json", resp.body)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (u *Upstream) servePush(c *gin.Context) {
	u.mu.Lock()
	u.requests["/socket.io/"] = append(u.requests["/socket.io/"], c.Request.Header.Clone())
	reject := u.rejectWS
	u.mu.Unlock()

	if reject {
		c.String(http.StatusServiceUnavailable, "unavailable")
		return
	}
	if !u.authorized(c.Request) {
		c.String(http.StatusUnauthorized, "unauthorized")
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn := &upConn{ws: ws}

	u.mu.Lock()
	u.conns[conn] = struct{}{}
	u.accepted++
	if u.framing == FramingEnvelope {
		conn.ready = true
		u.ready++
	}
	u.mu.Unlock()

	if u.framing == FramingEngineIO {
		open, _ := json.Marshal(map[string]any{
			"sid":          uuid.NewString(),
			"upgrades":     []string{},
			"pingInterval": 25000,
			"pingTimeout":  20000,
			"maxPayload":   1000000,
		})
		_ = conn.write("0" + string(open))
	} else {
		_ = conn.write(`{"event":"connection_established","data":{"message":"Connected to admin notifications"}}`)
	}

	go u.readLoop(conn)
}

func (u *Upstream) readLoop(conn *upConn) {
	defer func() {
		u.mu.Lock()
		delete(u.conns, conn)
		u.mu.Unlock()
		_ = conn.ws.Close()
	}()

	for {
		_, msg, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if u.framing != FramingEngineIO {
			continue
		}
		switch s := string(msg); {
		case strings.HasPrefix(s, "3"):
			u.mu.Lock()
			u.pongs++
			u.mu.Unlock()
		case strings.HasPrefix(s, "40"):
			_ = conn.write(`40{"sid":"` + uuid.NewString() + `"}`)
			u.mu.Lock()
			if !conn.ready {
				conn.ready = true
				u.ready++
			}
			u.mu.Unlock()
		}
	}
}

// Emit sends one event to every ready push connection and returns how many
// received it.
func (u *Upstream) Emit(event string, payload any) int {
	var frame string
	if u.framing == FramingEngineIO {
		b, _ := json.Marshal([]any{event, payload})
		frame = "42" + string(b)
	} else {
		b, _ := json.Marshal(map[string]any{"event": event, "data": payload})
		frame = string(b)
	}
	return u.EmitRaw(frame)
}

// EmitRaw sends a raw text frame to every ready push connection.
func (u *Upstream) EmitRaw(frame string) int {
	u.mu.Lock()
	conns := make([]*upConn, 0, len(u.conns))
	for c := range u.conns {
		if c.ready {
			conns = append(conns, c)
		}
	}
	u.mu.Unlock()

	sent := 0
	for _, c := range conns {
		if c.write(frame) == nil {
			sent++
		}
	}
	return sent
}

// Ping sends an Engine.IO ping to every push connection.
func (u *Upstream) Ping() {
	u.EmitRaw("2")
}

// Drop closes every push connection without a close frame.
func (u *Upstream) Drop() {
	u.mu.Lock()
	conns := make([]*upConn, 0, len(u.conns))
	for c := range u.conns {
		conns = append(conns, c)
	}
	u.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Accepted returns how many push connections have been accepted so far.
func (u *Upstream) Accepted() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.accepted
}

// Ready returns how many push connections have completed the handshake so far.
func (u *Upstream) Ready() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ready
}

// Pongs returns how many Engine.IO pongs have been received.
func (u *Upstream) Pongs() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pongs
}

// WaitReady blocks until at least n push connections have completed the
// handshake, failing the test after timeout.
func (u *Upstream) WaitReady(t testing.TB, n int, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return u.Ready() >= n }, timeout, 5*time.Millisecond,
		"waiting for %d ready push connections", n)
}
