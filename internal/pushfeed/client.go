// Package pushfeed maintains the long-lived push connection to the risk
// analyzer and delivers each new-transaction event as a normalized record.
//
// The connection is retried forever with exponential backoff. Disconnects
// are reported through the status callback only; they are never returned
// as errors.
package pushfeed

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/riskwatch/internal/retry"
	"github.com/mbd888/riskwatch/internal/traces"
	"github.com/mbd888/riskwatch/internal/transaction"
)

// Defaults for Config.
const (
	DefaultEventName        = "new_transaction"
	DefaultMinBackoff       = time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// ErrServerClosed is the cause reported when the server ends the session.
var ErrServerClosed = errors.New("pushfeed: server closed session")

// Config locates the push endpoint.
type Config struct {
	BaseURL          string // http(s)://host:port; mapped to ws(s)
	PushPath         string // path and query appended to BaseURL
	EventName        string
	User             string
	Pass             string
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
}

// Status is reported on every connection state change. Attempt counts
// consecutive failures and is 0 while connected.
type Status struct {
	Connected bool
	Err       error
	Attempt   int
}

// ConnectionError wraps the cause of a failed or lost connection.
type ConnectionError struct {
	Attempt int
	Cause   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("push feed connection (attempt %d): %v", e.Attempt, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// Sink receives delivered records. It must return promptly once ctx is done.
type Sink func(ctx context.Context, tx transaction.Transaction)

// StatusFunc receives connection state changes.
type StatusFunc func(Status)

// Client is the push feed connection. Create with New, run with Start,
// tear down with Close.
type Client struct {
	cfg      Config
	endpoint string
	header   http.Header
	dialer   *websocket.Dialer
	sink     Sink
	onStatus StatusFunc
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	conn    *websocket.Conn
}

// New validates cfg and builds a client. onStatus may be nil.
func New(cfg Config, sink Sink, onStatus StatusFunc, logger *slog.Logger) (*Client, error) {
	if sink == nil {
		return nil, errors.New("pushfeed: nil sink")
	}
	if cfg.EventName == "" {
		cfg.EventName = DefaultEventName
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if onStatus == nil {
		onStatus = func(Status) {}
	}

	endpoint, err := Endpoint(cfg.BaseURL, cfg.PushPath)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if cfg.User != "" || cfg.Pass != "" {
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cfg.User+":"+cfg.Pass)))
	}

	return &Client{
		cfg:      cfg,
		endpoint: endpoint,
		header:   header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		sink:     sink,
		onStatus: onStatus,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Endpoint maps an http(s) base URL and a push path to the ws(s) URL.
func Endpoint(baseURL, pushPath string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + pushPath)
	if err != nil {
		return "", fmt.Errorf("pushfeed: invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("pushfeed: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("pushfeed: missing host in %q", baseURL)
	}
	return u.String(), nil
}

// Start launches the connection loop. It returns immediately.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Close stops delivery, closes the connection and waits for the loop to
// exit. No callback fires after Close returns. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		if !c.started {
			close(c.done)
			return
		}
		c.cancel()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
	<-c.done
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer feedConnected.Set(0)

	backoff := retry.Backoff{Base: c.cfg.MinBackoff, Max: c.cfg.MaxBackoff}
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx, backoff.Attempt()+1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			feedConnects.WithLabelValues("failure").Inc()
			delay := backoff.Next()
			cerr := &ConnectionError{Attempt: backoff.Attempt(), Cause: err}
			c.logger.Warn("push feed connect failed", "attempt", cerr.Attempt, "retry_in", delay, "error", err)
			c.onStatus(Status{Err: cerr, Attempt: cerr.Attempt})
			if retry.Sleep(ctx, delay) != nil {
				return
			}
			continue
		}

		backoff.Reset()
		feedConnects.WithLabelValues("success").Inc()
		feedConnected.Set(1)
		c.logger.Info("push feed connected", "endpoint", c.endpoint)
		c.onStatus(Status{Connected: true})

		err = c.session(ctx, conn)

		feedConnected.Set(0)
		if ctx.Err() != nil {
			return
		}
		feedDisconnects.Inc()
		delay := backoff.Next()
		cerr := &ConnectionError{Attempt: backoff.Attempt(), Cause: err}
		c.logger.Warn("push feed disconnected", "retry_in", delay, "error", err)
		c.onStatus(Status{Err: cerr, Attempt: cerr.Attempt})
		if retry.Sleep(ctx, delay) != nil {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context, attempt int) (*websocket.Conn, error) {
	ctx, span := traces.StartSpan(ctx, "pushfeed.dial", traces.Endpoint(c.cfg.PushPath), traces.Attempt(attempt))
	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			span.SetAttributes(traces.StatusCode(resp.StatusCode))
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		traces.End(span, err)
		return nil, err
	}
	traces.End(span, nil)

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// session reads frames until the connection fails or ctx is done.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.keepalive(ctx, conn, stopPing)

	conn.SetReadLimit(4 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, normalCloseCodes...) {
				return ErrServerClosed
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		f, err := decodeFrame(msg)
		if err != nil {
			feedMalformed.Inc()
			c.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}

		switch f.kind {
		case frameOpen, framePing:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f.reply)); err != nil {
				return fmt.Errorf("write %q: %w", f.reply, err)
			}
		case frameClose:
			if len(f.data) > 0 {
				return fmt.Errorf("%w: %s", ErrServerClosed, f.data)
			}
			return ErrServerClosed
		case frameEvent:
			c.deliver(ctx, f)
		}
	}
}

func (c *Client) deliver(ctx context.Context, f frame) {
	if f.event != "" && f.event != c.cfg.EventName {
		feedEvents.WithLabelValues("ignored").Inc()
		c.logger.Debug("ignoring event", "event", f.event)
		return
	}
	tx := transaction.Normalize(f.data)
	if tx.ID == "" {
		feedEvents.WithLabelValues("dropped").Inc()
		c.logger.Warn("dropping pushed record without transaction_id")
		return
	}
	if ctx.Err() != nil {
		return
	}
	feedEvents.WithLabelValues("delivered").Inc()
	c.sink(ctx, tx)
}

// keepalive pings the server and closes conn when ctx is done, which
// unblocks the reader.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug("push feed ping failed", "error", err)
				return
			}
		}
	}
}
