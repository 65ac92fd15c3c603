// Package webhooks forwards new alerts to an external HTTP endpoint.
//
// Each delivery is a JSON Event signed with HMAC-SHA256 over the body when
// a secret is configured. Receivers verify X-Riskwatch-Signature.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/retry"
	"github.com/mbd888/riskwatch/internal/risk"
	"github.com/mbd888/riskwatch/internal/traces"
	"github.com/mbd888/riskwatch/internal/transaction"
)

// EventType represents the type of webhook event
type EventType string

const EventAlertCreated EventType = "alert.created"

// Event is the delivered body.
type Event struct {
	ID        string                `json:"id"`
	Type      EventType             `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Data      transaction.Annotated `json:"data"`
}

const (
	HeaderEvent     = "X-Riskwatch-Event"
	HeaderTimestamp = "X-Riskwatch-Timestamp"
	HeaderSignature = "X-Riskwatch-Signature"
)

var deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Webhook deliveries by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(deliveries)
}

// Config configures a Dispatcher.
type Config struct {
	URL         string
	Secret      string
	MinBand     risk.Band
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
}

// Dispatcher sends webhook events
type Dispatcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	ctx context.Context
	wg  sync.WaitGroup

	mu          sync.RWMutex
	lastSuccess time.Time
	lastError   string
}

// NewDispatcher creates a dispatcher for cfg.URL.
func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		ctx:    context.Background(),
	}
}

// Inserter is the part of the store the dispatcher attaches to.
type Inserter interface {
	OnInsert(fn func(transaction.Transaction))
}

// Attach registers the dispatcher on the store. Deliveries run under ctx.
func (d *Dispatcher) Attach(ctx context.Context, store Inserter) {
	d.ctx = ctx
	store.OnInsert(d.Handle)
}

// Handle delivers tx asynchronously unless it is below the minimum band.
func (d *Dispatcher) Handle(tx transaction.Transaction) {
	if d.cfg.MinBand != "" && !tx.Band().AtLeast(d.cfg.MinBand) {
		return
	}
	event := &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      EventAlertCreated,
		Timestamp: time.Now().UTC(),
		Data:      tx.Annotate(),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Send(d.ctx, event); err != nil {
			d.logger.Warn("webhook delivery failed", "event_id", event.ID, "transaction_id", tx.ID, "error", err)
		}
	}()
}

// Send delivers event, retrying transport errors and 5xx responses.
func (d *Dispatcher) Send(ctx context.Context, event *Event) (err error) {
	ctx, span := traces.StartSpan(ctx, "webhook.deliver")
	defer func() { traces.End(span, err) }()

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordError("failed to marshal event")
		return fmt.Errorf("marshal event: %w", err)
	}

	attempt := 0
	err = retry.Do(ctx, d.cfg.MaxAttempts, d.cfg.BaseDelay, func() error {
		attempt++
		span.SetAttributes(traces.Attempt(attempt))
		return d.post(ctx, event, payload)
	})
	if err != nil {
		deliveries.WithLabelValues("failed").Inc()
		d.recordError(err.Error())
		return err
	}
	deliveries.WithLabelValues("delivered").Inc()
	d.mu.Lock()
	d.lastSuccess = time.Now()
	d.lastError = ""
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) post(ctx context.Context, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if d.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, d.cfg.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) recordError(msg string) {
	d.mu.Lock()
	d.lastError = msg
	d.mu.Unlock()
}

// LastError returns the most recent delivery error, empty after a success.
func (d *Dispatcher) LastError() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastError
}

// LastSuccess returns when the last delivery succeeded.
func (d *Dispatcher) LastSuccess() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSuccess
}

// Wait blocks until in-flight deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
