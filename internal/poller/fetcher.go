// Package poller fetches snapshots of the upstream alert and transaction
// lists over HTTP and schedules those fetches on fixed intervals.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/riskwatch/internal/traces"
	"github.com/mbd888/riskwatch/internal/transaction"
)

// Endpoint paths and the response field holding each list.
const (
	PathAlerts  = "/admin/notifications"
	FieldAlerts = "notifications"
	PathAll     = "/admin/all-transactions"
	FieldAll    = "transactions"
)

// maxBodyBytes caps a snapshot response.
const maxBodyBytes = 32 << 20

// ErrUnexpectedStatus is the cause of a FetchError for a non-2xx response.
var ErrUnexpectedStatus = errors.New("unexpected status")

// FetchError describes a failed snapshot fetch. StatusCode is 0 when no
// response was received.
type FetchError struct {
	Endpoint   string
	StatusCode int
	Cause      error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to fetch transactions from %s (status %d): %v", e.Endpoint, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("failed to fetch transactions from %s: %v", e.Endpoint, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Credentials is the Basic-auth pair sent with every request.
type Credentials struct {
	User string
	Pass string
}

// Fetcher is an HTTP client for the two snapshot endpoints.
type Fetcher struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFetcher creates a fetcher for baseURL. timeout bounds each request.
func NewFetcher(baseURL string, creds Credentials, timeout time.Duration, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// FetchAlerts returns the current alert list.
func (f *Fetcher) FetchAlerts(ctx context.Context) ([]transaction.Transaction, error) {
	return f.fetch(ctx, PathAlerts, FieldAlerts)
}

// FetchAll returns the full transaction history.
func (f *Fetcher) FetchAll(ctx context.Context) ([]transaction.Transaction, error) {
	return f.fetch(ctx, PathAll, FieldAll)
}

func (f *Fetcher) fetch(ctx context.Context, path, field string) (txs []transaction.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "poller.fetch", traces.Endpoint(path))
	start := time.Now()
	defer func() {
		fetchDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		if err != nil {
			fetchErrors.WithLabelValues(path).Inc()
		}
		traces.End(span, err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return nil, &FetchError{Endpoint: path, Cause: fmt.Errorf("create request: %w", err)}
	}
	req.SetBasicAuth(f.creds.User, f.creds.Pass)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Endpoint: path, Cause: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(traces.StatusCode(resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Endpoint: path, StatusCode: resp.StatusCode, Cause: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{
			Endpoint:   path,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("%w: %s", ErrUnexpectedStatus, snippet(body)),
		}
	}

	txs, skipped, err := transaction.DecodeList(body, field)
	if err != nil {
		return nil, &FetchError{Endpoint: path, StatusCode: resp.StatusCode, Cause: err}
	}
	if skipped > 0 {
		recordsSkipped.WithLabelValues(path).Add(float64(skipped))
		f.logger.Warn("dropped records without transaction_id", "endpoint", path, "count", skipped)
	}
	span.SetAttributes(traces.RecordCount(len(txs)))
	return txs, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
