package poller

import (
	"context"
	"errors"

	"github.com/mbd888/riskwatch/internal/circuitbreaker"
	"github.com/mbd888/riskwatch/internal/transaction"
)

// Guard wraps fetch with a circuit breaker keyed by endpoint. While the
// circuit is open the fetch is skipped and a FetchError wrapping
// circuitbreaker.ErrOpen is returned, so the failure still reaches the
// store status.
func Guard(b *circuitbreaker.Breaker, endpoint string, fetch FetchFunc) FetchFunc {
	return func(ctx context.Context) ([]transaction.Transaction, error) {
		var txs []transaction.Transaction
		err := b.Do(endpoint, func() error {
			var ferr error
			txs, ferr = fetch(ctx)
			return ferr
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, &FetchError{Endpoint: endpoint, Cause: err}
		}
		return txs, err
	}
}
