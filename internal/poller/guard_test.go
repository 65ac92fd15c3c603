package poller

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/mbd888/riskwatch/internal/circuitbreaker"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/testutil"
	"github.com/mbd888/riskwatch/internal/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_OpensAfterRepeatedFailures(t *testing.T) {
	up := testutil.NewUpstream(t, testutil.FramingEnvelope)
	up.SetResponse(PathAll, http.StatusInternalServerError, `{"error":"db down"}`)

	f := NewFetcher(up.URL(), Credentials{User: testutil.User, Pass: testutil.Pass}, time.Second, logging.Discard())
	b := circuitbreaker.New(2, time.Hour, logging.Discard())
	fetch := Guard(b, PathAll, f.FetchAll)

	for i := 0; i < 2; i++ {
		_, err := fetch(context.Background())
		assert.ErrorIs(t, err, ErrUnexpectedStatus)
	}

	_, err := fetch(context.Background())
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, PathAll, fe.Endpoint)
	assert.Contains(t, err.Error(), "failed to fetch transactions")
	assert.Len(t, up.Requests(PathAll), 2, "open circuit does not hit the upstream")
}

func TestGuard_PassesResults(t *testing.T) {
	up := testutil.NewUpstream(t, testutil.FramingEnvelope)
	up.SetList(PathAlerts, FieldAlerts, map[string]any{"transaction_id": "N1"})

	f := NewFetcher(up.URL(), Credentials{User: testutil.User, Pass: testutil.Pass}, time.Second, logging.Discard())
	fetch := Guard(circuitbreaker.New(1, time.Hour, logging.Discard()), PathAlerts, f.FetchAlerts)

	txs, err := fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "N1", txs[0].ID)
}

func TestGuard_CancelledFetchDoesNotTrip(t *testing.T) {
	b := circuitbreaker.New(1, time.Hour, logging.Discard())
	fetch := Guard(b, PathAll, func(ctx context.Context) ([]transaction.Transaction, error) {
		return nil, &FetchError{Endpoint: PathAll, Cause: context.Canceled}
	})

	_, err := fetch(context.Background())
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, circuitbreaker.StateClosed, b.State(PathAll))
}
