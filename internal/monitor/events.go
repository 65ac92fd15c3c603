package monitor

import (
	"github.com/mbd888/riskwatch/internal/reconciliation"
	"github.com/mbd888/riskwatch/internal/transaction"
)

// Event is a typed store transition request. Producers send events; only
// the monitor loop applies them.
type Event interface {
	event()
}

// NewTransaction is one record from the push feed.
type NewTransaction struct {
	Tx transaction.Transaction
}

// SnapshotReceived is a successful poll.
type SnapshotReceived struct {
	Source       reconciliation.Source
	Transactions []transaction.Transaction
}

// FetchFailed is a failed poll. Previously applied data is kept.
type FetchFailed struct {
	Source reconciliation.Source
	Err    error
}

// ConnectionChanged is a push feed state change.
type ConnectionChanged struct {
	Connected bool
	Err       error
	Attempt   int
}

func (NewTransaction) event()    {}
func (SnapshotReceived) event()  {}
func (FetchFailed) event()       {}
func (ConnectionChanged) event() {}
