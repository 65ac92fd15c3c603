package reconciliation

import "time"

// Status summarizes feed health as seen by the store. Errors are kept as
// strings so the struct can be served as JSON unchanged.
type Status struct {
	Connected        bool      `json:"connected"`
	ConnError        string    `json:"connectionError,omitempty"`
	AlertsError      string    `json:"alertsError,omitempty"`
	HistoryError     string    `json:"historyError,omitempty"`
	AlertsLoaded     bool      `json:"alertsLoaded"`
	HistoryLoaded    bool      `json:"historyLoaded"`
	LastAlertsFetch  time.Time `json:"lastAlertsFetch,omitzero"`
	LastHistoryFetch time.Time `json:"lastHistoryFetch,omitzero"`
}

// SetConnection records the push feed connection state. A nil err on a
// connected feed clears the previous connection error.
func (s *Store) SetConnection(connected bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Connected = connected
	switch {
	case err != nil:
		s.status.ConnError = err.Error()
	case connected:
		s.status.ConnError = ""
	}
}

// RecordFetch records the outcome of a poll. Either way the source counts
// as loaded. A success clears the source's error; a failure keeps the last
// good data and only sets the error.
func (s *Store) RecordFetch(source Source, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	switch source {
	case SourceAlerts:
		s.status.AlertsLoaded = true
		s.status.AlertsError = msg
		if err == nil {
			s.status.LastAlertsFetch = s.now()
		}
	case SourceHistory:
		s.status.HistoryLoaded = true
		s.status.HistoryError = msg
		if err == nil {
			s.status.LastHistoryFetch = s.now()
		}
	}
}

// Status returns a copy of the current feed status.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}
