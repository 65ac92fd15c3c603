package transaction

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Instant is a record timestamp. Upstream sends either an ISO-8601 string or
// epoch milliseconds; Raw keeps the original string so it can be echoed back
// unchanged. A zero Time means the value was absent or unparseable.
type Instant struct {
	Time time.Time
	Raw  string
}

var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseInstant parses an ISO-8601 timestamp or a string of epoch millis.
// Timestamps without a zone are taken as UTC.
func ParseInstant(s string) Instant {
	s = strings.TrimSpace(s)
	if s == "" {
		return Instant{}
	}
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Instant{Time: t.UTC(), Raw: s}
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Instant{Time: time.UnixMilli(ms).UTC(), Raw: s}
	}
	return Instant{Raw: s}
}

// IsZero reports whether no time could be determined.
func (i Instant) IsZero() bool { return i.Time.IsZero() }

// String returns the raw value when present, RFC 3339 otherwise.
func (i Instant) String() string {
	if i.Raw != "" {
		return i.Raw
	}
	if i.Time.IsZero() {
		return ""
	}
	return i.Time.Format(time.RFC3339Nano)
}

// MarshalJSON emits the string form, or null when nothing is known.
func (i Instant) MarshalJSON() ([]byte, error) {
	s := i.String()
	if s == "" {
		return []byte("null"), nil
	}
	return json.Marshal(s)
}

// UnmarshalJSON accepts a string, a number of epoch millis, or null.
func (i *Instant) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		*i = ParseInstant(x)
	case float64:
		*i = Instant{Time: time.UnixMilli(int64(x)).UTC()}
	default:
		*i = Instant{}
	}
	return nil
}
