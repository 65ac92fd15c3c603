// Package pagination pages through an ordered view by record ID.
//
// Views are reordered by snapshots between requests, so a cursor names the
// last record returned rather than an offset.
package pagination

import (
	"encoding/base64"
	"errors"
	"strings"
)

// MaxLimit caps one page.
const MaxLimit = 500

var (
	// ErrInvalidCursor is returned for a cursor that does not decode.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrStaleCursor is returned when the cursor's record has left the view.
	ErrStaleCursor = errors.New("cursor record no longer in view")
)

// Cursor represents a position in a view.
type Cursor struct {
	View string
	ID   string
}

// Encode returns an opaque cursor string for the record id in view.
func Encode(view, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(view + "|" + id))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	view, id, ok := strings.Cut(string(raw), "|")
	if !ok || view == "" || id == "" {
		return nil, ErrInvalidCursor
	}
	return &Cursor{View: view, ID: id}, nil
}

// ComputePage returns up to limit items following the record named by
// cursor (from the start when cursor is nil), plus the cursor for the next
// page and whether more items remain. A limit <= 0 returns everything.
func ComputePage[T any](items []T, view string, cursor *Cursor, limit int, key func(T) string) ([]T, string, bool, error) {
	start := 0
	if cursor != nil {
		if cursor.View != view {
			return nil, "", false, ErrInvalidCursor
		}
		start = -1
		for i, it := range items {
			if key(it) == cursor.ID {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil, "", false, ErrStaleCursor
		}
	}
	rest := items[start:]
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if limit <= 0 || len(rest) <= limit {
		return rest, "", false, nil
	}
	page := rest[:limit]
	return page, Encode(view, key(page[len(page)-1])), true, nil
}
