// Package transaction defines the payment-transaction record carried by the
// risk feed and the lenient decoding that turns partial upstream payloads
// into fully populated records.
package transaction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/riskwatch/internal/risk"
	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when a record carries no currency code.
const DefaultCurrency = "USD"

// Customer identifies the paying customer.
type Customer struct {
	ID        string `json:"id"`
	Country   string `json:"country"`
	IPAddress string `json:"ip_address"`
}

// Merchant identifies the receiving merchant.
type Merchant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// PaymentMethod describes the instrument used.
type PaymentMethod struct {
	Type           string `json:"type"`
	LastFour       string `json:"last_four"`
	CountryOfIssue string `json:"country_of_issue"`
}

// Analysis is the upstream analyzer's verdict. A missing analysis decodes to
// score 0, no factors, action review and empty reasoning.
type Analysis struct {
	Score     float64     `json:"risk_score"`
	Factors   []string    `json:"risk_factors"`
	Action    risk.Action `json:"recommended_action"`
	Reasoning string      `json:"reasoning"`
}

// Transaction is one record from the feed. Records are immutable once
// received; a newer delivery for the same ID replaces the whole record.
type Transaction struct {
	ID                    string          `json:"transaction_id"`
	Timestamp             Instant         `json:"timestamp"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Customer              Customer        `json:"customer"`
	Merchant              Merchant        `json:"merchant"`
	PaymentMethod         PaymentMethod   `json:"payment_method"`
	AlertType             string          `json:"alert_type"`
	Status                string          `json:"status"`
	AdminNotificationSent bool            `json:"admin_notification_sent"`
	RiskAnalysis          Analysis        `json:"risk_analysis"`
	Details               json.RawMessage `json:"transaction_details,omitempty"`
}

// Score returns the analyzer's risk score.
func (t Transaction) Score() float64 { return t.RiskAnalysis.Score }

// Band classifies the record's score.
func (t Transaction) Band() risk.Band { return risk.Classify(t.RiskAnalysis.Score) }

// Action returns the recommended action, defaulting to review.
func (t Transaction) Action() risk.Action { return risk.NormalizeAction(string(t.RiskAnalysis.Action)) }

// UnmarshalJSON decodes leniently through Normalize, so json.Unmarshal into
// a Transaction never fails on missing or mistyped fields.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("transaction: %w", err)
	}
	*t = NormalizeMap(m)
	return nil
}

// Normalize decodes one raw payload. Anything that cannot be decoded yields
// a record with an empty ID, which callers drop.
func Normalize(raw []byte) Transaction {
	var t Transaction
	if err := t.UnmarshalJSON(raw); err != nil {
		return NormalizeMap(nil)
	}
	return t
}

// NormalizeMap builds a record from a generic JSON object, filling every
// absent or mistyped field with its default.
func NormalizeMap(m map[string]any) Transaction {
	t := Transaction{
		ID:                    stringOf(m["transaction_id"]),
		Timestamp:             instantOf(m["timestamp"]),
		Amount:                amountOf(m["amount"]),
		Currency:              strings.TrimSpace(stringOf(m["currency"])),
		AlertType:             stringOf(m["alert_type"]),
		Status:                stringOf(m["status"]),
		AdminNotificationSent: boolOf(m["admin_notification_sent"]),
	}
	if t.Currency == "" {
		t.Currency = DefaultCurrency
	}

	c := objectOf(m["customer"])
	t.Customer = Customer{
		ID:        stringOf(c["id"]),
		Country:   stringOf(c["country"]),
		IPAddress: stringOf(c["ip_address"]),
	}

	mer := objectOf(m["merchant"])
	t.Merchant = Merchant{
		ID:       stringOf(mer["id"]),
		Name:     stringOf(mer["name"]),
		Category: stringOf(mer["category"]),
	}

	pm := objectOf(m["payment_method"])
	t.PaymentMethod = PaymentMethod{
		Type:           stringOf(pm["type"]),
		LastFour:       stringOf(pm["last_four"]),
		CountryOfIssue: stringOf(pm["country_of_issue"]),
	}

	ra := objectOf(m["risk_analysis"])
	t.RiskAnalysis = Analysis{
		Score:     floatOf(ra["risk_score"]),
		Factors:   stringsOf(ra["risk_factors"]),
		Action:    risk.NormalizeAction(stringOf(ra["recommended_action"])),
		Reasoning: stringOf(ra["reasoning"]),
	}

	if d, ok := m["transaction_details"]; ok && d != nil {
		if raw, err := json.Marshal(d); err == nil {
			t.Details = raw
		}
	}
	return t
}

// DecodeList decodes a response body of the form {"<field>": [...]}.
// A missing or null field yields an empty list. Elements without an ID are
// dropped and counted in skipped. The only errors are a body that is not a
// JSON object and a field that is not an array.
func DecodeList(body []byte, field string) (txs []Transaction, skipped int, err error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, 0, fmt.Errorf("decode response body: %w", err)
	}

	raw, ok := envelope[field]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return []Transaction{}, 0, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, 0, fmt.Errorf("decode %q: %w", field, err)
	}

	txs = make([]Transaction, 0, len(items))
	for _, item := range items {
		tx := Normalize(item)
		if tx.ID == "" {
			skipped++
			continue
		}
		txs = append(txs, tx)
	}
	return txs, skipped, nil
}

// Annotated is a record plus its derived classification, as served to
// display clients.
type Annotated struct {
	Transaction
	RiskBand       risk.Band     `json:"risk_band"`
	BandCategory   risk.Category `json:"band_category"`
	ActionCategory risk.Category `json:"action_category"`
}

// Annotate attaches the derived classification.
func (t Transaction) Annotate() Annotated {
	band := t.Band()
	return Annotated{
		Transaction:    t,
		RiskBand:       band,
		BandCategory:   band.Category(),
		ActionCategory: t.Action().Category(),
	}
}

// AnnotateAll annotates every record in order.
func AnnotateAll(txs []Transaction) []Annotated {
	out := make([]Annotated, len(txs))
	for i, t := range txs {
		out[i] = t.Annotate()
	}
	return out
}

// Helper functions

func objectOf(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

func stringOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

func floatOf(v any) float64 {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0
		}
		return f
	case float64:
		return x
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func boolOf(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	default:
		return false
	}
}

func stringsOf(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := stringOf(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func amountOf(v any) decimal.Decimal {
	var d decimal.Decimal
	var err error
	switch x := v.(type) {
	case json.Number:
		d, err = decimal.NewFromString(x.String())
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(x))
	case float64:
		d = decimal.NewFromFloat(x)
	default:
		return decimal.Zero
	}
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func instantOf(v any) Instant {
	switch x := v.(type) {
	case string:
		return ParseInstant(x)
	case json.Number:
		ms, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return Instant{}
			}
			ms = int64(f)
		}
		return Instant{Time: time.UnixMilli(ms).UTC()}
	case float64:
		return Instant{Time: time.UnixMilli(int64(x)).UTC()}
	default:
		return Instant{}
	}
}
