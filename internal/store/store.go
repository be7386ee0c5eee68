// Package store is the record gateway: named tables of schemaless records
// with formula-style filtering, in the shape of the hosted spreadsheet
// database the simulation was first built on.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Table names.
const (
	Citizens      = "CITIZENS"
	Buildings     = "BUILDINGS"
	Resources     = "RESOURCES"
	Contracts     = "CONTRACTS"
	Activities    = "ACTIVITIES"
	Stratagems    = "STRATAGEMS"
	Relationships = "RELATIONSHIPS"
	Transactions  = "TRANSACTIONS"
	Notifications = "NOTIFICATIONS"
	Problems      = "PROBLEMS"
	Lands         = "LANDS"
	Loans         = "LOANS"
	Messages      = "MESSAGES"
)

// AllTables lists every table the engine touches.
var AllTables = []string{
	Citizens, Buildings, Resources, Contracts, Activities, Stratagems,
	Relationships, Transactions, Notifications, Problems, Lands, Loans, Messages,
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Fields is the payload of a record.
type Fields map[string]any

// Record is one row: an internal id plus its fields.
type Record struct {
	ID          string    `json:"id"`
	CreatedTime time.Time `json:"createdTime"`
	Fields      Fields    `json:"fields"`
}

// Sort orders query results by one field.
type Sort struct {
	Field string
	Desc  bool
}

// Query selects records from a table. A nil Filter matches everything;
// Max <= 0 means no limit.
type Query struct {
	Filter Filter
	Sort   []Sort
	Max    int
}

// Store is the abstract record store every component talks to.
type Store interface {
	Get(ctx context.Context, table, id string) (*Record, error)
	All(ctx context.Context, table string, q Query) ([]*Record, error)
	Create(ctx context.Context, table string, fields Fields) (*Record, error)
	Update(ctx context.Context, table, id string, fields Fields) (*Record, error)
	Delete(ctx context.Context, table, id string) error
}

// NewRecordID returns an internal id of the form rec + 14 characters.
func NewRecordID() string {
	return "rec" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
}

// IsRecordID reports whether s has the shape of an internal record id.
func IsRecordID(s string) bool {
	if len(s) != 17 || !strings.HasPrefix(s, "rec") {
		return false
	}
	for _, c := range s[3:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// Resolve fetches a record given either its internal id or its business
// key (the value of keyField). Inputs shaped like internal ids are tried
// by id first and fall back to the business key.
func Resolve(ctx context.Context, s Store, table, keyField, idOrKey string) (*Record, error) {
	if idOrKey == "" {
		return nil, fmt.Errorf("resolve %s: empty key: %w", table, ErrNotFound)
	}
	if IsRecordID(idOrKey) {
		rec, err := s.Get(ctx, table, idOrKey)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return FindOne(ctx, s, table, Eq(keyField, idOrKey))
}

// FindOne returns the first record matching f, or ErrNotFound.
func FindOne(ctx context.Context, s Store, table string, f Filter) (*Record, error) {
	recs, err := s.All(ctx, table, Query{Filter: f, Max: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s where %s: %w", table, f.Formula(), ErrNotFound)
	}
	return recs[0], nil
}

// String returns a field as text. Missing fields are "".
func (f Fields) String(key string) string {
	switch v := f[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// Float returns a numeric field; non-numeric values read as 0.
func (f Fields) Float(key string) float64 {
	n, _ := toFloat(f[key])
	return n
}

// Decimal returns a numeric field as a decimal.
func (f Fields) Decimal(key string) decimal.Decimal {
	switch v := f[key].(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err == nil {
			return d
		}
	case string:
		d, err := decimal.NewFromString(v)
		if err == nil {
			return d
		}
	case decimal.Decimal:
		return v
	}
	return decimal.NewFromFloat(f.Float(key))
}

// Bool returns a boolean field.
func (f Fields) Bool(key string) bool {
	switch v := f[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	n, ok := toFloat(f[key])
	return ok && n != 0
}

// Time returns a date field and whether it was present and parseable.
func (f Fields) Time(key string) (time.Time, bool) {
	return toTime(f[key])
}

// Has reports whether the field is present and non-blank.
func (f Fields) Has(key string) bool {
	return !isBlank(f[key])
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		x, err := n.Float64()
		return x, err == nil
	case decimal.Decimal:
		return n.InexactFloat64(), true
	case string:
		x, err := strconv.ParseFloat(n, 64)
		return x, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		if t == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case *time.Time:
		return x == nil
	}
	return false
}

// NormalizeValue converts a Go value into its stored JSON form: times
// become UTC RFC 3339 strings and decimals become JSON numbers.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return nil
		}
		return x.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil || x.IsZero() {
			return nil
		}
		return x.UTC().Format(time.RFC3339Nano)
	case decimal.Decimal:
		return json.Number(x.String())
	case *decimal.Decimal:
		if x == nil {
			return nil
		}
		return json.Number(x.String())
	}
	return v
}

// Clone returns a shallow copy of the fields with values normalized.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = NormalizeValue(v)
	}
	return out
}
