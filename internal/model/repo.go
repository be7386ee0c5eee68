package model

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/serenissima/engine/internal/store"
)

func init() {
	// Ducats are stored as JSON numbers so numeric filters apply to them.
	decimal.MarshalJSONWithoutQuotes = true
}

// KeyFields maps each table to its business-key field.
var KeyFields = map[string]string{
	store.Citizens:      "Username",
	store.Buildings:     "BuildingId",
	store.Resources:     "ResourceId",
	store.Contracts:     "ContractId",
	store.Activities:    "ActivityId",
	store.Stratagems:    "StratagemId",
	store.Lands:         "LandId",
	store.Loans:         "LoanId",
	store.Problems:      "ProblemId",
	store.Messages:      "MessageId",
	store.Transactions:  "TransactionId",
	store.Notifications: "NotificationId",
}

type entity[T any] interface {
	*T
	setRecordID(string)
}

func (c *Citizen) setRecordID(id string)      { c.RecordID = id }
func (b *Building) setRecordID(id string)     { b.RecordID = id }
func (r *Resource) setRecordID(id string)     { r.RecordID = id }
func (c *Contract) setRecordID(id string)     { c.RecordID = id }
func (a *Activity) setRecordID(id string)     { a.RecordID = id }
func (s *Stratagem) setRecordID(id string)    { s.RecordID = id }
func (r *Relationship) setRecordID(id string) { r.RecordID = id }
func (t *Transaction) setRecordID(id string)  { t.RecordID = id }
func (n *Notification) setRecordID(id string) { n.RecordID = id }
func (p *Problem) setRecordID(id string)      { p.RecordID = id }
func (l *Land) setRecordID(id string)         { l.RecordID = id }
func (l *Loan) setRecordID(id string)         { l.RecordID = id }
func (m *Message) setRecordID(id string)      { m.RecordID = id }

// Decode converts a record into its typed view.
func Decode[T any, PT entity[T]](rec *store.Record) (*T, error) {
	body, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	v := new(T)
	if err := json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", rec.ID, err)
	}
	PT(v).setRecordID(rec.ID)
	return v, nil
}

// Get loads one record by internal id or business key.
func Get[T any, PT entity[T]](ctx context.Context, s store.Store, table, idOrKey string) (*T, error) {
	rec, err := store.Resolve(ctx, s, table, KeyFields[table], idOrKey)
	if err != nil {
		return nil, err
	}
	return Decode[T, PT](rec)
}

// List loads every record matching q.
func List[T any, PT entity[T]](ctx context.Context, s store.Store, table string, q store.Query) ([]*T, error) {
	recs, err := s.All(ctx, table, q)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(recs))
	for _, rec := range recs {
		v, err := Decode[T, PT](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ToFields flattens a typed value into a record payload. Zero times are
// dropped.
func ToFields(v any) (store.Fields, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := store.Fields{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	for k, val := range fields {
		if s, ok := val.(string); ok && s == (time.Time{}).Format(time.RFC3339Nano) {
			delete(fields, k)
		}
	}
	return fields, nil
}

// NewID returns a business key with the given prefix.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// GetCitizen loads a citizen by username.
func GetCitizen(ctx context.Context, s store.Store, username string) (*Citizen, error) {
	return Get[Citizen](ctx, s, store.Citizens, username)
}

// GetBuilding loads a building by BuildingId or record id.
func GetBuilding(ctx context.Context, s store.Store, id string) (*Building, error) {
	return Get[Building](ctx, s, store.Buildings, id)
}

// GetContract loads a contract by ContractId or record id.
func GetContract(ctx context.Context, s store.Store, id string) (*Contract, error) {
	return Get[Contract](ctx, s, store.Contracts, id)
}

// GetLand loads a land parcel by LandId or record id.
func GetLand(ctx context.Context, s store.Store, id string) (*Land, error) {
	return Get[Land](ctx, s, store.Lands, id)
}

// ActiveActivities lists a citizen's activities that are still created
// or in progress.
func ActiveActivities(ctx context.Context, s store.Store, username string) ([]*Activity, error) {
	return List[Activity](ctx, s, store.Activities, store.Query{
		Filter: store.And(
			store.Eq("Citizen", username),
			store.In("Status", ActivityCreated, ActivityInProgress),
		),
		Sort: []store.Sort{{Field: "EndDate"}},
	})
}

// BuildingsRunBy lists the buildings a citizen operates.
func BuildingsRunBy(ctx context.Context, s store.Store, username string) ([]*Building, error) {
	return List[Building](ctx, s, store.Buildings, store.Query{Filter: store.Eq("RunBy", username)})
}

// Workplace returns the business a citizen is employed at, or nil.
func Workplace(ctx context.Context, s store.Store, username string) (*Building, error) {
	bs, err := List[Building](ctx, s, store.Buildings, store.Query{
		Filter: store.And(store.Eq("Occupant", username), store.Eq("Category", "business")),
		Max:    1,
	})
	if err != nil || len(bs) == 0 {
		return nil, err
	}
	return bs[0], nil
}

// Home returns the home a citizen occupies, or nil.
func Home(ctx context.Context, s store.Store, username string) (*Building, error) {
	bs, err := List[Building](ctx, s, store.Buildings, store.Query{
		Filter: store.And(store.Eq("Occupant", username), store.Eq("Category", "home")),
		Max:    1,
	})
	if err != nil || len(bs) == 0 {
		return nil, err
	}
	return bs[0], nil
}
