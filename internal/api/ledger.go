package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/serenissima/engine/internal/ledger"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
)

// Ledger is the state snapshot of one citizen used by prompts and the
// web façade.
type Ledger struct {
	Citizen             *model.Citizen        `json:"citizen"`
	Home                *model.Building       `json:"home,omitempty"`
	Workplace           *model.Building       `json:"workplace,omitempty"`
	OwnedBuildings      []*model.Building     `json:"ownedBuildings"`
	RunBuildings        []*model.Building     `json:"runBuildings"`
	Inventory           []*model.Resource     `json:"inventory"`
	ActiveActivities    []*model.Activity     `json:"activeActivities"`
	ActiveContracts     []*model.Contract     `json:"activeContracts"`
	ActiveStratagems    []*model.Stratagem    `json:"activeStratagems"`
	Loans               []*model.Loan         `json:"loans"`
	TopRelationships    []*model.Relationship `json:"topRelationships"`
	Problems            []*model.Problem      `json:"problems"`
	LatestNotifications []*model.Notification `json:"latestNotifications"`
}

const (
	ledgerRelationships = 10
	ledgerNotifications = 10
)

// BuildLedger assembles the snapshot for username. A missing citizen
// yields store.ErrNotFound.
func BuildLedger(ctx context.Context, s store.Store, username string) (*Ledger, error) {
	c, err := model.GetCitizen(ctx, s, username)
	if err != nil {
		return nil, err
	}
	l := &Ledger{Citizen: c}
	steps := []struct {
		what string
		run  func() error
	}{
		{"home", func() (err error) { l.Home, err = model.Home(ctx, s, username); return }},
		{"workplace", func() (err error) { l.Workplace, err = model.Workplace(ctx, s, username); return }},
		{"owned buildings", func() (err error) {
			l.OwnedBuildings, err = model.List[model.Building](ctx, s, store.Buildings, store.Query{Filter: store.Eq("Owner", username)})
			return
		}},
		{"run buildings", func() (err error) { l.RunBuildings, err = model.BuildingsRunBy(ctx, s, username); return }},
		{"inventory", func() (err error) { l.Inventory, err = ledger.Inventory(ctx, s, username); return }},
		{"activities", func() (err error) { l.ActiveActivities, err = model.ActiveActivities(ctx, s, username); return }},
		{"contracts", func() (err error) {
			l.ActiveContracts, err = model.List[model.Contract](ctx, s, store.Contracts, store.Query{
				Filter: store.And(
					store.Eq("Status", model.ContractActive),
					store.Or(store.Eq("Buyer", username), store.Eq("Seller", username)),
				),
				Sort: []store.Sort{{Field: "CreatedAt", Desc: true}},
			})
			return
		}},
		{"stratagems", func() (err error) {
			l.ActiveStratagems, err = model.List[model.Stratagem](ctx, s, store.Stratagems, store.Query{
				Filter: store.And(store.Eq("ExecutedBy", username), store.Eq("Status", model.StratagemActive)),
			})
			return
		}},
		{"loans", func() (err error) {
			l.Loans, err = model.List[model.Loan](ctx, s, store.Loans, store.Query{
				Filter: store.And(
					store.Eq("Status", model.LoanActive),
					store.Or(store.Eq("Borrower", username), store.Eq("Lender", username)),
				),
			})
			return
		}},
		{"relationships", func() (err error) { l.TopRelationships, err = topRelationships(ctx, s, username, ledgerRelationships); return }},
		{"problems", func() (err error) {
			l.Problems, err = model.List[model.Problem](ctx, s, store.Problems, store.Query{
				Filter: store.And(store.Eq("Citizen", username), store.Eq("Status", "active")),
			})
			return
		}},
		{"notifications", func() (err error) {
			l.LatestNotifications, err = model.List[model.Notification](ctx, s, store.Notifications, store.Query{
				Filter: store.Eq("Citizen", username),
				Sort:   []store.Sort{{Field: "CreatedAt", Desc: true}},
				Max:    ledgerNotifications,
			})
			return
		}},
	}
	for _, st := range steps {
		if err := st.run(); err != nil {
			return nil, fmt.Errorf("ledger %s: %s: %w", username, st.what, err)
		}
	}
	return l, nil
}

// topRelationships returns username's relationships, strongest first.
func topRelationships(ctx context.Context, s store.Store, username string, n int) ([]*model.Relationship, error) {
	rels, err := model.List[model.Relationship](ctx, s, store.Relationships, store.Query{
		Filter: store.Or(store.Eq("Citizen1", username), store.Eq("Citizen2", username)),
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rels, func(i, j int) bool {
		return rels[i].TrustScore+rels[i].StrengthScore > rels[j].TrustScore+rels[j].StrengthScore
	})
	if n > 0 && len(rels) > n {
		rels = rels[:n]
	}
	return rels, nil
}

// Ledgers serves snapshots straight from the store for in-process callers.
type Ledgers struct {
	Store store.Store
}

// Ledger returns the snapshot of username as JSON.
func (l Ledgers) Ledger(ctx context.Context, username string) (json.RawMessage, error) {
	snap, err := BuildLedger(ctx, l.Store, username)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}
