package settlement

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/serenissima/engine/internal/ledger"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
)

// WaterSources are the passive buildings that hand out free water.
var WaterSources = []string{"public_well", "cistern"}

const (
	waterResource = "water"
	waterOfferFor = 365 * 24 * time.Hour
)

// Passive keeps every water source stocked to its capacity with one free
// public_sell offer for it.
type Passive struct{ *Deps }

func (Passive) Name() string { return "process_passive_buildings" }

func (j Passive) Run(ctx context.Context, o Options) (*Summary, error) {
	now := o.now()
	sum := newSummary(j.Name(), o)
	f := store.In("Type", WaterSources...)
	if o.BuildingID != "" {
		f = store.And(f, store.Eq("BuildingId", o.BuildingID))
	}
	sources, err := model.List[model.Building](ctx, j.Store, store.Buildings, store.Query{Filter: f})
	if err != nil {
		return nil, fmt.Errorf("list water sources: %w", err)
	}
	for _, b := range sources {
		each(sum, b.BuildingId, func() error { return j.replenish(ctx, o, sum, b, now) })
	}
	return finish(ctx, j.Deps, sum, now), nil
}

func (j Passive) replenish(ctx context.Context, o Options, sum *Summary, b *model.Building, now time.Time) error {
	owner := b.Operator()
	if owner == "" {
		owner = model.StateAccount
	}
	target := j.catalog(ctx).StorageCapacity(b.Type)
	if err := j.ensureOffer(ctx, o, b, owner, target, now); err != nil {
		return err
	}
	stack, err := ledger.Find(ctx, j.Store, ledger.AtBuilding(b.BuildingId, owner, waterResource))
	if err != nil {
		return err
	}
	have := 0.0
	if stack != nil {
		have = stack.Count
	}
	delta := target - have
	if math.Abs(delta) >= 0.01 && !o.DryRun {
		if _, err := ledger.Adjust(ctx, j.Store, ledger.AtBuilding(b.BuildingId, owner, waterResource), delta, now, "replenished"); err != nil {
			return fmt.Errorf("restock %s: %w", b.BuildingId, err)
		}
	}
	sum.success("", owner, decimal.NewFromFloat(math.Max(delta, 0)))
	return nil
}

// ensureOffer leaves exactly one active free water offer for b.
func (j Passive) ensureOffer(ctx context.Context, o Options, b *model.Building, owner string, target float64, now time.Time) error {
	offers, err := model.List[model.Contract](ctx, j.Store, store.Contracts, store.Query{
		Filter: store.And(
			store.Eq("Type", model.ContractPublicSell),
			store.Eq("Status", model.ContractActive),
			store.Eq("SellerBuilding", b.BuildingId),
			store.Eq("ResourceType", waterResource),
		),
		Sort: []store.Sort{{Field: "CreatedAt"}},
	})
	if err != nil {
		return err
	}
	if o.DryRun {
		return nil
	}
	if len(offers) == 0 {
		ct := &model.Contract{
			ContractId:     model.NewID("water"),
			Type:           model.ContractPublicSell,
			Title:          "Free water at " + b.Label(),
			Seller:         owner,
			SellerBuilding: b.BuildingId,
			Buyer:          "public",
			ResourceType:   waterResource,
			TargetAmount:   target,
			Status:         model.ContractActive,
			CreatedAt:      now,
			EndAt:          now.Add(waterOfferFor),
		}
		fields, err := model.ToFields(ct)
		if err != nil {
			return err
		}
		if _, err := j.Store.Create(ctx, store.Contracts, fields); err != nil {
			return fmt.Errorf("create water offer: %w", err)
		}
		return nil
	}
	keep := offers[0]
	fix := store.Fields{}
	if keep.Seller != owner {
		fix["Seller"] = owner
	}
	if keep.PricePerResource != 0 {
		fix["PricePerResource"] = 0
	}
	if keep.TargetAmount != target {
		fix["TargetAmount"] = target
	}
	if keep.EndAt.Before(now.Add(waterOfferFor / 2)) {
		fix["EndAt"] = now.Add(waterOfferFor)
	}
	if len(fix) > 0 {
		if _, err := j.Store.Update(ctx, store.Contracts, keep.RecordID, fix); err != nil {
			return fmt.Errorf("update water offer: %w", err)
		}
	}
	for _, extra := range offers[1:] {
		if _, err := j.Store.Update(ctx, store.Contracts, extra.RecordID, store.Fields{"Status": model.ContractCancelled}); err != nil {
			return fmt.Errorf("cancel duplicate water offer: %w", err)
		}
	}
	return nil
}
