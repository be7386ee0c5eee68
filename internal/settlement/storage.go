package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
)

// StorageFees charges renters of storage_query contracts for the space
// they reserve, at most once per StorageWindow.
type StorageFees struct{ *Deps }

func (StorageFees) Name() string { return "pay_storage_contracts" }

func (j StorageFees) Run(ctx context.Context, o Options) (*Summary, error) {
	now := o.now()
	sum := newSummary(j.Name(), o)
	contracts, err := model.List[model.Contract](ctx, j.Store, store.Contracts, store.Query{
		Filter: store.And(
			store.Eq("Type", model.ContractStorageQuery),
			store.Eq("Status", model.ContractActive),
			store.After("EndAt", now),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list storage contracts: %w", err)
	}
	for _, ct := range contracts {
		if o.BuildingID != "" && ct.SellerBuilding != o.BuildingID {
			continue
		}
		each(sum, ct.ContractId, func() error { return j.charge(ctx, o, sum, ct, now) })
	}
	return finish(ctx, j.Deps, sum, now), nil
}

func (j StorageFees) charge(ctx context.Context, o Options, sum *Summary, ct *model.Contract, now time.Time) error {
	if settledWithin(ct.LastExecutedAt, now, StorageWindow) {
		sum.skip()
		return nil
	}
	daily := dec(ct.TargetAmount).Mul(dec(ct.PricePerResource))
	if !daily.IsPositive() || ct.Buyer == ct.Seller || o.DryRun {
		sum.success(ct.Buyer, ct.Seller, daily)
		return mark(ctx, j.Store, o, store.Contracts, ct.RecordID, "LastExecutedAt", now)
	}
	res, err := j.Economy.Pay(ctx, economy.Payment{
		From:      ct.Buyer,
		To:        ct.Seller,
		Amount:    daily,
		Reason:    fmt.Sprintf("storage fee for %.0f %s at %s", ct.TargetAmount, ct.ResourceType, ct.SellerBuilding),
		Type:      "storage_fee",
		AssetType: "contract",
		Asset:     ct.ContractId,
	})
	if err != nil {
		return err
	}
	if !res.OK {
		// LastExecutedAt stays put so the next run retries.
		economy.Notify(ctx, j.Store, now, ct.Seller, "storage_fee_unpaid",
			fmt.Sprintf("⚠️ %s could not pay %s Ducats for storage at %s.", ct.Buyer, daily.StringFixed(2), ct.SellerBuilding),
			map[string]any{"contract": ct.ContractId, "amount": daily})
		sum.fail(ct.ContractId, "%s: %s", res.Failure, ct.Buyer)
		return nil
	}
	economy.Notify(ctx, j.Store, now, ct.Seller, "storage_fee_received",
		fmt.Sprintf("📦 Storage fee received: %s Ducats from %s.", daily.StringFixed(2), ct.Buyer),
		map[string]any{"contract": ct.ContractId, "amount": daily})
	j.Trust.Trust(ctx, ct.Buyer, ct.Seller, relationships.Progress, "storage_fee", true, "")
	sum.success(ct.Buyer, ct.Seller, daily)
	return mark(ctx, j.Store, o, store.Contracts, ct.RecordID, "LastExecutedAt", now)
}
