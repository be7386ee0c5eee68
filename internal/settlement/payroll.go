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

// Wages pays every employed occupant of a business from its operator.
type Wages struct{ *Deps }

func (Wages) Name() string { return "daily_wages" }

func (j Wages) Run(ctx context.Context, o Options) (*Summary, error) {
	now := o.now()
	sum := newSummary(j.Name(), o)
	f := store.And(store.Eq("Category", "business"), store.NotBlank("Occupant"))
	if o.BuildingID != "" {
		f = store.And(f, store.Eq("BuildingId", o.BuildingID))
	}
	buildings, err := model.List[model.Building](ctx, j.Store, store.Buildings, store.Query{Filter: f})
	if err != nil {
		return nil, fmt.Errorf("list businesses: %w", err)
	}
	for _, b := range buildings {
		each(sum, b.BuildingId, func() error { return j.pay(ctx, o, sum, b, now) })
	}
	return finish(ctx, j.Deps, sum, now), nil
}

func (j Wages) pay(ctx context.Context, o Options, sum *Summary, b *model.Building, now time.Time) error {
	employer := b.Operator()
	if b.Wages <= 0 || employer == "" || settledWithin(b.LastWagePaidAt, now, DailyWindow) {
		sum.skip()
		return nil
	}
	amount := dec(b.Wages)
	if employer == b.Occupant || o.DryRun {
		sum.success(employer, b.Occupant, amount)
		return mark(ctx, j.Store, o, store.Buildings, b.RecordID, "LastWagePaidAt", now)
	}
	res, err := j.Economy.Pay(ctx, economy.Payment{
		From:      employer,
		To:        b.Occupant,
		Amount:    amount,
		Reason:    "daily wages at " + b.Label(),
		Type:      "wage_payment",
		AssetType: "building",
		Asset:     b.BuildingId,
	})
	if err != nil {
		return err
	}
	if !res.OK {
		economy.Notify(ctx, j.Store, now, b.Occupant, "wage_unpaid",
			fmt.Sprintf("⚠️ %s could not pay your wages of %s Ducats at %s.", employer, amount.StringFixed(2), b.Label()),
			map[string]any{"building": b.BuildingId, "employer": employer, "amount": amount})
		sum.fail(b.BuildingId, "%s: %s", res.Failure, employer)
		return nil
	}
	economy.Notify(ctx, j.Store, now, b.Occupant, "wage_payment",
		fmt.Sprintf("💰 Wages received: %s Ducats from %s.", amount.StringFixed(2), employer),
		map[string]any{"building": b.BuildingId, "employer": employer, "amount": amount})
	j.Trust.Trust(ctx, employer, b.Occupant, relationships.Medium, "wage_payment", true, "")
	sum.success(employer, b.Occupant, amount)
	return mark(ctx, j.Store, o, store.Buildings, b.RecordID, "LastWagePaidAt", now)
}

// Rent collects rent from the occupant of every let home.
type Rent struct{ *Deps }

func (Rent) Name() string { return "daily_rent" }

func (j Rent) Run(ctx context.Context, o Options) (*Summary, error) {
	now := o.now()
	sum := newSummary(j.Name(), o)
	f := store.And(store.Eq("Category", "home"), store.NotBlank("Occupant"), store.Gt("RentPrice", 0))
	if o.BuildingID != "" {
		f = store.And(f, store.Eq("BuildingId", o.BuildingID))
	}
	homes, err := model.List[model.Building](ctx, j.Store, store.Buildings, store.Query{Filter: f})
	if err != nil {
		return nil, fmt.Errorf("list homes: %w", err)
	}
	for _, h := range homes {
		each(sum, h.BuildingId, func() error { return j.collect(ctx, o, sum, h, now) })
	}
	return finish(ctx, j.Deps, sum, now), nil
}

func (j Rent) collect(ctx context.Context, o Options, sum *Summary, h *model.Building, now time.Time) error {
	landlord := h.Owner
	if landlord == "" || settledWithin(h.LastRentPaidAt, now, DailyWindow) {
		sum.skip()
		return nil
	}
	amount := dec(h.RentPrice)
	if landlord == h.Occupant || o.DryRun {
		sum.success(h.Occupant, landlord, amount)
		return mark(ctx, j.Store, o, store.Buildings, h.RecordID, "LastRentPaidAt", now)
	}
	res, err := j.Economy.Pay(ctx, economy.Payment{
		From:      h.Occupant,
		To:        landlord,
		Amount:    amount,
		Reason:    "daily rent for " + h.Label(),
		Type:      "rent_payment",
		AssetType: "building",
		Asset:     h.BuildingId,
	})
	if err != nil {
		return err
	}
	if !res.OK {
		economy.Notify(ctx, j.Store, now, landlord, "rent_unpaid",
			fmt.Sprintf("⚠️ %s could not pay %s Ducats rent for %s.", h.Occupant, amount.StringFixed(2), h.Label()),
			map[string]any{"building": h.BuildingId, "tenant": h.Occupant, "amount": amount})
		sum.fail(h.BuildingId, "%s: %s", res.Failure, h.Occupant)
		return nil
	}
	economy.Notify(ctx, j.Store, now, landlord, "rent_received",
		fmt.Sprintf("✅ Rent paid: %s Ducats from %s for %s.", amount.StringFixed(2), h.Occupant, h.Label()),
		map[string]any{"building": h.BuildingId, "tenant": h.Occupant, "amount": amount})
	j.Trust.Trust(ctx, h.Occupant, landlord, relationships.Simple, "rent_payment", true, "")
	sum.success(h.Occupant, landlord, amount)
	return mark(ctx, j.Store, o, store.Buildings, h.RecordID, "LastRentPaidAt", now)
}
