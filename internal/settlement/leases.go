package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
)

// Leases collects ground leases from building owners for each land
// parcel, splitting every lease between landowner and state by how
// developed the parcel is.
type Leases struct{ *Deps }

func (Leases) Name() string { return "distribute_leases" }

func (j Leases) Run(ctx context.Context, o Options) (*Summary, error) {
	now := o.now()
	sum := newSummary(j.Name(), o)
	lands, err := model.List[model.Land](ctx, j.Store, store.Lands, store.Query{Filter: store.NotBlank("Owner")})
	if err != nil {
		return nil, fmt.Errorf("list lands: %w", err)
	}
	for _, l := range lands {
		each(sum, l.LandId, func() error { return j.land(ctx, o, sum, l, now) })
	}
	return finish(ctx, j.Deps, sum, now), nil
}

func (j Leases) land(ctx context.Context, o Options, sum *Summary, l *model.Land, now time.Time) error {
	f := store.Eq("LandId", l.LandId)
	if o.BuildingID != "" {
		f = store.And(f, store.Eq("BuildingId", o.BuildingID))
	}
	buildings, err := model.List[model.Building](ctx, j.Store, store.Buildings, store.Query{Filter: f})
	if err != nil {
		return err
	}
	count := len(buildings)
	if l.BuildingsCount != nil {
		count = *l.BuildingsCount
	}
	income := decimal.Zero
	collected := false
	for _, b := range buildings {
		each(sum, b.BuildingId, func() error {
			net, ok, err := j.lease(ctx, o, sum, l, b, count, now)
			if ok {
				income = income.Add(net)
				collected = true
			}
			return err
		})
	}
	if !collected || o.DryRun {
		return nil
	}
	if _, err := j.Store.Update(ctx, store.Lands, l.RecordID, store.Fields{"LastIncome": income}); err != nil {
		return fmt.Errorf("record income of %s: %w", l.LandId, err)
	}
	return nil
}

// lease settles one building and reports the landowner's net share.
func (j Leases) lease(ctx context.Context, o Options, sum *Summary, l *model.Land, b *model.Building, count int, now time.Time) (decimal.Decimal, bool, error) {
	if b.LeasePrice <= 0 || b.Owner == "" || b.Owner == l.Owner || settledWithin(b.LastLeasePaidAt, now, DailyWindow) {
		sum.skip()
		return decimal.Zero, false, nil
	}
	lease := dec(b.LeasePrice)
	split := economy.LeaseTax(lease, count, l.BuildingPointsCount)
	if o.DryRun {
		j.record(sum, b.Owner, l.Owner, lease, split.Net)
		return split.Net, true, nil
	}
	details := map[string]any{"land": l.LandId, "building": b.BuildingId, "taxRate": split.Rate}
	res, err := j.Economy.PayAll(ctx,
		economy.Payment{
			From: b.Owner, To: l.Owner, Amount: split.Net,
			Reason: "lease for " + b.Label(), Type: "lease_payment",
			AssetType: "land", Asset: l.LandId, Details: details,
		},
		economy.Payment{
			From: b.Owner, To: model.StateAccount, Amount: split.Tax,
			Reason: "lease tax on " + l.Label(), Type: "lease_tax",
			AssetType: "land", Asset: l.LandId, Details: details,
		},
	)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !res.OK {
		economy.Notify(ctx, j.Store, now, l.Owner, "lease_unpaid",
			fmt.Sprintf("⚠️ %s could not pay the %s Ducats lease for %s on %s.", b.Owner, lease.StringFixed(2), b.Label(), l.Label()),
			map[string]any{"land": l.LandId, "building": b.BuildingId, "amount": lease})
		sum.fail(b.BuildingId, "%s: %s", res.Failure, b.Owner)
		return decimal.Zero, false, nil
	}
	economy.Notify(ctx, j.Store, now, l.Owner, "lease_received",
		fmt.Sprintf("✅ Lease received: %s Ducats from %s for %s (tax %s).",
			split.Net.StringFixed(2), b.Owner, b.Label(), split.Tax.StringFixed(2)),
		details)
	economy.Notify(ctx, j.Store, now, b.Owner, "lease_paid",
		fmt.Sprintf("🏛️ Lease paid: %s Ducats for %s on %s, of which %s tax.",
			lease.StringFixed(2), b.Label(), l.Label(), split.Tax.StringFixed(2)),
		details)
	j.Trust.Trust(ctx, b.Owner, l.Owner, relationships.Simple, "lease_payment", true, "")
	j.record(sum, b.Owner, l.Owner, lease, split.Net)
	return split.Net, true, mark(ctx, j.Store, o, store.Buildings, b.RecordID, "LastLeasePaidAt", now)
}

// record counts the whole lease against the payer and only the net
// share toward the landowner.
func (Leases) record(sum *Summary, payer, landowner string, lease, net decimal.Decimal) {
	sum.success(payer, "", lease)
	sum.Received[landowner] = sum.Received[landowner].Add(net)
}
