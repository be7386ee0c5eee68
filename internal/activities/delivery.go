package activities

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/shopspring/decimal"

	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/ledger"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
)

const (
	TypeDeliverResourceBatch   = "deliver_resource_batch"
	TypeDeliverResourceToBuyer = "deliver_resource_to_buyer"
)

// ImportCostShare is the part of an import's value the merchant owes
// abroad for the goods.
var ImportCostShare = decimal.NewFromFloat(0.5)

func registerDelivery(f *Fabric) {
	f.RegisterCreator(TypeDeliverResourceBatch, createDeliverBatch)
	f.RegisterCreator(TypeDeliverResourceToBuyer, createDeliverToBuyer)
	f.RegisterProcessor(TypeDeliverResourceBatch, processDeliverBatch)
	f.RegisterProcessor(TypeDeliverResourceToBuyer, processDeliverToBuyer)
}

// requestedResources reads either a resources list or a single
// resourceType/amount pair.
func requestedResources(p Params) []model.ResourceAmount {
	if raw, ok := p["resources"]; ok {
		var items []model.ResourceAmount
		switch v := raw.(type) {
		case string:
			items, _ = model.ParseResources(v)
		case []any:
			for _, e := range v {
				if m, ok := e.(map[string]any); ok {
					items = append(items, model.ResourceAmount{
						ResourceId: model.DetailString(m, "ResourceId"),
						Amount:     model.DetailFloat(m, "Amount"),
					})
				}
			}
		}
		if len(items) > 0 {
			return items
		}
	}
	if t := p.String("resourceType"); t != "" && p.Float("amount") > 0 {
		return []model.ResourceAmount{{ResourceId: t, Amount: p.Float("amount")}}
	}
	return nil
}

func createDeliverBatch(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	p := req.Params
	items := requestedResources(p)
	if len(items) == 0 {
		return nil, Fail(KindMissingData, TypeDeliverResourceBatch, "no resources to deliver")
	}
	dest, err := building(ctx, env.Store, p.First("toBuildingId", "targetBuildingId"), TypeDeliverResourceBatch)
	if err != nil {
		return nil, err
	}
	var ct *model.Contract
	if id := p.String("contractId"); id != "" {
		if ct, err = contract(ctx, env.Store, id, TypeDeliverResourceBatch); err != nil {
			return nil, err
		}
	}
	buyer := p.String("buyer")
	if buyer == "" {
		buyer = effectiveBuyer(req.Citizen, ct, dest)
	}

	c, err := newChain(ctx, env, req, DefaultPriority)
	if err != nil {
		return nil, err
	}
	galleyID := p.First("fromBuildingId", "galleyId")
	if galleyID != "" {
		galley, err := building(ctx, env.Store, galleyID, TypeDeliverResourceBatch)
		if err != nil {
			return nil, err
		}
		if _, err := c.travel(ctx, TypeGotoLocation, galley, true); err != nil {
			return nil, err
		}
	}
	a, err := c.travel(ctx, TypeDeliverResourceBatch, dest, false)
	if err != nil {
		return nil, err
	}
	a.FromBuilding = galleyID
	a.Resources = model.EncodeResources(items)
	if ct != nil {
		a.ContractId = ct.ContractId
	}
	a.Title = fmt.Sprintf("Delivering goods to %s", dest.Label())
	embed(a, Params{"buyer": buyer})
	return c.result(), nil
}

func processDeliverBatch(ctx context.Context, env *Env, act *model.Activity) error {
	stage := TypeDeliverResourceBatch
	c, err := citizen(ctx, env.Store, act.Citizen, stage)
	if err != nil {
		return err
	}
	dest, err := building(ctx, env.Store, act.ToBuilding, stage)
	if err != nil {
		return err
	}
	var ct *model.Contract
	if act.ContractId != "" {
		if ct, err = contract(ctx, env.Store, act.ContractId, stage); err != nil {
			return err
		}
	}
	buyer := details(act).String("buyer")
	if buyer == "" {
		buyer = effectiveBuyer(c, ct, dest)
	}
	items, err := model.ParseResources(act.Resources)
	if err != nil || len(items) == 0 {
		return Fail(KindMissingData, stage, "no resources listed")
	}
	if act.FromBuilding != "" {
		if err := loadFromGalley(ctx, env, c, act.FromBuilding, buyer, items); err != nil {
			return err
		}
	}

	cargo := map[string]float64{}
	var total float64
	for _, it := range items {
		st, err := ledger.Find(ctx, env.Store, ledger.Carried(c.Username, buyer, it.ResourceId))
		if err != nil {
			return err
		}
		if st == nil {
			continue
		}
		amount := math.Min(it.Amount, st.Count)
		cargo[it.ResourceId] += amount
		total += amount
	}
	if total < minTransfer {
		return Fail(KindInsufficientStock, stage, "%s carries nothing for %s", c.Username, buyer)
	}
	if err := moveTo(ctx, env, c, dest); err != nil {
		return err
	}

	def, _ := env.catalog(ctx).Building(dest.Type)
	load, err := ledger.BuildingLoad(ctx, env.Store, dest.BuildingId)
	if err != nil {
		return err
	}
	if load+total > def.StorageCapacity {
		return divert(ctx, env, c, dest, buyer, cargo)
	}

	if ct != nil && ct.PricePerResource > 0 {
		value := decimal.NewFromFloat(ct.PricePerResource).Mul(decimal.NewFromFloat(total))
		res, err := env.Economy.PayAll(ctx,
			economy.Payment{
				From: buyer, To: ct.Seller, Amount: value, Type: "import_payment",
				Reason:    fmt.Sprintf("delivery of %.2f %s", total, ct.ResourceType),
				AssetType: "contract", Asset: ct.ContractId,
			},
			economy.Payment{
				From: ct.Seller, To: model.ForeignAccount, Amount: value.Mul(ImportCostShare).Round(2),
				Type: "import_cost_of_goods", Reason: fmt.Sprintf("cost of imported %s", ct.ResourceType),
				AssetType: "contract", Asset: ct.ContractId,
			},
		)
		if err != nil {
			return err
		}
		if !res.OK {
			return Fail(KindInsufficientFunds, stage, "%s: %s", buyer, res.Failure)
		}
		env.Trust.Trust(ctx, buyer, ct.Seller, relationships.Medium, "import", true, "")
	}

	owner := dest.Operator()
	if def.CommercialStorage || owner == "" {
		owner = buyer
	}
	now := env.now()
	for typ, amount := range cargo {
		if err := ledger.Move(ctx, env.Store,
			ledger.Carried(c.Username, buyer, typ),
			ledger.AtBuilding(dest.BuildingId, owner, typ), amount, now); err != nil {
			return err
		}
	}
	env.Trust.Trust(ctx, c.Username, buyer, relationships.Simple, stage, true, "")
	return nil
}

// loadFromGalley tops up the carrier from goods the buyer holds in the
// galley, within the carrier's free capacity.
func loadFromGalley(ctx context.Context, env *Env, c *model.Citizen, galleyID, buyer string, items []model.ResourceAmount) error {
	free, err := ledger.FreeCarry(ctx, env.Store, c)
	if err != nil {
		return err
	}
	now := env.now()
	for _, it := range items {
		carried, err := ledger.Find(ctx, env.Store, ledger.Carried(c.Username, buyer, it.ResourceId))
		if err != nil {
			return err
		}
		have := 0.0
		if carried != nil {
			have = carried.Count
		}
		missing := it.Amount - have
		if missing < minTransfer || free < minTransfer {
			continue
		}
		src, err := ledger.Find(ctx, env.Store, ledger.AtBuilding(galleyID, buyer, it.ResourceId))
		if err != nil {
			return err
		}
		if src == nil {
			continue
		}
		take := math.Min(math.Min(missing, src.Count), free)
		if err := ledger.Move(ctx, env.Store,
			ledger.AtBuilding(galleyID, buyer, it.ResourceId),
			ledger.Carried(c.Username, buyer, it.ResourceId), take, now); err != nil {
			return err
		}
		free -= take
	}
	return nil
}

// divert sends what it can of the cargo to storage the buyer rents
// elsewhere, as a deliver_to_storage activity for the same carrier, and
// fails the original delivery.
func divert(ctx context.Context, env *Env, c *model.Citizen, full *model.Building, buyer string, cargo map[string]float64) error {
	stage := TypeDeliverResourceBatch
	now := env.now()
	var diverted []string
	for _, typ := range sortedKeys(cargo) {
		amount := cargo[typ]
		contracts, err := model.List[model.Contract](ctx, env.Store, store.Contracts, store.Query{
			Filter: store.And(
				store.Eq("Type", model.ContractStorageQuery),
				store.Eq("Status", model.ContractActive),
				store.Eq("Buyer", buyer),
				store.Eq("ResourceType", typ),
				store.After("EndAt", now),
			),
			Sort: []store.Sort{{Field: "CreatedAt"}},
		})
		if err != nil {
			return err
		}
		for _, ct := range contracts {
			if ct.SellerBuilding == "" || ct.SellerBuilding == full.BuildingId {
				continue
			}
			storage, err := model.GetBuilding(ctx, env.Store, ct.SellerBuilding)
			if err != nil {
				slog.Warn("storage building missing", "contract", ct.ContractId, "building", ct.SellerBuilding)
				continue
			}
			_, byType, err := ledger.StorageDetails(ctx, env.Store, storage.BuildingId, buyer)
			if err != nil {
				return err
			}
			load, err := ledger.BuildingLoad(ctx, env.Store, storage.BuildingId)
			if err != nil {
				return err
			}
			space := env.catalog(ctx).StorageCapacity(storage.Type) - load
			slice := math.Min(math.Min(amount, ct.TargetAmount-byType[typ]), space)
			if slice < minTransfer {
				continue
			}
			req := &Request{Citizen: c, Params: Params{"priority": float64(DefaultPriority + 5)}}
			ch, err := newChain(ctx, env, req, DefaultPriority)
			if err != nil {
				return err
			}
			a, err := ch.travel(ctx, TypeDeliverToStorage, storage, false)
			if err != nil {
				slog.Warn("diversion path unavailable", "carrier", c.Username, "storage", storage.BuildingId, "error", err)
				continue
			}
			a.FromBuilding = full.BuildingId
			a.ContractId = ct.ContractId
			a.Resources = model.EncodeResources([]model.ResourceAmount{{ResourceId: typ, Amount: slice}})
			a.Title = fmt.Sprintf("Diverting %s to %s", typ, storage.Label())
			embed(a, Params{"owner": buyer, "divertedFrom": full.BuildingId})
			if err := persistChain(ctx, env, ch.result()); err != nil {
				return err
			}
			diverted = append(diverted, fmt.Sprintf("%.2f %s to %s", slice, typ, storage.BuildingId))
			break
		}
	}
	if len(diverted) == 0 {
		return Fail(KindInsufficientCapacity, stage, "destination_full")
	}
	slog.Info("delivery diverted", "carrier", c.Username, "destination", full.BuildingId, "diverted", diverted)
	return Fail(KindInsufficientCapacity, stage, "destination_full; diverted")
}

func createDeliverToBuyer(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	p := req.Params
	items := requestedResources(p)
	if len(items) == 0 {
		return nil, Fail(KindMissingData, TypeDeliverResourceToBuyer, "no resources to deliver")
	}
	buyer := p.String("buyer")
	if buyer == "" {
		return nil, Fail(KindMissingData, TypeDeliverResourceToBuyer, "no buyer")
	}
	dest, err := building(ctx, env.Store, p.First("toBuildingId", "targetBuildingId"), TypeDeliverResourceToBuyer)
	if err != nil {
		return nil, err
	}
	c, err := newChain(ctx, env, req, DefaultPriority)
	if err != nil {
		return nil, err
	}
	a, err := c.travel(ctx, TypeDeliverResourceToBuyer, dest, false)
	if err != nil {
		return nil, err
	}
	a.Resources = model.EncodeResources(items)
	a.ContractId = p.String("contractId")
	a.Title = fmt.Sprintf("Delivering to %s", buyer)
	embed(a, Params{"buyer": buyer})
	return c.result(), nil
}

// processDeliverToBuyer hands goods owned by the ultimate buyer from the
// porter into the destination, keeping the buyer as owner.
func processDeliverToBuyer(ctx context.Context, env *Env, act *model.Activity) error {
	stage := TypeDeliverResourceToBuyer
	c, err := citizen(ctx, env.Store, act.Citizen, stage)
	if err != nil {
		return err
	}
	dest, err := building(ctx, env.Store, act.ToBuilding, stage)
	if err != nil {
		return err
	}
	buyer := details(act).String("buyer")
	if buyer == "" && act.ContractId != "" {
		ct, err := contract(ctx, env.Store, act.ContractId, stage)
		if err != nil {
			return err
		}
		buyer = ct.Buyer
	}
	if buyer == "" {
		return Fail(KindMissingData, stage, "no buyer")
	}
	items, err := model.ParseResources(act.Resources)
	if err != nil || len(items) == 0 {
		return Fail(KindMissingData, stage, "no resources listed")
	}
	moved, err := handOver(ctx, env, c, dest, buyer, items)
	if err != nil {
		return err
	}
	if err := moveTo(ctx, env, c, dest); err != nil {
		return err
	}
	env.Trust.Trust(ctx, buyer, c.Username, relationships.Simple, stage, true, "")
	slog.Debug("delivered to buyer", "porter", c.Username, "buyer", buyer, "amount", moved)
	return nil
}

// handOver moves the listed goods owned by buyer from the carrier into
// dest, failing without moving anything when dest lacks room.
func handOver(ctx context.Context, env *Env, c *model.Citizen, dest *model.Building, buyer string, items []model.ResourceAmount) (float64, error) {
	stage := "handover"
	cargo := map[string]float64{}
	var total float64
	for _, it := range items {
		st, err := ledger.Find(ctx, env.Store, ledger.Carried(c.Username, buyer, it.ResourceId))
		if err != nil {
			return 0, err
		}
		if st == nil {
			continue
		}
		amount := math.Min(it.Amount, st.Count)
		cargo[it.ResourceId] += amount
		total += amount
	}
	if total < minTransfer {
		return 0, Fail(KindInsufficientStock, stage, "%s carries nothing owned by %s", c.Username, buyer)
	}
	load, err := ledger.BuildingLoad(ctx, env.Store, dest.BuildingId)
	if err != nil {
		return 0, err
	}
	if capacity := env.catalog(ctx).StorageCapacity(dest.Type); load+total > capacity {
		return 0, Fail(KindInsufficientCapacity, stage, "%s is full (%.1f + %.1f > %.1f)", dest.Label(), load, total, capacity)
	}
	now := env.now()
	for _, typ := range sortedKeys(cargo) {
		if err := ledger.Move(ctx, env.Store,
			ledger.Carried(c.Username, buyer, typ),
			ledger.AtBuilding(dest.BuildingId, buyer, typ), cargo[typ], now); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func sortedKeys(m map[string]float64) []string { return keys(m) }
