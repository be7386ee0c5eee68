package activities

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/ledger"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
)

const (
	TypeFetchResource    = "fetch_resource"
	TypeDeliverToStorage = "deliver_to_storage"

	minTransfer = 0.01
	handoffTime = 10 * time.Minute
)

func registerFetch(f *Fabric) {
	f.RegisterCreator(TypeFetchResource, createFetchResource)
	f.RegisterProcessor(TypeFetchResource, processFetchResource)
	f.RegisterProcessor(TypeDeliverToStorage, processDeliverToStorage)
}

// effectiveBuyer is who ends up owning fetched goods when the request
// names nobody: the contract buyer when it names one, else the operator
// of the destination, else the carrier.
func effectiveBuyer(c *model.Citizen, ct *model.Contract, dest *model.Building) string {
	if ct != nil && ct.Buyer != "" && ct.Buyer != "public" {
		return ct.Buyer
	}
	if dest != nil && dest.Operator() != "" {
		return dest.Operator()
	}
	return c.Username
}

func createFetchResource(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	p := req.Params
	var ct *model.Contract
	if id := p.String("contractId"); id != "" {
		var err error
		if ct, err = contract(ctx, env.Store, id, TypeFetchResource); err != nil {
			return nil, err
		}
	}
	resourceType := p.String("resourceType")
	fromID := p.First("fromBuildingId", "sourceBuildingId")
	toID := p.First("toBuildingId", "targetBuildingId")
	if ct != nil {
		if resourceType == "" {
			resourceType = ct.ResourceType
		}
		if fromID == "" {
			fromID = ct.SellerBuilding
		}
		if toID == "" {
			toID = ct.BuyerBuilding
		}
	}
	if resourceType == "" {
		return nil, Fail(KindMissingData, TypeFetchResource, "no resource type")
	}
	src, err := building(ctx, env.Store, fromID, TypeFetchResource)
	if err != nil {
		return nil, err
	}
	var dest *model.Building
	if toID != "" {
		if dest, err = building(ctx, env.Store, toID, TypeFetchResource); err != nil {
			return nil, err
		}
	}
	amount := p.Float("amount")
	if amount <= 0 {
		amount = ledger.EffectiveCapacity(req.Citizen)
	}
	buyer := p.String("buyer")
	if buyer == "" {
		buyer = effectiveBuyer(req.Citizen, ct, dest)
	}

	c, err := newChain(ctx, env, req, DefaultPriority)
	if err != nil {
		return nil, err
	}
	fetch, err := c.travel(ctx, TypeFetchResource, src, true)
	if err != nil {
		return nil, err
	}
	if fetch == nil {
		fetch = c.add(TypeFetchResource, handoffTime)
	}
	fetch.FromBuilding = src.BuildingId
	fetch.ToBuilding = ""
	if dest != nil {
		fetch.ToBuilding = dest.BuildingId
	}
	if ct != nil {
		fetch.ContractId = ct.ContractId
	}
	fetch.Resources = model.EncodeResources([]model.ResourceAmount{{ResourceId: resourceType, Amount: amount}})
	fetch.Title = fmt.Sprintf("Fetching %s from %s", resourceType, src.Label())
	embed(fetch, Params{"buyer": buyer})

	if dest != nil && dest.BuildingId != src.BuildingId {
		deliver, err := c.travel(ctx, TypeDeliverToStorage, dest, false)
		if err != nil {
			return nil, err
		}
		deliver.FromBuilding = src.BuildingId
		deliver.Resources = fetch.Resources
		deliver.ContractId = p.String("storageContractId")
		deliver.Title = fmt.Sprintf("Delivering %s to %s", resourceType, dest.Label())
		embed(deliver, Params{"owner": buyer})
	}
	return c.result(), nil
}

func processFetchResource(ctx context.Context, env *Env, act *model.Activity) error {
	stage := TypeFetchResource
	c, err := citizen(ctx, env.Store, act.Citizen, stage)
	if err != nil {
		return err
	}
	src, err := building(ctx, env.Store, act.FromBuilding, stage)
	if err != nil {
		return err
	}
	var ct *model.Contract
	if act.ContractId != "" {
		if ct, err = contract(ctx, env.Store, act.ContractId, stage); err != nil {
			return err
		}
	}
	var dest *model.Building
	if act.ToBuilding != "" {
		if dest, err = building(ctx, env.Store, act.ToBuilding, stage); err != nil {
			return err
		}
	}
	items, err := model.ParseResources(act.Resources)
	if err != nil || len(items) == 0 {
		return Fail(KindMissingData, stage, "no resources to fetch")
	}
	item := items[0]

	buyer := details(act).String("buyer")
	if buyer == "" {
		buyer = effectiveBuyer(c, ct, dest)
	}
	seller := src.Operator()
	price := 0.0
	if ct != nil {
		price = ct.PricePerResource
	}

	stack, err := ledger.Find(ctx, env.Store, ledger.AtBuilding(src.BuildingId, seller, item.ResourceId))
	if err != nil {
		return err
	}
	stock := 0.0
	if stack != nil {
		stock = math.Floor(stack.Count)
	}
	free, err := ledger.FreeCarry(ctx, env.Store, c)
	if err != nil {
		return err
	}
	amount := math.Min(math.Min(item.Amount, stock), free)
	if price > 0 && buyer != seller {
		payer := c
		if buyer != c.Username {
			if payer, err = citizen(ctx, env.Store, buyer, stage); err != nil {
				return err
			}
		}
		affordable := math.Floor(payer.Ducats.InexactFloat64() / price)
		amount = math.Min(amount, affordable)
	}

	if err := moveTo(ctx, env, c, src); err != nil {
		return err
	}
	if amount < minTransfer {
		env.Trust.Trust(ctx, c.Username, seller, -relationships.Simple, stage, false, "nothing_to_pickup")
		slog.Info("nothing to pick up", "citizen", c.Username, "building", src.BuildingId,
			"resource", item.ResourceId, "stock", stock, "free", free)
		return nil
	}

	if price > 0 && buyer != seller {
		res, err := env.Economy.Pay(ctx, economy.Payment{
			From:      buyer,
			To:        seller,
			Amount:    decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(amount)),
			Reason:    fmt.Sprintf("purchase of %.2f %s at %s", amount, item.ResourceId, src.BuildingId),
			Type:      "resource_purchase_on_fetch",
			AssetType: "resource",
			Asset:     item.ResourceId,
			Details:   map[string]any{"contract": act.ContractId, "building": src.BuildingId, "amount": amount},
		})
		if err != nil {
			return err
		}
		if !res.OK {
			return Fail(KindInsufficientFunds, stage, "%s cannot pay for %.2f %s", buyer, amount, item.ResourceId)
		}
		env.Trust.Trust(ctx, buyer, seller, relationships.Medium, "purchase", true, "")
	}
	if err := ledger.Move(ctx, env.Store,
		ledger.AtBuilding(src.BuildingId, seller, item.ResourceId),
		ledger.Carried(c.Username, buyer, item.ResourceId), amount, env.now()); err != nil {
		return err
	}
	env.Trust.Trust(ctx, c.Username, seller, relationships.Simple, stage, true, "pickup")
	slog.Debug("fetched", "citizen", c.Username, "resource", item.ResourceId, "amount", amount, "owner", buyer)
	return nil
}

// processDeliverToStorage unloads the carrier's slice into the destination,
// bounded by free space and, for storage contracts, by the rented amount.
func processDeliverToStorage(ctx context.Context, env *Env, act *model.Activity) error {
	stage := TypeDeliverToStorage
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
	owner := details(act).String("owner")
	if ct != nil && ct.Buyer != "" {
		owner = ct.Buyer
	}
	if owner == "" {
		owner = c.Username
	}
	items, err := model.ParseResources(act.Resources)
	if err != nil || len(items) == 0 {
		return Fail(KindMissingData, stage, "no resources to deliver")
	}
	if err := moveTo(ctx, env, c, dest); err != nil {
		return err
	}

	capacity := env.catalog(ctx).StorageCapacity(dest.Type)
	load, err := ledger.BuildingLoad(ctx, env.Store, dest.BuildingId)
	if err != nil {
		return err
	}
	free := capacity - load
	var delivered float64
	for _, it := range items {
		carried, err := ledger.Find(ctx, env.Store, ledger.Carried(c.Username, owner, it.ResourceId))
		if err != nil {
			return err
		}
		if carried == nil {
			continue
		}
		amount := math.Min(math.Min(it.Amount, carried.Count), free)
		if ct != nil && ct.Type == model.ContractStorageQuery {
			_, byType, err := ledger.StorageDetails(ctx, env.Store, dest.BuildingId, owner)
			if err != nil {
				return err
			}
			amount = math.Min(amount, ct.TargetAmount-byType[it.ResourceId])
		}
		if amount < minTransfer {
			continue
		}
		if err := ledger.Move(ctx, env.Store,
			ledger.Carried(c.Username, owner, it.ResourceId),
			ledger.AtBuilding(dest.BuildingId, owner, it.ResourceId), amount, env.now()); err != nil {
			return err
		}
		free -= amount
		delivered += amount
	}
	if delivered < minTransfer {
		return Fail(KindInsufficientCapacity, stage, "nothing could be stored at %s", dest.Label())
	}
	env.Trust.Trust(ctx, c.Username, dest.Operator(), relationships.Progress, stage, true, "")
	return nil
}
