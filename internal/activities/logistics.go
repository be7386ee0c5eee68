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
)

const TypeFetchForLogisticsClient = "fetch_for_logistics_client"

// Stages of a porter task, stored in the activity details.
const (
	stagePickup  = "pickup"
	stageDropoff = "dropoff"
)

func registerLogistics(f *Fabric) {
	f.RegisterCreator(TypeFetchForLogisticsClient, createLogistics)
	f.RegisterProcessor(TypeFetchForLogisticsClient, processLogistics)
}

// createLogistics plans a porter run: walk to the source, buy for the
// client, walk to the client's building, unload.
func createLogistics(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	p := req.Params
	stage := TypeFetchForLogisticsClient
	client := p.First("buyer", "clientUsername", "ultimateBuyer")
	if client == "" {
		return nil, Fail(KindMissingData, stage, "no logistics client")
	}
	resourceType := p.String("resourceType")
	var goods *model.Contract
	if id := p.String("contractId"); id != "" {
		var err error
		if goods, err = contract(ctx, env.Store, id, stage); err != nil {
			return nil, err
		}
		if resourceType == "" {
			resourceType = goods.ResourceType
		}
	}
	if resourceType == "" {
		return nil, Fail(KindMissingData, stage, "no resource type")
	}
	fromID := p.First("fromBuildingId", "sourceBuildingId")
	if fromID == "" && goods != nil {
		fromID = goods.SellerBuilding
	}
	src, err := building(ctx, env.Store, fromID, stage)
	if err != nil {
		return nil, err
	}
	dest, err := building(ctx, env.Store, p.First("toBuildingId", "targetBuildingId"), stage)
	if err != nil {
		return nil, err
	}
	amount := p.Float("amount")
	if amount <= 0 {
		amount = ledger.EffectiveCapacity(req.Citizen)
	}
	resources := model.EncodeResources([]model.ResourceAmount{{ResourceId: resourceType, Amount: amount}})
	d := Params{"buyer": client, "serviceContractId": p.String("serviceContractId")}

	c, err := newChain(ctx, env, req, DefaultPriority)
	if err != nil {
		return nil, err
	}
	pickup, err := c.travel(ctx, stage, src, true)
	if err != nil {
		return nil, err
	}
	if pickup == nil {
		pickup = c.add(stage, handoffTime)
		pickup.ToBuilding = src.BuildingId
	}
	pickup.FromBuilding = src.BuildingId
	pickup.Resources = resources
	pickup.Title = fmt.Sprintf("Collecting %s for %s", resourceType, client)
	if goods != nil {
		pickup.ContractId = goods.ContractId
	}
	embed(pickup, merge(d, Params{"stage": stagePickup}))

	dropoff, err := c.travel(ctx, stage, dest, false)
	if err != nil {
		return nil, err
	}
	dropoff.FromBuilding = src.BuildingId
	dropoff.Resources = resources
	dropoff.Title = fmt.Sprintf("Carrying %s to %s", resourceType, dest.Label())
	embed(dropoff, merge(d, Params{"stage": stageDropoff}))
	return c.result(), nil
}

func merge(a, b Params) Params {
	out := Params{}
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func processLogistics(ctx context.Context, env *Env, act *model.Activity) error {
	switch details(act).String("stage") {
	case stagePickup:
		return logisticsPickup(ctx, env, act)
	case stageDropoff:
		return logisticsDropoff(ctx, env, act)
	default:
		return Fail(KindMissingData, TypeFetchForLogisticsClient, "unknown porter stage")
	}
}

// logisticsPickup buys the goods from the source operator on the
// client's behalf and loads them onto the porter, owned by the client.
func logisticsPickup(ctx context.Context, env *Env, act *model.Activity) error {
	stage := TypeFetchForLogisticsClient + ":" + stagePickup
	porter, err := citizen(ctx, env.Store, act.Citizen, stage)
	if err != nil {
		return err
	}
	src, err := building(ctx, env.Store, act.FromBuilding, stage)
	if err != nil {
		return err
	}
	d := details(act)
	client := d.String("buyer")
	buyer, err := citizen(ctx, env.Store, client, stage)
	if err != nil {
		return err
	}
	items, err := model.ParseResources(act.Resources)
	if err != nil || len(items) == 0 {
		return Fail(KindMissingData, stage, "no resources listed")
	}
	item := items[0]
	seller := src.Operator()
	price := 0.0
	if act.ContractId != "" {
		ct, err := contract(ctx, env.Store, act.ContractId, stage)
		if err != nil {
			return err
		}
		price = ct.PricePerResource
	}

	stack, err := ledger.Find(ctx, env.Store, ledger.AtBuilding(src.BuildingId, seller, item.ResourceId))
	if err != nil {
		return err
	}
	if stack == nil || stack.Count < minTransfer {
		return Fail(KindInsufficientStock, stage, "%s has no %s", src.Label(), item.ResourceId)
	}
	free, err := ledger.FreeCarry(ctx, env.Store, porter)
	if err != nil {
		return err
	}
	amount := math.Min(math.Min(item.Amount, math.Floor(stack.Count)), free)
	if price > 0 && client != seller {
		amount = math.Min(amount, math.Floor(buyer.Ducats.InexactFloat64()/price))
	}
	if err := moveTo(ctx, env, porter, src); err != nil {
		return err
	}
	if amount < minTransfer {
		env.Trust.Trust(ctx, client, seller, -relationships.Simple, TypeFetchForLogisticsClient, false, "nothing_to_pickup")
		return Fail(KindInsufficientFunds, stage, "nothing %s can carry or %s can afford", porter.Username, client)
	}

	if price > 0 && client != seller {
		res, err := env.Economy.Pay(ctx, economy.Payment{
			From:      client,
			To:        seller,
			Amount:    decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(amount)),
			Reason:    fmt.Sprintf("purchase of %.2f %s collected by %s", amount, item.ResourceId, porter.Username),
			Type:      "resource_purchase_via_porter",
			AssetType: "resource",
			Asset:     item.ResourceId,
			Details:   map[string]any{"porter": porter.Username, "building": src.BuildingId},
		})
		if err != nil {
			return err
		}
		if !res.OK {
			return Fail(KindInsufficientFunds, stage, "%s cannot pay %s", client, seller)
		}
		env.Trust.Trust(ctx, client, seller, relationships.Medium, "purchase", true, "porter")
	}
	if err := ledger.Move(ctx, env.Store,
		ledger.AtBuilding(src.BuildingId, seller, item.ResourceId),
		ledger.Carried(porter.Username, client, item.ResourceId), amount, env.now()); err != nil {
		return err
	}
	env.Trust.Trust(ctx, porter.Username, seller, relationships.Simple, TypeFetchForLogisticsClient, true, stagePickup)
	slog.Debug("porter collected", "porter", porter.Username, "client", client, "resource", item.ResourceId, "amount", amount)
	return nil
}

// logisticsDropoff unloads the client's goods at the destination and
// charges the per-unit service fee.
func logisticsDropoff(ctx context.Context, env *Env, act *model.Activity) error {
	stage := TypeFetchForLogisticsClient + ":" + stageDropoff
	porter, err := citizen(ctx, env.Store, act.Citizen, stage)
	if err != nil {
		return err
	}
	dest, err := building(ctx, env.Store, act.ToBuilding, stage)
	if err != nil {
		return err
	}
	d := details(act)
	client := d.String("buyer")
	items, err := model.ParseResources(act.Resources)
	if err != nil || len(items) == 0 {
		return Fail(KindMissingData, stage, "no resources listed")
	}
	moved, err := handOver(ctx, env, porter, dest, client, items)
	if err != nil {
		return err
	}
	if err := moveTo(ctx, env, porter, dest); err != nil {
		return err
	}
	env.Trust.Trust(ctx, client, porter.Username, relationships.Simple, TypeFetchForLogisticsClient, true, stageDropoff)

	id := d.String("serviceContractId")
	if id == "" {
		return nil
	}
	service, err := contract(ctx, env.Store, id, stage)
	if err != nil {
		return err
	}
	if service.PricePerResource <= 0 {
		return nil
	}
	payee := service.Seller
	if payee == "" {
		work, err := model.Workplace(ctx, env.Store, porter.Username)
		if err != nil {
			return err
		}
		if work != nil {
			payee = work.Operator()
		}
	}
	if payee == "" {
		payee = porter.Username
	}
	res, err := env.Economy.Pay(ctx, economy.Payment{
		From:      client,
		To:        payee,
		Amount:    decimal.NewFromFloat(service.PricePerResource).Mul(decimal.NewFromFloat(moved)).Round(2),
		Reason:    fmt.Sprintf("logistics fee for %.2f units carried by %s", moved, porter.Username),
		Type:      "logistics_service_fee",
		AssetType: "contract",
		Asset:     service.ContractId,
	})
	if err != nil {
		return err
	}
	if !res.OK {
		// The goods are already delivered; the unpaid fee is recorded
		// but does not fail the step.
		slog.Warn("logistics fee unpaid", "client", client, "payee", payee, "contract", service.ContractId)
		return nil
	}
	env.Trust.Trust(ctx, client, payee, relationships.Medium, "logistics_fee", true, "")
	return nil
}
