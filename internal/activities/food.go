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
	"github.com/serenissima/engine/internal/store"
)

const (
	TypeEat              = "eat"
	TypeEatFromInventory = "eat_from_inventory"
	TypeEatAtHome        = "eat_at_home"
	TypeEatAtTavern      = "eat_at_tavern"
	TypeDrinkAtInn       = "drink_at_inn"
)

const (
	snackTime = 15 * time.Minute
	mealTime  = 30 * time.Minute
	drinkTime = time.Hour
)

func registerFood(f *Fabric) {
	f.RegisterCreator(TypeEat, createEat)
	f.RegisterCreator(TypeDrinkAtInn, createDrinkAtInn)

	f.RegisterProcessor(TypeEatFromInventory, processEatFromInventory)
	f.RegisterProcessor(TypeEatAtHome, processEatAtHome)
	f.RegisterProcessor(TypeEatAtTavern, processEatAtTavern)
	f.RegisterProcessor(TypeDrinkAtInn, processDrinkAtInn)
}

// createEat picks the cheapest way to a meal: food already carried, then
// food stored at home, then a tavern the citizen can afford.
func createEat(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	cat := env.catalog(ctx)
	foods := cat.FoodTypes()
	u := req.Citizen.Username

	c, err := newChain(ctx, env, req, DefaultPriority)
	if err != nil {
		return nil, err
	}

	inv, err := ledger.Inventory(ctx, env.Store, u)
	if err != nil {
		return nil, err
	}
	if food := firstFood(inv, u, foods); food != "" {
		a := c.add(TypeEatFromInventory, snackTime)
		a.Resources = model.EncodeResources([]model.ResourceAmount{{ResourceId: food, Amount: 1}})
		a.Title = "Eating " + cat.ResourceName(food)
		return c.result(), nil
	}

	home, err := model.Home(ctx, env.Store, u)
	if err != nil {
		return nil, err
	}
	if home != nil {
		stored, err := ledger.Stored(ctx, env.Store, home.BuildingId, u)
		if err != nil {
			return nil, err
		}
		if food := firstFood(stored, u, foods); food != "" {
			if _, err := c.travel(ctx, TypeGotoHome, home, true); err != nil {
				return nil, err
			}
			a := c.add(TypeEatAtHome, mealTime)
			a.ToBuilding = home.BuildingId
			a.Resources = model.EncodeResources([]model.ResourceAmount{{ResourceId: food, Amount: 1}})
			a.Title = "Eating at home"
			return c.result(), nil
		}
	}

	offer, tavern, err := findMeal(ctx, env, req.Citizen, foods)
	if err != nil {
		return nil, err
	}
	if _, err := c.travel(ctx, TypeGotoLocation, tavern, true); err != nil {
		return nil, err
	}
	a := c.add(TypeEatAtTavern, mealTime)
	a.ToBuilding = tavern.BuildingId
	a.ContractId = offer.ContractId
	a.Resources = model.EncodeResources([]model.ResourceAmount{{ResourceId: offer.ResourceType, Amount: 1}})
	a.Title = fmt.Sprintf("Eating at %s", tavern.Label())
	return c.result(), nil
}

func firstFood(stacks []*model.Resource, owner string, foods []string) string {
	for _, f := range foods {
		for _, st := range stacks {
			if st.Type == f && st.Owner == owner && st.Count >= 1 {
				return f
			}
		}
	}
	return ""
}

// findMeal returns the nearest affordable public food offer with stock.
func findMeal(ctx context.Context, env *Env, c *model.Citizen, foods []string) (*model.Contract, *model.Building, error) {
	return findOffer(ctx, env, c, foods, TypeEatAtTavern)
}

// findOffer looks through active public_sell offers of the given
// resource types for the nearest one the citizen can afford.
func findOffer(ctx context.Context, env *Env, c *model.Citizen, types []string, stage string) (*model.Contract, *model.Building, error) {
	offers, err := model.List[model.Contract](ctx, env.Store, store.Contracts, store.Query{
		Filter: store.And(
			store.Eq("Type", model.ContractPublicSell),
			store.Eq("Status", model.ContractActive),
			store.In("ResourceType", types...),
			store.Gt("TargetAmount", 0),
			store.After("EndAt", env.now()),
		),
	})
	if err != nil {
		return nil, nil, err
	}
	if len(offers) == 0 {
		return nil, nil, Fail(KindEntityMissing, stage, "no public offers of %v", types)
	}
	byBuilding := map[string]*model.Contract{}
	var candidates []*model.Building
	for _, o := range offers {
		if decimal.NewFromFloat(o.PricePerResource).GreaterThan(c.Ducats) {
			continue
		}
		if _, seen := byBuilding[o.SellerBuilding]; seen {
			continue
		}
		b, err := model.GetBuilding(ctx, env.Store, o.SellerBuilding)
		if err != nil {
			continue
		}
		stack, err := ledger.Find(ctx, env.Store, ledger.AtBuilding(b.BuildingId, o.Seller, o.ResourceType))
		if err != nil || stack == nil || stack.Count < 1 {
			continue
		}
		byBuilding[b.BuildingId] = o
		candidates = append(candidates, b)
	}
	b := nearest(ctx, env, c, candidates)
	if b == nil {
		return nil, nil, Fail(KindInsufficientFunds, stage, "%s cannot afford any offer of %v", c.Username, types)
	}
	return byBuilding[b.BuildingId], b, nil
}

func processEatFromInventory(ctx context.Context, env *Env, act *model.Activity) error {
	c, err := citizen(ctx, env.Store, act.Citizen, act.Type)
	if err != nil {
		return err
	}
	food, err := mealType(ctx, env, act, func(typ string) ledger.Key { return ledger.Carried(c.Username, c.Username, typ) })
	if err != nil {
		return err
	}
	if _, err := ledger.Adjust(ctx, env.Store, ledger.Carried(c.Username, c.Username, food), -1, env.now(), ""); err != nil {
		return err
	}
	return markAte(ctx, env, c)
}

func processEatAtHome(ctx context.Context, env *Env, act *model.Activity) error {
	c, err := citizen(ctx, env.Store, act.Citizen, act.Type)
	if err != nil {
		return err
	}
	home, err := building(ctx, env.Store, act.ToBuilding, act.Type)
	if err != nil {
		return err
	}
	food, err := mealType(ctx, env, act, func(typ string) ledger.Key { return ledger.AtBuilding(home.BuildingId, c.Username, typ) })
	if err != nil {
		return err
	}
	if _, err := ledger.Adjust(ctx, env.Store, ledger.AtBuilding(home.BuildingId, c.Username, food), -1, env.now(), ""); err != nil {
		return err
	}
	return markAte(ctx, env, c)
}

// mealType returns the planned food if at least one unit is still there,
// else any other food at the same place.
func mealType(ctx context.Context, env *Env, act *model.Activity, key func(string) ledger.Key) (string, error) {
	var wanted []string
	if items, err := model.ParseResources(act.Resources); err == nil {
		for _, it := range items {
			wanted = append(wanted, it.ResourceId)
		}
	}
	wanted = append(wanted, env.catalog(ctx).FoodTypes()...)
	for _, typ := range wanted {
		st, err := ledger.Find(ctx, env.Store, key(typ))
		if err != nil {
			return "", err
		}
		if st != nil && st.Count >= 1 {
			return typ, nil
		}
	}
	return "", Fail(KindInsufficientStock, act.Type, "no food left")
}

func markAte(ctx context.Context, env *Env, c *model.Citizen) error {
	now := env.now()
	if _, err := env.Store.Update(ctx, store.Citizens, c.RecordID, store.Fields{"AteAt": now}); err != nil {
		return fmt.Errorf("mark %s fed: %w", c.Username, err)
	}
	return nil
}

// processEatAtTavern buys one portion from the backing public offer.
func processEatAtTavern(ctx context.Context, env *Env, act *model.Activity) error {
	stage := act.Type
	c, err := citizen(ctx, env.Store, act.Citizen, stage)
	if err != nil {
		return err
	}
	tavern, err := building(ctx, env.Store, act.ToBuilding, stage)
	if err != nil {
		return err
	}
	if err := retailPurchase(ctx, env, c, tavern, act.ContractId, stage, "meal"); err != nil {
		return err
	}
	return markAte(ctx, env, c)
}

func createDrinkAtInn(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	offer, inn, err := findOffer(ctx, env, req.Citizen, env.catalog(ctx).DrinkTypes(), TypeDrinkAtInn)
	if err != nil {
		return nil, err
	}
	c, err := newChain(ctx, env, req, DefaultPriority)
	if err != nil {
		return nil, err
	}
	if _, err := c.travel(ctx, TypeGotoLocation, inn, true); err != nil {
		return nil, err
	}
	a := c.add(TypeDrinkAtInn, drinkTime)
	a.ToBuilding = inn.BuildingId
	a.ContractId = offer.ContractId
	a.Resources = model.EncodeResources([]model.ResourceAmount{{ResourceId: offer.ResourceType, Amount: 1}})
	a.Title = fmt.Sprintf("Drinking at %s", inn.Label())
	return c.result(), nil
}

func processDrinkAtInn(ctx context.Context, env *Env, act *model.Activity) error {
	stage := act.Type
	c, err := citizen(ctx, env.Store, act.Citizen, stage)
	if err != nil {
		return err
	}
	inn, err := building(ctx, env.Store, act.ToBuilding, stage)
	if err != nil {
		return err
	}
	return retailPurchase(ctx, env, c, inn, act.ContractId, stage, "drink")
}

// retailPurchase sells one unit from the operator's stock under a
// public_sell offer: the buyer pays the operator, the stack shrinks by
// one and the offer's remaining amount drops, completing it at zero.
func retailPurchase(ctx context.Context, env *Env, c *model.Citizen, b *model.Building, contractID, stage, what string) error {
	if contractID == "" {
		return Fail(KindMissingData, stage, "no offer for the %s", what)
	}
	offer, err := contract(ctx, env.Store, contractID, stage)
	if err != nil {
		return err
	}
	if offer.Status != model.ContractActive || offer.TargetAmount < 1 {
		return Fail(KindInsufficientStock, stage, "offer %s is exhausted", offer.ContractId)
	}
	operator := b.Operator()
	seller := offer.Seller
	if seller == "" {
		seller = operator
	}
	key := ledger.AtBuilding(b.BuildingId, seller, offer.ResourceType)
	stack, err := ledger.Find(ctx, env.Store, key)
	if err != nil {
		return err
	}
	if stack == nil || stack.Count < 1 {
		env.Trust.Trust(ctx, c.Username, operator, -relationships.Simple, stage, false, "out_of_stock")
		return Fail(KindInsufficientStock, stage, "%s has no %s", b.Label(), offer.ResourceType)
	}
	if err := moveTo(ctx, env, c, b); err != nil {
		return err
	}

	price := decimal.NewFromFloat(offer.PricePerResource)
	if price.IsPositive() {
		res, err := env.Economy.Pay(ctx, economy.Payment{
			From:      c.Username,
			To:        operator,
			Amount:    price,
			Reason:    fmt.Sprintf("%s of %s at %s", what, offer.ResourceType, b.Label()),
			Type:      what + "_purchase",
			AssetType: "contract",
			Asset:     offer.ContractId,
		})
		if err != nil {
			return err
		}
		if !res.OK {
			return Fail(KindInsufficientFunds, stage, "%s cannot pay %s ducats", c.Username, price.StringFixed(2))
		}
	}
	now := env.now()
	if _, err := ledger.Adjust(ctx, env.Store, key, -1, now, ""); err != nil {
		return err
	}
	remaining := math.Max(offer.TargetAmount-1, 0)
	fields := store.Fields{"TargetAmount": remaining, "LastExecutedAt": now}
	if remaining <= 0 {
		fields["Status"] = model.ContractCompleted
	}
	if _, err := env.Store.Update(ctx, store.Contracts, offer.RecordID, fields); err != nil {
		// The sale went through; a stale TargetAmount only overstates the offer.
		slog.Warn("offer not decremented", "contract", offer.ContractId, "error", err)
	}
	env.Trust.Trust(ctx, c.Username, operator, relationships.Minor, stage, true, "")
	return nil
}
