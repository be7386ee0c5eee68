package stratagems

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/serenissima/engine/internal/activities"
	"github.com/serenissima/engine/internal/ledger"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
)

const TypeHoardResource = "hoard_resource"

const (
	defaultHoardAmount = 200.0
	minCarry           = 1.0
)

// hoardPlan is the metadata a hoard_resource stratagem carries in its
// notes.
type hoardPlan struct {
	StorageAmount float64 `json:"storageAmount"`
}

func createHoard(ctx context.Context, env *Env, req *Request) (*model.Stratagem, error) {
	p := req.Params
	resourceType := p.First("targetResourceType", "resourceType")
	if resourceType == "" {
		return nil, activities.Fail(activities.KindMissingData, TypeHoardResource, "no resource type to hoard")
	}
	if _, ok := env.catalog(ctx).Resource(resourceType); !ok {
		return nil, activities.Fail(activities.KindMissingData, TypeHoardResource, "unknown resource type %q", resourceType)
	}
	amount := p.Float("storageAmount")
	if amount <= 0 {
		amount = defaultHoardAmount
	}
	name := env.catalog(ctx).ResourceName(resourceType)
	return &model.Stratagem{
		Name:               "Hoard " + name,
		Category:           "economic",
		TargetResourceType: resourceType,
		Description:        fmt.Sprintf("%s is cornering the supply of %s.", req.Executor.DisplayName(), name),
		Notes:              model.EmbedDetails("", hoardPlan{StorageAmount: amount}),
	}, nil
}

// processHoard makes sure storage is rented, then sends every free
// actor to buy the resource into it.
func processHoard(ctx context.Context, env *Env, s *model.Stratagem) (Outcome, error) {
	var plan hoardPlan
	if err := model.ExtractDetailsInto(s.Notes, &plan); err != nil || plan.StorageAmount <= 0 {
		plan.StorageAmount = defaultHoardAmount
	}
	storageCt, storage, err := ensureStorage(ctx, env, s, plan.StorageAmount)
	if err != nil {
		return Continue, err
	}
	if storageCt == nil {
		log(ctx, env, s, "No storage available for %s; retrying next cycle", s.TargetResourceType)
		return Continue, nil
	}
	_, byType, err := ledger.StorageDetails(ctx, env.Store, storage.BuildingId, s.ExecutedBy)
	if err != nil {
		return Continue, err
	}
	load, err := ledger.BuildingLoad(ctx, env.Store, storage.BuildingId)
	if err != nil {
		return Continue, err
	}
	remaining := math.Min(
		storageCt.TargetAmount-byType[s.TargetResourceType],
		env.catalog(ctx).StorageCapacity(storage.Type)-load,
	)
	if remaining < minCarry {
		slog.Debug("hoard storage full", "stratagem", s.StratagemId, "storage", storage.BuildingId)
		return Continue, nil
	}
	source, err := cheapestSource(ctx, env, s.TargetResourceType, s.ExecutedBy)
	if err != nil {
		return Continue, err
	}
	if source == nil {
		log(ctx, env, s, "No seller offers %s; retrying next cycle", s.TargetResourceType)
		return Continue, nil
	}

	actors, err := hoardActors(ctx, env, s.ExecutedBy)
	if err != nil {
		return Continue, err
	}
	var sent []string
	for _, a := range actors {
		if remaining < minCarry {
			break
		}
		busy, err := isBusy(ctx, env.Store, a.Username)
		if err != nil {
			return Continue, err
		}
		if busy {
			continue
		}
		free, err := ledger.FreeCarry(ctx, env.Store, a)
		if err != nil {
			return Continue, err
		}
		amount := math.Floor(math.Min(free, remaining))
		if amount < minCarry {
			continue
		}
		_, err = env.Requester.RequestActivity(ctx, a.Username, activities.TypeFetchResource, map[string]any{
			"contractId":        source.ContractId,
			"resourceType":      s.TargetResourceType,
			"fromBuildingId":    source.SellerBuilding,
			"toBuildingId":      storage.BuildingId,
			"storageContractId": storageCt.ContractId,
			"amount":            amount,
			"buyer":             s.ExecutedBy,
			"stratagemId":       s.StratagemId,
		})
		if err != nil {
			slog.Warn("hoard fetch not planned", "stratagem", s.StratagemId, "actor", a.Username, "error", err)
			continue
		}
		remaining -= amount
		sent = append(sent, fmt.Sprintf("%s x%.0f", a.Username, amount))
	}
	if len(sent) > 0 {
		log(ctx, env, s, "Sent %v to buy %s at %s", sent, s.TargetResourceType, source.SellerBuilding)
	}
	return Continue, nil
}

// ensureStorage returns the storage_query contract linked to s, creating
// one when needed. Nil means no storage could be found this cycle.
func ensureStorage(ctx context.Context, env *Env, s *model.Stratagem, amount float64) (*model.Contract, *model.Building, error) {
	now := env.now()
	linked, err := model.List[model.Contract](ctx, env.Store, store.Contracts, store.Query{
		Filter: store.And(
			store.Eq("Type", model.ContractStorageQuery),
			store.Eq("StratagemLink", s.StratagemId),
			store.Eq("Status", model.ContractActive),
			store.After("EndAt", now),
		),
		Max: 1,
	})
	if err != nil {
		return nil, nil, err
	}
	if len(linked) > 0 {
		b, err := model.GetBuilding(ctx, env.Store, linked[0].SellerBuilding)
		if err != nil {
			return nil, nil, fmt.Errorf("storage building %s: %w", linked[0].SellerBuilding, err)
		}
		return linked[0], b, nil
	}

	ct := &model.Contract{
		ContractId:    model.NewID("storage"),
		Type:          model.ContractStorageQuery,
		Buyer:         s.ExecutedBy,
		ResourceType:  s.TargetResourceType,
		Status:        model.ContractActive,
		CreatedAt:     now,
		EndAt:         s.ExpiresAt,
		StratagemLink: s.StratagemId,
	}
	storage, err := privateStorage(ctx, env, s.ExecutedBy)
	if err != nil {
		return nil, nil, err
	}
	if storage != nil {
		ct.Seller = s.ExecutedBy
		ct.SellerBuilding = storage.BuildingId
		ct.TargetAmount = amount
		ct.Title = "Own storage for " + s.TargetResourceType
	} else {
		offer, err := cheapestStorageOffer(ctx, env, s.ExecutedBy)
		if err != nil || offer == nil {
			return nil, nil, err
		}
		if storage, err = model.GetBuilding(ctx, env.Store, offer.SellerBuilding); err != nil {
			return nil, nil, fmt.Errorf("storage building %s: %w", offer.SellerBuilding, err)
		}
		ct.Seller = offer.Seller
		ct.SellerBuilding = offer.SellerBuilding
		ct.PricePerResource = offer.PricePerResource
		ct.TargetAmount = math.Min(amount, offer.TargetAmount)
		ct.Title = "Rented storage for " + s.TargetResourceType
	}
	fields, err := model.ToFields(ct)
	if err != nil {
		return nil, nil, err
	}
	rec, err := env.Store.Create(ctx, store.Contracts, fields)
	if err != nil {
		return nil, nil, fmt.Errorf("write storage contract: %w", err)
	}
	ct.RecordID = rec.ID
	log(ctx, env, s, "Secured storage for %.0f %s at %s (%s)", ct.TargetAmount, s.TargetResourceType, storage.BuildingId, ct.ContractId)
	return ct, storage, nil
}

// privateStorage picks the executor's building with the most spare
// room, preferring warehouses.
func privateStorage(ctx context.Context, env *Env, username string) (*model.Building, error) {
	owned, err := model.List[model.Building](ctx, env.Store, store.Buildings, store.Query{
		Filter: store.And(
			store.Or(store.Eq("RunBy", username), store.Eq("Owner", username)),
			store.Eq("Category", "business"),
		),
	})
	if err != nil {
		return nil, err
	}
	cat := env.catalog(ctx)
	var best *model.Building
	var bestScore float64
	for _, b := range owned {
		load, err := ledger.BuildingLoad(ctx, env.Store, b.BuildingId)
		if err != nil {
			return nil, err
		}
		spare := cat.StorageCapacity(b.Type) - load
		if spare < minCarry {
			continue
		}
		score := spare
		if def, ok := cat.Building(b.Type); ok && def.SubCategory == "storage" {
			score *= 10
		}
		if best == nil || score > bestScore {
			best, bestScore = b, score
		}
	}
	return best, nil
}

func cheapestStorageOffer(ctx context.Context, env *Env, username string) (*model.Contract, error) {
	offers, err := model.List[model.Contract](ctx, env.Store, store.Contracts, store.Query{
		Filter: store.And(
			store.Eq("Type", model.ContractPublicStorage),
			store.Eq("Status", model.ContractActive),
			store.After("EndAt", env.now()),
			store.Ne("Seller", username),
			store.Gt("TargetAmount", 0),
		),
		Sort: []store.Sort{{Field: "PricePerResource"}, {Field: "CreatedAt"}},
		Max:  1,
	})
	if err != nil || len(offers) == 0 {
		return nil, err
	}
	return offers[0], nil
}

// cheapestSource is the lowest-priced public_sell offer for the
// resource that actually has stock.
func cheapestSource(ctx context.Context, env *Env, resourceType, buyer string) (*model.Contract, error) {
	offers, err := model.List[model.Contract](ctx, env.Store, store.Contracts, store.Query{
		Filter: store.And(
			store.Eq("Type", model.ContractPublicSell),
			store.Eq("Status", model.ContractActive),
			store.Eq("ResourceType", resourceType),
			store.After("EndAt", env.now()),
			store.Ne("Seller", buyer),
			store.NotBlank("SellerBuilding"),
		),
		Sort: []store.Sort{{Field: "PricePerResource"}, {Field: "CreatedAt"}},
	})
	if err != nil {
		return nil, err
	}
	for _, o := range offers {
		stack, err := ledger.Find(ctx, env.Store, ledger.AtBuilding(o.SellerBuilding, o.Seller, resourceType))
		if err != nil {
			return nil, err
		}
		if stack != nil && stack.Count >= minCarry {
			return o, nil
		}
	}
	return nil, nil
}

// hoardActors is the executor followed by the occupants of every
// business the executor runs.
func hoardActors(ctx context.Context, env *Env, username string) ([]*model.Citizen, error) {
	exec, err := model.GetCitizen(ctx, env.Store, username)
	if err != nil {
		return nil, err
	}
	run, err := model.BuildingsRunBy(ctx, env.Store, username)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{username: true}
	out := []*model.Citizen{exec}
	var staff []string
	for _, b := range run {
		if b.Occupant != "" && !seen[b.Occupant] {
			seen[b.Occupant] = true
			staff = append(staff, b.Occupant)
		}
	}
	sort.Strings(staff)
	for _, u := range staff {
		c, err := model.GetCitizen(ctx, env.Store, u)
		if err != nil {
			slog.Warn("hoard actor missing", "citizen", u, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
