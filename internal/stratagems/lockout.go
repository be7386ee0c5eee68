package stratagems

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/serenissima/engine/internal/activities"
	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
)

const TypeSupplierLockout = "supplier_lockout"

const (
	defaultPremium      = 15.0
	defaultLockoutDaily = 10.0
)

type lockoutPlan struct {
	ContractID string `json:"contractId"`
}

// createLockout signs an exclusive recurrent contract with the supplier
// at a premium over their public price.
func createLockout(ctx context.Context, env *Env, req *Request) (*model.Stratagem, error) {
	p := req.Params
	stage := TypeSupplierLockout
	resourceType := p.First("targetResourceType", "resourceType")
	if resourceType == "" {
		return nil, activities.Fail(activities.KindMissingData, stage, "no resource type")
	}
	supplier := p.First("targetCitizen", "supplier")
	var supplierBuilding *model.Building
	if id := p.String("targetBuildingId"); id != "" {
		b, err := model.GetBuilding(ctx, env.Store, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, activities.Fail(activities.KindEntityMissing, stage, "building %s not found", id)
		}
		if err != nil {
			return nil, err
		}
		supplierBuilding = b
		if supplier == "" {
			supplier = b.Operator()
		}
	}
	if supplier == "" {
		return nil, activities.Fail(activities.KindMissingData, stage, "no supplier named")
	}
	if supplier == req.Executor.Username {
		return nil, activities.Fail(activities.KindMissingData, stage, "cannot lock out yourself")
	}
	if _, err := model.GetCitizen(ctx, env.Store, supplier); errors.Is(err, store.ErrNotFound) {
		return nil, activities.Fail(activities.KindEntityMissing, stage, "supplier %s not found", supplier)
	} else if err != nil {
		return nil, err
	}

	base, sellerBuilding, err := publicPrice(ctx, env, supplier, resourceType)
	if err != nil {
		return nil, err
	}
	if supplierBuilding != nil {
		sellerBuilding = supplierBuilding.BuildingId
	}
	if base <= 0 {
		def, _ := env.catalog(ctx).Resource(resourceType)
		base = def.ImportPrice
	}
	premium := p.Float("premiumPercent")
	if premium <= 0 {
		premium = defaultPremium
	}
	daily := p.Float("targetAmount")
	if daily <= 0 {
		daily = defaultLockoutDaily
	}
	now := env.now()
	expires := now.Add(durationParam(p, 72*time.Hour))
	ct := &model.Contract{
		ContractId:       model.NewID("lockout"),
		Type:             model.ContractRecurrent,
		Title:            fmt.Sprintf("Exclusive supply of %s", resourceType),
		Seller:           supplier,
		SellerBuilding:   sellerBuilding,
		Buyer:            req.Executor.Username,
		BuyerBuilding:    p.String("buyerBuildingId"),
		ResourceType:     resourceType,
		PricePerResource: round2(base * (1 + premium/100)),
		TargetAmount:     daily,
		Status:           model.ContractActive,
		CreatedAt:        now,
		EndAt:            expires,
		Notes:            "Exclusivity: seller agrees not to sell this resource publicly.",
	}
	s := &model.Stratagem{
		StratagemId:        model.NewID("strat"),
		Name:               "Lock out " + supplier,
		Category:           "commerce",
		TargetCitizen:      supplier,
		TargetBuilding:     sellerBuilding,
		TargetResourceType: resourceType,
		ExpiresAt:          expires,
		Description:        fmt.Sprintf("%s buys up all %s from %s.", req.Executor.DisplayName(), resourceType, supplier),
		Notes:              model.EmbedDetails("", lockoutPlan{ContractID: ct.ContractId}),
	}
	ct.StratagemLink = s.StratagemId
	fields, err := model.ToFields(ct)
	if err != nil {
		return nil, err
	}
	if _, err := env.Store.Create(ctx, store.Contracts, fields); err != nil {
		return nil, fmt.Errorf("write lockout contract: %w", err)
	}
	economy.Notify(ctx, env.Store, now, supplier, "supplier_lockout",
		fmt.Sprintf("🤝 %s offers %.2f ducats per %s for your exclusive supply until %s",
			req.Executor.DisplayName(), ct.PricePerResource, resourceType, expires.Format("2006-01-02")),
		map[string]any{"contractId": ct.ContractId, "buyer": req.Executor.Username})
	return s, nil
}

// processLockout checks the contract still stands and holds the supplier
// to exclusivity.
func processLockout(ctx context.Context, env *Env, s *model.Stratagem) (Outcome, error) {
	var plan lockoutPlan
	if err := model.ExtractDetailsInto(s.Notes, &plan); err != nil || plan.ContractID == "" {
		return Continue, activities.Fail(activities.KindMissingData, s.Type, "lockout contract missing from notes")
	}
	ct, err := model.GetContract(ctx, env.Store, plan.ContractID)
	if errors.Is(err, store.ErrNotFound) {
		return Continue, activities.Fail(activities.KindEntityMissing, s.Type, "contract %s is gone", plan.ContractID)
	}
	if err != nil {
		return Continue, err
	}
	if ct.Status != model.ContractActive {
		return Continue, activities.Fail(activities.KindEntityMissing, s.Type, "contract %s is %s", ct.ContractId, ct.Status)
	}
	breaches, err := model.List[model.Contract](ctx, env.Store, store.Contracts, store.Query{
		Filter: store.And(
			store.Eq("Type", model.ContractPublicSell),
			store.Eq("Status", model.ContractActive),
			store.Eq("Seller", ct.Seller),
			store.Eq("ResourceType", ct.ResourceType),
			store.After("EndAt", env.now()),
		),
	})
	if err != nil {
		return Continue, err
	}
	if len(breaches) > 0 {
		env.Trust.Trust(ctx, s.ExecutedBy, ct.Seller, -relationships.Simple, "lockout_breach", false, breaches[0].ContractId)
		log(ctx, env, s, "%s still sells %s publicly (%d offers)", ct.Seller, ct.ResourceType, len(breaches))
	}
	return Continue, nil
}

// finalizeLockout cancels the exclusive contract when the stratagem
// expires.
func finalizeLockout(ctx context.Context, env *Env, s *model.Stratagem) error {
	var plan lockoutPlan
	if err := model.ExtractDetailsInto(s.Notes, &plan); err != nil || plan.ContractID == "" {
		return nil
	}
	ct, err := model.GetContract(ctx, env.Store, plan.ContractID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ct.Status != model.ContractActive {
		return nil
	}
	if _, err := env.Store.Update(ctx, store.Contracts, ct.RecordID, store.Fields{
		"Status": model.ContractCancelled,
		"Notes":  model.AppendNote(ct.Notes, env.now(), "Exclusivity ended"),
	}); err != nil {
		return fmt.Errorf("cancel lockout contract %s: %w", ct.ContractId, err)
	}
	economy.Notify(ctx, env.Store, env.now(), ct.Seller, "supplier_lockout_ended",
		fmt.Sprintf("Your exclusive %s contract with %s has ended", ct.ResourceType, ct.Buyer), nil)
	return nil
}

// publicPrice is the supplier's cheapest active public price for the
// resource and the building it is sold from.
func publicPrice(ctx context.Context, env *Env, supplier, resourceType string) (float64, string, error) {
	offers, err := model.List[model.Contract](ctx, env.Store, store.Contracts, store.Query{
		Filter: store.And(
			store.Eq("Type", model.ContractPublicSell),
			store.Eq("Status", model.ContractActive),
			store.Eq("Seller", supplier),
			store.Eq("ResourceType", resourceType),
		),
		Sort: []store.Sort{{Field: "PricePerResource"}},
		Max:  1,
	})
	if err != nil || len(offers) == 0 {
		return 0, "", err
	}
	return offers[0].PricePerResource, offers[0].SellerBuilding, nil
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
