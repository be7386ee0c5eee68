package activities

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
)

const (
	TypeAdjustBusinessWages     = "adjust_business_wages"
	TypeUpdateWageLedger        = "update_wage_ledger"
	TypeAdjustBuildingLease     = "adjust_building_lease_price"
	TypeFileLeaseAdjustment     = "file_lease_adjustment"
	TypeRegisterImportAgreement = "register_public_import_agreement"
)

const (
	civicPriority  = 20
	paperworkTime  = 15 * time.Minute
	importValidity = 30 * 24 * time.Hour
)

// Building types where official paperwork is filed.
var officeTypes = []string{"customs_house", "doge_s_palace"}

func registerCivic(f *Fabric) {
	f.RegisterCreator(TypeAdjustBusinessWages, createAdjustWages)
	f.RegisterCreator(TypeAdjustBuildingLease, createAdjustLease)
	f.RegisterCreator(TypeRegisterImportAgreement, createImportAgreement)

	f.RegisterProcessor(TypeUpdateWageLedger, processUpdateWageLedger)
	f.RegisterProcessor(TypeFileLeaseAdjustment, processFileLeaseAdjustment)
	f.RegisterProcessor(TypeRegisterImportAgreement, processImportAgreement)
}

// createAdjustWages walks to the business and updates its wage ledger
// there.
func createAdjustWages(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	p := req.Params
	biz, err := building(ctx, env.Store, p.First("businessBuildingId", "buildingId"), TypeAdjustBusinessWages)
	if err != nil {
		return nil, err
	}
	wage := p.Float("newWageAmount")
	if wage <= 0 {
		return nil, Fail(KindMissingData, TypeAdjustBusinessWages, "newWageAmount must be positive")
	}
	if biz.Operator() != req.Citizen.Username && biz.Owner != req.Citizen.Username {
		return nil, Fail(KindMissingData, TypeAdjustBusinessWages, "%s does not run %s", req.Citizen.Username, biz.Label())
	}
	c, err := newChain(ctx, env, req, civicPriority)
	if err != nil {
		return nil, err
	}
	if _, err := c.travel(ctx, TypeGotoLocation, biz, true); err != nil {
		return nil, err
	}
	a := c.add(TypeUpdateWageLedger, paperworkTime)
	a.ToBuilding = biz.BuildingId
	a.Title = fmt.Sprintf("Setting wages at %s", biz.Label())
	embed(a, Params{"newWageAmount": wage, "businessBuildingId": biz.BuildingId})
	return c.result(), nil
}

func processUpdateWageLedger(ctx context.Context, env *Env, act *model.Activity) error {
	stage := act.Type
	d := details(act)
	biz, err := building(ctx, env.Store, d.First("businessBuildingId", "buildingId"), stage)
	if err != nil {
		return err
	}
	if biz.Operator() != act.Citizen && biz.Owner != act.Citizen {
		return Fail(KindMissingData, stage, "%s no longer runs %s", act.Citizen, biz.Label())
	}
	wage := d.Float("newWageAmount")
	if wage <= 0 {
		return Fail(KindMissingData, stage, "no wage amount")
	}
	if _, err := env.Store.Update(ctx, store.Buildings, biz.RecordID, store.Fields{"Wages": wage}); err != nil {
		return fmt.Errorf("update wages of %s: %w", biz.BuildingId, err)
	}
	if biz.Occupant != "" && biz.Occupant != act.Citizen {
		economy.Notify(ctx, env.Store, env.now(), biz.Occupant, "wage_change",
			fmt.Sprintf("💼 Wages at %s are now %.0f ducats per day", biz.Label(), wage),
			map[string]any{"building": biz.BuildingId, "previous": biz.Wages, "wages": wage})
	}
	slog.Info("wages adjusted", "building", biz.BuildingId, "from", biz.Wages, "to", wage)
	return nil
}

// createAdjustLease files a new lease price at the nearest public office.
func createAdjustLease(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	p := req.Params
	target, err := building(ctx, env.Store, p.First("buildingIdToAdjust", "buildingId"), TypeAdjustBuildingLease)
	if err != nil {
		return nil, err
	}
	price := p.Float("newLeasePrice")
	if price < 0 {
		return nil, Fail(KindMissingData, TypeAdjustBuildingLease, "newLeasePrice must not be negative")
	}
	if err := checkLeaseAuthority(ctx, env, req.Citizen.Username, target, TypeAdjustBuildingLease); err != nil {
		return nil, err
	}
	c, err := newChain(ctx, env, req, civicPriority)
	if err != nil {
		return nil, err
	}
	office, err := nearestOfType(ctx, env, req.Citizen, officeTypes)
	if err != nil {
		return nil, err
	}
	if office == nil {
		office = target
	}
	if _, err := c.travel(ctx, TypeGotoLocation, office, true); err != nil {
		return nil, err
	}
	a := c.add(TypeFileLeaseAdjustment, paperworkTime)
	a.ToBuilding = office.BuildingId
	a.Title = fmt.Sprintf("Filing a lease change for %s", target.Label())
	embed(a, Params{"buildingIdToAdjust": target.BuildingId, "newLeasePrice": price})
	return c.result(), nil
}

// checkLeaseAuthority allows the land owner, or the building owner when
// the land is unowned, to set a building's lease.
func checkLeaseAuthority(ctx context.Context, env *Env, username string, b *model.Building, stage string) error {
	if b.LandId != "" {
		land, err := model.GetLand(ctx, env.Store, b.LandId)
		if err == nil && land.Owner != "" {
			if land.Owner != username {
				return Fail(KindMissingData, stage, "%s does not own the land under %s", username, b.Label())
			}
			return nil
		}
	}
	if b.Owner != username {
		return Fail(KindMissingData, stage, "%s may not set the lease of %s", username, b.Label())
	}
	return nil
}

func processFileLeaseAdjustment(ctx context.Context, env *Env, act *model.Activity) error {
	stage := act.Type
	d := details(act)
	target, err := building(ctx, env.Store, d.String("buildingIdToAdjust"), stage)
	if err != nil {
		return err
	}
	if err := checkLeaseAuthority(ctx, env, act.Citizen, target, stage); err != nil {
		return err
	}
	price := d.Float("newLeasePrice")
	if _, err := env.Store.Update(ctx, store.Buildings, target.RecordID, store.Fields{"LeasePrice": price}); err != nil {
		return fmt.Errorf("update lease of %s: %w", target.BuildingId, err)
	}
	if target.Owner != "" && target.Owner != act.Citizen {
		economy.Notify(ctx, env.Store, env.now(), target.Owner, "lease_change",
			fmt.Sprintf("📜 The lease on %s is now %.0f ducats per day", target.Label(), price),
			map[string]any{"building": target.BuildingId, "previous": target.LeasePrice, "leasePrice": price, "landOwner": act.Citizen})
	}
	slog.Info("lease adjusted", "building", target.BuildingId, "from", target.LeasePrice, "to", price)
	return nil
}

// createImportAgreement registers a standing import order at the customs
// house.
func createImportAgreement(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	p := req.Params
	stage := TypeRegisterImportAgreement
	resourceType := p.String("resourceType")
	if resourceType == "" {
		return nil, Fail(KindMissingData, stage, "no resource type")
	}
	if _, ok := env.catalog(ctx).Resource(resourceType); !ok {
		return nil, Fail(KindMissingData, stage, "unknown resource %s", resourceType)
	}
	amount := p.Float("targetAmount")
	if amount <= 0 {
		return nil, Fail(KindMissingData, stage, "targetAmount must be positive")
	}
	office, err := nearestOfType(ctx, env, req.Citizen, officeTypes[:1])
	if err != nil {
		return nil, err
	}
	if office == nil {
		return nil, Fail(KindEntityMissing, stage, "no customs house")
	}
	c, err := newChain(ctx, env, req, civicPriority)
	if err != nil {
		return nil, err
	}
	if _, err := c.travel(ctx, TypeGotoLocation, office, true); err != nil {
		return nil, err
	}
	a := c.add(TypeRegisterImportAgreement, paperworkTime)
	a.ToBuilding = office.BuildingId
	a.Title = fmt.Sprintf("Registering an import of %s", resourceType)
	embed(a, Params{
		"resourceType":     resourceType,
		"targetAmount":     amount,
		"pricePerResource": p.Float("pricePerResource"),
		"buyerBuildingId":  p.String("buyerBuildingId"),
		"contractId":       p.String("contractId"),
	})
	return c.result(), nil
}

// processImportAgreement creates the import contract, or renews the
// citizen's existing one for the same resource.
func processImportAgreement(ctx context.Context, env *Env, act *model.Activity) error {
	stage := act.Type
	d := details(act)
	resourceType := d.String("resourceType")
	amount := d.Float("targetAmount")
	if resourceType == "" || amount <= 0 {
		return Fail(KindMissingData, stage, "incomplete import agreement")
	}
	price := d.Float("pricePerResource")
	if price <= 0 {
		def, _ := env.catalog(ctx).Resource(resourceType)
		price = def.ImportPrice
	}
	now := env.now()
	fields := store.Fields{
		"PricePerResource": price,
		"TargetAmount":     amount,
		"EndAt":            now.Add(importValidity),
		"Status":           model.ContractActive,
	}
	if b := d.String("buyerBuildingId"); b != "" {
		fields["BuyerBuilding"] = b
	}

	existing, err := existingImport(ctx, env, act.Citizen, resourceType, d.String("contractId"))
	if err != nil {
		return err
	}
	if existing != nil {
		if _, err := env.Store.Update(ctx, store.Contracts, existing.RecordID, fields); err != nil {
			return fmt.Errorf("renew import %s: %w", existing.ContractId, err)
		}
		slog.Info("import agreement renewed", "citizen", act.Citizen, "contract", existing.ContractId, "resource", resourceType)
		return nil
	}
	id := model.NewID("import")
	fields["ContractId"] = id
	fields["Type"] = model.ContractImport
	fields["Title"] = fmt.Sprintf("Import of %s for %s", resourceType, act.Citizen)
	fields["Buyer"] = act.Citizen
	fields["Seller"] = model.ForeignAccount
	fields["ResourceType"] = resourceType
	fields["CreatedAt"] = now
	if _, err := env.Store.Create(ctx, store.Contracts, fields); err != nil {
		return fmt.Errorf("create import contract: %w", err)
	}
	slog.Info("import agreement registered", "citizen", act.Citizen, "contract", id, "resource", resourceType, "amount", amount)
	return nil
}

func existingImport(ctx context.Context, env *Env, buyer, resourceType, id string) (*model.Contract, error) {
	if id != "" {
		ct, err := contract(ctx, env.Store, id, TypeRegisterImportAgreement)
		if err != nil {
			return nil, err
		}
		if ct.Buyer != buyer {
			return nil, Fail(KindMissingData, TypeRegisterImportAgreement, "contract %s belongs to %s", id, ct.Buyer)
		}
		return ct, nil
	}
	rec, err := store.FindOne(ctx, env.Store, store.Contracts, store.And(
		store.Eq("Type", model.ContractImport),
		store.Eq("Buyer", buyer),
		store.Eq("ResourceType", resourceType),
		store.Eq("Status", model.ContractActive),
	))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return model.Decode[model.Contract](rec)
}

// nearestOfType returns the building of one of types closest to c, or
// nil when none exists.
func nearestOfType(ctx context.Context, env *Env, c *model.Citizen, types []string) (*model.Building, error) {
	bs, err := model.List[model.Building](ctx, env.Store, store.Buildings, store.Query{
		Filter: store.In("Type", types...),
	})
	if err != nil {
		return nil, err
	}
	return nearest(ctx, env, c, bs), nil
}
