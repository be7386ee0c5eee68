package activities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/serenissima/engine/internal/clock"
	"github.com/serenissima/engine/internal/ledger"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
)

// Movement activity types.
const (
	TypeGotoLocation = "goto_location"
	TypeGotoHome     = "goto_home"
	TypeGotoWork     = "goto_work"
	TypeRest         = "rest"
	TypeIdle         = "idle"
)

const maxRest = 12 * time.Hour

func registerMovement(f *Fabric) {
	f.RegisterCreator(TypeGotoLocation, createGotoLocation)
	f.RegisterCreator(TypeGotoHome, createGotoHome)
	f.RegisterCreator(TypeGotoWork, createGotoWork)
	f.RegisterCreator(TypeRest, createRest)
	f.RegisterCreator(TypeIdle, createIdle)

	f.RegisterProcessor(TypeGotoLocation, processGoto)
	f.RegisterProcessor(TypeGotoHome, processGoto)
	f.RegisterProcessor(TypeGotoWork, processGoto)
	f.RegisterProcessor(TypeRest, processRest)
	f.RegisterProcessor(TypeIdle, processIdle)
}

func createGotoLocation(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	dest, err := building(ctx, env.Store, req.Params.First("targetBuildingId", "buildingId", "toBuildingId"), TypeGotoLocation)
	if err != nil {
		return nil, err
	}
	c, err := newChain(ctx, env, req, DefaultPriority)
	if err != nil {
		return nil, err
	}
	a, err := c.travel(ctx, TypeGotoLocation, dest, true)
	if err != nil || a == nil {
		return nil, err
	}
	if note := req.Params.String("notes"); note != "" {
		a.Notes = note
	}
	return c.result(), nil
}

func createGotoHome(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	home, err := model.Home(ctx, env.Store, req.Citizen.Username)
	if err != nil {
		return nil, err
	}
	if home == nil {
		return nil, Fail(KindEntityMissing, TypeGotoHome, "%s has no home", req.Citizen.Username)
	}
	c, err := newChain(ctx, env, req, DefaultPriority)
	if err != nil {
		return nil, err
	}
	if _, err := c.travel(ctx, TypeGotoHome, home, true); err != nil {
		return nil, err
	}
	return c.result(), nil
}

func createGotoWork(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	work, err := model.Workplace(ctx, env.Store, req.Citizen.Username)
	if err != nil {
		return nil, err
	}
	if work == nil {
		return nil, Fail(KindEntityMissing, TypeGotoWork, "%s has no workplace", req.Citizen.Username)
	}
	c, err := newChain(ctx, env, req, DefaultPriority)
	if err != nil {
		return nil, err
	}
	if _, err := c.travel(ctx, TypeGotoWork, work, true); err != nil {
		return nil, err
	}
	return c.result(), nil
}

// restDuration runs from start until the class's rest window closes.
func restDuration(class string, start time.Time) time.Duration {
	venice := clock.InVenice(start)
	end := venice.Truncate(time.Hour).Add(time.Hour)
	for end.Sub(venice) < maxRest && clock.IsRestTime(class, end) {
		end = end.Add(time.Hour)
	}
	d := end.Sub(venice)
	if d < time.Hour {
		d = time.Hour
	}
	return d
}

func createRest(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	c, err := newChain(ctx, env, req, DefaultPriority)
	if err != nil {
		return nil, err
	}
	home, err := model.Home(ctx, env.Store, req.Citizen.Username)
	if err != nil {
		return nil, err
	}
	if home != nil {
		if _, err := c.travel(ctx, TypeGotoHome, home, true); err != nil {
			return nil, err
		}
	}
	a := c.add(TypeRest, restDuration(req.Citizen.SocialClass, c.next))
	a.Title = "Resting"
	if home != nil {
		a.ToBuilding = home.BuildingId
		a.Title = "Resting at " + home.Label()
	}
	return c.result(), nil
}

func createIdle(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	c, err := newChain(ctx, env, req, 1)
	if err != nil {
		return nil, err
	}
	d := time.Hour
	if h := req.Params.Float("durationHours"); h > 0 {
		d = time.Duration(h * float64(time.Hour))
	}
	a := c.add(TypeIdle, d)
	a.Title = "Idling"
	if reason := req.Params.String("reason"); reason != "" {
		a.Notes = reason
	}
	return c.result(), nil
}

// processGoto moves the citizen to the destination and, at a workplace,
// deposits what they carry for the operator.
func processGoto(ctx context.Context, env *Env, act *model.Activity) error {
	c, err := citizen(ctx, env.Store, act.Citizen, act.Type)
	if err != nil {
		return err
	}
	dest, err := building(ctx, env.Store, act.ToBuilding, act.Type)
	if err != nil {
		return err
	}
	if err := moveTo(ctx, env, c, dest); err != nil {
		return err
	}
	if dest.Category == "business" && (dest.Occupant == c.Username || dest.RunBy == c.Username) {
		if _, err := depositCarried(ctx, env, c, dest); err != nil {
			var f *Failure
			if errors.As(err, &f) {
				slog.Info("workplace deposit skipped", "citizen", c.Username, "building", dest.BuildingId, "reason", f.Reason)
				return nil
			}
			return err
		}
	}
	return nil
}

// depositCarried moves into b every carried stack owned by b's operator,
// plus the citizen's own goods when b is commercial storage. Nothing
// moves if the total would exceed b's capacity.
func depositCarried(ctx context.Context, env *Env, c *model.Citizen, b *model.Building) (float64, error) {
	def, _ := env.catalog(ctx).Building(b.Type)
	operator := b.Operator()
	inv, err := ledger.Inventory(ctx, env.Store, c.Username)
	if err != nil {
		return 0, err
	}
	var eligible []*model.Resource
	var amount float64
	for _, st := range inv {
		if st.Owner == operator || (def.CommercialStorage && st.Owner == c.Username) {
			eligible = append(eligible, st)
			amount += st.Count
		}
	}
	if amount == 0 {
		return 0, nil
	}
	load, err := ledger.BuildingLoad(ctx, env.Store, b.BuildingId)
	if err != nil {
		return 0, err
	}
	if load+amount > def.StorageCapacity {
		env.Trust.Trust(ctx, c.Username, operator, -relationships.Simple, "deposit", false, "storage_full")
		return 0, Fail(KindInsufficientCapacity, "deposit", "%s is full (%.1f + %.1f > %.1f)", b.Label(), load, amount, def.StorageCapacity)
	}
	now := env.now()
	for _, st := range eligible {
		if err := ledger.Move(ctx, env.Store,
			ledger.Carried(c.Username, st.Owner, st.Type),
			ledger.AtBuilding(b.BuildingId, st.Owner, st.Type), st.Count, now); err != nil {
			return 0, fmt.Errorf("deposit %s: %w", st.Type, err)
		}
	}
	slog.Debug("deposited carried goods", "citizen", c.Username, "building", b.BuildingId, "amount", amount)
	return amount, nil
}

func processRest(ctx context.Context, env *Env, act *model.Activity) error {
	if act.ToBuilding == "" {
		return nil
	}
	c, err := citizen(ctx, env.Store, act.Citizen, act.Type)
	if err != nil {
		return err
	}
	home, err := building(ctx, env.Store, act.ToBuilding, act.Type)
	if err != nil {
		return err
	}
	if !model.IsAt(c.Position, home) {
		return Fail(KindMissingData, act.Type, "%s is not at %s", c.Username, home.Label())
	}
	return nil
}

func processIdle(context.Context, *Env, *model.Activity) error { return nil }
