package activities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/serenissima/engine/internal/facade"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
)

// DefaultPriority is used when a creator does not set one.
const DefaultPriority = 10

// chain builds contiguous activities for one citizen.
type chain struct {
	env      *Env
	citizen  *model.Citizen
	now      time.Time
	next     time.Time
	priority int
	acts     []*model.Activity
}

// newChain starts a chain at the latest of the requested start, the end
// of the citizen's pending activities, and now.
func newChain(ctx context.Context, env *Env, req *Request, priority int) (*chain, error) {
	now := env.now()
	start := now
	if req.StartAt != nil && req.StartAt.After(start) {
		start = *req.StartAt
	}
	pending, err := model.ActiveActivities(ctx, env.Store, req.Citizen.Username)
	if err != nil {
		return nil, fmt.Errorf("load pending activities: %w", err)
	}
	for _, a := range pending {
		if a.EndDate.After(start) {
			start = a.EndDate
		}
	}
	if p := int(req.Params.Float("priority")); p > 0 {
		priority = p
	}
	return &chain{env: env, citizen: req.Citizen, now: now, next: start.UTC(), priority: priority}, nil
}

// add appends an activity lasting d that starts where the chain ends.
func (c *chain) add(typ string, d time.Duration) *model.Activity {
	a := &model.Activity{
		ActivityId: model.NewID(typ),
		Citizen:    c.citizen.Username,
		Type:       typ,
		Status:     model.ActivityCreated,
		StartDate:  c.next,
		EndDate:    c.next.Add(d),
		CreatedAt:  c.now,
		Priority:   c.priority,
	}
	c.next = a.EndDate
	c.acts = append(c.acts, a)
	return a
}

// travel appends a movement activity along a path from the citizen's
// current (or planned) position to dest. It is skipped when the citizen
// is already there and skipIfThere is set.
func (c *chain) travel(ctx context.Context, typ string, dest *model.Building, skipIfThere bool) (*model.Activity, error) {
	from, fromBuilding, err := c.origin(ctx)
	if err != nil {
		return nil, err
	}
	if skipIfThere && fromBuilding != nil && fromBuilding.BuildingId == dest.BuildingId {
		return nil, nil
	}
	if skipIfThere && fromBuilding == nil && model.IsAt(c.citizen.Position, dest) && len(c.acts) == 0 {
		return nil, nil
	}
	path, err := facade.PathBetween(ctx, c.env.Paths, from, facade.AtBuilding(dest), c.next)
	if err != nil {
		return nil, Fail(KindPathUnavailable, typ, "no path to %s: %v", dest.BuildingId, err)
	}
	a := c.add(typ, time.Duration(path.DurationMinutes())*time.Minute)
	a.ToBuilding = dest.BuildingId
	if fromBuilding != nil {
		a.FromBuilding = fromBuilding.BuildingId
	}
	a.Path = path.JSON()
	a.Transporter = path.Transporter
	a.Title = fmt.Sprintf("Travelling to %s", dest.Label())
	return a, nil
}

// origin is where the next step starts: the destination of the last
// planned step, or the citizen's position.
func (c *chain) origin(ctx context.Context) (facade.Location, *model.Building, error) {
	for i := len(c.acts) - 1; i >= 0; i-- {
		if id := c.acts[i].ToBuilding; id != "" {
			b, err := model.GetBuilding(ctx, c.env.Store, id)
			if err != nil {
				return facade.Location{}, nil, Fail(KindEntityMissing, "plan", "building %s: %v", id, err)
			}
			return facade.AtBuilding(b), b, nil
		}
	}
	return citizenLocation(ctx, c.env.Store, c.citizen)
}

func (c *chain) result() []*model.Activity { return c.acts }

// citizenLocation resolves a citizen's Position, which is either a
// {lat,lng} JSON point or a building id.
func citizenLocation(ctx context.Context, s store.Store, citizen *model.Citizen) (facade.Location, *model.Building, error) {
	if p, err := model.ParsePosition(citizen.Position); err == nil {
		return facade.At(*p), nil, nil
	}
	if citizen.Position != "" {
		b, err := model.GetBuilding(ctx, s, citizen.Position)
		if err == nil {
			return facade.AtBuilding(b), b, nil
		}
		if p, err := model.CoordsFromPointID(citizen.Position); err == nil {
			return facade.At(*p), nil, nil
		}
	}
	return facade.Location{}, nil, Fail(KindMissingData, "plan", "citizen %s has no position", citizen.Username)
}

// building loads a building for a processor or creator, mapping a miss
// to an entity_missing failure.
func building(ctx context.Context, s store.Store, id, stage string) (*model.Building, error) {
	if id == "" {
		return nil, Fail(KindMissingData, stage, "no building given")
	}
	b, err := model.GetBuilding(ctx, s, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Fail(KindEntityMissing, stage, "building %s not found", id)
	}
	return b, err
}

// citizen loads a citizen, mapping a miss to entity_missing.
func citizen(ctx context.Context, s store.Store, username, stage string) (*model.Citizen, error) {
	c, err := model.GetCitizen(ctx, s, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Fail(KindEntityMissing, stage, "citizen %s not found", username)
	}
	return c, err
}

// contract loads a contract, mapping a miss to entity_missing.
func contract(ctx context.Context, s store.Store, id, stage string) (*model.Contract, error) {
	c, err := model.GetContract(ctx, s, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Fail(KindEntityMissing, stage, "contract %s not found", id)
	}
	return c, err
}

// moveTo sets a citizen's position to a building's coordinates.
func moveTo(ctx context.Context, env *Env, c *model.Citizen, b *model.Building) error {
	pos := b.BuildingId
	if p, err := b.Coords(); err == nil {
		pos = p.String()
	}
	if _, err := env.Store.Update(ctx, store.Citizens, c.RecordID, store.Fields{
		"Position":     pos,
		"LastActiveAt": env.now(),
	}); err != nil {
		return fmt.Errorf("move %s: %w", c.Username, err)
	}
	c.Position = pos
	return nil
}

// nearest picks the building closest to the citizen.
func nearest(ctx context.Context, env *Env, c *model.Citizen, candidates []*model.Building) *model.Building {
	if len(candidates) == 0 {
		return nil
	}
	loc, _, err := citizenLocation(ctx, env.Store, c)
	if err != nil {
		return candidates[0]
	}
	here, err := loc.Coords()
	if err != nil {
		return candidates[0]
	}
	var best *model.Building
	bestDist := 0.0
	for _, b := range candidates {
		p, err := b.Coords()
		if err != nil {
			continue
		}
		d := model.DistanceMeters(*here, *p)
		if best == nil || d < bestDist {
			best, bestDist = b, d
		}
	}
	if best == nil {
		return candidates[0]
	}
	return best
}

// embed stores details in an activity's notes.
func embed(a *model.Activity, d Params) {
	a.Notes = model.EmbedDetails(a.Notes, d)
}

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }
