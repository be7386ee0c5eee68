package activities

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/serenissima/engine/internal/clock"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
)

// HungerAfter is how long after a meal a citizen looks for food again.
const HungerAfter = 6 * time.Hour

// Planner chooses what an idle AI citizen does next.
type Planner struct {
	Fabric *Fabric
}

// NewPlanner returns a planner dispatching through f.
func NewPlanner(f *Fabric) *Planner { return &Planner{Fabric: f} }

type intent struct {
	typ    string
	params Params
}

// intents lists what c could do now, most pressing first.
func (p *Planner) intents(ctx context.Context, c *model.Citizen, now time.Time) ([]intent, error) {
	env := p.Fabric.Env()
	var out []intent
	if clock.IsRestTime(c.SocialClass, now) {
		out = append(out, intent{typ: TypeRest})
	}
	work, err := model.Workplace(ctx, env.Store, c.Username)
	if err != nil {
		return nil, err
	}
	if work != nil && !model.IsAt(c.Position, work) {
		def, _ := env.catalog(ctx).Building(work.Type)
		if clock.IsWorkTimeWith(c.SocialClass, now, work.Type, def.WorkHours()) {
			out = append(out, intent{typ: TypeGotoWork})
		}
	}
	if c.AteAt == nil || now.Sub(*c.AteAt) >= HungerAfter {
		out = append(out, intent{typ: TypeEat})
	}
	if clock.IsLeisureTime(c.SocialClass, now) {
		sunday := clock.InVenice(now).Weekday() == time.Sunday
		if sunday && (c.SocialClass == model.ClassPopolani || c.SocialClass == model.ClassFacchini) {
			out = append(out, intent{typ: TypePray})
		}
		out = append(out, intent{typ: TypeDrinkAtInn})
	}
	out = append(out, intent{typ: TypeIdle, params: Params{"reason": "nothing to do"}})
	return out, nil
}

// Plan creates the first feasible intent for c. Domain failures move on
// to the next intent; system errors stop planning.
func (p *Planner) Plan(ctx context.Context, c *model.Citizen) ([]*model.Activity, error) {
	now := p.Fabric.Env().now()
	options, err := p.intents(ctx, c, now)
	if err != nil {
		return nil, err
	}
	for _, in := range options {
		acts, err := p.Fabric.Create(ctx, c.Username, in.typ, in.params)
		var f *Failure
		if errors.As(err, &f) {
			slog.Debug("intent not feasible", "citizen", c.Username, "intent", in.typ, "reason", f.Reason)
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(acts) > 0 {
			return acts, nil
		}
	}
	return nil, nil
}

// IdleCitizens returns AI citizens with no created or in-progress
// activity, read fresh from the Activities table.
func IdleCitizens(ctx context.Context, s store.Store, limit int) ([]*model.Citizen, error) {
	busy, err := s.All(ctx, store.Activities, store.Query{
		Filter: store.In("Status", model.ActivityCreated, model.ActivityInProgress),
	})
	if err != nil {
		return nil, err
	}
	isBusy := map[string]bool{}
	for _, r := range busy {
		isBusy[r.Fields.String("Citizen")] = true
	}
	citizens, err := model.List[model.Citizen](ctx, s, store.Citizens, store.Query{
		Filter: store.And(
			store.Eq("IsAI", true),
			store.Not(store.In("Username", model.StateAccount, model.ForeignAccount)),
		),
		Sort: []store.Sort{{Field: "LastActiveAt"}},
	})
	if err != nil {
		return nil, err
	}
	var out []*model.Citizen
	for _, c := range citizens {
		if isBusy[c.Username] {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
