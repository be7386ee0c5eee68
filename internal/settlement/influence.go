package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/serenissima/engine/internal/clock"
	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
)

// BaseInfluence is the daily grant every active citizen receives.
const BaseInfluence = 100.0

// Influence accrues daily influence from buildings owned, a base grant
// and the standing of one's home.
//
// Each building carries its own LastInfluenceAt marker and the citizen's
// marker covers only the base grant, so a run restricted with
// Options.BuildingType never pays a building twice in one day and never
// blocks the base grant of the full run.
type Influence struct{ *Deps }

func (Influence) Name() string { return "process_influence" }

type grant struct {
	amount    float64
	sources   []string
	buildings []*model.Building
	base      bool
}

func (j Influence) Run(ctx context.Context, o Options) (*Summary, error) {
	now := o.now()
	sum := newSummary(j.Name(), o)
	citizens, err := model.List[model.Citizen](ctx, j.Store, store.Citizens, store.Query{
		Filter: store.Not(store.In("Username", model.StateAccount, model.ForeignAccount)),
	})
	if err != nil {
		return nil, fmt.Errorf("list citizens: %w", err)
	}
	byName := make(map[string]*model.Citizen, len(citizens))
	for _, c := range citizens {
		byName[c.Username] = c
	}
	cutoff := clock.StartOfPreviousDay(now)
	active := func(c *model.Citizen) bool {
		return c.IsAI || (c.LastActiveAt != nil && !c.LastActiveAt.Before(cutoff))
	}

	grants := map[string]*grant{}
	settled := map[string]bool{}
	add := func(username string, amount float64, source string, from *model.Building) {
		c, ok := byName[username]
		if !ok || amount <= 0 || !active(c) {
			return
		}
		if (from == nil && settledWithin(c.LastInfluenceAt, now, DailyWindow)) ||
			(from != nil && settledWithin(from.LastInfluenceAt, now, DailyWindow)) {
			settled[username] = true
			return
		}
		g := grants[username]
		if g == nil {
			g = &grant{}
			grants[username] = g
		}
		g.amount += amount
		g.sources = append(g.sources, source)
		if from != nil {
			g.buildings = append(g.buildings, from)
		} else {
			g.base = true
		}
	}

	buildings, err := model.List[model.Building](ctx, j.Store, store.Buildings, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("list buildings: %w", err)
	}
	cat := j.catalog(ctx)
	for _, b := range buildings {
		if o.BuildingType != "" && b.Type != o.BuildingType {
			continue
		}
		def, ok := cat.Building(b.Type)
		if !ok {
			continue
		}
		if def.DailyInfluence > 0 && b.Owner != "" {
			add(b.Owner, def.DailyInfluence, b.BuildingId, b)
		}
		if b.Category == "home" && b.Occupant != "" && def.ConsumeTier > 0 {
			add(b.Occupant, float64(def.ConsumeTier)*10, "home:"+b.BuildingId, b)
		}
	}
	if o.BuildingType == "" {
		for _, c := range citizens {
			add(c.Username, BaseInfluence, "base", nil)
		}
	}

	names := make([]string, 0, len(grants))
	for u := range grants {
		names = append(names, u)
	}
	for u := range settled {
		if grants[u] == nil {
			sum.skip()
		}
	}
	sort.Strings(names)
	for _, u := range names {
		c, g := byName[u], grants[u]
		each(sum, u, func() error { return j.credit(ctx, o, sum, c, g, now) })
	}
	return finish(ctx, j.Deps, sum, now), nil
}

func (j Influence) credit(ctx context.Context, o Options, sum *Summary, c *model.Citizen, g *grant, now time.Time) error {
	sum.success("", c.Username, dec(g.amount))
	if o.DryRun {
		return nil
	}
	fields := store.Fields{"Influence": c.Influence + g.amount}
	if g.base {
		fields["LastInfluenceAt"] = now
	}
	if _, err := j.Store.Update(ctx, store.Citizens, c.RecordID, fields); err != nil {
		return fmt.Errorf("credit influence to %s: %w", c.Username, err)
	}
	for _, b := range g.buildings {
		if err := mark(ctx, j.Store, o, store.Buildings, b.RecordID, "LastInfluenceAt", now); err != nil {
			return fmt.Errorf("building %s: %w", b.BuildingId, err)
		}
	}
	if o.Verbose {
		economy.Notify(ctx, j.Store, now, c.Username, "influence_gained",
			fmt.Sprintf("✨ You gained %.0f influence today.", g.amount),
			map[string]any{"amount": g.amount, "sources": g.sources})
	}
	return nil
}
