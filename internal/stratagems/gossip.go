package stratagems

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/serenissima/engine/internal/activities"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
)

const TypeMarketplaceGossip = "marketplace_gossip"

const maxGossipSpots = 3

// gossipSubCategories are where crowds gather.
var gossipSubCategories = map[string]bool{
	"retail_food": true,
	"hospitality": true,
	"leisure":     true,
	"religious":   true,
}

type gossipPlan struct {
	Locations     []string `json:"locations"`
	Rumor         string   `json:"rumor"`
	TargetCitizen string   `json:"targetCitizen,omitempty"`
}

// createGossip picks the busiest public places now and stores them with
// the rumor, so the processor only has to dispatch.
func createGossip(ctx context.Context, env *Env, req *Request) (*model.Stratagem, error) {
	p := req.Params
	rumor := p.First("gossipContent", "rumorText")
	if rumor == "" {
		return nil, activities.Fail(activities.KindMissingData, TypeMarketplaceGossip, "no gossip to spread")
	}
	target := p.String("targetCitizen")
	if target != "" {
		if _, err := model.GetCitizen(ctx, env.Store, target); errors.Is(err, store.ErrNotFound) {
			return nil, activities.Fail(activities.KindEntityMissing, TypeMarketplaceGossip, "target %s not found", target)
		} else if err != nil {
			return nil, err
		}
	}
	spots, err := busiestPlaces(ctx, env, maxGossipSpots)
	if err != nil {
		return nil, err
	}
	if len(spots) == 0 {
		return nil, activities.Fail(activities.KindEntityMissing, TypeMarketplaceGossip, "no public place to gossip in")
	}
	return &model.Stratagem{
		Name:          "Marketplace gossip",
		Category:      "social",
		TargetCitizen: target,
		Description:   fmt.Sprintf("%s spreads word around the markets.", req.Executor.DisplayName()),
		Notes:         model.EmbedDetails("", gossipPlan{Locations: spots, Rumor: rumor, TargetCitizen: target}),
	}, nil
}

// processGossip enqueues a walk and a whisper at each stored place, then
// reports the stratagem executed.
func processGossip(ctx context.Context, env *Env, s *model.Stratagem) (Outcome, error) {
	var plan gossipPlan
	if err := model.ExtractDetailsInto(s.Notes, &plan); err != nil || plan.Rumor == "" || len(plan.Locations) == 0 {
		return Continue, activities.Fail(activities.KindMissingData, s.Type, "gossip plan missing from notes")
	}
	var planned []string
	for _, id := range plan.Locations {
		_, err := env.Requester.RequestActivity(ctx, s.ExecutedBy, activities.TypeSpreadRumor, map[string]any{
			"targetBuildingId": id,
			"rumorText":        plan.Rumor,
			"targetCitizen":    plan.TargetCitizen,
			"stratagemId":      s.StratagemId,
		})
		var f *activities.Failure
		if errors.As(err, &f) {
			slog.Warn("gossip stop skipped", "stratagem", s.StratagemId, "building", id, "reason", f.Reason)
			continue
		}
		if err != nil {
			return Continue, err
		}
		planned = append(planned, id)
	}
	if len(planned) == 0 {
		return Continue, activities.Fail(activities.KindEntityMissing, s.Type, "none of %v could be reached", plan.Locations)
	}
	log(ctx, env, s, "Gossip planned at %v", planned)
	return Executed, nil
}

// busiestPlaces ranks public buildings by how many citizens are there.
func busiestPlaces(ctx context.Context, env *Env, n int) ([]string, error) {
	cat := env.catalog(ctx)
	buildings, err := model.List[model.Building](ctx, env.Store, store.Buildings, store.Query{
		Filter: store.Eq("IsConstructed", true),
	})
	if err != nil {
		return nil, err
	}
	var public []*model.Building
	for _, b := range buildings {
		def, ok := cat.Building(b.Type)
		if ok && gossipSubCategories[def.SubCategory] {
			public = append(public, b)
		}
	}
	if len(public) == 0 {
		return nil, nil
	}
	citizens, err := model.List[model.Citizen](ctx, env.Store, store.Citizens, store.Query{Filter: store.NotBlank("Position")})
	if err != nil {
		return nil, err
	}
	crowd := make(map[string]int, len(public))
	for _, c := range citizens {
		for _, b := range public {
			if model.IsAt(c.Position, b) {
				crowd[b.BuildingId]++
				break
			}
		}
	}
	sort.SliceStable(public, func(i, j int) bool {
		ci, cj := crowd[public[i].BuildingId], crowd[public[j].BuildingId]
		if ci != cj {
			return ci > cj
		}
		return public[i].BuildingId < public[j].BuildingId
	})
	out := make([]string, 0, n)
	for _, b := range public {
		if len(out) == n {
			break
		}
		out = append(out, b.BuildingId)
	}
	return out, nil
}
