package activities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/serenissima/engine/internal/facade"
	"github.com/serenissima/engine/internal/llm"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
)

const (
	TypePray        = "pray"
	TypeSpreadRumor = "spread_rumor"
)

const (
	prayerTime      = 30 * time.Minute
	rumorTime       = 30 * time.Minute
	prayerInfluence = 2.0
	maxListeners    = 5
)

func registerSocial(f *Fabric) {
	f.RegisterCreator(TypePray, createPray)
	f.RegisterCreator(TypeSpreadRumor, createSpreadRumor)
	f.RegisterProcessor(TypePray, processPray)
	f.RegisterProcessor(TypeSpreadRumor, processSpreadRumor)
}

// religiousTypes lists the building types where citizens pray.
func religiousTypes(ctx context.Context, env *Env) []string {
	var out []string
	for _, def := range env.catalog(ctx).BuildingList() {
		if def.SubCategory == "religious" {
			out = append(out, def.Type)
		}
	}
	return out
}

func createPray(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	var church *model.Building
	var err error
	if id := req.Params.First("targetBuildingId", "buildingId"); id != "" {
		church, err = building(ctx, env.Store, id, TypePray)
	} else {
		church, err = nearestOfType(ctx, env, req.Citizen, religiousTypes(ctx, env))
	}
	if err != nil {
		return nil, err
	}
	if church == nil {
		return nil, Fail(KindEntityMissing, TypePray, "no church to pray at")
	}
	c, err := newChain(ctx, env, req, DefaultPriority)
	if err != nil {
		return nil, err
	}
	if _, err := c.travel(ctx, TypeGotoLocation, church, true); err != nil {
		return nil, err
	}
	a := c.add(TypePray, prayerTime)
	a.ToBuilding = church.BuildingId
	a.Title = "Praying at " + church.Label()
	return c.result(), nil
}

// processPray grants a little influence and, when an LLM is configured,
// queues a private reflection that is saved as a message to self.
func processPray(ctx context.Context, env *Env, act *model.Activity) error {
	c, err := citizen(ctx, env.Store, act.Citizen, act.Type)
	if err != nil {
		return err
	}
	church, err := building(ctx, env.Store, act.ToBuilding, act.Type)
	if err != nil {
		return err
	}
	if err := moveTo(ctx, env, c, church); err != nil {
		return err
	}
	if _, err := env.Store.Update(ctx, store.Citizens, c.RecordID, store.Fields{
		"Influence": c.Influence + prayerInfluence,
	}); err != nil {
		return fmt.Errorf("grant influence to %s: %w", c.Username, err)
	}
	env.Trust.Trust(ctx, c.Username, church.Operator(), relationships.Minor, act.Type, true, "")

	if env.LLM.Enabled() {
		rc := llm.ReflectionContext{Username: c.Username, Name: c.DisplayName(), Place: church.Label()}
		recordID, notes := act.RecordID, act.Notes
		env.Worker.Submit(func(ctx context.Context) {
			reflectOnPrayer(ctx, env, rc, recordID, notes)
		})
	}
	return nil
}

// reflectOnPrayer runs on the worker. It writes one message and one
// Notes update, nothing else.
func reflectOnPrayer(ctx context.Context, env *Env, rc llm.ReflectionContext, recordID, notes string) {
	if env.Ledger != nil {
		if snap, err := env.Ledger.Ledger(ctx, rc.Username); err == nil {
			rc.Ledger = snap
		} else {
			slog.Debug("ledger unavailable for reflection", "citizen", rc.Username, "error", err)
		}
	}
	text, err := llm.PrayerReflection(ctx, env.LLM, rc)
	if err != nil {
		if !errors.Is(err, llm.ErrDisabled) {
			slog.Warn("prayer reflection failed", "citizen", rc.Username, "error", err)
		}
		return
	}
	if env.Messenger != nil {
		if err := env.Messenger.Send(ctx, facade.OutgoingMessage{
			Sender: rc.Username, Receiver: rc.Username, Content: text, Type: "prayer_reflection", Channel: rc.Username,
		}); err != nil {
			slog.Warn("reflection not saved", "citizen", rc.Username, "error", err)
		}
	}
	if recordID != "" {
		updated := model.AppendNote(notes, env.now(), "Reflection: "+text)
		if _, err := env.Store.Update(ctx, store.Activities, recordID, store.Fields{"Notes": updated}); err != nil {
			slog.Warn("reflection not attached", "activity", recordID, "error", err)
		}
	}
}

// createSpreadRumor walks to a busy place to whisper about a target.
func createSpreadRumor(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error) {
	p := req.Params
	stage := TypeSpreadRumor
	place, err := building(ctx, env.Store, p.First("targetBuildingId", "locationBuildingId", "buildingId"), stage)
	if err != nil {
		return nil, err
	}
	gist := p.First("rumorText", "gossipContent", "rumor")
	if gist == "" {
		return nil, Fail(KindMissingData, stage, "nothing to whisper")
	}
	c, err := newChain(ctx, env, req, DefaultPriority)
	if err != nil {
		return nil, err
	}
	if _, err := c.travel(ctx, TypeGotoLocation, place, true); err != nil {
		return nil, err
	}
	a := c.add(TypeSpreadRumor, rumorTime)
	a.ToBuilding = place.BuildingId
	a.Title = "Gossiping at " + place.Label()
	embed(a, Params{
		"rumorText":     gist,
		"targetCitizen": p.String("targetCitizen"),
		"stratagemId":   p.String("stratagemId"),
	})
	return c.result(), nil
}

// processSpreadRumor passes the rumor to up to five citizens present at
// the place; each listener's trust in the target sags a little.
func processSpreadRumor(ctx context.Context, env *Env, act *model.Activity) error {
	stage := act.Type
	speaker, err := citizen(ctx, env.Store, act.Citizen, stage)
	if err != nil {
		return err
	}
	place, err := building(ctx, env.Store, act.ToBuilding, stage)
	if err != nil {
		return err
	}
	if err := moveTo(ctx, env, speaker, place); err != nil {
		return err
	}
	d := details(act)
	gist := d.String("rumorText")
	target := d.String("targetCitizen")
	if gist == "" {
		return Fail(KindMissingData, stage, "no rumor text")
	}

	listeners, err := citizensAt(ctx, env, place, speaker.Username, target)
	if err != nil {
		return err
	}
	for _, l := range listeners {
		env.Trust.Trust(ctx, speaker.Username, l.Username, relationships.Minor, stage, true, "")
		if target != "" {
			env.Trust.Trust(ctx, l.Username, target, relationships.MinorNegative, "rumor_heard", true, "")
		}
	}
	names := make([]string, 0, len(listeners))
	for _, l := range listeners {
		names = append(names, l.Username)
	}
	deliver := func(ctx context.Context, text string) {
		if env.Messenger == nil {
			return
		}
		for _, to := range names {
			if err := env.Messenger.Send(ctx, facade.OutgoingMessage{
				Sender: speaker.Username, Receiver: to, Content: text, Type: "rumor",
			}); err != nil {
				slog.Warn("rumor not delivered", "from", speaker.Username, "to", to, "error", err)
			}
		}
	}
	if len(names) > 0 && env.LLM.Enabled() && env.Worker != nil {
		who := speaker.DisplayName()
		env.Worker.Submit(func(ctx context.Context) {
			text, err := llm.RumorLine(ctx, env.LLM, who, target, gist)
			if err != nil {
				text = gist
			}
			deliver(ctx, text)
		})
	} else {
		deliver(ctx, gist)
	}
	slog.Info("rumor spread", "speaker", speaker.Username, "place", place.BuildingId, "target", target, "listeners", len(names))
	return nil
}

// citizensAt lists up to maxListeners citizens currently at b, leaving
// out the given usernames.
func citizensAt(ctx context.Context, env *Env, b *model.Building, exclude ...string) ([]*model.Citizen, error) {
	all, err := model.List[model.Citizen](ctx, env.Store, store.Citizens, store.Query{Filter: store.NotBlank("Position")})
	if err != nil {
		return nil, err
	}
	skip := map[string]bool{}
	for _, u := range exclude {
		skip[u] = true
	}
	var out []*model.Citizen
	for _, c := range all {
		if skip[c.Username] || !model.IsAt(c.Position, b) {
			continue
		}
		out = append(out, c)
		if len(out) == maxListeners {
			break
		}
	}
	return out, nil
}
