// Package activities plans and resolves citizen activities.
//
// A creator turns an intent ("eat", "fetch_resource") into one or more
// chained activity rows whose time windows follow each other. A processor
// fires when an activity's EndDate has passed and commits its effects
// through the ledger, economy and relationship packages. Processors never
// change an activity's Status; the orchestrator does that from the
// returned error.
package activities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/serenissima/engine/internal/catalog"
	"github.com/serenissima/engine/internal/clock"
	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/facade"
	"github.com/serenissima/engine/internal/llm"
	"github.com/serenissima/engine/internal/metrics"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
)

// LedgerSource returns a citizen's state snapshot for LLM prompts.
type LedgerSource interface {
	Ledger(ctx context.Context, username string) (json.RawMessage, error)
}

// Env carries the services creators and processors use.
type Env struct {
	Store     store.Store
	Catalog   catalog.Provider
	Economy   *economy.Economy
	Trust     *relationships.Engine
	Paths     facade.Pathfinder
	Messenger facade.Messenger
	Ledger    LedgerSource
	LLM       *llm.Client
	Clock     clock.Clock
	Worker    *Worker
}

func (e *Env) now() time.Time { return e.Clock.Now().UTC() }

func (e *Env) catalog(ctx context.Context) *catalog.Catalog {
	if e.Catalog == nil {
		return catalog.Default()
	}
	return e.Catalog.Catalog(ctx)
}

// Request is what a creator receives.
type Request struct {
	Citizen *model.Citizen
	Params  Params
	// StartAt is the caller-supplied earliest start, if any.
	StartAt *time.Time
}

// Creator plans the activities realizing one intent. A nil slice with a
// nil error means there is nothing to do.
type Creator func(ctx context.Context, env *Env, req *Request) ([]*model.Activity, error)

// Processor commits the effects of a due activity. It returns nil on
// success or a *Failure describing why the activity failed.
type Processor func(ctx context.Context, env *Env, act *model.Activity) error

// Fabric dispatches activity types to their creator and processor.
type Fabric struct {
	env        *Env
	creators   map[string]Creator
	processors map[string]Processor
}

// New builds a fabric with every built-in activity registered.
func New(env *Env) *Fabric {
	f := &Fabric{env: env, creators: map[string]Creator{}, processors: map[string]Processor{}}
	registerMovement(f)
	registerFetch(f)
	registerDelivery(f)
	registerLogistics(f)
	registerFood(f)
	registerCivic(f)
	registerSocial(f)
	return f
}

// Env returns the services the fabric was built with.
func (f *Fabric) Env() *Env { return f.env }

// RegisterCreator binds typ to c, replacing any previous creator.
func (f *Fabric) RegisterCreator(typ string, c Creator) { f.creators[typ] = c }

// RegisterProcessor binds typ to p, replacing any previous processor.
func (f *Fabric) RegisterProcessor(typ string, p Processor) { f.processors[typ] = p }

// CreatorTypes lists the intents the fabric can plan.
func (f *Fabric) CreatorTypes() []string { return keys(f.creators) }

// ProcessorTypes lists the activity types the fabric can resolve.
func (f *Fabric) ProcessorTypes() []string { return keys(f.processors) }

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Create plans typ for a citizen and writes the resulting chain.
func (f *Fabric) Create(ctx context.Context, username, typ string, params Params) ([]*model.Activity, error) {
	creator, ok := f.creators[typ]
	if !ok {
		return nil, Fail(KindMissingData, "create", "unknown activity type %q", typ)
	}
	citizen, err := model.GetCitizen(ctx, f.env.Store, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Fail(KindEntityMissing, "create", "citizen %s not found", username)
	}
	if err != nil {
		return nil, fmt.Errorf("load citizen %s: %w", username, err)
	}
	if params == nil {
		params = Params{}
	}
	req := &Request{Citizen: citizen, Params: params}
	if t, ok := params.Time("startTimeUtcIso"); ok {
		req.StartAt = &t
	}
	acts, err := creator(ctx, f.env, req)
	if err != nil {
		return nil, err
	}
	if err := f.persist(ctx, acts); err != nil {
		return nil, err
	}
	if len(acts) > 0 {
		slog.Info("activities planned", "citizen", username, "intent", typ, "count", len(acts), "first", acts[0].Type)
	}
	return acts, nil
}

func (f *Fabric) persist(ctx context.Context, acts []*model.Activity) error {
	for _, a := range acts {
		fields, err := model.ToFields(a)
		if err != nil {
			return fmt.Errorf("encode activity %s: %w", a.ActivityId, err)
		}
		rec, err := f.env.Store.Create(ctx, store.Activities, fields)
		if err != nil {
			return fmt.Errorf("write activity %s: %w", a.ActivityId, err)
		}
		a.RecordID = rec.ID
		metrics.ActivitiesCreated.WithLabelValues(a.Type).Inc()
	}
	return nil
}

// Process runs the processor for a due activity. Unknown types fail.
func (f *Fabric) Process(ctx context.Context, act *model.Activity) error {
	p, ok := f.processors[act.Type]
	if !ok {
		return Fail(KindMissingData, act.Type, "unknown activity type %q", act.Type)
	}
	return p(ctx, f.env, act)
}

// persistChain lets processors enqueue follow-up activities.
func persistChain(ctx context.Context, env *Env, acts []*model.Activity) error {
	return (&Fabric{env: env}).persist(ctx, acts)
}
