// Package stratagems runs long-lived plans that act through activities.
//
// A stratagem is created once by its creator, then visited by its
// processor on every orchestrator tick while it is active and not
// expired. Processors never move ducats or goods themselves; they ask
// for activities through an ActivityRequester and leave the effects to
// the activity processors.
package stratagems

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/serenissima/engine/internal/activities"
	"github.com/serenissima/engine/internal/catalog"
	"github.com/serenissima/engine/internal/clock"
	"github.com/serenissima/engine/internal/facade"
	"github.com/serenissima/engine/internal/metrics"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
)

// ActivityRequester plans activities for a citizen, the same way an
// external caller of try-create would.
type ActivityRequester interface {
	RequestActivity(ctx context.Context, username, activityType string, params map[string]any) ([]*model.Activity, error)
}

// Local requests activities from an in-process fabric.
type Local struct {
	Fabric *activities.Fabric
}

func (l Local) RequestActivity(ctx context.Context, username, typ string, params map[string]any) ([]*model.Activity, error) {
	return l.Fabric.Create(ctx, username, typ, activities.Params(params))
}

// Remote requests activities through the web façade's try-create
// endpoint.
type Remote struct {
	Client *facade.Client
}

func (r Remote) RequestActivity(ctx context.Context, username, typ string, params map[string]any) ([]*model.Activity, error) {
	resp, err := r.Client.TryCreate(ctx, facade.TryCreateRequest{
		CitizenUsername: username, ActivityType: typ, ActivityParameters: params,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		return nil, activities.Fail(activities.KindMissingData, typ, "try-create refused: %s", msg)
	}
	var out []*model.Activity
	for _, raw := range resp.Activities {
		var a model.Activity
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode planned activity: %w", err)
		}
		out = append(out, &a)
	}
	return out, nil
}

// Env carries the services stratagems use.
type Env struct {
	Store     store.Store
	Catalog   catalog.Provider
	Requester ActivityRequester
	Trust     *relationships.Engine
	Clock     clock.Clock
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
	Executor *model.Citizen
	Params   activities.Params
}

// Outcome tells the registry what to do with a stratagem after a visit.
type Outcome int

const (
	// Continue keeps the stratagem active for the next tick.
	Continue Outcome = iota
	// Executed marks the stratagem done.
	Executed
)

// Creator builds a new stratagem record and any setup it needs.
type Creator func(ctx context.Context, env *Env, req *Request) (*model.Stratagem, error)

// Processor visits an active stratagem. A *activities.Failure fails the
// stratagem; other errors leave it active for the next tick.
type Processor func(ctx context.Context, env *Env, s *model.Stratagem) (Outcome, error)

// Finalizer undoes standing arrangements when a stratagem expires.
type Finalizer func(ctx context.Context, env *Env, s *model.Stratagem) error

// Registry dispatches stratagem types.
type Registry struct {
	env        *Env
	creators   map[string]Creator
	processors map[string]Processor
	finalizers map[string]Finalizer
}

// New builds a registry with the built-in stratagems.
func New(env *Env) *Registry {
	r := &Registry{
		env:        env,
		creators:   map[string]Creator{},
		processors: map[string]Processor{},
		finalizers: map[string]Finalizer{},
	}
	r.Register(TypeHoardResource, createHoard, processHoard, nil)
	r.Register(TypeMarketplaceGossip, createGossip, processGossip, nil)
	r.Register(TypeSupplierLockout, createLockout, processLockout, finalizeLockout)
	return r
}

// Register binds a stratagem type. fin may be nil.
func (r *Registry) Register(typ string, c Creator, p Processor, fin Finalizer) {
	r.creators[typ] = c
	r.processors[typ] = p
	if fin != nil {
		r.finalizers[typ] = fin
	}
}

// Types lists the stratagem types that can be created.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.creators))
	for k := range r.creators {
		out = append(out, k)
	}
	return out
}

// Create runs the creator for typ and writes the stratagem.
func (r *Registry) Create(ctx context.Context, username, typ string, params map[string]any) (*model.Stratagem, error) {
	creator, ok := r.creators[typ]
	if !ok {
		return nil, activities.Fail(activities.KindMissingData, "create", "unknown stratagem type %q", typ)
	}
	exec, err := model.GetCitizen(ctx, r.env.Store, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, activities.Fail(activities.KindEntityMissing, "create", "citizen %s not found", username)
	}
	if err != nil {
		return nil, fmt.Errorf("load citizen %s: %w", username, err)
	}
	if params == nil {
		params = map[string]any{}
	}
	s, err := creator(ctx, r.env, &Request{Executor: exec, Params: params})
	if err != nil {
		return nil, err
	}
	now := r.env.now()
	s.Type = typ
	s.ExecutedBy = username
	s.Status = model.StratagemActive
	if s.StratagemId == "" {
		s.StratagemId = model.NewID("strat")
	}
	s.CreatedAt = now
	if s.ExpiresAt.IsZero() {
		s.ExpiresAt = now.Add(durationParam(params, 72*time.Hour))
	}
	s.Notes = note(s.Notes, now, "Created")
	fields, err := model.ToFields(s)
	if err != nil {
		return nil, err
	}
	rec, err := r.env.Store.Create(ctx, store.Stratagems, fields)
	if err != nil {
		return nil, fmt.Errorf("write stratagem: %w", err)
	}
	s.RecordID = rec.ID
	slog.Info("stratagem created", "type", typ, "executor", username, "id", s.StratagemId, "expires", s.ExpiresAt)
	return s, nil
}

// Active lists stratagems that are active and not yet expired.
func (r *Registry) Active(ctx context.Context) ([]*model.Stratagem, error) {
	return model.List[model.Stratagem](ctx, r.env.Store, store.Stratagems, store.Query{
		Filter: store.And(
			store.Eq("Status", model.StratagemActive),
			store.After("ExpiresAt", r.env.now()),
		),
		Sort: []store.Sort{{Field: "CreatedAt"}},
	})
}

// ExpireDue closes active stratagems whose ExpiresAt has passed.
func (r *Registry) ExpireDue(ctx context.Context) (int, error) {
	now := r.env.now()
	due, err := model.List[model.Stratagem](ctx, r.env.Store, store.Stratagems, store.Query{
		Filter: store.And(
			store.Eq("Status", model.StratagemActive),
			store.OnOrBefore("ExpiresAt", now),
		),
	})
	if err != nil {
		return 0, err
	}
	for _, s := range due {
		if fin, ok := r.finalizers[s.Type]; ok {
			if err := fin(ctx, r.env, s); err != nil {
				slog.Warn("stratagem finalizer failed", "id", s.StratagemId, "error", err)
			}
		}
		if err := r.setStatus(ctx, s, model.StratagemExecuted, "Expired"); err != nil {
			return 0, err
		}
		metrics.StratagemsProcessed.WithLabelValues(s.Type, "expired").Inc()
	}
	return len(due), nil
}

// Process visits one stratagem and records the outcome.
func (r *Registry) Process(ctx context.Context, s *model.Stratagem) error {
	if s.Status != model.StratagemActive {
		return nil
	}
	if !r.env.now().Before(s.ExpiresAt) {
		return nil
	}
	p, ok := r.processors[s.Type]
	if !ok {
		return r.fail(ctx, s, activities.Fail(activities.KindMissingData, s.Type, "unknown stratagem type %q", s.Type))
	}
	out, err := p(ctx, r.env, s)
	var f *activities.Failure
	switch {
	case errors.As(err, &f):
		return r.fail(ctx, s, f)
	case err != nil:
		metrics.StratagemsProcessed.WithLabelValues(s.Type, "error").Inc()
		slog.Warn("stratagem visit failed, retrying next tick", "id", s.StratagemId, "type", s.Type, "error", err)
		return nil
	case out == Executed:
		metrics.StratagemsProcessed.WithLabelValues(s.Type, model.StratagemExecuted).Inc()
		return r.setStatus(ctx, s, model.StratagemExecuted, "Executed")
	}
	metrics.StratagemsProcessed.WithLabelValues(s.Type, "continued").Inc()
	return nil
}

func (r *Registry) fail(ctx context.Context, s *model.Stratagem, f *activities.Failure) error {
	metrics.StratagemsProcessed.WithLabelValues(s.Type, model.StratagemFailed).Inc()
	slog.Warn("stratagem failed", "id", s.StratagemId, "type", s.Type, "kind", f.Kind, "reason", f.Reason)
	s.Notes = activities.FailureNote(s.Notes, f, r.env.now())
	_, err := r.env.Store.Update(ctx, store.Stratagems, s.RecordID, store.Fields{
		"Status": model.StratagemFailed,
		"Notes":  s.Notes,
	})
	if err != nil {
		return fmt.Errorf("fail stratagem %s: %w", s.StratagemId, err)
	}
	s.Status = model.StratagemFailed
	return nil
}

func (r *Registry) setStatus(ctx context.Context, s *model.Stratagem, status, line string) error {
	now := r.env.now()
	s.Notes = note(s.Notes, now, line)
	fields := store.Fields{"Status": status, "Notes": s.Notes}
	if status == model.StratagemExecuted {
		fields["ExecutedAt"] = now
	}
	if _, err := r.env.Store.Update(ctx, store.Stratagems, s.RecordID, fields); err != nil {
		return fmt.Errorf("update stratagem %s: %w", s.StratagemId, err)
	}
	s.Status = status
	return nil
}

// note appends a line stamped in Venice time.
func note(notes string, now time.Time, line string) string {
	return model.AppendNote(notes, clock.InVenice(now), line)
}

// log appends a note line to a stratagem and saves it.
func log(ctx context.Context, env *Env, s *model.Stratagem, format string, args ...any) {
	s.Notes = note(s.Notes, env.now(), fmt.Sprintf(format, args...))
	if _, err := env.Store.Update(ctx, store.Stratagems, s.RecordID, store.Fields{"Notes": s.Notes}); err != nil {
		slog.Warn("stratagem note not saved", "id", s.StratagemId, "error", err)
	}
}

func durationParam(p activities.Params, def time.Duration) time.Duration {
	if h := p.Float("durationHours"); h > 0 {
		return time.Duration(h * float64(time.Hour))
	}
	return def
}

// isBusy reports whether the citizen has a pending activity.
func isBusy(ctx context.Context, s store.Store, username string) (bool, error) {
	acts, err := model.ActiveActivities(ctx, s, username)
	return len(acts) > 0, err
}
