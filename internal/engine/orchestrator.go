package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/serenissima/engine/internal/activities"
	"github.com/serenissima/engine/internal/clock"
	"github.com/serenissima/engine/internal/metrics"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/settlement"
	"github.com/serenissima/engine/internal/store"
	"github.com/serenissima/engine/internal/stratagems"
)

// DefaultPlansPerTick caps how many idle citizens are planned in one tick.
const DefaultPlansPerTick = 50

// Orchestrator runs one tick of the city: due activities first, then
// plans for idle citizens, then stratagems. It is the only component that
// marks activities processed or failed.
type Orchestrator struct {
	Store        store.Store
	Fabric       *activities.Fabric
	Planner      *activities.Planner
	Stratagems   *stratagems.Registry
	Settlement   []settlement.Job
	Clock        clock.Clock
	PlansPerTick int
}

// TickReport counts what one tick did.
type TickReport struct {
	Processed  int
	Failed     int
	Planned    int
	Stratagems int
	Expired    int
}

// Tick runs the three steps in order. An error in one step is logged and
// the following steps still run.
func (o *Orchestrator) Tick(ctx context.Context) TickReport {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	var rep TickReport
	var err error
	if rep.Processed, rep.Failed, err = o.ProcessDue(ctx); err != nil {
		slog.Error("processing due activities", "error", err)
	}
	if rep.Planned, err = o.PlanIdle(ctx); err != nil {
		slog.Error("planning idle citizens", "error", err)
	}
	if rep.Expired, rep.Stratagems, err = o.AdvanceStratagems(ctx); err != nil {
		slog.Error("advancing stratagems", "error", err)
	}
	slog.Info("tick", "processed", rep.Processed, "failed", rep.Failed, "planned", rep.Planned,
		"stratagems", rep.Stratagems, "expired", rep.Expired, "took", time.Since(start).Round(time.Millisecond))
	return rep
}

func (o *Orchestrator) now() time.Time { return o.Clock.Now().UTC() }

// ProcessDue resolves every activity whose EndDate has passed, highest
// Priority first and then by EndDate. Activities that have started but
// not ended are moved to in_progress.
func (o *Orchestrator) ProcessDue(ctx context.Context) (processed, failed int, err error) {
	now := o.now()
	if err := o.markStarted(ctx, now); err != nil {
		return 0, 0, err
	}
	due, err := model.List[model.Activity](ctx, o.Store, store.Activities, store.Query{
		Filter: store.And(
			store.In("Status", model.ActivityCreated, model.ActivityInProgress),
			store.OnOrBefore("EndDate", now),
		),
		Sort: []store.Sort{{Field: "Priority", Desc: true}, {Field: "EndDate"}},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("list due activities: %w", err)
	}
	for _, act := range due {
		ok, err := o.resolve(ctx, act, now)
		if err != nil {
			return processed, failed, err
		}
		if ok {
			processed++
		} else {
			failed++
		}
	}
	return processed, failed, nil
}

func (o *Orchestrator) markStarted(ctx context.Context, now time.Time) error {
	started, err := o.Store.All(ctx, store.Activities, store.Query{
		Filter: store.And(
			store.Eq("Status", model.ActivityCreated),
			store.OnOrBefore("StartDate", now),
			store.After("EndDate", now),
		),
	})
	if err != nil {
		return fmt.Errorf("list started activities: %w", err)
	}
	for _, rec := range started {
		if _, err := o.Store.Update(ctx, store.Activities, rec.ID, store.Fields{"Status": model.ActivityInProgress}); err != nil {
			return fmt.Errorf("start activity %s: %w", rec.ID, err)
		}
	}
	return nil
}

// resolve runs one processor and writes the terminal status. Only a
// failure to write that status is returned as an error.
func (o *Orchestrator) resolve(ctx context.Context, act *model.Activity, now time.Time) (bool, error) {
	perr := o.dispatch(ctx, act)
	fields := store.Fields{"Status": model.ActivityProcessed}
	ok := perr == nil
	if !ok {
		f := activities.AsFailure(perr, act.Type)
		slog.Warn("activity failed", "activity", act.ActivityId, "type", act.Type,
			"citizen", act.Citizen, "kind", f.Kind, "reason", f.Reason)
		// Processors may have appended notes of their own.
		notes := act.Notes
		if fresh, err := model.Get[model.Activity](ctx, o.Store, store.Activities, act.RecordID); err == nil {
			notes = fresh.Notes
		}
		fields = store.Fields{"Status": model.ActivityFailed, "Notes": activities.FailureNote(notes, f, now)}
	}
	if _, err := o.Store.Update(ctx, store.Activities, act.RecordID, fields); err != nil {
		return false, fmt.Errorf("finish activity %s: %w", act.ActivityId, err)
	}
	metrics.ActivitiesProcessed.WithLabelValues(act.Type, fields.String("Status")).Inc()
	slog.Debug("activity resolved", "activity", act.ActivityId, "type", act.Type, "citizen", act.Citizen, "ok", ok)
	return ok, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, act *model.Activity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("activity processor panicked", "activity", act.ActivityId, "type", act.Type,
				"panic", r, "stack", string(debug.Stack()))
			err = activities.Fail(activities.KindSystemError, act.Type, "processor panic: %v", r)
		}
	}()
	return o.Fabric.Process(ctx, act)
}

// PlanIdle asks the planner for work for each idle AI citizen. Citizens
// are read after ProcessDue so those freed this tick are included.
func (o *Orchestrator) PlanIdle(ctx context.Context) (int, error) {
	if o.Planner == nil {
		return 0, nil
	}
	limit := o.PlansPerTick
	if limit == 0 {
		limit = DefaultPlansPerTick
	}
	idle, err := activities.IdleCitizens(ctx, o.Store, limit)
	if err != nil {
		return 0, fmt.Errorf("list idle citizens: %w", err)
	}
	planned := 0
	for _, c := range idle {
		acts, err := o.plan(ctx, c)
		if err != nil {
			slog.Error("planning failed", "citizen", c.Username, "error", err)
			continue
		}
		if len(acts) > 0 {
			planned++
		}
	}
	return planned, nil
}

func (o *Orchestrator) plan(ctx context.Context, c *model.Citizen) (acts []*model.Activity, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("planner panicked", "citizen", c.Username, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("planner panic: %v", r)
		}
	}()
	return o.Planner.Plan(ctx, c)
}

// AdvanceStratagems closes expired stratagems and then visits each
// active one.
func (o *Orchestrator) AdvanceStratagems(ctx context.Context) (expired, visited int, err error) {
	if o.Stratagems == nil {
		return 0, 0, nil
	}
	if expired, err = o.Stratagems.ExpireDue(ctx); err != nil {
		return 0, 0, fmt.Errorf("expire stratagems: %w", err)
	}
	active, err := o.Stratagems.Active(ctx)
	if err != nil {
		return expired, 0, fmt.Errorf("list stratagems: %w", err)
	}
	for _, s := range active {
		if err := o.visit(ctx, s); err != nil {
			slog.Error("stratagem visit", "id", s.StratagemId, "type", s.Type, "error", err)
			continue
		}
		visited++
	}
	return expired, visited, nil
}

func (o *Orchestrator) visit(ctx context.Context, s *model.Stratagem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stratagem panicked", "id", s.StratagemId, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("stratagem panic: %v", r)
		}
	}()
	return o.Stratagems.Process(ctx, s)
}

// Settle runs the daily jobs in order. A failing job does not stop the
// ones after it.
func (o *Orchestrator) Settle(ctx context.Context, now time.Time) {
	slog.Info("daily settlement", "venice", VeniceTime(now))
	sums := settlement.RunAll(ctx, o.Settlement, settlement.Options{Now: now})
	slog.Info("daily settlement done", "jobs", len(sums), "of", len(o.Settlement))
}

// Attach wires the orchestrator into the engine callbacks.
func (o *Orchestrator) Attach(e *Engine) {
	e.OnTick = func(ctx context.Context, _ time.Time) { o.Tick(ctx) }
	e.OnHour = func(_ context.Context, now time.Time) {
		slog.Info("civic hour", "venice", VeniceTime(now), "tick", e.Tick)
	}
	e.OnDay = o.Settle
}
