// Package engine provides the tick loop that drives the city forward.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/serenissima/engine/internal/clock"
)

// DefaultDayHour is the civic hour after which the daily jobs run.
const DefaultDayHour = 3

// Engine drives the simulation forward.
type Engine struct {
	Tick     uint64        // Current tick counter (monotonic, never resets)
	Interval time.Duration // Wall time between ticks
	Clock    clock.Clock
	DayHour  int // Civic hour that opens a new settlement day

	// Callbacks for each tick layer, populated during setup.
	OnTick func(ctx context.Context, now time.Time) // Every tick
	OnHour func(ctx context.Context, now time.Time) // First tick of each civic hour
	OnDay  func(ctx context.Context, now time.Time) // First tick at or after DayHour each civic day

	lastHour string
	lastDay  string
}

// NewEngine creates an engine with default settings.
func NewEngine(interval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Engine{
		Interval: interval,
		Clock:    clock.System{},
		DayHour:  DefaultDayHour,
	}
}

// Run starts the loop. It blocks until ctx is cancelled; a tick in
// progress always completes.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("engine started", "tick", e.Tick, "interval", e.Interval)
	t := time.NewTicker(e.Interval)
	defer t.Stop()

	e.Step(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("engine stopped", "tick", e.Tick)
			return
		case <-t.C:
			e.Step(context.WithoutCancel(ctx))
		}
	}
}

// Step advances the engine by one tick.
func (e *Engine) Step(ctx context.Context) {
	e.Tick++
	now := e.Clock.Now()
	venice := clock.InVenice(now)

	if e.OnTick != nil {
		e.OnTick(ctx, now)
	}

	hour := venice.Format("2006-01-02T15")
	if hour != e.lastHour {
		e.lastHour = hour
		if e.OnHour != nil {
			e.OnHour(ctx, now)
		}
	}

	day := venice.Format(time.DateOnly)
	if day != e.lastDay && venice.Hour() >= e.DayHour {
		e.lastDay = day
		if e.OnDay != nil {
			e.OnDay(ctx, now)
		}
	}
}

// VeniceTime renders an instant as a civic timestamp for logs.
func VeniceTime(t time.Time) string {
	return clock.InVenice(t).Format("Mon 2 Jan 2006 15:04 MST")
}
