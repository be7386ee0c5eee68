// Package settlement holds the daily jobs that pay wages, rent, leases,
// storage fees and loans, accrue influence, and restock passive
// buildings.
//
// Every job makes one pass over its records. A failure on one record is
// counted and reported, never fatal to the sweep. Each job guards against
// paying twice on the same day with a timestamp marker on the record it
// settles, so rerunning a job is safe.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/serenissima/engine/internal/catalog"
	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/metrics"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
)

// Markers older than these windows allow a record to be settled again.
const (
	DailyWindow   = 20 * time.Hour
	StorageWindow = 23 * time.Hour
)

// Options tune one run.
type Options struct {
	DryRun       bool
	Verbose      bool
	BuildingType string
	BuildingID   string
	Now          time.Time
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now().UTC()
	}
	return o.Now.UTC()
}

// Summary aggregates the outcome of a run.
type Summary struct {
	Job        string                     `json:"job"`
	DryRun     bool                       `json:"dryRun"`
	Successful int                        `json:"successful"`
	Failed     int                        `json:"failed"`
	Skipped    int                        `json:"skipped"`
	Total      decimal.Decimal            `json:"totalAmount"`
	Received   map[string]decimal.Decimal `json:"received,omitempty"`
	Paid       map[string]decimal.Decimal `json:"paid,omitempty"`
	Errors     []string                   `json:"errors,omitempty"`
}

func newSummary(job string, o Options) *Summary {
	return &Summary{
		Job:      job,
		DryRun:   o.DryRun,
		Received: map[string]decimal.Decimal{},
		Paid:     map[string]decimal.Decimal{},
	}
}

func (s *Summary) success(from, to string, amount decimal.Decimal) {
	s.Successful++
	s.Total = s.Total.Add(amount)
	if from != "" {
		s.Paid[from] = s.Paid[from].Add(amount)
	}
	if to != "" {
		s.Received[to] = s.Received[to].Add(amount)
	}
	metrics.SettlementPayments.WithLabelValues(s.Job, "success").Inc()
}

func (s *Summary) fail(id, format string, args ...any) {
	s.Failed++
	s.Errors = append(s.Errors, id+": "+fmt.Sprintf(format, args...))
	metrics.SettlementPayments.WithLabelValues(s.Job, "failed").Inc()
}

func (s *Summary) skip() {
	s.Skipped++
	metrics.SettlementPayments.WithLabelValues(s.Job, "skipped").Inc()
}

// Top returns up to n parties with the largest amounts in m.
func Top(m map[string]decimal.Decimal, n int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := m[keys[i]].Cmp(m[keys[j]]); c != 0 {
			return c > 0
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// Line renders the summary as the admin notification text.
func (s *Summary) Line() string {
	var b strings.Builder
	icon := "📊"
	if s.Failed > 0 {
		icon = "⚠️"
	}
	fmt.Fprintf(&b, "%s %s: %d ok, %d failed, %d skipped, total %s",
		icon, s.Job, s.Successful, s.Failed, s.Skipped, s.Total.StringFixed(2))
	if s.DryRun {
		b.WriteString(" (dry run)")
	}
	return b.String()
}

// Job is one daily sweep.
type Job interface {
	Name() string
	Run(ctx context.Context, o Options) (*Summary, error)
}

// Deps are the services jobs share.
type Deps struct {
	Store   store.Store
	Economy *economy.Economy
	Trust   *relationships.Engine
	Catalog catalog.Provider
}

func (d *Deps) catalog(ctx context.Context) *catalog.Catalog {
	if d.Catalog == nil {
		return catalog.Default()
	}
	return d.Catalog.Catalog(ctx)
}

// All returns the jobs in the order they run each day.
func All(d *Deps) []Job {
	return []Job{
		Wages{d}, Rent{d}, Leases{d}, StorageFees{d}, Loans{d}, Influence{d}, Passive{d},
	}
}

// ByName finds a job by its command name.
func ByName(d *Deps, name string) (Job, bool) {
	for _, j := range All(d) {
		if j.Name() == name {
			return j, true
		}
	}
	return nil, false
}

// RunAll runs jobs in order. A job that cannot even list its records is
// logged and the next job runs.
func RunAll(ctx context.Context, jobs []Job, o Options) []*Summary {
	var out []*Summary
	for _, j := range jobs {
		sum, err := j.Run(ctx, o)
		if err != nil {
			slog.Error("settlement job failed", "job", j.Name(), "error", err)
			continue
		}
		out = append(out, sum)
	}
	return out
}

// each runs fn for one record, converting a panic into a failure.
func each(sum *Summary, id string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("settlement record panicked", "job", sum.Job, "record", id, "panic", r, "stack", string(debug.Stack()))
			sum.fail(id, "panic: %v", r)
		}
	}()
	if err := fn(); err != nil {
		slog.Error("settlement record failed", "job", sum.Job, "record", id, "error", err)
		sum.fail(id, "%v", err)
	}
}

// finish logs the summary and, outside dry runs, mails it to the state.
func finish(ctx context.Context, d *Deps, sum *Summary, now time.Time) *Summary {
	slog.Info("settlement done", "job", sum.Job, "ok", sum.Successful, "failed", sum.Failed,
		"skipped", sum.Skipped, "total", sum.Total.StringFixed(2), "dryRun", sum.DryRun)
	if sum.DryRun {
		return sum
	}
	details := map[string]any{
		"successful":  sum.Successful,
		"failed":      sum.Failed,
		"skipped":     sum.Skipped,
		"totalAmount": sum.Total,
		"topReceived": Top(sum.Received, 5),
		"topPaid":     Top(sum.Paid, 5),
	}
	if len(sum.Errors) > 0 {
		details["errors"] = sum.Errors
	}
	economy.Notify(ctx, d.Store, now, model.StateAccount, "admin_report_"+sum.Job, sum.Line(), details)
	return sum
}

// settledWithin reports whether a marker is recent enough to skip.
func settledWithin(marker *time.Time, now time.Time, window time.Duration) bool {
	return marker != nil && now.Sub(*marker) < window
}

// mark stamps a marker field unless the run is a dry run.
func mark(ctx context.Context, s store.Store, o Options, table, id, field string, now time.Time) error {
	if o.DryRun {
		return nil
	}
	if _, err := s.Update(ctx, table, id, store.Fields{field: now}); err != nil {
		return fmt.Errorf("stamp %s: %w", field, err)
	}
	return nil
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
