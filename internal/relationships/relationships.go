// Package relationships maintains pairwise trust and strength scores.
//
// Scores live in [0, 100] and move along an arctangent curve: a raw delta
// closes a fraction atan(|delta|*Scale)/(pi/2) of the remaining room, so
// early interactions move a score quickly and later ones diminish.
package relationships

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
)

// Scale converts a raw delta into a share of the remaining room.
const Scale = 0.1

const (
	DefaultTrust    = 50.0
	DefaultStrength = 0.0

	maxNotesLen = 1000
	maxTags     = 20
)

// Raw deltas used by processors and jobs.
const (
	Simple        = 1.0
	Medium        = 2.0
	High          = 5.0
	Progress      = 0.5
	Minor         = 0.2
	MinorNegative = -0.5
)

// StrengthPerInteraction is added to StrengthScore on every recorded
// interaction.
const StrengthPerInteraction = Minor

// Apply moves score by raw along the saturation curve.
func Apply(score, raw float64) float64 {
	if raw == 0 {
		return score
	}
	f := math.Atan(math.Abs(raw)*Scale) / (math.Pi / 2)
	if raw > 0 {
		score += (100 - score) * f
	} else {
		score -= score * f
	}
	return math.Max(0, math.Min(100, score))
}

// Pair orders two usernames canonically.
func Pair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Tag renders an interaction tag: activity_<type>_<success|failure>[_<detail>].
func Tag(kind string, success bool, detail string) string {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	tag := "activity_" + kind + "_" + outcome
	if detail != "" {
		tag += "_" + detail
	}
	return tag
}

// appendTag adds tag to a comma-separated tag list, keeping the most
// recent entries within the tag and length bounds.
func appendTag(notes, tag string) string {
	var tags []string
	for _, t := range strings.Split(notes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	tags = append(tags, tag)
	if len(tags) > maxTags {
		tags = tags[len(tags)-maxTags:]
	}
	out := strings.Join(tags, ",")
	for len(out) > maxNotesLen && len(tags) > 1 {
		tags = tags[1:]
		out = strings.Join(tags, ",")
	}
	if len(out) > maxNotesLen {
		out = out[len(out)-maxNotesLen:]
	}
	return out
}

// Engine records interactions in the Relationships table.
type Engine struct {
	Store store.Store
	Now   func() time.Time
}

// New creates an engine on s.
func New(s store.Store) *Engine {
	return &Engine{Store: s, Now: func() time.Time { return time.Now().UTC() }}
}

// Get returns the relationship between a and b, or nil when they have
// never interacted.
func (e *Engine) Get(ctx context.Context, a, b string) (*model.Relationship, error) {
	c1, c2 := Pair(a, b)
	rec, err := store.FindOne(ctx, e.Store, store.Relationships,
		store.And(store.Eq("Citizen1", c1), store.Eq("Citizen2", c2)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.Decode[model.Relationship](rec)
}

// Update applies raw trust and strength deltas to the pair, creating the
// record on first interaction. Updates between a citizen and themself
// are skipped and return nil.
func (e *Engine) Update(ctx context.Context, a, b string, trustDelta, strengthDelta float64, tag string) (*model.Relationship, error) {
	if a == "" || b == "" || a == b {
		return nil, nil
	}
	now := e.Now()
	rel, err := e.Get(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("load relationship %s/%s: %w", a, b, err)
	}
	if rel == nil {
		c1, c2 := Pair(a, b)
		rel = &model.Relationship{
			Citizen1:      c1,
			Citizen2:      c2,
			TrustScore:    DefaultTrust,
			StrengthScore: DefaultStrength,
			Status:        "Active",
		}
	}
	rel.TrustScore = Apply(rel.TrustScore, trustDelta)
	rel.StrengthScore = Apply(rel.StrengthScore, strengthDelta)
	rel.LastInteraction = &now
	if tag != "" {
		rel.Notes = appendTag(rel.Notes, tag)
	}

	fields := store.Fields{
		"TrustScore":      rel.TrustScore,
		"StrengthScore":   rel.StrengthScore,
		"LastInteraction": now,
		"Notes":           rel.Notes,
	}
	if rel.RecordID == "" {
		fields["Citizen1"] = rel.Citizen1
		fields["Citizen2"] = rel.Citizen2
		fields["Status"] = rel.Status
		rec, err := e.Store.Create(ctx, store.Relationships, fields)
		if err != nil {
			return nil, fmt.Errorf("create relationship %s/%s: %w", rel.Citizen1, rel.Citizen2, err)
		}
		rel.RecordID = rec.ID
	} else if _, err := e.Store.Update(ctx, store.Relationships, rel.RecordID, fields); err != nil {
		return nil, fmt.Errorf("update relationship %s/%s: %w", rel.Citizen1, rel.Citizen2, err)
	}
	slog.Debug("relationship updated", "a", rel.Citizen1, "b", rel.Citizen2,
		"trust", rel.TrustScore, "strength", rel.StrengthScore, "tag", tag)
	return rel, nil
}

// Trust records one interaction with a trust delta and the standard
// strength bump. Errors are logged, not returned: a failed relationship
// write never undoes the interaction that caused it.
func (e *Engine) Trust(ctx context.Context, a, b string, delta float64, kind string, success bool, detail string) {
	if e == nil {
		return
	}
	if _, err := e.Update(ctx, a, b, delta, StrengthPerInteraction, Tag(kind, success, detail)); err != nil {
		slog.Warn("trust update failed", "a", a, "b", b, "kind", kind, "error", err)
	}
}
