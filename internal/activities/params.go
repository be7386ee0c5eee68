package activities

import (
	"time"

	"github.com/serenissima/engine/internal/model"
)

// Params are the loosely typed inputs of a creator, as received from
// try-create bodies or embedded details.
type Params map[string]any

// String reads a text parameter.
func (p Params) String(key string) string { return model.DetailString(p, key) }

// Float reads a numeric parameter.
func (p Params) Float(key string) float64 { return model.DetailFloat(p, key) }

// First returns the first non-empty text value among keys.
func (p Params) First(keys ...string) string {
	for _, k := range keys {
		if v := p.String(k); v != "" {
			return v
		}
	}
	return ""
}

// Time reads an RFC 3339 timestamp.
func (p Params) Time(key string) (time.Time, bool) {
	raw := p.String(key)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// details decodes the DetailsJSON embedded in an activity's notes.
func details(act *model.Activity) Params {
	d := model.ExtractDetails(act.Notes)
	if d == nil {
		return Params{}
	}
	return Params(d)
}
