package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Filter is a predicate over record fields. Every filter can be rendered
// as a formula string and evaluated against a field map.
type Filter interface {
	Match(f Fields) bool
	Formula() string
}

// Escape doubles single quotes so s can sit inside a quoted literal.
func Escape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func literal(v any) string {
	switch x := NormalizeValue(v).(type) {
	case nil:
		return "BLANK()"
	case string:
		return "'" + Escape(x) + "'"
	case bool:
		if x {
			return "TRUE()"
		}
		return "FALSE()"
	default:
		if n, ok := toFloat(x); ok {
			return strconv.FormatFloat(n, 'f', -1, 64)
		}
		return "'" + Escape(fmt.Sprint(x)) + "'"
	}
}

type op int

const (
	opEq op = iota
	opNe
	opGt
	opGte
	opLt
	opLte
)

var opSymbols = map[op]string{opEq: "=", opNe: "!=", opGt: ">", opGte: ">=", opLt: "<", opLte: "<="}

type compare struct {
	field string
	op    op
	value any
}

// Eq matches records whose field equals v. Blank fields equal "".
func Eq(field string, v any) Filter { return compare{field, opEq, v} }

// Ne matches records whose field differs from v.
func Ne(field string, v any) Filter { return compare{field, opNe, v} }

// Gt matches numeric fields greater than v.
func Gt(field string, v float64) Filter { return compare{field, opGt, v} }

// Gte matches numeric fields greater than or equal to v.
func Gte(field string, v float64) Filter { return compare{field, opGte, v} }

// Lt matches numeric fields less than v.
func Lt(field string, v float64) Filter { return compare{field, opLt, v} }

// Lte matches numeric fields less than or equal to v.
func Lte(field string, v float64) Filter { return compare{field, opLte, v} }

func (c compare) Formula() string {
	return fmt.Sprintf("{%s}%s%s", c.field, opSymbols[c.op], literal(c.value))
}

func (c compare) Match(f Fields) bool {
	got := f[c.field]
	switch want := NormalizeValue(c.value).(type) {
	case nil:
		return (c.op == opEq) == isBlank(got)
	case string:
		eq := f.String(c.field) == want
		if c.op == opNe {
			return !eq
		}
		if c.op == opEq {
			return eq
		}
		return cmpOrdered(strings.Compare(f.String(c.field), want), c.op)
	case bool:
		eq := f.Bool(c.field) == want
		if c.op == opNe {
			return !eq
		}
		return eq
	default:
		w, ok := toFloat(want)
		if !ok {
			return false
		}
		g, ok := toFloat(got)
		if !ok {
			if isBlank(got) {
				g = 0
			} else {
				return c.op == opNe
			}
		}
		switch {
		case g < w:
			return cmpOrdered(-1, c.op)
		case g > w:
			return cmpOrdered(1, c.op)
		}
		return cmpOrdered(0, c.op)
	}
}

func cmpOrdered(c int, o op) bool {
	switch o {
	case opEq:
		return c == 0
	case opNe:
		return c != 0
	case opGt:
		return c > 0
	case opGte:
		return c >= 0
	case opLt:
		return c < 0
	case opLte:
		return c <= 0
	}
	return false
}

type dateCompare struct {
	field string
	op    op
	at    time.Time
}

// Before matches date fields strictly before t. Blank dates never match.
func Before(field string, t time.Time) Filter { return dateCompare{field, opLt, t} }

// OnOrBefore matches date fields at or before t.
func OnOrBefore(field string, t time.Time) Filter { return dateCompare{field, opLte, t} }

// After matches date fields strictly after t.
func After(field string, t time.Time) Filter { return dateCompare{field, opGt, t} }

// OnOrAfter matches date fields at or after t.
func OnOrAfter(field string, t time.Time) Filter { return dateCompare{field, opGte, t} }

func (d dateCompare) Formula() string {
	ts := "'" + d.at.UTC().Format(time.RFC3339) + "'"
	switch d.op {
	case opLt:
		return fmt.Sprintf("IS_BEFORE({%s}, %s)", d.field, ts)
	case opGt:
		return fmt.Sprintf("IS_AFTER({%s}, %s)", d.field, ts)
	case opLte:
		return fmt.Sprintf("NOT(IS_AFTER({%s}, %s))", d.field, ts)
	default:
		return fmt.Sprintf("NOT(IS_BEFORE({%s}, %s))", d.field, ts)
	}
}

func (d dateCompare) Match(f Fields) bool {
	t, ok := f.Time(d.field)
	if !ok {
		return false
	}
	switch {
	case t.Before(d.at):
		return cmpOrdered(-1, d.op)
	case t.After(d.at):
		return cmpOrdered(1, d.op)
	}
	return cmpOrdered(0, d.op)
}

type blank struct {
	field string
	want  bool
}

// Blank matches records whose field is missing or empty.
func Blank(field string) Filter { return blank{field, true} }

// NotBlank matches records whose field has a value.
func NotBlank(field string) Filter { return blank{field, false} }

func (b blank) Formula() string {
	if b.want {
		return fmt.Sprintf("{%s}=BLANK()", b.field)
	}
	return fmt.Sprintf("NOT({%s}=BLANK())", b.field)
}

func (b blank) Match(f Fields) bool { return isBlank(f[b.field]) == b.want }

type logical struct {
	name    string
	filters []Filter
}

// And matches when every filter matches. And() matches everything.
func And(filters ...Filter) Filter { return logical{"AND", compact(filters)} }

// Or matches when any filter matches. Or() matches nothing.
func Or(filters ...Filter) Filter { return logical{"OR", compact(filters)} }

func compact(filters []Filter) []Filter {
	out := filters[:0:0]
	for _, f := range filters {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

func (l logical) Formula() string {
	parts := make([]string, len(l.filters))
	for i, f := range l.filters {
		parts[i] = f.Formula()
	}
	return l.name + "(" + strings.Join(parts, ", ") + ")"
}

func (l logical) Match(f Fields) bool {
	if l.name == "AND" {
		for _, x := range l.filters {
			if !x.Match(f) {
				return false
			}
		}
		return true
	}
	for _, x := range l.filters {
		if x.Match(f) {
			return true
		}
	}
	return false
}

type not struct{ inner Filter }

// Not negates a filter.
func Not(f Filter) Filter { return not{f} }

func (n not) Formula() string      { return "NOT(" + n.inner.Formula() + ")" }
func (n not) Match(f Fields) bool { return !n.inner.Match(f) }

// In matches when the field equals any of values.
func In(field string, values ...string) Filter {
	fs := make([]Filter, len(values))
	for i, v := range values {
		fs[i] = Eq(field, v)
	}
	return Or(fs...)
}

// Equalities returns the field = text conditions that every record
// matching f satisfies: a lone Eq, or the Eq terms of a top-level And.
// Empty values are left out because a missing field also equals "".
// Backends may prefilter on them but must still Apply the full filter.
func Equalities(f Filter) map[string]string {
	out := map[string]string{}
	collectEqualities(f, out)
	return out
}

func collectEqualities(f Filter, out map[string]string) {
	switch x := f.(type) {
	case compare:
		if x.op != opEq {
			return
		}
		if s, ok := NormalizeValue(x.value).(string); ok && s != "" {
			if prev, seen := out[x.field]; seen && prev != s {
				// Contradictory terms: keep one, Apply rejects everything anyway.
				return
			}
			out[x.field] = s
		}
	case logical:
		if x.name != "AND" {
			return
		}
		for _, inner := range x.filters {
			collectEqualities(inner, out)
		}
	}
}

// Apply filters, sorts and truncates records in place per q.
func Apply(recs []*Record, q Query) []*Record {
	out := recs[:0]
	for _, r := range recs {
		if q.Filter == nil || q.Filter.Match(r.Fields) {
			out = append(out, r)
		}
	}
	if len(q.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, s := range q.Sort {
				c := compareValues(out[i].Fields[s.Field], out[j].Fields[s.Field])
				if c == 0 {
					continue
				}
				if s.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Max > 0 && len(out) > q.Max {
		out = out[:q.Max]
	}
	return out
}

// compareValues orders blanks first, then numbers, dates and text.
func compareValues(a, b any) int {
	ab, bb := isBlank(a), isBlank(b)
	switch {
	case ab && bb:
		return 0
	case ab:
		return -1
	case bb:
		return 1
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	if x, ok := toTime(a); ok {
		if y, ok := toTime(b); ok {
			return x.Compare(y)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
