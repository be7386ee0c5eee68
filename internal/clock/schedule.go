package clock

import (
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed schedules.yaml
var defaultSchedules []byte

// SocialClass names accepted by the schedule table.
const (
	Facchini   = "Facchini"
	Popolani   = "Popolani"
	Cittadini  = "Cittadini"
	Nobili     = "Nobili"
	Forestieri = "Forestieri"
)

// HourRange is a half-open hour interval [Start, End) that wraps past
// midnight when Start > End.
type HourRange struct {
	Start int
	End   int
}

// UnmarshalYAML reads a range written as a two-element sequence.
func (r *HourRange) UnmarshalYAML(node *yaml.Node) error {
	var pair []int
	if err := node.Decode(&pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("hour range needs 2 values, got %d", len(pair))
	}
	r.Start, r.End = pair[0], pair[1]
	return nil
}

// Contains reports whether hour h falls inside the range.
func (r HourRange) Contains(h int) bool {
	if r.Start <= r.End {
		return h >= r.Start && h < r.End
	}
	return h >= r.Start || h < r.End
}

// ClassSchedule lists the rest, work and leisure windows of one class.
type ClassSchedule struct {
	Rest    []HourRange `yaml:"rest"`
	Work    []HourRange `yaml:"work"`
	Leisure []HourRange `yaml:"leisure"`
}

// Schedules is the full table: per class, plus per building type work
// hours that override the class work windows.
type Schedules struct {
	Classes   map[string]ClassSchedule `yaml:"classes"`
	Buildings map[string][]HourRange   `yaml:"buildings"`
}

// ParseSchedules decodes a schedule table.
func ParseSchedules(data []byte) (*Schedules, error) {
	var s Schedules
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schedules: %w", err)
	}
	if len(s.Classes) == 0 {
		return nil, fmt.Errorf("parse schedules: no classes defined")
	}
	return &s, nil
}

// DefaultSchedules returns the embedded table.
func DefaultSchedules() *Schedules {
	s, err := ParseSchedules(defaultSchedules)
	if err != nil {
		panic(err)
	}
	return s
}

var table = DefaultSchedules()

func anyContains(ranges []HourRange, h int) bool {
	for _, r := range ranges {
		if r.Contains(h) {
			return true
		}
	}
	return false
}

func (s *Schedules) class(name string) ClassSchedule {
	if cs, ok := s.Classes[name]; ok {
		return cs
	}
	return s.Classes[Popolani]
}

// IsRestTime reports whether citizens of the class rest at t.
func (s *Schedules) IsRestTime(class string, t time.Time) bool {
	return anyContains(s.class(class).Rest, InVenice(t).Hour())
}

// IsWorkTime reports whether citizens of the class work at t. When
// workplaceType has its own schedule it takes precedence.
func (s *Schedules) IsWorkTime(class string, t time.Time, workplaceType string) bool {
	return s.IsWorkTimeWith(class, t, workplaceType, nil)
}

// IsWorkTimeWith is IsWorkTime with the workplace's catalog hours, which
// win over both the table's building hours and the class windows.
func (s *Schedules) IsWorkTimeWith(class string, t time.Time, workplaceType string, hours []HourRange) bool {
	h := InVenice(t).Hour()
	if len(hours) > 0 {
		return anyContains(hours, h)
	}
	if workplaceType != "" {
		if ranges, ok := s.Buildings[workplaceType]; ok {
			return anyContains(ranges, h)
		}
	}
	return anyContains(s.class(class).Work, h)
}

// IsLeisureTime reports whether citizens of the class are at leisure at t.
func (s *Schedules) IsLeisureTime(class string, t time.Time) bool {
	return anyContains(s.class(class).Leisure, InVenice(t).Hour())
}

// IsRestTime checks the default table.
func IsRestTime(class string, t time.Time) bool { return table.IsRestTime(class, t) }

// IsWorkTime checks the default table.
func IsWorkTime(class string, t time.Time, workplaceType string) bool {
	return table.IsWorkTime(class, t, workplaceType)
}

// IsWorkTimeWith checks the default table.
func IsWorkTimeWith(class string, t time.Time, workplaceType string, hours []HourRange) bool {
	return table.IsWorkTimeWith(class, t, workplaceType, hours)
}

// IsLeisureTime checks the default table.
func IsLeisureTime(class string, t time.Time) bool { return table.IsLeisureTime(class, t) }
