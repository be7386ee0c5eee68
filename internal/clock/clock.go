// Package clock provides Venice civic time and the rest/work/leisure
// schedules that gate what citizens do at a given hour.
package clock

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTimezone is the civic timezone of the Republic.
const DefaultTimezone = "Europe/Rome"

var (
	locMu    sync.RWMutex
	location = loadLocation(DefaultTimezone)
)

func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("timezone unavailable, falling back to fixed CET", "timezone", name, "error", err)
		return time.FixedZone("CET", 3600)
	}
	return loc
}

// SetTimezone changes the civic timezone used by VeniceNow and the
// schedule predicates.
func SetTimezone(name string) {
	if name == "" {
		name = DefaultTimezone
	}
	loc := loadLocation(name)
	locMu.Lock()
	location = loc
	locMu.Unlock()
}

// Location returns the civic timezone.
func Location() *time.Location {
	locMu.RLock()
	defer locMu.RUnlock()
	return location
}

// Clock supplies the current instant. Tests substitute a Fixed clock.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// Fixed always returns the same instant.
type Fixed time.Time

// Now returns the fixed instant in UTC.
func (f Fixed) Now() time.Time { return time.Time(f).UTC() }

// VeniceNow returns the current time in the civic timezone.
func VeniceNow() time.Time {
	return time.Now().In(Location())
}

// InVenice converts t to the civic timezone.
func InVenice(t time.Time) time.Time {
	return t.In(Location())
}

// StartOfPreviousDay returns midnight of the civic day before t.
func StartOfPreviousDay(t time.Time) time.Time {
	v := InVenice(t)
	y, m, d := v.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, Location()).AddDate(0, 0, -1)
}

// IsNighttime reports whether t falls between 22:00 and 06:00 civic time.
func IsNighttime(t time.Time) bool {
	return HourRange{Start: 22, End: 6}.Contains(InVenice(t).Hour())
}
