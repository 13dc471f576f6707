// Package clock supplies the current time and timezone conversion.
package clock

import (
	"sync"
	"time"
	_ "time/tzdata" // containers often ship without zoneinfo
)

type Clock interface {
	Now() time.Time
	// Location resolves an IANA timezone name. Empty means UTC.
	Location(tz string) (*time.Location, error)
	// ToLocal converts t into the wall clock of tz, falling back to UTC for unknown zones.
	ToLocal(t time.Time, tz string) time.Time
}

type System struct {
	mu    sync.RWMutex
	cache map[string]*time.Location
}

func NewSystem() *System {
	return &System{cache: make(map[string]*time.Location)}
}

func (c *System) Now() time.Time { return time.Now().UTC() }

func (c *System) Location(tz string) (*time.Location, error) {
	return loadLocation(&c.mu, c.cache, tz)
}

func (c *System) ToLocal(t time.Time, tz string) time.Time {
	return toLocal(c, t, tz)
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	locMu sync.RWMutex
	cache map[string]*time.Location
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now.UTC(), cache: make(map[string]*time.Location)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}

func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

func (f *Fake) Location(tz string) (*time.Location, error) {
	return loadLocation(&f.locMu, f.cache, tz)
}

func (f *Fake) ToLocal(t time.Time, tz string) time.Time {
	return toLocal(f, t, tz)
}

func loadLocation(mu *sync.RWMutex, cache map[string]*time.Location, tz string) (*time.Location, error) {
	if tz == "" || tz == "UTC" {
		return time.UTC, nil
	}
	mu.RLock()
	loc, ok := cache[tz]
	mu.RUnlock()
	if ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	cache[tz] = loc
	mu.Unlock()
	return loc, nil
}

func toLocal(c Clock, t time.Time, tz string) time.Time {
	loc, err := c.Location(tz)
	if err != nil {
		return t.UTC()
	}
	return t.In(loc)
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// EndOfDay returns the last representable instant of t's calendar day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	return StartOfDay(t, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
