// Package clock abstracts wall time so queue and scheduler logic can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current instant.
type Clock interface {
	Now() time.Time
}

// System is the real clock, always in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fake is a settable clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

var (
	locMu    sync.RWMutex
	locCache = map[string]*time.Location{}
)

// Location resolves an IANA zone name. Unknown or empty names fall back
// to UTC.
func Location(name string) *time.Location {
	if name == "" || name == "UTC" {
		return time.UTC
	}

	locMu.RLock()
	loc, ok := locCache[name]
	locMu.RUnlock()
	if ok {
		return loc
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.UTC
	}

	locMu.Lock()
	locCache[name] = loc
	locMu.Unlock()
	return loc
}

// LocalNow returns c's current instant in the given zone.
func LocalNow(c Clock, timezone string) time.Time {
	return c.Now().In(Location(timezone))
}
