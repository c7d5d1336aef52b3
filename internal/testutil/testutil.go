// Package testutil provides shared test helpers for mailcadence.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// FakeClock is a deterministic time source for schedule fixtures. Tests
// inject its Now method wherever a component takes a clock func.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	return c.current
}

// SetTo jumps the clock to an absolute instant, for fixtures that cross
// DST transitions where adding durations obscures the local wall time.
func (c *FakeClock) SetTo(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout, cancelled when
// the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustParseUUID parses a UUID string and panics on error.
// Only for use in tests.
func MustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		panic("testutil.MustParseUUID: " + err.Error())
	}
	return id
}

// MustLoadLocation loads an IANA timezone and panics on error.
// Only for use in tests; schedule fixtures lean heavily on zones
// with DST transitions.
func MustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("testutil.MustLoadLocation: " + err.Error())
	}
	return loc
}

// TimePtr returns a pointer to t, for optional end-date and last-run
// fields in schedule fixtures.
func TimePtr(t time.Time) *time.Time {
	return &t
}
