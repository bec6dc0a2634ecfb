// Package clock provides the wall and monotonic time sources and local
// calendar dates used by the projections.
package clock

import (
	"sync"
	"time"
)

// TimeSource provides wall clock and monotonic time in milliseconds.
// This interface allows time to be mocked in tests.
type TimeSource interface {
	// NowMillis returns the wall clock time. It may jump when the user or NTP
	// adjusts the system clock.
	NowMillis() int64
	// MonotonicMillis returns a reading that only ever moves forward. Only
	// differences between two readings are meaningful.
	MonotonicMillis() int64
}

// RealClock provides actual system time.
type RealClock struct {
	origin time.Time
}

// NewRealClock returns a clock whose monotonic readings start at zero.
func NewRealClock() *RealClock {
	return &RealClock{origin: time.Now()}
}

// NowMillis returns the current system time.
func (c *RealClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// MonotonicMillis returns the time elapsed since the clock was created.
// time.Since uses the monotonic reading captured by time.Now.
func (c *RealClock) MonotonicMillis() int64 {
	return time.Since(c.origin).Milliseconds()
}

// Manual is a clock driven explicitly by tests.
type Manual struct {
	mu   sync.Mutex
	now  int64
	mono int64
}

// NewManual returns a manual clock set to the given wall time.
func NewManual(nowMillis int64) *Manual {
	return &Manual{now: nowMillis}
}

// NowMillis returns the test wall time.
func (m *Manual) NowMillis() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// MonotonicMillis returns the test monotonic time.
func (m *Manual) MonotonicMillis() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mono
}

// Advance moves both readings forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += d.Milliseconds()
	m.mono += d.Milliseconds()
}

// SetWall changes the wall clock without touching the monotonic reading,
// the way a user editing the system time would.
func (m *Manual) SetWall(nowMillis int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = nowMillis
}
