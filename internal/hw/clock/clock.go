// Package clock provides the monotonic microsecond counter the stepper
// driver gates its steps on.
package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic microsecond counter. NowMicros wraps at 2^32
// (about 71.6 minutes); callers compare timestamps with unsigned
// subtraction so a single wrap between two readings is harmless.
type Clock interface {
	NowMicros() uint32
	// DelayMicros blocks for at least us microseconds.
	DelayMicros(us uint32)
}

// System is the wall-clock implementation, counting from its creation.
type System struct {
	start time.Time
}

// NewSystem creates a system clock starting at zero.
func NewSystem() *System {
	return &System{start: time.Now()}
}

func (s *System) NowMicros() uint32 {
	return uint32(time.Since(s.start).Microseconds())
}

func (s *System) DelayMicros(us uint32) {
	time.Sleep(time.Duration(us) * time.Microsecond)
}

// Fake is a manually driven clock for tests and simulations. DelayMicros
// advances the counter instead of sleeping.
type Fake struct {
	mu     sync.Mutex
	now    uint32
	delays []uint32
}

// NewFake creates a fake clock reading start.
func NewFake(start uint32) *Fake {
	return &Fake{now: start}
}

func (f *Fake) NowMicros() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) DelayMicros(us uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, us)
	f.now += us
}

// Set moves the counter to an absolute value.
func (f *Fake) Set(us uint32) {
	f.mu.Lock()
	f.now = us
	f.mu.Unlock()
}

// Advance moves the counter forward, wrapping at 2^32.
func (f *Fake) Advance(us uint32) {
	f.mu.Lock()
	f.now += us
	f.mu.Unlock()
}

// Delays returns every DelayMicros argument seen so far.
func (f *Fake) Delays() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.delays...)
}
