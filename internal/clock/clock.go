package clock

import (
	"sync"
	"time"
)

// Clock abstracts time so the backtest harness can drive the same pipeline
// deterministically. Live components use Wall; replays use Simulated.
type Clock interface {
	Now() time.Time
}

// Wall is the real-time clock.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now() }

// Simulated is a manually advanced clock owned by the backtest engine.
type Simulated struct {
	mu  sync.RWMutex
	now time.Time
}

// NewSimulated returns a simulated clock positioned at start.
func NewSimulated(start time.Time) *Simulated {
	return &Simulated{now: start}
}

func (s *Simulated) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

// Set positions the clock. Time never moves backwards; earlier values are ignored.
func (s *Simulated) Set(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.now) {
		s.now = t
	}
}

// Advance moves the clock forward by d.
func (s *Simulated) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}
