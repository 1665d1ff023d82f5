// Package scheduler provides named periodic wake-ups, the host
// scheduling primitive behind the periodic sync handler.
package scheduler

import (
	"sync"
	"time"
)

// MinPeriod is the coarsest guaranteed granularity; shorter periods
// are clamped up to it.
const MinPeriod = 30 * time.Second

type alarm struct {
	stop chan struct{}
}

type Scheduler struct {
	mu        sync.Mutex
	alarms    map[string]*alarm
	minPeriod time.Duration
}

func New() *Scheduler {
	return &Scheduler{
		alarms:    map[string]*alarm{},
		minPeriod: MinPeriod,
	}
}

// Create registers a named periodic wake-up: fn first fires after
// initialDelay, then every period. Creating an alarm under an existing
// name replaces it. Invocations of one alarm run serially.
func (s *Scheduler) Create(name string, initialDelay, period time.Duration, fn func()) {
	if period < s.minPeriod {
		period = s.minPeriod
	}
	if initialDelay <= 0 {
		initialDelay = period
	}

	a := &alarm{stop: make(chan struct{})}

	s.mu.Lock()
	if existing, ok := s.alarms[name]; ok {
		close(existing.stop)
	}
	s.alarms[name] = a
	s.mu.Unlock()

	go func() {
		timer := time.NewTimer(initialDelay)
		defer timer.Stop()
		select {
		case <-a.stop:
			return
		case <-timer.C:
			fn()
		}

		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Cancel stops the named alarm. Unknown names are ignored.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.alarms[name]; ok {
		close(a.stop)
		delete(s.alarms, name)
	}
}

// Close stops every alarm.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, a := range s.alarms {
		close(a.stop)
		delete(s.alarms, name)
	}
}
