// Package engine wires the decision cycle, the order manager, and the push
// feed together and drives them from a single jittered scheduler loop.
package engine

import (
	"math/rand/v2"
	"time"

	"github.com/rishabhkeshan/o2-cli-bot/internal/strategy"
)

// idleRecheck is how long the scheduler sleeps when no market is active.
const idleRecheck = time.Second

// Scheduler owns the per-market next-run timestamps. It is not safe for
// concurrent use; the run loop is its only caller.
type Scheduler struct {
	next    map[string]time.Time
	cfgs    map[string]strategy.Config
	now     func() time.Time
	uniform func() float64
}

func NewScheduler(cfgs map[string]strategy.Config) *Scheduler {
	s := &Scheduler{
		next:    make(map[string]time.Time, len(cfgs)),
		cfgs:    cfgs,
		now:     time.Now,
		uniform: rand.Float64,
	}
	for id := range cfgs {
		s.next[id] = s.now()
	}
	return s
}

// Due returns the active market with the earliest next-run timestamp, or
// false with a wait hint when nothing is runnable yet.
func (s *Scheduler) Due() (market string, wait time.Duration, ok bool) {
	var best string
	var bestAt time.Time
	for id, at := range s.next {
		if !s.cfgs[id].Active {
			continue
		}
		if best == "" || at.Before(bestAt) {
			best, bestAt = id, at
		}
	}
	if best == "" {
		return "", idleRecheck, false
	}
	if d := bestAt.Sub(s.now()); d > 0 {
		return "", d, false
	}
	return best, 0, true
}

// Reschedule sets the market's next run to now + min + U[0,1)*(max-min).
// Jitter is intentional: a fixed cadence is trivially fingerprintable.
func (s *Scheduler) Reschedule(market string) time.Time {
	cfg, ok := s.cfgs[market]
	if !ok {
		return time.Time{}
	}
	min := cfg.Timing.CycleIntervalMin
	max := cfg.Timing.CycleIntervalMax
	if max < min {
		max = min
	}
	delay := min + time.Duration(s.uniform()*float64(max-min))
	at := s.now().Add(delay)
	s.next[market] = at
	return at
}
