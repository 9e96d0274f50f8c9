// Package ratelimit enforces per-source call rate, concurrency and per-run
// call budgets for signal detectors.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-qualifier/internal/config"
	"github.com/sells-group/lead-qualifier/internal/model"
)

// ErrBudgetExhausted is returned once a source has used its per-run budget.
var ErrBudgetExhausted = eris.New("ratelimit: call budget exhausted")

// Limits configures one source. Zero values disable the corresponding limit.
type Limits struct {
	RatePerSec    float64
	Burst         int
	MaxConcurrent int
	Budget        int
}

// LimitsFrom extracts the limits from a detector config.
func LimitsFrom(dc config.DetectorConfig) Limits {
	return Limits{
		RatePerSec:    dc.RatePerSec,
		Burst:         dc.Burst,
		MaxConcurrent: dc.MaxConcurrent,
		Budget:        dc.Budget,
	}
}

// Limiter gates calls to one source.
type Limiter struct {
	rate   *rate.Limiter
	sem    *semaphore.Weighted
	budget int64
	used   atomic.Int64
}

// NewLimiter creates a limiter from limits.
func NewLimiter(l Limits) *Limiter {
	lim := &Limiter{budget: int64(l.Budget)}
	if l.RatePerSec > 0 {
		burst := l.Burst
		if burst <= 0 {
			burst = 1
		}
		lim.rate = rate.NewLimiter(rate.Limit(l.RatePerSec), burst)
	}
	if l.MaxConcurrent > 0 {
		lim.sem = semaphore.NewWeighted(int64(l.MaxConcurrent))
	}
	return lim
}

// Acquire reserves one call. It charges the budget first, then waits for a
// concurrency slot and a rate token. The returned release must be called
// when the call finishes. A call that never acquires keeps its budget
// charge, since the budget counts attempts, not successes.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if l.budget > 0 && l.used.Add(1) > l.budget {
		return nil, ErrBudgetExhausted
	}

	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, eris.Wrap(err, "ratelimit: wait for slot")
		}
	}
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			if l.sem != nil {
				l.sem.Release(1)
			}
			return nil, eris.Wrap(err, "ratelimit: wait for token")
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if l.sem != nil {
				l.sem.Release(1)
			}
		})
	}, nil
}

// Used returns how many calls were charged against the budget.
func (l *Limiter) Used() int64 {
	return l.used.Load()
}

// Set holds one limiter per signal. Signals without limits pass freely.
type Set struct {
	limiters map[model.SignalType]*Limiter
}

// NewSet builds a Set from per-signal limits.
func NewSet(limits map[model.SignalType]Limits) *Set {
	s := &Set{limiters: make(map[model.SignalType]*Limiter, len(limits))}
	for signal, l := range limits {
		s.limiters[signal] = NewLimiter(l)
	}
	return s
}

// FromConfig builds a Set from the detector section of the config.
func FromConfig(cfg *config.Config) *Set {
	limits := make(map[model.SignalType]Limits, len(cfg.Detectors))
	for name, dc := range cfg.Detectors {
		limits[model.SignalType(name)] = LimitsFrom(dc)
	}
	return NewSet(limits)
}

// Acquire reserves a call for signal. See Limiter.Acquire.
func (s *Set) Acquire(ctx context.Context, signal model.SignalType) (func(), error) {
	if s == nil {
		return func() {}, nil
	}
	l, ok := s.limiters[signal]
	if !ok {
		return func() {}, nil
	}
	return l.Acquire(ctx)
}

// ForRun returns a Set for one run. Its limiters share rate and
// concurrency with s but count the call budget from zero.
func (s *Set) ForRun() *Set {
	if s == nil {
		return nil
	}
	out := &Set{limiters: make(map[model.SignalType]*Limiter, len(s.limiters))}
	for signal, l := range s.limiters {
		out.limiters[signal] = &Limiter{rate: l.rate, sem: l.sem, budget: l.budget}
	}
	return out
}

// Limiter returns the limiter for signal, or nil.
func (s *Set) Limiter(signal model.SignalType) *Limiter {
	if s == nil {
		return nil
	}
	return s.limiters[signal]
}
