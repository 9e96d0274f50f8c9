// Package resilience guards calls to external signal sources with circuit
// breakers and retries.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-qualifier/internal/config"
)

// State is the position of a circuit breaker.
type State int

const (
	// Closed lets calls through.
	Closed State = iota
	// Open rejects calls until the reset timeout elapses.
	Open
	// HalfOpen lets probe calls through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned for calls rejected by an open breaker.
var ErrOpen = eris.New("resilience: circuit open")

// BreakerConfig controls when a breaker opens and recovers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures that
	// opens the breaker.
	FailureThreshold int
	// ResetTimeout is how long an open breaker waits before probing.
	ResetTimeout time.Duration
	// Probes is the number of successful half-open calls needed to close.
	Probes int
	// Trips decides whether an error counts as a failure. Nil counts every
	// non-nil error.
	Trips func(err error) bool
	// OnChange observes state transitions. It is called with the breaker
	// lock held and must not call back into the breaker.
	OnChange func(from, to State)
}

// BreakerConfigFrom builds a BreakerConfig from application config, filling
// unset values with defaults (5 failures, 30s reset, 1 probe).
func BreakerConfigFrom(cfg config.CircuitConfig) BreakerConfig {
	bc := BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.ResetTimeoutSecs) * time.Second,
	}
	return bc.withDefaults()
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	return c
}

// Breaker is a circuit breaker for one signal source.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	successes int

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), now: time.Now}
}

// Call runs fn unless the breaker is open, in which case it returns ErrOpen
// without calling fn.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Guarded(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Guarded is Call for functions that return a value.
func Guarded[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := b.admit(); err != nil {
		var zero T
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err)
	return v, err
}

// State reports the breaker position. An open breaker whose reset timeout
// has elapsed reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return HalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
		return ErrOpen
	}
	b.moveTo(HalfOpen)
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tripped := err != nil
	if tripped && b.cfg.Trips != nil {
		tripped = b.cfg.Trips(err)
	}

	if !tripped {
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.cfg.Probes {
				b.moveTo(Closed)
			}
			return
		}
		b.failures = 0
		return
	}

	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.moveTo(Open)
		}
	case HalfOpen:
		b.openedAt = b.now()
		b.moveTo(Open)
	}
}

func (b *Breaker) moveTo(to State) {
	from := b.state
	b.state = to
	b.successes = 0
	if to == Closed {
		b.failures = 0
	}
	if from != to && b.cfg.OnChange != nil {
		b.cfg.OnChange(from, to)
	}
}

// Breakers holds one lazily created breaker per source name.
type Breakers struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewBreakers creates an empty set sharing one configuration.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for name, creating it on first use.
func (s *Breakers) For(name string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[name]; ok {
		return b
	}
	b = NewBreaker(s.cfg)
	s.breakers[name] = b
	return b
}

// States snapshots the position of every breaker created so far.
func (s *Breakers) States() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State()
	}
	return out
}
