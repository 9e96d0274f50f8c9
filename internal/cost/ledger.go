// Package cost tracks detector calls and the spend they imply.
package cost

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/sells-group/lead-qualifier/internal/model"
)

// microUSD keeps spend in integer millionths of a dollar so it can be
// accumulated atomically.
const microUSD = 1e6

type counter struct {
	calls    atomic.Int64
	failures atomic.Int64
	spend    atomic.Int64 // micro-USD
}

// Ledger accumulates per-signal call counts, failures and estimated spend
// for one run. Safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	counters map[model.SignalType]*counter
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	l := &Ledger{counters: make(map[model.SignalType]*counter, len(model.AllSignalTypes))}
	for _, s := range model.AllSignalTypes {
		l.counters[s] = &counter{}
	}
	return l
}

func (l *Ledger) counter(signal model.SignalType) *counter {
	l.mu.RLock()
	c, ok := l.counters[signal]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.counters[signal]; !ok {
		c = &counter{}
		l.counters[signal] = c
	}
	return c
}

// Call records one detector invocation at costPerCall dollars.
func (l *Ledger) Call(signal model.SignalType, costPerCall float64) {
	c := l.counter(signal)
	c.calls.Add(1)
	if costPerCall > 0 {
		c.spend.Add(int64(math.Round(costPerCall * microUSD)))
	}
}

// Failure records a detector failure.
func (l *Ledger) Failure(signal model.SignalType) {
	l.counter(signal).failures.Add(1)
}

// Calls returns the number of invocations recorded for signal.
func (l *Ledger) Calls(signal model.SignalType) int {
	return int(l.counter(signal).calls.Load())
}

// Summary is a point-in-time copy of a ledger.
type Summary struct {
	Calls            int
	Failures         int
	CallsBySignal    map[model.SignalType]int
	FailuresBySignal map[model.SignalType]int
	EstimatedUSD     float64
}

// Summary snapshots the ledger. Signals without calls or failures are
// omitted from the maps.
func (l *Ledger) Summary() Summary {
	s := Summary{
		CallsBySignal:    make(map[model.SignalType]int),
		FailuresBySignal: make(map[model.SignalType]int),
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var spend int64
	for signal, c := range l.counters {
		calls, failures := int(c.calls.Load()), int(c.failures.Load())
		if calls > 0 {
			s.CallsBySignal[signal] = calls
			s.Calls += calls
		}
		if failures > 0 {
			s.FailuresBySignal[signal] = failures
			s.Failures += failures
		}
		spend += c.spend.Load()
	}
	s.EstimatedUSD = float64(spend) / microUSD
	return s
}

// Estimate prices a call plan: calls per signal times cost per call.
func Estimate(calls map[model.SignalType]int, costPerCall map[model.SignalType]float64) float64 {
	var total float64
	for signal, n := range calls {
		total += float64(n) * costPerCall[signal]
	}
	return math.Round(total*microUSD) / microUSD
}
