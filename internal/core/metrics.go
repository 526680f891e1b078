package core

import (
	"sync"
	"time"
)

// CallStats aggregates the provider calls of one kind.
type CallStats struct {
	Calls  int64
	Errors int64
	Total  time.Duration
}

func (s CallStats) add(o CallStats) CallStats {
	return CallStats{Calls: s.Calls + o.Calls, Errors: s.Errors + o.Errors, Total: s.Total + o.Total}
}

// Metrics counts provider calls per operation (list, create, wait,
// terminate). Safe for concurrent use.
type Metrics struct {
	mu  sync.RWMutex
	ops map[string]CallStats
}

func NewMetrics() *Metrics {
	return &Metrics{ops: map[string]CallStats{}}
}

// Observe records one call of op that took d and returned err.
func (m *Metrics) Observe(op string, d time.Duration, err error) {
	m.mu.Lock()
	s := m.ops[op]
	s.Calls++
	s.Total += d
	if err != nil {
		s.Errors++
	}
	m.ops[op] = s
	m.mu.Unlock()
}

// Op returns the stats of a single operation.
func (m *Metrics) Op(op string) CallStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ops[op]
}

// Totals sums every operation.
func (m *Metrics) Totals() CallStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var t CallStats
	for _, s := range m.ops {
		t = t.add(s)
	}
	return t
}
