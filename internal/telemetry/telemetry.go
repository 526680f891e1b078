package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is one recorded observation.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Aggregate is the per-name roll-up logged on flush.
type Aggregate struct {
	Name  string
	Type  MetricType
	Count int
	Sum   float64
	Last  float64
}

// Collector buffers metrics in memory and writes a roll-up to the log on
// Flush. A disabled collector drops everything, so callers never need to
// check.
type Collector struct {
	mu      sync.RWMutex
	metrics []Metric
	enabled bool
	limit   int
}

// NewCollector creates a collector. Once limit metrics are buffered the
// oldest are aggregated away by an implicit flush.
func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled, limit: 4096}
}

func (c *Collector) Enabled() bool { return c != nil && c.enabled }

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Timer records a duration measurement in milliseconds.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	if !c.Enabled() {
		return
	}
	m.Timestamp = time.Now()

	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	full := len(c.metrics) >= c.limit
	c.mu.Unlock()

	if full {
		c.Flush()
	}
}

// Metrics returns a copy of the buffered metrics.
func (c *Collector) Metrics() []Metric {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// Summarize rolls metrics up by name, sorted by name.
func Summarize(metrics []Metric) []Aggregate {
	byName := map[string]*Aggregate{}
	for _, m := range metrics {
		a, ok := byName[m.Name]
		if !ok {
			a = &Aggregate{Name: m.Name, Type: m.Type}
			byName[m.Name] = a
		}
		a.Count++
		a.Sum += m.Value
		a.Last = m.Value
	}
	out := make([]Aggregate, 0, len(byName))
	for _, a := range byName {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Flush logs the roll-up at debug level and clears the buffer.
func (c *Collector) Flush() []Aggregate {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	metrics := c.metrics
	c.metrics = nil
	c.mu.Unlock()

	if len(metrics) == 0 {
		return nil
	}
	agg := Summarize(metrics)
	for _, a := range agg {
		log.Debug().
			Str("name", a.Name).
			Str("type", string(a.Type)).
			Int("count", a.Count).
			Float64("sum", a.Sum).
			Float64("last", a.Last).
			Msg("telemetry")
	}
	return agg
}

// Global collector instance
var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal replaces the global collector.
func InitGlobal(enabled bool) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(enabled)
	return globalCollector
}

// GetGlobal returns the global collector, a disabled one if none was set.
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false)
	}
	return globalCollector
}

// Shutdown flushes the global collector.
func Shutdown() {
	GetGlobal().Flush()
}
