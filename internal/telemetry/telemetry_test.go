package telemetry

import (
	"testing"
	"time"
)

func TestDisabledCollectorDropsMetrics(t *testing.T) {
	c := NewCollector(false)
	c.Counter("x", 1, nil)
	NewRecorder(c).RecordStep("h0", "fetch", time.Second, true)
	if n := len(c.Metrics()); n != 0 {
		t.Fatalf("expected no metrics, got %d", n)
	}
	var nilRec *Recorder
	nilRec.RecordRun(3, 3, time.Second)
}

func TestRecorderAndFlush(t *testing.T) {
	c := NewCollector(true)
	r := NewRecorder(c)
	r.RecordStep("h0", "build", 1500*time.Millisecond, true)
	r.RecordStep("h1", "build", 500*time.Millisecond, false)
	r.RecordTransfer("h0", 42, time.Millisecond)

	agg := c.Flush()
	byName := map[string]Aggregate{}
	for _, a := range agg {
		byName[a.Name] = a
	}
	if a := byName["dsmctl_step_duration"]; a.Count != 2 || a.Sum != 2000 {
		t.Fatalf("unexpected step duration roll-up: %+v", a)
	}
	if a := byName["dsmctl_steps_failed"]; a.Count != 1 {
		t.Fatalf("unexpected failure count: %+v", a)
	}
	if a := byName["dsmctl_transfer_bytes"]; a.Sum != 42 {
		t.Fatalf("unexpected transfer bytes: %+v", a)
	}
	if len(c.Metrics()) != 0 {
		t.Fatalf("flush should clear the buffer")
	}
}

func TestTimerScope(t *testing.T) {
	c := NewCollector(true)
	ts := NewTimerScope(c, "op", map[string]string{"k": "v"})
	time.Sleep(2 * time.Millisecond)
	if d := ts.End(); d <= 0 {
		t.Fatalf("expected positive duration")
	}
	m := c.Metrics()
	if len(m) != 1 || m[0].Type != Timer || m[0].Unit != "ms" {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}
