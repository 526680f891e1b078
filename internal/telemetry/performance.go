package telemetry

import "time"

// Recorder names the metrics the controller emits. A nil Recorder or one
// wrapping a disabled collector records nothing.
type Recorder struct {
	collector *Collector
}

func NewRecorder(c *Collector) *Recorder { return &Recorder{collector: c} }

func (r *Recorder) c() *Collector {
	if r == nil {
		return nil
	}
	return r.collector
}

// RecordFleetOperation records one provisioner call (ensure, terminate, list).
func (r *Recorder) RecordFleetOperation(provider, operation string, nodeCount int, d time.Duration, success bool) {
	c := r.c()
	if !c.Enabled() {
		return
	}
	labels := map[string]string{"provider": provider, "operation": operation}
	c.Timer("dsmctl_fleet_operation_duration", d, labels)
	c.Gauge("dsmctl_fleet_nodes", float64(nodeCount), labels)
	if success {
		c.Counter("dsmctl_fleet_operations_successful", 1, labels)
	} else {
		c.Counter("dsmctl_fleet_operations_failed", 1, labels)
	}
}

// RecordInstancesCreated counts instances requested from the provider.
func (r *Recorder) RecordInstancesCreated(provider string, n int) {
	r.c().Counter("dsmctl_instances_created", float64(n), map[string]string{"provider": provider})
}

// RecordConnect records one session dial.
func (r *Recorder) RecordConnect(node string, d time.Duration, success bool) {
	c := r.c()
	if !c.Enabled() {
		return
	}
	labels := map[string]string{"node": node}
	c.Timer("dsmctl_connect_duration", d, labels)
	if !success {
		c.Counter("dsmctl_connect_failed", 1, labels)
	}
}

// RecordStep records one pipeline step on one node.
func (r *Recorder) RecordStep(node, step string, d time.Duration, success bool) {
	c := r.c()
	if !c.Enabled() {
		return
	}
	labels := map[string]string{"node": node, "step": step}
	c.Timer("dsmctl_step_duration", d, labels)
	if success {
		c.Counter("dsmctl_steps_successful", 1, labels)
	} else {
		c.Counter("dsmctl_steps_failed", 1, labels)
	}
}

// RecordTransfer records an SFTP upload or download.
func (r *Recorder) RecordTransfer(node string, size int64, d time.Duration) {
	c := r.c()
	if !c.Enabled() {
		return
	}
	labels := map[string]string{"node": node}
	c.Timer("dsmctl_transfer_duration", d, labels)
	c.Counter("dsmctl_transfer_bytes", float64(size), labels)
}

// RecordRun records the outcome of a whole pipeline run.
func (r *Recorder) RecordRun(nodes, ok int, d time.Duration) {
	c := r.c()
	if !c.Enabled() {
		return
	}
	c.Timer("dsmctl_run_duration", d, nil)
	c.Gauge("dsmctl_run_nodes", float64(nodes), nil)
	if nodes > 0 {
		c.Gauge("dsmctl_run_success_rate", float64(ok)/float64(nodes)*100, nil)
	}
}

// TimerScope measures a duration into a collector.
type TimerScope struct {
	startTime time.Time
	name      string
	labels    map[string]string
	collector *Collector
}

func NewTimerScope(c *Collector, name string, labels map[string]string) *TimerScope {
	return &TimerScope{startTime: time.Now(), name: name, labels: labels, collector: c}
}

// End completes the timer and records the duration
func (ts *TimerScope) End() time.Duration {
	d := time.Since(ts.startTime)
	ts.collector.Timer(ts.name, d, ts.labels)
	return d
}
