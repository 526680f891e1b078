package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dsmctl/internal/telemetry"
	"github.com/3cpo-dev/dsmctl/pkg/api"
)

// Session is a live command channel to one node.
type Session interface {
	// Exec runs command, streaming its output, and returns the remote exit
	// status. An error means no exit status was obtained.
	Exec(ctx context.Context, command string, stdout, stderr io.Writer) (int, error)
	WriteFile(ctx context.Context, remotePath string, data []byte) error
	PullFile(ctx context.Context, remotePath, localPath string) error
	Close() error
}

// DialFunc opens a session to node.
type DialFunc func(ctx context.Context, node api.Node) (Session, error)

const (
	DefaultStepTimeout    = 30 * time.Minute
	DefaultConnectTimeout = 15 * time.Second
	defaultCaptureLimit   = 1 << 20
)

// Runner drives the step list against every node of a fleet.
type Runner struct {
	Dial  DialFunc
	Steps []Step
	// Output receives every output line as "[address step] line". Nil
	// disables streaming; output is still captured in the report.
	Output io.Writer
	// Concurrency is the number of node workflows run at once; 1 runs
	// nodes one after another.
	Concurrency    int
	StepTimeout    time.Duration
	ConnectTimeout time.Duration
	CaptureLimit   int
	Recorder       *telemetry.Recorder
}

// nodeRun is one node's workflow state across phases.
type nodeRun struct {
	rep    NodeReport
	sess   Session
	vars   map[string]string
	config []byte
}

// Run opens one session per node and runs every step on it in order. It
// never fails as a whole: connect and step failures are recorded against
// their node. Steps before the first Together step run with at most
// Concurrency nodes in flight; from there on every reachable node runs at
// once. When ctx is cancelled no further steps start, open sessions are
// closed and the partial report is returned marked Interrupted.
func (r *Runner) Run(ctx context.Context, fleet api.Fleet, configs map[string][]byte) *Report {
	report := &Report{
		RunID:   uuid.NewString(),
		Started: time.Now(),
		Nodes:   make([]NodeReport, len(fleet.Nodes)),
	}
	concurrency := r.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	var out *sink
	if r.Output != nil {
		out = &sink{w: r.Output}
	}
	prepare, together := r.phases()
	log.Info().Str("run", report.RunID).Int("nodes", fleet.Size()).Int("steps", len(r.Steps)).Int("concurrency", concurrency).Msg("pipeline started")

	runs := make([]*nodeRun, len(fleet.Nodes))
	// Nodes are admitted in fleet order, so concurrency 1 walks the fleet
	// front to back.
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
admit:
	for i, node := range fleet.Nodes {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(fleet.Nodes); j++ {
				runs[j] = &nodeRun{rep: NodeReport{Node: fleet.Nodes[j], Status: api.NodeUnreachable, ConnectErr: fmt.Errorf("not started: %w", ctx.Err())}}
			}
			break admit
		}
		wg.Add(1)
		go func(i int, node api.Node) {
			defer wg.Done()
			defer func() { <-sem }()
			nr := r.open(ctx, node, fleet.Size(), configs[node.Address])
			r.runSteps(ctx, out, nr, prepare)
			runs[i] = nr
		}(i, node)
	}
	wg.Wait()

	if len(together) > 0 {
		r.runTogether(ctx, out, runs, together)
	}

	ok := 0
	for i, nr := range runs {
		r.finish(ctx, nr)
		report.Nodes[i] = nr.rep
		if nr.rep.Status == api.NodeOk {
			ok++
		}
	}
	report.Finished = time.Now()
	report.Interrupted = ctx.Err() != nil
	r.Recorder.RecordRun(len(report.Nodes), ok, report.Finished.Sub(report.Started))
	log.Info().Str("run", report.RunID).Int("ok", ok).Int("nodes", len(report.Nodes)).
		Bool("interrupted", report.Interrupted).Dur("duration", report.Finished.Sub(report.Started)).Msg("pipeline finished")
	return report
}

// phases splits the steps at the first Together step.
func (r *Runner) phases() (prepare, together []Step) {
	for i, s := range r.Steps {
		if s.Together {
			return r.Steps[:i], r.Steps[i:]
		}
	}
	return r.Steps, nil
}

// open dials node. A node that cannot be reached comes back unreachable
// with no session.
func (r *Runner) open(ctx context.Context, node api.Node, size int, config []byte) *nodeRun {
	nr := &nodeRun{
		rep:    NodeReport{Node: node, Status: api.NodeOk},
		vars:   NodeVariables(node, size, r.configPath()),
		config: config,
	}
	if err := ctx.Err(); err != nil {
		nr.rep.Status = api.NodeUnreachable
		nr.rep.ConnectErr = fmt.Errorf("not started: %w", err)
		return nr
	}

	connectTimeout := r.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, connectTimeout)
	start := time.Now()
	sess, err := r.Dial(dctx, node)
	cancel()
	r.Recorder.RecordConnect(node.Address, time.Since(start), err == nil)
	if err != nil {
		log.Error().Err(err).Str("node", node.Address).Msg("connect failed")
		nr.rep.Status = api.NodeUnreachable
		nr.rep.ConnectErr = err
		return nr
	}
	nr.sess = sess
	return nr
}

func (r *Runner) runSteps(ctx context.Context, out *sink, nr *nodeRun, steps []Step) {
	if nr.sess == nil {
		return
	}
	node := nr.rep.Node
	for _, step := range steps {
		if ctx.Err() != nil {
			log.Warn().Str("node", node.Address).Str("step", string(step.Kind)).Msg("interrupted, skipping remaining steps")
			return
		}
		res := r.runStep(ctx, out, nr.sess, node, step, nr.vars, nr.config)
		nr.rep.Steps = append(nr.rep.Steps, res)
		if res.Failed() {
			nr.rep.Status = api.NodeDegraded
			log.Warn().Err(res.Error()).Str("node", node.Address).Str("step", string(step.Kind)).Msg("step failed")
		} else {
			log.Debug().Str("node", node.Address).Str("step", string(step.Kind)).Dur("duration", res.Duration).Msg("step done")
		}
	}
}

// runTogether starts steps on every reachable node at once. A node that is
// not ok cannot join the barrier, so when any node is missing the steps
// are recorded as skipped everywhere instead of left to time out.
func (r *Runner) runTogether(ctx context.Context, out *sink, runs []*nodeRun, steps []Step) {
	if ctx.Err() != nil {
		return
	}
	var missing []string
	for _, nr := range runs {
		if nr.rep.Status != api.NodeOk {
			missing = append(missing, nr.rep.Node.Address)
		}
	}
	if len(missing) > 0 {
		log.Warn().Strs("nodes", missing).Str("step", string(steps[0].Kind)).Msg("fleet not ready, skipping fleet-wide steps")
		for _, nr := range runs {
			if nr.sess == nil {
				continue
			}
			for _, step := range steps {
				nr.rep.Steps = append(nr.rep.Steps, StepResult{
					Node:    nr.rep.Node,
					Step:    step.Kind,
					Err:     fmt.Errorf("skipped: %d of %d nodes not ready", len(missing), len(runs)),
					Started: time.Now(),
				})
			}
			nr.rep.Status = api.NodeDegraded
		}
		return
	}

	var wg sync.WaitGroup
	for _, nr := range runs {
		wg.Add(1)
		go func(nr *nodeRun) {
			defer wg.Done()
			r.runSteps(ctx, out, nr, steps)
		}(nr)
	}
	wg.Wait()
}

// finish closes the node's session and marks a node that stopped short of
// the full step list.
func (r *Runner) finish(ctx context.Context, nr *nodeRun) {
	if nr.sess != nil {
		if err := nr.sess.Close(); err != nil {
			log.Debug().Err(err).Str("node", nr.rep.Node.Address).Msg("close session")
		}
		nr.sess = nil
	}
	if nr.rep.Status == api.NodeUnreachable || len(nr.rep.Steps) >= len(r.Steps) {
		return
	}
	cause := ctx.Err()
	if cause == nil {
		cause = errors.New("stopped")
	}
	nr.rep.Stopped = fmt.Errorf("interrupted after %d of %d steps: %w", len(nr.rep.Steps), len(r.Steps), cause)
	nr.rep.Status = api.NodeDegraded
}

func (r *Runner) configPath() string {
	for _, s := range r.Steps {
		if s.Kind == api.StepConfigure {
			return s.Path
		}
	}
	return ""
}

func (r *Runner) runStep(ctx context.Context, out *sink, sess Session, node api.Node, step Step, vars map[string]string, config []byte) StepResult {
	timeout := r.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	limit := r.CaptureLimit
	if limit <= 0 {
		limit = defaultCaptureLimit
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prefix := fmt.Sprintf("[%s %s] ", node.Address, step.Kind)
	stdout := newLineWriter(out, prefix, limit)
	stderr := newLineWriter(out, color.RedString("%s", prefix), limit)

	res := StepResult{Node: node, Step: step.Kind, Started: time.Now()}
	var status int
	var err error
	switch step.Kind {
	case api.StepConfigure:
		err = sess.WriteFile(sctx, step.Path, config)
		if err == nil {
			fmt.Fprintf(stdout, "wrote %s to %s\n", humanize.Bytes(uint64(len(config))), step.Path)
			r.Recorder.RecordTransfer(node.Address, int64(len(config)), time.Since(res.Started))
		}
	case api.StepCollect:
		local := filepath.Join(step.LocalDir, node.Address, path.Base(step.Path))
		if err = os.MkdirAll(filepath.Dir(local), 0o755); err == nil {
			err = sess.PullFile(sctx, step.Path, local)
		}
		if err == nil {
			size := int64(0)
			if fi, statErr := os.Stat(local); statErr == nil {
				size = fi.Size()
			}
			fmt.Fprintf(stdout, "pulled %s into %s\n", humanize.Bytes(uint64(size)), local)
			r.Recorder.RecordTransfer(node.Address, size, time.Since(res.Started))
		}
	default:
		status, err = sess.Exec(sctx, step.RemoteCommand(vars), stdout, stderr)
	}
	stdout.Flush()
	stderr.Flush()

	res.Duration = time.Since(res.Started)
	res.Stdout, res.Stderr = stdout.Captured(), stderr.Captured()
	res.StdoutBytes, res.StderrBytes = stdout.total, stderr.total
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("step timed out after %s: %w", timeout, err)
		}
		res.Err = err
	} else {
		res.ExitStatus = &status
	}
	r.Recorder.RecordStep(node.Address, string(step.Kind), res.Duration, !res.Failed())
	return res
}
