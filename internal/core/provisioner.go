package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	prov "github.com/3cpo-dev/dsmctl/internal/providers"
	"github.com/3cpo-dev/dsmctl/internal/telemetry"
)

// DefaultWaitTimeout bounds each instance's wait for the running state.
const DefaultWaitTimeout = 10 * time.Minute

// TeardownSummary is the outcome of TerminateFleet.
type TeardownSummary struct {
	Requested  int
	Terminated int
	Failures   []*TeardownError
}

// Provisioner keeps a tagged set of instances at a target size.
type Provisioner struct {
	compute     prov.Compute
	template    prov.CreateRequest
	waitTimeout time.Duration
	metrics     *Metrics
	recorder    *telemetry.Recorder
}

// NewProvisioner creates a provisioner. template.Tag is the cluster
// membership tag; every other field is the fixed instance template.
func NewProvisioner(compute prov.Compute, template prov.CreateRequest, waitTimeout time.Duration) *Provisioner {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Provisioner{
		compute:     compute,
		template:    template,
		waitTimeout: waitTimeout,
		metrics:     NewMetrics(),
	}
}

// WithRecorder attaches a telemetry recorder.
func (p *Provisioner) WithRecorder(r *telemetry.Recorder) *Provisioner {
	p.recorder = r
	return p
}

// Metrics returns the provider call counters.
func (p *Provisioner) Metrics() *Metrics { return p.metrics }

func (p *Provisioner) filter(states ...prov.InstanceState) prov.Filter {
	return prov.Filter{Tag: p.template.Tag, States: states}
}

func (p *Provisioner) list(ctx context.Context, f prov.Filter) ([]prov.Instance, error) {
	start := time.Now()
	instances, err := p.compute.ListInstances(ctx, f)
	p.metrics.Observe("list", time.Since(start), err)
	if err != nil {
		return nil, &ProvisionError{Op: "list", Err: err}
	}
	return instances, nil
}

// EnsureFleetSize makes sure at least n tagged instances exist, creating
// exactly the deficit, and waits for every one of them to be running. It
// returns their public addresses in list order followed by creation order.
func (p *Provisioner) EnsureFleetSize(ctx context.Context, n int) (endpoints []string, err error) {
	start := time.Now()
	defer func() {
		p.recorder.RecordFleetOperation(p.compute.Name(), "ensure", len(endpoints), time.Since(start), err == nil)
	}()

	if n < 1 {
		return nil, &ProvisionError{Op: "ensure", Err: fmt.Errorf("fleet size must be at least 1, got %d", n)}
	}
	if p.template.Tag == "" {
		return nil, &ProvisionError{Op: "ensure", Err: errors.New("cluster tag is empty")}
	}

	instances, err := p.list(ctx, p.filter(prov.StateRunning, prov.StatePending))
	if err != nil {
		return nil, err
	}
	log.Info().Str("provider", p.compute.Name()).Int("existing", len(instances)).Int("target", n).Msg("fleet inventory")

	if deficit := n - len(instances); deficit > 0 {
		req := p.template
		req.Count = deficit
		createStart := time.Now()
		created, err := p.compute.CreateInstances(ctx, req)
		p.metrics.Observe("create", time.Since(createStart), err)
		p.recorder.RecordInstancesCreated(p.compute.Name(), len(created))
		if err != nil {
			for _, inst := range created {
				log.Warn().Str("instance", inst.ID).Msg("instance created before failure; it is still tagged and will be reused")
			}
			return nil, &ProvisionError{Op: "create", Err: err}
		}
		log.Info().Int("created", len(created)).Msg("requested new instances")
		instances = append(instances, created...)
	} else if deficit < 0 {
		log.Warn().Int("existing", len(instances)).Int("target", n).Msg("fleet is larger than requested; nothing is removed")
	}

	running, err := p.waitAll(ctx, instances)
	if err != nil {
		return nil, err
	}
	endpoints = make([]string, len(running))
	for i, inst := range running {
		endpoints[i] = inst.PublicAddress
	}
	return endpoints, nil
}

// waitAll waits for every instance concurrently, each bounded by the wait
// timeout. The first failure in list order is returned.
func (p *Provisioner) waitAll(ctx context.Context, instances []prov.Instance) ([]prov.Instance, error) {
	out := make([]prov.Instance, len(instances))
	errs := make([]error, len(instances))
	var wg sync.WaitGroup
	for i, inst := range instances {
		wg.Add(1)
		go func(i int, inst prov.Instance) {
			defer wg.Done()
			out[i], errs[i] = p.waitOne(ctx, inst)
		}(i, inst)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Provisioner) waitOne(ctx context.Context, inst prov.Instance) (prov.Instance, error) {
	if inst.State == prov.StateRunning && inst.PublicAddress != "" {
		return inst, nil
	}
	wctx, cancel := context.WithTimeout(ctx, p.waitTimeout)
	defer cancel()

	start := time.Now()
	got, err := p.compute.WaitUntilRunning(wctx, inst.ID)
	p.metrics.Observe("wait", time.Since(start), err)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", ErrWaitTimeout, p.waitTimeout, err)
		}
		return prov.Instance{}, &ProvisionError{Op: "wait", InstanceID: inst.ID, Err: err}
	}
	log.Debug().Str("instance", got.ID).Str("address", got.PublicAddress).Dur("duration", time.Since(start)).Msg("instance running")
	return got, nil
}

// TerminateFleet requests termination of every running tagged instance.
// Per-instance failures are logged and collected; only a failed listing
// returns an error. It does not wait for the instances to go away.
func (p *Provisioner) TerminateFleet(ctx context.Context) (summary TeardownSummary, err error) {
	start := time.Now()
	defer func() {
		p.recorder.RecordFleetOperation(p.compute.Name(), "terminate", summary.Terminated, time.Since(start), err == nil && len(summary.Failures) == 0)
	}()

	instances, err := p.list(ctx, p.filter(prov.StateRunning))
	if err != nil {
		return summary, err
	}
	summary.Requested = len(instances)
	for _, inst := range instances {
		callStart := time.Now()
		terr := p.compute.Terminate(ctx, inst.ID)
		p.metrics.Observe("terminate", time.Since(callStart), terr)
		if terr != nil {
			te := &TeardownError{InstanceID: inst.ID, Err: terr}
			log.Error().Err(terr).Str("instance", inst.ID).Msg("terminate failed")
			summary.Failures = append(summary.Failures, te)
			continue
		}
		log.Info().Str("instance", inst.ID).Str("address", inst.PublicAddress).Msg("termination requested")
		summary.Terminated++
	}
	return summary, nil
}

// ListRunningEndpoints returns the address of every running tagged instance.
func (p *Provisioner) ListRunningEndpoints(ctx context.Context) ([]string, error) {
	instances, err := p.list(ctx, p.filter(prov.StateRunning))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(instances))
	for _, inst := range instances {
		if inst.PublicAddress != "" {
			out = append(out, inst.PublicAddress)
		}
	}
	return out, nil
}
