package localssh

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dsmctl/internal/providers"
)

// Provider attaches to hosts listed in the config. They are always
// considered running and can be neither created nor destroyed.
type Provider struct {
	cfg providers.Config
}

func New(cfg providers.Config) *Provider { return &Provider{cfg: cfg} }

func (p *Provider) Name() string { return "localssh" }

func (p *Provider) instances() []providers.Instance {
	var out []providers.Instance
	for _, h := range p.cfg.Providers.LocalSSH.Hosts {
		out = append(out, providers.Instance{
			ID:            fmt.Sprintf("local-%s", h.Name),
			Label:         h.Name,
			State:         providers.StateRunning,
			PublicAddress: h.IP,
		})
	}
	return out
}

func (p *Provider) ListInstances(ctx context.Context, filter providers.Filter) ([]providers.Instance, error) {
	_ = ctx
	var out []providers.Instance
	for _, inst := range p.instances() {
		if filter.Match(inst) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (p *Provider) CreateInstances(ctx context.Context, req providers.CreateRequest) ([]providers.Instance, error) {
	_ = ctx
	return nil, fmt.Errorf("localssh: cannot create %d instances, add hosts to the config: %w", req.Count, providers.ErrNotSupported)
}

func (p *Provider) WaitUntilRunning(ctx context.Context, id string) (providers.Instance, error) {
	_ = ctx
	for _, inst := range p.instances() {
		if inst.ID == id {
			return inst, nil
		}
	}
	return providers.Instance{}, fmt.Errorf("localssh: unknown instance %s", id)
}

func (p *Provider) Terminate(ctx context.Context, id string) error {
	_ = ctx
	// No-op for local attachments.
	log.Debug().Str("instance", id).Msg("localssh: leaving host running")
	return nil
}
