package vultr

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	prov "github.com/3cpo-dev/dsmctl/internal/providers"
)

const vultrAPI = "https://api.vultr.com/v2"

type Provider struct {
	cfg          prov.Config
	api          *prov.APIClient
	validator    *prov.CloudProviderValidator
	PollInterval time.Duration
}

func New(cfg prov.Config) *Provider {
	return NewWithClient(cfg, prov.NewAPIClient("vultr", vultrAPI, cfg.Providers.Vultr.Token))
}

// NewWithClient uses the given API client, e.g. one pointed at a test server.
func NewWithClient(cfg prov.Config, api *prov.APIClient) *Provider {
	return &Provider{cfg: cfg, api: api, validator: prov.NewCloudProviderValidator(), PollInterval: 5 * time.Second}
}

func (p *Provider) Name() string { return "vultr" }

type vultrInstance struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	MainIP      string   `json:"main_ip"`
	Status      string   `json:"status"`
	PowerStatus string   `json:"power_status"`
	Tags        []string `json:"tags"`
}

type vultrListResp struct {
	Instances []vultrInstance `json:"instances"`
	Meta      struct {
		Links struct {
			Next string `json:"next"`
		} `json:"links"`
	} `json:"meta"`
}

type vultrCreateReq struct {
	Region   string   `json:"region"`
	Plan     string   `json:"plan"`
	OSID     int      `json:"os_id"`
	Label    string   `json:"label"`
	Hostname string   `json:"hostname"`
	Tags     []string `json:"tags"`
	UserData string   `json:"user_data,omitempty"`
}

type vultrInstanceResp struct {
	Instance vultrInstance `json:"instance"`
}

func (v vultrInstance) toInstance() prov.Instance {
	ip := v.MainIP
	if ip == "0.0.0.0" {
		ip = ""
	}
	return prov.Instance{ID: v.ID, Label: v.Label, State: mapState(v.Status, v.PowerStatus), PublicAddress: ip}
}

func mapState(status, power string) prov.InstanceState {
	switch status {
	case "pending", "resizing":
		return prov.StatePending
	case "active":
		if power == "running" {
			return prov.StateRunning
		}
		if power == "stopped" {
			return prov.StateStopped
		}
		return prov.StatePending
	case "suspended":
		return prov.StateStopped
	}
	return prov.StateTerminated
}

func (p *Provider) ListInstances(ctx context.Context, filter prov.Filter) ([]prov.Instance, error) {
	var out []prov.Instance
	cursor := ""
	for {
		q := url.Values{}
		q.Set("per_page", "500")
		if filter.Tag != "" {
			q.Set("tag", filter.Tag)
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var list vultrListResp
		if err := p.api.DoJSON(ctx, http.MethodGet, "/instances?"+q.Encode(), nil, &list); err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		for _, vi := range list.Instances {
			inst := vi.toInstance()
			if filter.Match(inst) {
				out = append(out, inst)
			}
		}
		cursor = list.Meta.Links.Next
		if cursor == "" {
			return out, nil
		}
	}
}

func (p *Provider) CreateInstances(ctx context.Context, req prov.CreateRequest) ([]prov.Instance, error) {
	req.Region = firstNonEmpty(req.Region, p.cfg.Providers.Vultr.Region)
	req.Size = firstNonEmpty(req.Size, p.cfg.Providers.Vultr.Plan)
	if err := p.validator.ValidateCreateRequest(p.Name(), req); err != nil {
		return nil, err
	}
	osID := p.cfg.Providers.Vultr.OSID
	if req.Image != "" {
		if _, err := fmt.Sscanf(req.Image, "%d", &osID); err != nil {
			return nil, fmt.Errorf("vultr image must be a numeric os_id, got %q", req.Image)
		}
	}
	var userData string
	if req.CloudInit != "" {
		userData = base64.StdEncoding.EncodeToString([]byte(req.CloudInit))
	}

	// Vultr creates one instance per call.
	created := make([]prov.Instance, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		label := fmt.Sprintf("%s-%s", firstNonEmpty(req.Label, req.Tag), uuid.NewString()[:8])
		payload := vultrCreateReq{
			Region:   req.Region,
			Plan:     req.Size,
			OSID:     osID,
			Label:    label,
			Hostname: label,
			Tags:     []string{req.Tag},
			UserData: userData,
		}
		var resp vultrInstanceResp
		if err := p.api.DoJSON(ctx, http.MethodPost, "/instances", payload, &resp); err != nil {
			return created, fmt.Errorf("create instance %d of %d: %w", i+1, req.Count, err)
		}
		log.Info().Str("instance", resp.Instance.ID).Str("label", label).Msg("vultr instance requested")
		created = append(created, resp.Instance.toInstance())
	}
	return created, nil
}

func (p *Provider) WaitUntilRunning(ctx context.Context, id string) (prov.Instance, error) {
	return prov.PollUntilRunning(ctx, p.PollInterval, func(ctx context.Context) (prov.Instance, error) {
		var resp vultrInstanceResp
		if err := p.api.DoJSON(ctx, http.MethodGet, "/instances/"+id, nil, &resp); err != nil {
			return prov.Instance{}, err
		}
		return resp.Instance.toInstance(), nil
	})
}

func (p *Provider) Terminate(ctx context.Context, id string) error {
	if err := p.api.DoJSON(ctx, http.MethodDelete, "/instances/"+id, nil, nil); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
