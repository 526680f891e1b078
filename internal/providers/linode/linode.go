package linode

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	prov "github.com/3cpo-dev/dsmctl/internal/providers"
)

const linodeAPI = "https://api.linode.com/v4"

type Provider struct {
	cfg          prov.Config
	api          *prov.APIClient
	validator    *prov.CloudProviderValidator
	PollInterval time.Duration
}

func New(cfg prov.Config) *Provider {
	return NewWithClient(cfg, prov.NewAPIClient("linode", linodeAPI, cfg.Providers.Linode.Token))
}

func NewWithClient(cfg prov.Config, api *prov.APIClient) *Provider {
	return &Provider{cfg: cfg, api: api, validator: prov.NewCloudProviderValidator(), PollInterval: 10 * time.Second}
}

func (p *Provider) Name() string { return "linode" }

type linodeInstance struct {
	ID     int      `json:"id"`
	Label  string   `json:"label"`
	IPv4   []string `json:"ipv4"`
	Status string   `json:"status"`
	Tags   []string `json:"tags"`
}

type linodeListResp struct {
	Data  []linodeInstance `json:"data"`
	Page  int              `json:"page"`
	Pages int              `json:"pages"`
}

type linodeMetadata struct {
	UserData string `json:"user_data"`
}

type linodeCreateReq struct {
	Region         string          `json:"region"`
	Type           string          `json:"type"`
	Image          string          `json:"image"`
	Label          string          `json:"label"`
	RootPass       string          `json:"root_pass"`
	Tags           []string        `json:"tags"`
	AuthorizedKeys []string        `json:"authorized_keys,omitempty"`
	Booted         bool            `json:"booted"`
	Metadata       *linodeMetadata `json:"metadata,omitempty"`
}

func (l linodeInstance) toInstance() prov.Instance {
	ip := ""
	if len(l.IPv4) > 0 {
		ip = l.IPv4[0]
	}
	return prov.Instance{ID: strconv.Itoa(l.ID), Label: l.Label, State: mapState(l.Status), PublicAddress: ip}
}

func mapState(status string) prov.InstanceState {
	switch status {
	case "running":
		return prov.StateRunning
	case "provisioning", "booting", "rebooting", "migrating", "rebuilding", "cloning", "restoring", "resizing":
		return prov.StatePending
	case "offline", "shutting_down", "stopped":
		return prov.StateStopped
	}
	return prov.StateTerminated
}

func (p *Provider) ListInstances(ctx context.Context, filter prov.Filter) ([]prov.Instance, error) {
	headers := map[string]string{}
	if filter.Tag != "" {
		xf, err := json.Marshal(map[string]string{"tags": filter.Tag})
		if err != nil {
			return nil, err
		}
		headers["X-Filter"] = string(xf)
	}
	var out []prov.Instance
	for page := 1; ; page++ {
		var resp linodeListResp
		path := fmt.Sprintf("/linode/instances?page=%d&page_size=500", page)
		if err := p.api.DoJSONWithHeaders(ctx, http.MethodGet, path, headers, nil, &resp); err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		for _, li := range resp.Data {
			inst := li.toInstance()
			if filter.Match(inst) {
				out = append(out, inst)
			}
		}
		if page >= resp.Pages {
			return out, nil
		}
	}
}

func (p *Provider) CreateInstances(ctx context.Context, req prov.CreateRequest) ([]prov.Instance, error) {
	req.Region = firstNonEmpty(req.Region, p.cfg.Providers.Linode.Region)
	req.Size = firstNonEmpty(req.Size, p.cfg.Providers.Linode.Type)
	req.Image = firstNonEmpty(req.Image, p.cfg.Providers.Linode.Image)
	if err := p.validator.ValidateCreateRequest(p.Name(), req); err != nil {
		return nil, err
	}
	created := make([]prov.Instance, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		pass, err := generatePassword()
		if err != nil {
			return created, err
		}
		payload := linodeCreateReq{
			Region:   req.Region,
			Type:     req.Size,
			Image:    req.Image,
			Label:    fmt.Sprintf("%s-%s", firstNonEmpty(req.Label, req.Tag), uuid.NewString()[:8]),
			RootPass: pass,
			Tags:     []string{req.Tag},
			Booted:   true,
		}
		if req.SSHKey != "" {
			payload.AuthorizedKeys = []string{req.SSHKey}
		}
		if req.CloudInit != "" {
			payload.Metadata = &linodeMetadata{UserData: base64.StdEncoding.EncodeToString([]byte(req.CloudInit))}
		}
		var li linodeInstance
		if err := p.api.DoJSON(ctx, http.MethodPost, "/linode/instances", payload, &li); err != nil {
			return created, fmt.Errorf("create instance %d of %d: %w", i+1, req.Count, err)
		}
		log.Info().Int("instance", li.ID).Str("label", li.Label).Msg("linode instance requested")
		created = append(created, li.toInstance())
	}
	return created, nil
}

func (p *Provider) WaitUntilRunning(ctx context.Context, id string) (prov.Instance, error) {
	return prov.PollUntilRunning(ctx, p.PollInterval, func(ctx context.Context) (prov.Instance, error) {
		var li linodeInstance
		if err := p.api.DoJSON(ctx, http.MethodGet, "/linode/instances/"+id, nil, &li); err != nil {
			return prov.Instance{}, err
		}
		return li.toInstance(), nil
	})
}

func (p *Provider) Terminate(ctx context.Context, id string) error {
	if err := p.api.DoJSON(ctx, http.MethodDelete, "/linode/instances/"+id, nil, nil); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

// generatePassword returns a random root password; login is key-only, so
// nobody ever needs to know it.
func generatePassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate root password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf) + "!9a", nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
