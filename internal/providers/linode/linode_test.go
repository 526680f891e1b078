package linode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	prov "github.com/3cpo-dev/dsmctl/internal/providers"
)

func newTestProvider(t *testing.T, h http.Handler) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	api := prov.NewAPIClient("linode", srv.URL, "tok")
	api.HTTP = prov.NewRetryableHTTPClient(5*time.Second, 1000).WithRetryConfig(prov.RetryConfig{MaxRetries: 0})
	var cfg prov.Config
	cfg.Providers.Linode.Region = "ap-northeast"
	cfg.Providers.Linode.Type = "g6-nanode-1"
	cfg.Providers.Linode.Image = "linode/ubuntu22.04"
	p := NewWithClient(cfg, api)
	p.PollInterval = 5 * time.Millisecond
	return p
}

func TestListUsesTagFilterAndPages(t *testing.T) {
	var mu sync.Mutex
	var filters []string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		filters = append(filters, r.Header.Get("X-Filter"))
		mu.Unlock()
		page := r.URL.Query().Get("page")
		resp := linodeListResp{Page: 1, Pages: 2}
		if page == "1" {
			resp.Data = []linodeInstance{
				{ID: 1, Label: "a", IPv4: []string{"198.51.100.1"}, Status: "running"},
				{ID: 2, Label: "b", Status: "provisioning"},
			}
		} else {
			resp.Page = 2
			resp.Data = []linodeInstance{{ID: 3, Label: "c", IPv4: []string{"198.51.100.3"}, Status: "running"}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	p := newTestProvider(t, h)
	got, err := p.ListInstances(context.Background(), prov.Filter{Tag: "dsm", States: []prov.InstanceState{prov.StateRunning}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "3" {
		t.Fatalf("unexpected instances: %+v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(filters) != 2 || filters[0] != `{"tags":"dsm"}` {
		t.Fatalf("unexpected X-Filter headers: %v", filters)
	}
}

func TestCreateSendsTemplate(t *testing.T) {
	var mu sync.Mutex
	var got linodeCreateReq
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(linodeInstance{ID: 42, Label: got.Label, Status: "provisioning"})
	})
	p := newTestProvider(t, h)
	created, err := p.CreateInstances(context.Background(), prov.CreateRequest{Count: 1, Tag: "dsm", SSHKey: "ssh-ed25519 AAAA test", CloudInit: "#cloud-config"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created) != 1 || created[0].ID != "42" || created[0].State != prov.StatePending {
		t.Fatalf("unexpected created: %+v", created)
	}
	mu.Lock()
	defer mu.Unlock()
	if got.Region != "ap-northeast" || got.Type != "g6-nanode-1" || got.Image != "linode/ubuntu22.04" {
		t.Fatalf("template not applied: %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "dsm" || !strings.HasPrefix(got.Label, "dsm-") {
		t.Fatalf("tag/label not applied: %+v", got)
	}
	if got.RootPass == "" || got.Metadata == nil || len(got.AuthorizedKeys) != 1 {
		t.Fatalf("credentials/user data missing: %+v", got)
	}
}

func TestCreateSurfacesAPIError(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"reason":"quota exceeded"}]}`, http.StatusBadRequest)
	})
	p := newTestProvider(t, h)
	_, err := p.CreateInstances(context.Background(), prov.CreateRequest{Count: 1, Tag: "dsm"})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestWaitUntilRunning(t *testing.T) {
	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inst := linodeInstance{ID: 7, Status: "booting"}
		if calls.Add(1) >= 3 {
			inst.Status = "running"
			inst.IPv4 = []string{"198.51.100.7"}
		}
		_ = json.NewEncoder(w).Encode(inst)
	})
	p := newTestProvider(t, h)
	inst, err := p.WaitUntilRunning(context.Background(), "7")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if inst.PublicAddress != "198.51.100.7" {
		t.Fatalf("unexpected address %q", inst.PublicAddress)
	}
}
