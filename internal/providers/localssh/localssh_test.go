package localssh

import (
	"context"
	"errors"
	"testing"

	"github.com/3cpo-dev/dsmctl/internal/providers"
)

func testConfig() providers.Config {
	var cfg providers.Config
	cfg.Providers.LocalSSH.Hosts = []providers.LocalHost{
		{Name: "a", IP: "10.0.0.1"},
		{Name: "b", IP: "10.0.0.2"},
	}
	return cfg
}

func TestListAndWait(t *testing.T) {
	p := New(testConfig())
	got, err := p.ListInstances(context.Background(), providers.Filter{States: []providers.InstanceState{providers.StateRunning}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].PublicAddress != "10.0.0.1" {
		t.Fatalf("unexpected instances: %+v", got)
	}
	inst, err := p.WaitUntilRunning(context.Background(), got[1].ID)
	if err != nil || inst.PublicAddress != "10.0.0.2" {
		t.Fatalf("wait: %+v %v", inst, err)
	}
	if _, err := p.WaitUntilRunning(context.Background(), "local-zzz"); err == nil {
		t.Fatalf("expected unknown instance error")
	}
}

func TestCreateNotSupported(t *testing.T) {
	p := New(testConfig())
	_, err := p.CreateInstances(context.Background(), providers.CreateRequest{Count: 1, Tag: "dsm"})
	if !errors.Is(err, providers.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if err := p.Terminate(context.Background(), "local-a"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
}
