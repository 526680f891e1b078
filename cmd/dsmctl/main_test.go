package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3cpo-dev/dsmctl/internal/clusterconf"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("LINODE_TOKEN", "")
	t.Setenv("VULTR_TOKEN", "")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	root.SetContext(context.Background())
	err := root.Execute()
	return out.String(), err
}

func TestRenderConfigCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	if err := os.WriteFile(path, []byte("addresses: [h0, h1, h2]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "render-config", path)
	if err != nil {
		t.Fatalf("render-config: %v", err)
	}
	if out != "3\n* h0 8000\n- h1 8001\n- h2 8002\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRunPipelineRejectsBadRolesBeforeContact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dsm.conf")
	if err := os.WriteFile(path, []byte("2\n* h0 8000\n* h1 8001"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "run-pipeline", path)
	var ce *clusterconf.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestLsWithLocalHosts(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	yml := "providers:\n  localssh:\n    hosts:\n      - {name: a, ip: 192.0.2.1}\n      - {name: b, ip: 192.0.2.2}\n"
	if err := os.WriteFile(cfg, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "--config", cfg, "ls")
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	if strings.TrimSpace(out) != "192.0.2.1\n192.0.2.2" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestInvalidLogLevel(t *testing.T) {
	if _, err := execute(t, "--log", "loud", "version"); err == nil {
		t.Fatalf("expected invalid log level error")
	}
}
