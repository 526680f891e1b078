package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xssh "golang.org/x/crypto/ssh"
)

func TestLoadPrivateKeySigner(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	block, err := xssh.MarshalPrivateKey(priv, "test")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	signer, err := LoadPrivateKeySigner(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.HasPrefix(MarshalAuthorized(signer), "ssh-ed25519 ") {
		t.Fatalf("unexpected authorized key %q", MarshalAuthorized(signer))
	}
}

func TestLoadPrivateKeySignerMissing(t *testing.T) {
	if _, err := LoadPrivateKeySigner(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing key")
	}
}

func TestOpenWithoutSignerIsConnectError(t *testing.T) {
	_, err := Open(context.Background(), &Client{Addr: "127.0.0.1:1"})
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if ce.Addr != "127.0.0.1:1" {
		t.Fatalf("unexpected addr %q", ce.Addr)
	}
}
