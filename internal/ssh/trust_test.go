package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func newHostKey(t *testing.T) xssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := xssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return key
}

var remote = &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 22}

func TestRecordHostKey(t *testing.T) {
	kh := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	key := newHostKey(t)
	if err := RecordHostKey(kh, "example.com:22", key); err != nil {
		t.Fatalf("append known host: %v", err)
	}
	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if !strings.HasPrefix(string(b), "example.com ") {
		t.Fatalf("unexpected known_hosts content: %q", b)
	}
	check, err := HostKeyCallback(TrustConfig{KnownHosts: kh})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := check("example.com:22", remote, key); err != nil {
		t.Fatalf("expected recorded key to pass: %v", err)
	}
}

func TestStrictPolicyRejectsUnknownHost(t *testing.T) {
	kh := filepath.Join(t.TempDir(), "known_hosts")
	check, err := HostKeyCallback(TrustConfig{Policy: TrustKnownHosts, KnownHosts: kh})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	err = check("h0:22", remote, newHostKey(t))
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("expected KeyError, got %v", err)
	}
}

func TestAcceptNewPolicy(t *testing.T) {
	kh := filepath.Join(t.TempDir(), "known_hosts")
	check, err := HostKeyCallback(TrustConfig{Policy: TrustAcceptNew, KnownHosts: kh})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	key := newHostKey(t)
	if err := check("h0:22", remote, key); err != nil {
		t.Fatalf("first contact: %v", err)
	}
	if err := check("h0:22", remote, key); err != nil {
		t.Fatalf("second contact with same key: %v", err)
	}
	if err := check("h0:22", remote, newHostKey(t)); err == nil {
		t.Fatalf("expected changed key to be rejected")
	}
}

func TestPinnedPolicy(t *testing.T) {
	key := newHostKey(t)
	fp := xssh.FingerprintSHA256(key)
	check, err := HostKeyCallback(TrustConfig{Policy: TrustPinned, Pinned: []string{strings.TrimPrefix(fp, "SHA256:")}})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := check("h0:22", remote, key); err != nil {
		t.Fatalf("pinned key rejected: %v", err)
	}
	if err := check("h0:22", remote, newHostKey(t)); err == nil {
		t.Fatalf("expected unpinned key to be rejected")
	}
	if _, err := HostKeyCallback(TrustConfig{Policy: TrustPinned}); err == nil {
		t.Fatalf("expected error with no fingerprints")
	}
}

func TestUnknownPolicy(t *testing.T) {
	if _, err := HostKeyCallback(TrustConfig{Policy: "yolo"}); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
