package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// TrustPolicy decides which host keys are accepted when a session is opened.
type TrustPolicy string

const (
	// TrustKnownHosts accepts only keys already present in known_hosts.
	TrustKnownHosts TrustPolicy = "known_hosts"
	// TrustAcceptNew records the key of a host seen for the first time and
	// rejects a changed key for a host already recorded.
	TrustAcceptNew TrustPolicy = "accept-new"
	// TrustPinned accepts only keys whose SHA256 fingerprint is listed.
	TrustPinned TrustPolicy = "pinned"
	// TrustInsecure accepts any key.
	TrustInsecure TrustPolicy = "insecure"
)

type TrustConfig struct {
	Policy     TrustPolicy
	KnownHosts string
	Pinned     []string
}

// HostKeyCallback builds the callback for the configured policy. An empty
// policy means known_hosts.
func HostKeyCallback(cfg TrustConfig) (xssh.HostKeyCallback, error) {
	switch cfg.Policy {
	case "", TrustKnownHosts:
		if cfg.KnownHosts == "" {
			return nil, errors.New("trust policy known_hosts: known_hosts path required")
		}
		return strictCallback(cfg.KnownHosts)
	case TrustAcceptNew:
		if cfg.KnownHosts == "" {
			return nil, errors.New("trust policy accept-new: known_hosts path required")
		}
		return acceptNewCallback(cfg.KnownHosts)
	case TrustPinned:
		return pinnedCallback(cfg.Pinned)
	case TrustInsecure:
		log.Warn().Msg("host key verification disabled (trust policy insecure)")
		return xssh.InsecureIgnoreHostKey(), nil
	}
	return nil, fmt.Errorf("unknown trust policy %q", cfg.Policy)
}

// touch creates the known_hosts file and its directory when missing.
func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	return f.Close()
}

// RecordHostKey appends a known_hosts line for host.
func RecordHostKey(path, host string, key xssh.PublicKey) error {
	if err := touch(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("record host key: %w", err)
	}
	_, err = fmt.Fprintln(f, knownhosts.Line([]string{host}, key))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("record host key: %w", err)
	}
	return nil
}

func strictCallback(path string) (xssh.HostKeyCallback, error) {
	if err := touch(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}

func acceptNewCallback(path string) (xssh.HostKeyCallback, error) {
	if err := touch(path); err != nil {
		return nil, err
	}
	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key xssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()
		// Reload so hosts appended by earlier connections are seen.
		check, err := knownhosts.New(path)
		if err != nil {
			return err
		}
		err = check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			log.Warn().
				Str("host", hostname).
				Str("fingerprint", xssh.FingerprintSHA256(key)).
				Msg("trusting new host key")
			return RecordHostKey(path, hostname, key)
		}
		return err
	}, nil
}

func pinnedCallback(fingerprints []string) (xssh.HostKeyCallback, error) {
	if len(fingerprints) == 0 {
		return nil, errors.New("trust policy pinned: no fingerprints configured")
	}
	allowed := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		fp = strings.TrimSpace(fp)
		if !strings.HasPrefix(fp, "SHA256:") {
			fp = "SHA256:" + fp
		}
		allowed[fp] = struct{}{}
	}
	return func(hostname string, remote net.Addr, key xssh.PublicKey) error {
		fp := xssh.FingerprintSHA256(key)
		if _, ok := allowed[fp]; ok {
			return nil
		}
		return fmt.Errorf("host key %s for %s is not pinned", fp, hostname)
	}, nil
}
