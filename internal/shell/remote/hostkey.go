package remote

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// =============================================================================
// Host Key Verification
// =============================================================================

// HostKeyCallback builds the host key callback for a policy.
//
//   - known_hosts: the key must already be listed in the known_hosts file.
//   - tofu: unknown hosts are accepted and appended to the file; a key that
//     differs from a listed one is rejected.
//   - insecure: every key is accepted.
func HostKeyCallback(cfg domain.HostKeyConfig, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	switch cfg.Policy {
	case domain.HostKeyInsecure:
		logger.Warn("host key verification disabled", "policy", cfg.Policy)
		return ssh.InsecureIgnoreHostKey(), nil

	case domain.HostKeyTOFU:
		path, err := ExpandHome(cfg.KnownHostsFile)
		if err != nil {
			return nil, err
		}
		if err := ensureFile(path); err != nil {
			return nil, fmt.Errorf("prepare known_hosts: %w", err)
		}
		strict, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		t := &tofu{path: path, strict: strict, logger: logger}
		return t.check, nil

	case domain.HostKeyKnownHosts, "":
		path, err := ExpandHome(cfg.KnownHostsFile)
		if err != nil {
			return nil, err
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return cb, nil
	}
	return nil, domain.ErrHostKeyPolicyInvalid
}

// tofu trusts a host on first use and records its key.
type tofu struct {
	mu     sync.Mutex
	path   string
	strict ssh.HostKeyCallback
	seen   map[string]ssh.PublicKey
	logger *slog.Logger
}

func (t *tofu) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if k, ok := t.seen[hostname]; ok {
		if string(k.Marshal()) == string(key.Marshal()) {
			return nil
		}
		return fmt.Errorf("host key for %s changed during this run", hostname)
	}

	err := t.strict(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
		// Known host presenting a different key.
		return err
	}

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	f, ferr := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if ferr != nil {
		return fmt.Errorf("record host key: %w", ferr)
	}
	defer f.Close()
	if _, ferr := f.WriteString(line + "\n"); ferr != nil {
		return fmt.Errorf("record host key: %w", ferr)
	}

	if t.seen == nil {
		t.seen = make(map[string]ssh.PublicKey)
	}
	t.seen[hostname] = key
	t.logger.Info("trusted new host key",
		"host", hostname,
		"fingerprint", ssh.FingerprintSHA256(key),
		"known_hosts", t.path,
	)
	return nil
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

// ExpandHome replaces a leading "~/" with the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
