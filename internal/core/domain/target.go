// Package domain contains the core domain types and validation logic.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"errors"
	"net"
	"regexp"
	"strconv"
	"time"
)

// =============================================================================
// Target Errors
// =============================================================================

var (
	// SSH validation errors
	ErrSSHHostRequired = errors.New("SSH host is required")
	ErrSSHHostInvalid  = errors.New("SSH host must be a valid hostname or IP address")
	ErrSSHPortInvalid  = errors.New("SSH port must be between 1 and 65535")
	ErrSSHUserRequired = errors.New("SSH user is required")

	// Credential errors
	ErrCredentialRequired = errors.New("a password, private key file or ssh-agent is required")

	// Host key errors
	ErrHostKeyPolicyInvalid = errors.New("host key policy must be one of known_hosts, tofu, insecure")
	ErrKnownHostsRequired   = errors.New("known_hosts file is required for this host key policy")
)

// hostnameRegex matches RFC 1123 hostnames.
var hostnameRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// =============================================================================
// Host Key Policy
// =============================================================================

// HostKeyPolicy decides how the identity of the remote host is verified.
type HostKeyPolicy string

const (
	// HostKeyKnownHosts accepts only keys already present in the known_hosts file.
	HostKeyKnownHosts HostKeyPolicy = "known_hosts"
	// HostKeyTOFU trusts an unknown host on first contact and records its key.
	// A key that differs from the recorded one is rejected.
	HostKeyTOFU HostKeyPolicy = "tofu"
	// HostKeyInsecure accepts any host key without recording it.
	HostKeyInsecure HostKeyPolicy = "insecure"
)

// IsValid checks if the host key policy is known.
func (p HostKeyPolicy) IsValid() bool {
	switch p {
	case HostKeyKnownHosts, HostKeyTOFU, HostKeyInsecure:
		return true
	default:
		return false
	}
}

// HostKeyConfig configures host identity verification.
type HostKeyConfig struct {
	Policy         HostKeyPolicy `json:"policy"`
	KnownHostsFile string        `json:"known_hosts_file,omitempty"`
}

// =============================================================================
// Target
// =============================================================================

// Credential holds what is needed to authenticate against the remote host.
// Values are supplied by configuration at runtime and never persisted.
type Credential struct {
	User           string `json:"user"`
	Password       string `json:"-"`
	PrivateKeyFile string `json:"private_key_file,omitempty"`
	Passphrase     string `json:"-"`
	UseAgent       bool   `json:"use_agent,omitempty"`
}

// HasSecret reports whether at least one authentication method is configured.
func (c Credential) HasSecret() bool {
	return c.Password != "" || c.PrivateKeyFile != "" || c.UseAgent
}

// Target is the single remote host a deployment is pushed to.
type Target struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Credential     Credential    `json:"credential"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	HostKey        HostKeyConfig `json:"host_key"`
}

// Address returns the host:port dial address.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ValidateTarget validates all connection fields of a target.
func ValidateTarget(t Target) []error {
	var errs []error

	if err := ValidateSSHHost(t.Host); err != nil {
		errs = append(errs, err)
	}
	if err := ValidateSSHPort(t.Port); err != nil {
		errs = append(errs, err)
	}
	if t.Credential.User == "" {
		errs = append(errs, ErrSSHUserRequired)
	}
	if !t.Credential.HasSecret() {
		errs = append(errs, ErrCredentialRequired)
	}
	if !t.HostKey.Policy.IsValid() {
		errs = append(errs, ErrHostKeyPolicyInvalid)
	} else if t.HostKey.Policy != HostKeyInsecure && t.HostKey.KnownHostsFile == "" {
		errs = append(errs, ErrKnownHostsRequired)
	}

	return errs
}

// ValidateSSHHost validates an SSH host (hostname or IP address).
func ValidateSSHHost(host string) error {
	if host == "" {
		return ErrSSHHostRequired
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}
	if !hostnameRegex.MatchString(host) {
		return ErrSSHHostInvalid
	}
	return nil
}

// ValidateSSHPort validates an SSH port number.
func ValidateSSHPort(port int) error {
	if port < 1 || port > 65535 {
		return ErrSSHPortInvalid
	}
	return nil
}
