package domain

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// =============================================================================
// Service Errors
// =============================================================================

var (
	ErrProcessPatternRequired = errors.New("process pattern is required")
	ErrStartCommandRequired   = errors.New("start command is required")
	ErrListeningPortInvalid   = errors.New("listening port must be between 1 and 65535")
	ErrLogPathRequired        = errors.New("log path is required")
	ErrEnvNameInvalid         = errors.New("environment variable name is invalid")
	ErrInvalidTransition      = errors.New("invalid lifecycle transition")
)

// =============================================================================
// Service Instance
// =============================================================================

// ServiceInstance describes the remote service a deployment replaces.
// At most one instance is current per deployment run.
type ServiceInstance struct {
	// ProcessPattern is matched against full command lines (pgrep -f).
	ProcessPattern string `json:"process_pattern"`

	// StopPatterns are extra patterns terminated during the stop phase,
	// for processes started by older variants of the start command.
	StopPatterns []string `json:"stop_patterns,omitempty"`

	BoundPort int               `json:"bound_port"`
	LogPath   string            `json:"log_path"`
	WorkDir   string            `json:"work_dir"`
	Env       map[string]string `json:"env,omitempty"`
}

// AllPatterns returns the process pattern followed by distinct stop patterns.
func (s ServiceInstance) AllPatterns() []string {
	patterns := []string{s.ProcessPattern}
	seen := map[string]bool{s.ProcessPattern: true}
	for _, p := range s.StopPatterns {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		patterns = append(patterns, p)
	}
	return patterns
}

// EnvPairs returns NAME=value pairs sorted by name.
// PORT is set to the bound port unless the environment already defines it.
func (s ServiceInstance) EnvPairs() []string {
	env := make(map[string]string, len(s.Env)+1)
	for k, v := range s.Env {
		env[k] = v
	}
	if _, ok := env["PORT"]; !ok && s.BoundPort > 0 {
		env["PORT"] = strconv.Itoa(s.BoundPort)
	}

	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, k := range names {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

// ValidateServiceInstance validates a service instance and its start command.
func ValidateServiceInstance(s ServiceInstance, startCommand string) []error {
	var errs []error

	if strings.TrimSpace(s.ProcessPattern) == "" {
		errs = append(errs, ErrProcessPatternRequired)
	}
	if strings.TrimSpace(startCommand) == "" {
		errs = append(errs, ErrStartCommandRequired)
	}
	if s.BoundPort < 1 || s.BoundPort > 65535 {
		errs = append(errs, ErrListeningPortInvalid)
	}
	if s.LogPath == "" {
		errs = append(errs, ErrLogPathRequired)
	}
	for name := range s.Env {
		if !validEnvName(name) {
			errs = append(errs, ErrEnvNameInvalid)
			break
		}
	}

	return errs
}

func validEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// =============================================================================
// Lifecycle State Machine
// =============================================================================

// LifecycleState is the observed state of the service during one run.
type LifecycleState string

const (
	LifecycleUnknown  LifecycleState = "unknown"
	LifecycleStopped  LifecycleState = "stopped"
	LifecycleStarting LifecycleState = "starting"
	LifecycleHealthy  LifecycleState = "healthy"
	LifecycleDegraded LifecycleState = "degraded"
)

// validLifecycleTransitions defines the allowed state transitions.
// Stopped is absorbing for repeated stops; nothing returns to unknown.
var validLifecycleTransitions = map[LifecycleState][]LifecycleState{
	LifecycleUnknown:  {LifecycleStopped},
	LifecycleStopped:  {LifecycleStopped, LifecycleStarting},
	LifecycleStarting: {LifecycleHealthy, LifecycleDegraded},
	LifecycleHealthy:  {},
	LifecycleDegraded: {},
}

// ValidateLifecycleTransition checks if a lifecycle transition is valid.
func ValidateLifecycleTransition(from, to LifecycleState) error {
	allowed, exists := validLifecycleTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// IsTerminal reports whether no further transition is possible.
func (s LifecycleState) IsTerminal() bool {
	return s == LifecycleHealthy || s == LifecycleDegraded
}
