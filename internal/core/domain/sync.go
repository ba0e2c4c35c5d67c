package domain

import (
	"errors"
	"path"
	"strings"
)

// =============================================================================
// Sync Errors
// =============================================================================

var (
	ErrSyncModeInvalid      = errors.New("sync mode must be destructive or incremental")
	ErrRemoteRootRequired   = errors.New("remote base path is required")
	ErrRemoteRootNotAbs     = errors.New("remote base path must be absolute")
	ErrRemoteRootTooShallow = errors.New("remote base path must not be the filesystem root")
	ErrTopLevelPathInvalid  = errors.New("top-level path must be relative and stay inside the local root")
)

// =============================================================================
// Sync Mode
// =============================================================================

// SyncMode selects how the remote root is prepared before files are copied.
type SyncMode string

const (
	// SyncDestructive wipes the remote root and recreates it before copying.
	SyncDestructive SyncMode = "destructive"
	// SyncIncremental only adds or overwrites; pre-existing remote entries survive.
	SyncIncremental SyncMode = "incremental"
)

// IsValid checks if the sync mode is known.
func (m SyncMode) IsValid() bool {
	return m == SyncDestructive || m == SyncIncremental
}

// =============================================================================
// Sync Entries
// =============================================================================

// EntryKind distinguishes files from directories in a sync plan.
type EntryKind string

const (
	EntryFile      EntryKind = "file"
	EntryDirectory EntryKind = "directory"
)

// SyncEntry is one local path and its remote destination.
// LocalPath is slash-separated and relative to the local root.
type SyncEntry struct {
	LocalPath  string    `json:"local_path"`
	RemotePath string    `json:"remote_path"`
	Kind       EntryKind `json:"kind"`
}

// IsDir reports whether the entry is a directory.
func (e SyncEntry) IsDir() bool {
	return e.Kind == EntryDirectory
}

// SyncPlan is the ordered set of entries mirrored onto RemoteRoot.
// Directories precede every entry nested beneath them.
type SyncPlan struct {
	Mode       SyncMode    `json:"mode"`
	RemoteRoot string      `json:"remote_root"`
	Entries    []SyncEntry `json:"entries"`

	// Skipped lists optional top-level paths absent locally.
	Skipped []string `json:"skipped,omitempty"`
}

// Files returns the number of file entries in the plan.
func (p SyncPlan) Files() int {
	n := 0
	for _, e := range p.Entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}

// ValidateRemoteRoot validates the remote base path a deployment writes to.
// The root is removed recursively in destructive mode, so "/" is refused.
func ValidateRemoteRoot(root string) error {
	if root == "" {
		return ErrRemoteRootRequired
	}
	if !strings.HasPrefix(root, "/") {
		return ErrRemoteRootNotAbs
	}
	if path.Clean(root) == "/" {
		return ErrRemoteRootTooShallow
	}
	return nil
}

// ValidateTopLevelPath validates a configured required or optional path.
func ValidateTopLevelPath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") {
		return ErrTopLevelPathInvalid
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return ErrTopLevelPathInvalid
	}
	return nil
}
