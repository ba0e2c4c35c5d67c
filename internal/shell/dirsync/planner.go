// Package dirsync mirrors a local application tree onto the remote host.
//
// A plan is built from a go-billy filesystem rooted at the local tree, then
// applied through a remote.Session: the remote root is prepared according to
// the sync mode, directories are created before anything nested in them, and
// every file is written unconditionally. Nothing is ever deleted by Sync.
package dirsync

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/artpar/pushdeploy/internal/core/deployment"
	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// =============================================================================
// Plan Building
// =============================================================================

// BuildPlan walks each top-level path of fsys in pre-order and returns the
// ordered entries to transfer. A missing required path fails the build; a
// missing optional path is recorded in Skipped.
func BuildPlan(fsys billy.Filesystem, remoteRoot string, mode domain.SyncMode, required, optional []string) (domain.SyncPlan, error) {
	plan := domain.SyncPlan{Mode: mode, RemoteRoot: remoteRoot}

	if !mode.IsValid() {
		return plan, NewSyncError("plan", "", ErrInvalidPlan, domain.ErrSyncModeInvalid)
	}
	if err := domain.ValidateRemoteRoot(remoteRoot); err != nil {
		return plan, NewSyncError("plan", remoteRoot, ErrInvalidPlan, err)
	}

	b := &planBuilder{fsys: fsys, remoteRoot: remoteRoot, seen: make(map[string]bool)}

	for _, top := range required {
		ok, err := b.add(top)
		if err != nil {
			return plan, err
		}
		if !ok {
			return plan, NewSyncError("plan", top, ErrRequiredMissing, nil)
		}
	}
	for _, top := range optional {
		ok, err := b.add(top)
		if err != nil {
			return plan, err
		}
		if !ok {
			plan.Skipped = append(plan.Skipped, top)
		}
	}

	plan.Entries = b.entries
	return plan, nil
}

type planBuilder struct {
	fsys       billy.Filesystem
	remoteRoot string
	seen       map[string]bool
	entries    []domain.SyncEntry
}

// add walks one top-level path. It reports false when the path is absent.
func (b *planBuilder) add(top string) (bool, error) {
	if err := domain.ValidateTopLevelPath(top); err != nil {
		return false, NewSyncError("plan", top, ErrInvalidPlan, err)
	}
	top = path.Clean(filepath.ToSlash(top))

	if _, err := b.fsys.Lstat(top); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, NewSyncError("plan", top, ErrInvalidPlan, err)
	}

	// A nested top-level path such as "server/data" needs its parents first.
	ancestors := deployment.Ancestors(top)
	for i := len(ancestors) - 1; i >= 0; i-- {
		b.appendEntry(ancestors[i], domain.EntryDirectory)
	}

	err := util.Walk(b.fsys, top, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := path.Clean(filepath.ToSlash(p))

		if kind, ok := b.kindOf(p, info); ok {
			b.appendEntry(rel, kind)
		}
		return nil
	})
	if err != nil {
		return false, NewSyncError("plan", top, ErrInvalidPlan, fmt.Errorf("walk: %w", err))
	}
	return true, nil
}

func (b *planBuilder) appendEntry(rel string, kind domain.EntryKind) {
	if b.seen[rel] {
		return
	}
	b.seen[rel] = true
	b.entries = append(b.entries, domain.SyncEntry{
		LocalPath:  rel,
		RemotePath: deployment.RemotePath(b.remoteRoot, rel),
		Kind:       kind,
	})
}

// kindOf classifies a walked path. Symlinks to regular files are followed;
// other special files and symlinked directories are left out.
func (b *planBuilder) kindOf(p string, info os.FileInfo) (domain.EntryKind, bool) {
	mode := info.Mode()
	if mode&os.ModeSymlink != 0 {
		target, err := b.fsys.Stat(p)
		if err != nil || !target.Mode().IsRegular() {
			return "", false
		}
		return domain.EntryFile, true
	}
	switch {
	case mode.IsDir():
		return domain.EntryDirectory, true
	case mode.IsRegular():
		return domain.EntryFile, true
	}
	return "", false
}
