package deployment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/pushdeploy/internal/core/domain"
)

// ErrPlanOrder is returned when an entry appears before the directory that contains it.
var ErrPlanOrder = errors.New("sync plan entry precedes its parent directory")

// =============================================================================
// Entry Ordering Functions
// =============================================================================

// ValidateOrder checks that every directory in the plan precedes the entries
// nested beneath it. Entries whose parent directory is not part of the plan
// (top-level files, or files under the remote root) are always valid.
//
// Example:
//
//	// a/ before a/x.txt: valid
//	ValidateOrder([]domain.SyncEntry{{LocalPath: "a", Kind: domain.EntryDirectory}, {LocalPath: "a/x.txt"}})
//	// a/x.txt before a/: ErrPlanOrder
func ValidateOrder(entries []domain.SyncEntry) error {
	dirs := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			dirs[e.LocalPath] = false
		}
	}

	for i, e := range entries {
		for _, anc := range Ancestors(e.LocalPath) {
			seen, inPlan := dirs[anc]
			if inPlan && !seen {
				return fmt.Errorf("%w: %q at position %d before %q", ErrPlanOrder, e.LocalPath, i, anc)
			}
		}
		if e.IsDir() {
			dirs[e.LocalPath] = true
		}
	}
	return nil
}

// Ancestors returns the proper ancestor directories of a slash path,
// nearest first.
//
// Example:
//
//	Ancestors("a/b/c.txt") // returns ["a/b", "a"]
func Ancestors(p string) []string {
	var out []string
	for {
		i := strings.LastIndex(p, "/")
		if i <= 0 {
			return out
		}
		p = p[:i]
		out = append(out, p)
	}
}

// Batch is a run of plan entries that may be executed together: either a
// single directory, or consecutive files sharing one parent directory.
type Batch struct {
	Dir   *domain.SyncEntry
	Files []domain.SyncEntry
}

// Batches splits an ordered plan into batches. Files of one batch share a
// parent whose creation happened in an earlier batch, so they can be
// transferred concurrently without breaking directory-before-children order.
func Batches(entries []domain.SyncEntry) []Batch {
	var out []Batch
	for i := range entries {
		e := entries[i]
		if e.IsDir() {
			out = append(out, Batch{Dir: &entries[i]})
			continue
		}
		if n := len(out); n > 0 && out[n-1].Dir == nil && parent(out[n-1].Files[0].LocalPath) == parent(e.LocalPath) {
			out[n-1].Files = append(out[n-1].Files, e)
			continue
		}
		out = append(out, Batch{Files: []domain.SyncEntry{e}})
	}
	return out
}

func parent(p string) string {
	if i := strings.LastIndex(p, "/"); i > 0 {
		return p[:i]
	}
	return ""
}
