package deployment

import (
	"testing"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dir(p string) domain.SyncEntry  { return domain.SyncEntry{LocalPath: p, Kind: domain.EntryDirectory} }
func file(p string) domain.SyncEntry { return domain.SyncEntry{LocalPath: p, Kind: domain.EntryFile} }

// =============================================================================
// ValidateOrder Tests
// =============================================================================

func TestValidateOrder_Empty(t *testing.T) {
	assert.NoError(t, ValidateOrder(nil))
}

func TestValidateOrder_PreOrderWalk(t *testing.T) {
	entries := []domain.SyncEntry{
		dir("a"),
		dir("a/b"),
		file("a/b/deep.txt"),
		file("a/x.txt"),
		file("b.txt"),
	}
	assert.NoError(t, ValidateOrder(entries))
}

func TestValidateOrder_ChildBeforeParent(t *testing.T) {
	entries := []domain.SyncEntry{
		file("a/x.txt"),
		dir("a"),
	}
	err := ValidateOrder(entries)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlanOrder)
}

func TestValidateOrder_GrandchildBeforeGrandparent(t *testing.T) {
	entries := []domain.SyncEntry{
		dir("a/b"),
		dir("a"),
	}
	assert.ErrorIs(t, ValidateOrder(entries), ErrPlanOrder)
}

func TestValidateOrder_ParentNotInPlan(t *testing.T) {
	// Only a nested file is planned; its parent is created elsewhere.
	assert.NoError(t, ValidateOrder([]domain.SyncEntry{file("data/presets.csv")}))
}

func TestValidateOrder_SimilarPrefixIsNotAncestor(t *testing.T) {
	entries := []domain.SyncEntry{
		file("ab/x.txt"),
		dir("a"),
	}
	assert.NoError(t, ValidateOrder(entries))
}

func TestAncestors(t *testing.T) {
	assert.Equal(t, []string{"a/b", "a"}, Ancestors("a/b/c.txt"))
	assert.Empty(t, Ancestors("top.txt"))
}

// =============================================================================
// Batches Tests
// =============================================================================

func TestBatches_GroupsSiblingFiles(t *testing.T) {
	entries := []domain.SyncEntry{
		dir("a"),
		file("a/x.txt"),
		file("a/y.txt"),
		dir("a/b"),
		file("a/b/z.txt"),
		file("b.txt"),
		file("c.txt"),
	}

	batches := Batches(entries)
	require.Len(t, batches, 5)

	assert.Equal(t, "a", batches[0].Dir.LocalPath)
	assert.Len(t, batches[1].Files, 2)
	assert.Equal(t, "a/b", batches[2].Dir.LocalPath)
	assert.Equal(t, []domain.SyncEntry{file("a/b/z.txt")}, batches[3].Files)
	assert.Equal(t, []domain.SyncEntry{file("b.txt"), file("c.txt")}, batches[4].Files)
}

func TestBatches_DifferentParentsSplit(t *testing.T) {
	batches := Batches([]domain.SyncEntry{file("a/x.txt"), file("b/y.txt")})
	assert.Len(t, batches, 2)
}
