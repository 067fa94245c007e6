package hierarchy

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/pkg/audit"
	"github.com/archonhq/archon/pkg/observability"
	"github.com/archonhq/archon/pkg/storage"
)

func setupTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// the nested-set shift statements assume a single connection
	db.SetMaxOpenConns(1)

	require.NoError(t, Migrate(context.Background(), db, storage.DialectSQLite))

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	store := NewStore(db, storage.DialectSQLite, nil, logger, nil)
	return store, db
}

func mustCreate(t *testing.T, store *Store, name string, parentID *int64) *ResourceNode {
	t.Helper()
	node, err := store.Create(context.Background(), name, parentID)
	require.NoError(t, err)
	return node
}

type failingAudit struct{}

func (failingAudit) Record(context.Context, *audit.Event) error {
	return errors.New("sink unavailable")
}

func (failingAudit) Close() error { return nil }

// Mutations must survive an audit-write failure even when the store was
// built without a logger.
func TestNilLoggerToleratesAuditFailure(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, Migrate(context.Background(), db, storage.DialectSQLite))

	store := NewStore(db, storage.DialectSQLite, failingAudit{}, nil, nil)

	node, err := store.Create(context.Background(), "Docs", nil)
	require.NoError(t, err)
	assert.NotZero(t, node.ID)
}

func TestCreateRoot(t *testing.T) {
	store, _ := setupTestStore(t)

	docs := mustCreate(t, store, "Docs", nil)

	assert.Equal(t, "/Docs", docs.Path)
	assert.Equal(t, 0, docs.Level)
	assert.Nil(t, docs.ParentID)
	assert.Equal(t, int64(1), docs.LeftBound)
	assert.Equal(t, int64(2), docs.RightBound)
	assert.Equal(t, StatusActive, docs.Status)
	assert.False(t, docs.HasChildren())
}

func TestCreateChild(t *testing.T) {
	store, _ := setupTestStore(t)

	docs := mustCreate(t, store, "Docs", nil)
	reports := mustCreate(t, store, "Reports", &docs.ID)

	assert.Equal(t, "/Docs/Reports", reports.Path)
	assert.Equal(t, 1, reports.Level)
	require.NotNil(t, reports.ParentID)
	assert.Equal(t, docs.ID, *reports.ParentID)

	// parent's interval grew to contain the child
	docs, err := store.Get(context.Background(), docs.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), docs.LeftBound)
	assert.Equal(t, int64(4), docs.RightBound)
	assert.True(t, docs.HasChildren())
	assert.True(t, docs.Contains(reports))
}

func TestCreateValidation(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "", nil)
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)

	_, err = store.Create(ctx, "a/b", nil)
	assert.ErrorAs(t, err, &validationErr)

	missing := int64(999)
	_, err = store.Create(ctx, "Orphan", &missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSiblingConflict(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	mustCreate(t, store, "Reports", &docs.ID)

	_, err := store.Create(ctx, "Reports", &docs.ID)
	assert.ErrorIs(t, err, ErrConflict)

	// same name under a different parent is fine
	other := mustCreate(t, store, "Other", nil)
	_, err = store.Create(ctx, "Reports", &other.ID)
	assert.NoError(t, err)
}

func TestMoveToNewRoot(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	reports := mustCreate(t, store, "Reports", &docs.ID)
	q1 := mustCreate(t, store, "Q1", &reports.ID)
	archive := mustCreate(t, store, "Archive", nil)

	moved, err := store.Move(ctx, reports.ID, &archive.ID)
	require.NoError(t, err)

	assert.Equal(t, "/Archive/Reports", moved.Path)
	assert.Equal(t, 1, moved.Level)
	require.NotNil(t, moved.ParentID)
	assert.Equal(t, archive.ID, *moved.ParentID)
	assert.Equal(t, int64(4), moved.Width())

	// descendant followed with updated path, level, and nesting
	q1After, err := store.Get(ctx, q1.ID)
	require.NoError(t, err)
	assert.Equal(t, "/Archive/Reports/Q1", q1After.Path)
	assert.Equal(t, 2, q1After.Level)
	assert.True(t, moved.Contains(q1After))

	// old parent shrank back to a leaf
	docsAfter, err := store.Get(ctx, docs.ID)
	require.NoError(t, err)
	assert.False(t, docsAfter.HasChildren())

	requireValidTree(t, store)
}

func TestMoveToRootLevel(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	reports := mustCreate(t, store, "Reports", &docs.ID)

	moved, err := store.Move(ctx, reports.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, "/Reports", moved.Path)
	assert.Equal(t, 0, moved.Level)
	assert.Nil(t, moved.ParentID)

	requireValidTree(t, store)
}

func TestMoveCycleRejected(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, store, "A", nil)
	b := mustCreate(t, store, "B", &a.ID)
	c := mustCreate(t, store, "C", &b.ID)

	_, err := store.Move(ctx, a.ID, &a.ID)
	assert.ErrorIs(t, err, ErrHierarchyViolation)

	_, err = store.Move(ctx, a.ID, &c.ID)
	assert.ErrorIs(t, err, ErrHierarchyViolation)

	// bounds untouched after the rejected moves
	requireValidTree(t, store)
	aAfter, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), aAfter.Width())
}

func TestMovePreservesSubtreeWidth(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	src := mustCreate(t, store, "Src", nil)
	child := mustCreate(t, store, "Child", &src.ID)
	mustCreate(t, store, "Grandchild", &child.ID)
	dest := mustCreate(t, store, "Dest", nil)

	before, err := store.Get(ctx, src.ID)
	require.NoError(t, err)

	moved, err := store.Move(ctx, src.ID, &dest.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Width(), moved.Width())

	requireValidTree(t, store)
}

func TestCopyRecursive(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	reports := mustCreate(t, store, "Reports", &docs.ID)
	mustCreate(t, store, "Q1", &reports.ID)
	backup := mustCreate(t, store, "Backup", nil)

	copied, err := store.Copy(ctx, reports.ID, &backup.ID, CopyOptions{Recursive: true})
	require.NoError(t, err)

	assert.NotEqual(t, reports.ID, copied.ID)
	assert.Equal(t, "/Backup/Reports", copied.Path)
	assert.Equal(t, int64(4), copied.Width())

	// original untouched
	srcAfter, err := store.Get(ctx, reports.ID)
	require.NoError(t, err)
	assert.Equal(t, "/Docs/Reports", srcAfter.Path)

	// copy has its own descendants
	iter, err := store.Subtree(ctx, &copied.ID, 0)
	require.NoError(t, err)
	nodes, err := iter.Collect()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "Q1", nodes[1].Name)

	requireValidTree(t, store)
}

func TestCopyShallowWithNewName(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	reports := mustCreate(t, store, "Reports", &docs.ID)
	mustCreate(t, store, "Q1", &reports.ID)

	copied, err := store.Copy(ctx, reports.ID, &docs.ID, CopyOptions{NewName: "Reports Copy"})
	require.NoError(t, err)

	assert.Equal(t, "Reports Copy", copied.Name)
	assert.Equal(t, "/Docs/Reports Copy", copied.Path)
	assert.False(t, copied.HasChildren())

	requireValidTree(t, store)
}

func TestSoftDeleteAndRestore(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	reports := mustCreate(t, store, "Reports", &docs.ID)
	q1 := mustCreate(t, store, "Q1", &reports.ID)

	require.NoError(t, store.SoftDelete(ctx, reports.ID))

	// node and descendant both deleted, bounds untouched
	reportsAfter, err := store.Get(ctx, reports.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, reportsAfter.Status)
	assert.NotNil(t, reportsAfter.DeletedAt)
	assert.Equal(t, reports.LeftBound, reportsAfter.LeftBound)

	q1After, err := store.Get(ctx, q1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, q1After.Status)

	// parent untouched
	docsAfter, err := store.Get(ctx, docs.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, docsAfter.Status)

	restored, err := store.Restore(ctx, reports.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, restored.Status)
	assert.Nil(t, restored.DeletedAt)

	q1After, err = store.Get(ctx, q1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, q1After.Status)
}

func TestRestoreUnderDeletedParent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	reports := mustCreate(t, store, "Reports", &docs.ID)

	require.NoError(t, store.SoftDelete(ctx, docs.ID))

	_, err := store.Restore(ctx, reports.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHardDelete(t *testing.T) {
	store, db := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	reports := mustCreate(t, store, "Reports", &docs.ID)
	mustCreate(t, store, "Q1", &reports.ID)
	after := mustCreate(t, store, "Zeta", nil)

	removed, err := store.HardDelete(ctx, reports.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = store.Get(ctx, reports.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// gap closed: later root shifted down by the removed width
	afterNode, err := store.Get(ctx, after.ID)
	require.NoError(t, err)
	assert.Equal(t, after.LeftBound-4, afterNode.LeftBound)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM resource_nodes").Scan(&count))
	assert.Equal(t, 2, count)

	requireValidTree(t, store)
}

func TestSubtreePreOrder(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	a := mustCreate(t, store, "A", &docs.ID)
	mustCreate(t, store, "A1", &a.ID)
	mustCreate(t, store, "B", &docs.ID)

	iter, err := store.Subtree(ctx, &docs.ID, 0)
	require.NoError(t, err)
	nodes, err := iter.Collect()
	require.NoError(t, err)

	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	assert.Equal(t, []string{"Docs", "A", "A1", "B"}, names)
}

func TestSubtreeMaxDepth(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	a := mustCreate(t, store, "A", &docs.ID)
	mustCreate(t, store, "A1", &a.ID)

	iter, err := store.Subtree(ctx, &docs.ID, 1)
	require.NoError(t, err)
	nodes, err := iter.Collect()
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestSubtreeWholeForest(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, "Docs", nil)
	mustCreate(t, store, "Archive", nil)

	iter, err := store.Subtree(ctx, nil, 0)
	require.NoError(t, err)
	nodes, err := iter.Collect()
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestBreadcrumb(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	reports := mustCreate(t, store, "Reports", &docs.ID)
	q1 := mustCreate(t, store, "Q1", &reports.ID)

	crumbs, err := store.Breadcrumb(ctx, q1.ID)
	require.NoError(t, err)
	require.Len(t, crumbs, 2)
	assert.Equal(t, "Docs", crumbs[0].Name)
	assert.Equal(t, "Reports", crumbs[1].Name)

	// a root has no ancestors
	crumbs, err = store.Breadcrumb(ctx, docs.ID)
	require.NoError(t, err)
	assert.Empty(t, crumbs)
}

func TestBreadcrumbMatchesSubtreePaths(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	root := mustCreate(t, store, "Root", nil)
	a := mustCreate(t, store, "A", &root.ID)
	b := mustCreate(t, store, "B", &a.ID)
	mustCreate(t, store, "C", &b.ID)

	iter, err := store.Subtree(ctx, &root.ID, 0)
	require.NoError(t, err)
	nodes, err := iter.Collect()
	require.NoError(t, err)

	for _, node := range nodes {
		crumbs, err := store.Breadcrumb(ctx, node.ID)
		require.NoError(t, err)
		assert.Len(t, crumbs, node.Level)
		for i, ancestor := range crumbs {
			assert.Equal(t, i, ancestor.Level)
			assert.True(t, ancestor.Contains(&node))
		}
	}
}

func TestRename(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	reports := mustCreate(t, store, "Reports", &docs.ID)
	q1 := mustCreate(t, store, "Q1", &reports.ID)

	renamed, err := store.Rename(ctx, reports.ID, "Monthly Reports")
	require.NoError(t, err)
	assert.Equal(t, "Monthly Reports", renamed.Name)
	assert.Equal(t, "/Docs/Monthly Reports", renamed.Path)

	q1After, err := store.Get(ctx, q1.ID)
	require.NoError(t, err)
	assert.Equal(t, "/Docs/Monthly Reports/Q1", q1After.Path)
}

func TestRenameConflict(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	mustCreate(t, store, "Reports", &docs.ID)
	invoices := mustCreate(t, store, "Invoices", &docs.ID)

	_, err := store.Rename(ctx, invoices.ID, "Reports")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestLockBlocksMutations(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	other := mustCreate(t, store, "Other", nil)

	require.NoError(t, store.Lock(ctx, docs.ID))

	_, err := store.Create(ctx, "Child", &docs.ID)
	assert.ErrorIs(t, err, ErrNodeLocked)

	_, err = store.Move(ctx, docs.ID, &other.ID)
	assert.ErrorIs(t, err, ErrNodeLocked)

	_, err = store.Rename(ctx, docs.ID, "Renamed")
	assert.ErrorIs(t, err, ErrNodeLocked)

	err = store.SoftDelete(ctx, docs.ID)
	assert.ErrorIs(t, err, ErrNodeLocked)

	require.NoError(t, store.Unlock(ctx, docs.ID))
	_, err = store.Create(ctx, "Child", &docs.ID)
	assert.NoError(t, err)
}

func TestArchiveSubtree(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	reports := mustCreate(t, store, "Reports", &docs.ID)

	require.NoError(t, store.Archive(ctx, docs.ID))

	for _, id := range []int64{docs.ID, reports.ID} {
		node, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusArchived, node.Status)
	}

	require.NoError(t, store.Unarchive(ctx, docs.ID))
	node, err := store.Get(ctx, reports.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, node.Status)
}

func TestStats(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	reports := mustCreate(t, store, "Reports", &docs.ID)
	mustCreate(t, store, "Q1", &reports.ID)
	require.NoError(t, store.SoftDelete(ctx, reports.ID))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalNodes)
	assert.Equal(t, int64(1), stats.ActiveNodes)
	assert.Equal(t, int64(2), stats.DeletedNodes)
	assert.Equal(t, int64(1), stats.RootNodes)
	assert.Equal(t, 2, stats.MaxDepth)
}

func TestOperationsOnDeletedNode(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	docs := mustCreate(t, store, "Docs", nil)
	require.NoError(t, store.SoftDelete(ctx, docs.ID))

	_, err := store.Create(ctx, "Child", &docs.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Move(ctx, docs.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.SoftDelete(ctx, docs.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var target error = ErrNotFound
	_, err = store.Copy(ctx, docs.ID, nil, CopyOptions{})
	assert.True(t, errors.Is(err, target))
}
