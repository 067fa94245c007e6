package hierarchy

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// requireValidTree checks the nested-set invariant over the whole forest:
// every lft < rgt, all bounds distinct, and any two intervals either
// disjoint or strictly nested.
func requireValidTree(t *testing.T, store *Store) {
	t.Helper()

	iter, err := store.Subtree(context.Background(), nil, 0)
	require.NoError(t, err)
	nodes, err := iter.Collect()
	require.NoError(t, err)

	seen := make(map[int64]int64)
	for _, n := range nodes {
		require.Less(t, n.LeftBound, n.RightBound, "node %d (%s) has inverted bounds", n.ID, n.Path)
		for _, bound := range []int64{n.LeftBound, n.RightBound} {
			prev, dup := seen[bound]
			require.False(t, dup, "bound %d shared by nodes %d and %d", bound, prev, n.ID)
			seen[bound] = n.ID
		}
	}

	for i := range nodes {
		for j := range nodes {
			if i == j {
				continue
			}
			a, b := &nodes[i], &nodes[j]
			disjoint := a.RightBound < b.LeftBound || b.RightBound < a.LeftBound
			nested := a.Contains(b) || b.Contains(a)
			require.True(t, disjoint || nested,
				"intervals [%d,%d] (%s) and [%d,%d] (%s) partially overlap",
				a.LeftBound, a.RightBound, a.Path, b.LeftBound, b.RightBound, b.Path)
		}
	}

	// parent intervals must contain their children
	byID := make(map[int64]*ResourceNode, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}
	for i := range nodes {
		n := &nodes[i]
		if n.ParentID == nil {
			continue
		}
		parent, ok := byID[*n.ParentID]
		require.True(t, ok, "node %d references missing parent %d", n.ID, *n.ParentID)
		require.True(t, parent.Contains(n), "parent %s does not contain child %s", parent.Path, n.Path)
		require.Equal(t, parent.Level+1, n.Level, "level of %s inconsistent with parent", n.Path)
		require.Equal(t, parent.Path+"/"+n.Name, n.Path, "path of %s inconsistent with parent", n.Path)
	}
}

// TestRandomizedMutations drives the store through random create, move,
// copy, and delete sequences and verifies the nested-set invariant holds
// after every step.
func TestRandomizedMutations(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	var ids []int64
	nameCounter := 0

	nextName := func() string {
		nameCounter++
		return fmt.Sprintf("node-%d", nameCounter)
	}

	randomID := func() *int64 {
		if len(ids) == 0 {
			return nil
		}
		id := ids[rng.Intn(len(ids))]
		return &id
	}

	for step := 0; step < 200; step++ {
		switch rng.Intn(10) {
		case 0, 1, 2, 3: // create, biased so the tree grows
			parent := randomID()
			if rng.Intn(4) == 0 {
				parent = nil
			}
			node, err := store.Create(ctx, nextName(), parent)
			if err == nil {
				ids = append(ids, node.ID)
			}
		case 4, 5, 6: // move anywhere, cycles and conflicts may be rejected
			src := randomID()
			if src == nil {
				continue
			}
			dest := randomID()
			if rng.Intn(4) == 0 {
				dest = nil
			}
			store.Move(ctx, *src, dest)
		case 7: // copy
			src := randomID()
			if src == nil {
				continue
			}
			node, err := store.Copy(ctx, *src, randomID(), CopyOptions{Recursive: rng.Intn(2) == 0, NewName: nextName()})
			if err == nil {
				ids = append(ids, node.ID)
			}
		case 8: // soft delete / restore round trip
			if id := randomID(); id != nil {
				if err := store.SoftDelete(ctx, *id); err == nil {
					store.Restore(ctx, *id)
				}
			}
		case 9: // hard delete
			if id := randomID(); id != nil {
				if _, err := store.HardDelete(ctx, *id); err == nil {
					remaining := ids[:0]
					for _, existing := range ids {
						if _, err := store.Get(ctx, existing); err == nil {
							remaining = append(remaining, existing)
						}
					}
					ids = remaining
				}
			}
		}

		requireValidTree(t, store)
	}

	require.NotEmpty(t, ids, "randomized run should leave some nodes behind")
}
