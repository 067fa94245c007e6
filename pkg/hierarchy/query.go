package hierarchy

import (
	"context"
	"database/sql"
	"fmt"
)

// NodeIterator streams subtree rows in pre-order. It is single-use:
// callers must exhaust or Close it, and call a query method again for a
// fresh traversal.
type NodeIterator struct {
	rows    *sql.Rows
	current *ResourceNode
	err     error
}

// Next advances to the following node, returning false at the end or on error
func (it *NodeIterator) Next() bool {
	if it.err != nil || it.rows == nil {
		return false
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		it.Close()
		return false
	}
	node, err := scanNode(it.rows)
	if err != nil {
		it.err = err
		it.Close()
		return false
	}
	it.current = node
	return true
}

// Node returns the node at the current position
func (it *NodeIterator) Node() *ResourceNode {
	return it.current
}

// Err returns the first error encountered during iteration
func (it *NodeIterator) Err() error {
	return it.err
}

// Close releases the underlying rows; safe to call repeatedly
func (it *NodeIterator) Close() error {
	if it.rows == nil {
		return nil
	}
	err := it.rows.Close()
	it.rows = nil
	return err
}

// Collect drains the iterator into a slice and closes it
func (it *NodeIterator) Collect() ([]ResourceNode, error) {
	defer it.Close()
	var nodes []ResourceNode
	for it.Next() {
		nodes = append(nodes, *it.Node())
	}
	return nodes, it.Err()
}

// Subtree returns a pre-order traversal of the subtree rooted at nodeID,
// or of the whole forest when nodeID is nil. maxDepth limits how many
// levels below the root are included; 0 means unlimited.
func (s *Store) Subtree(ctx context.Context, nodeID *int64, maxDepth int) (*NodeIterator, error) {
	var rows *sql.Rows
	var err error

	if nodeID != nil {
		node, err := s.getNode(ctx, s.db, *nodeID, false)
		if err != nil {
			return nil, err
		}
		if maxDepth > 0 {
			rows, err = s.db.QueryContext(ctx,
				"SELECT "+nodeColumns+" FROM resource_nodes WHERE lft BETWEEN $1 AND $2 AND level <= $3 ORDER BY lft",
				node.LeftBound, node.RightBound, node.Level+maxDepth)
		} else {
			rows, err = s.db.QueryContext(ctx,
				"SELECT "+nodeColumns+" FROM resource_nodes WHERE lft BETWEEN $1 AND $2 ORDER BY lft",
				node.LeftBound, node.RightBound)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query subtree: %w", err)
		}
	} else {
		if maxDepth > 0 {
			rows, err = s.db.QueryContext(ctx,
				"SELECT "+nodeColumns+" FROM resource_nodes WHERE level <= $1 ORDER BY lft", maxDepth)
		} else {
			rows, err = s.db.QueryContext(ctx,
				"SELECT "+nodeColumns+" FROM resource_nodes ORDER BY lft")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query forest: %w", err)
		}
	}

	return &NodeIterator{rows: rows}, nil
}

// Breadcrumb returns the node's ancestors ordered root to parent. The
// node itself is not included. Ancestors are found by strict interval
// containment, no recursion needed.
func (s *Store) Breadcrumb(ctx context.Context, nodeID int64) ([]ResourceNode, error) {
	node, err := s.getNode(ctx, s.db, nodeID, false)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+nodeColumns+" FROM resource_nodes WHERE lft < $1 AND rgt > $2 ORDER BY lft",
		node.LeftBound, node.RightBound)
	if err != nil {
		return nil, fmt.Errorf("failed to query ancestors: %w", err)
	}
	defer rows.Close()

	var ancestors []ResourceNode
	for rows.Next() {
		ancestor, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		ancestors = append(ancestors, *ancestor)
	}
	return ancestors, rows.Err()
}

// Children returns the direct children of a node ordered by position
func (s *Store) Children(ctx context.Context, nodeID int64) ([]ResourceNode, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+nodeColumns+" FROM resource_nodes WHERE parent_id = $1 AND status != 'deleted' ORDER BY position, lft",
		nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()

	var children []ResourceNode
	for rows.Next() {
		child, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, *child)
	}
	return children, rows.Err()
}

// Roots returns all root nodes ordered by position
func (s *Store) Roots(ctx context.Context) ([]ResourceNode, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT " + nodeColumns + " FROM resource_nodes WHERE parent_id IS NULL AND status != 'deleted' ORDER BY position, lft")
	if err != nil {
		return nil, fmt.Errorf("failed to query roots: %w", err)
	}
	defer rows.Close()

	var roots []ResourceNode
	for rows.Next() {
		root, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		roots = append(roots, *root)
	}
	return roots, rows.Err()
}

// Stats summarizes the current tree shape
func (s *Store) Stats(ctx context.Context) (*TreeStats, error) {
	stats := &TreeStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status != 'deleted' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'deleted' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN parent_id IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(MAX(level), 0)
		FROM resource_nodes
	`).Scan(&stats.TotalNodes, &stats.ActiveNodes, &stats.DeletedNodes, &stats.RootNodes, &stats.MaxDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to compute tree stats: %w", err)
	}

	if s.metrics != nil {
		s.metrics.HierarchyNodesTotal.Set(float64(stats.ActiveNodes))
	}
	return stats, nil
}
