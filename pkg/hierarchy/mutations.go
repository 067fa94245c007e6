package hierarchy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/archonhq/archon/pkg/audit"
	"github.com/archonhq/archon/pkg/storage"
)

func (s *Store) mutationTimer(operation string) *prometheus.Timer {
	if s.metrics == nil {
		return nil
	}
	return prometheus.NewTimer(s.metrics.HierarchyMutationSeconds.WithLabelValues(operation))
}

func stopTimer(t *prometheus.Timer) {
	if t != nil {
		t.ObserveDuration()
	}
}

// Create inserts a new node under parentID, or as a new root when
// parentID is nil
func (s *Store) Create(ctx context.Context, name string, parentID *int64) (*ResourceNode, error) {
	defer stopTimer(s.mutationTimer("create"))

	if err := validateName(name); err != nil {
		s.observeMutation("create", "failure")
		return nil, err
	}

	var node *ResourceNode
	err := s.inTreeTx(ctx, func(tx *sql.Tx) error {
		var err error
		node, err = s.insertNode(ctx, tx, name, parentID, StatusActive)
		return err
	})
	if err != nil {
		s.observeMutation("create", "failure")
		return nil, err
	}

	s.observeMutation("create", "success")
	s.recordAudit(ctx, audit.NewMutationEvent(audit.EventTypeNodeCreate, "folder", node.ID, node.Name,
		fmt.Sprintf("created node at %s", node.Path)))
	s.notifyChange(ctx, node)
	return node, nil
}

// insertNode performs the shift-by-2 nested-set insertion inside tx.
// The new node takes the interval [parent.rgt, parent.rgt+1]; every bound
// at or past that point moves up by 2 to make room.
func (s *Store) insertNode(ctx context.Context, tx *sql.Tx, name string, parentID *int64, status NodeStatus) (*ResourceNode, error) {
	name = strings.TrimSpace(name)

	node := &ResourceNode{
		Name:   name,
		Status: status,
	}

	if parentID != nil {
		parent, err := s.getNode(ctx, tx, *parentID, true)
		if err != nil {
			return nil, err
		}
		if parent.Status == StatusDeleted {
			return nil, fmt.Errorf("parent %d is deleted: %w", *parentID, ErrNotFound)
		}
		if parent.Status == StatusLocked {
			return nil, fmt.Errorf("parent %d: %w", *parentID, ErrNodeLocked)
		}

		conflict, err := s.siblingExists(ctx, tx, parentID, name, 0)
		if err != nil {
			return nil, err
		}
		if conflict {
			return nil, fmt.Errorf("name %q already exists under %s: %w", name, parent.Path, ErrConflict)
		}

		position, err := s.siblingPosition(ctx, tx, parentID, 0)
		if err != nil {
			return nil, err
		}

		insertAt := parent.RightBound
		if _, err := tx.ExecContext(ctx, "UPDATE resource_nodes SET rgt = rgt + 2 WHERE rgt >= $1", insertAt); err != nil {
			return nil, fmt.Errorf("failed to shift right bounds: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE resource_nodes SET lft = lft + 2 WHERE lft >= $1", insertAt); err != nil {
			return nil, fmt.Errorf("failed to shift left bounds: %w", err)
		}

		pid := *parentID
		node.ParentID = &pid
		node.Path = parent.Path + "/" + name
		node.Level = parent.Level + 1
		node.Position = position
		node.LeftBound = insertAt
		node.RightBound = insertAt + 1
	} else {
		conflict, err := s.siblingExists(ctx, tx, nil, name, 0)
		if err != nil {
			return nil, err
		}
		if conflict {
			return nil, fmt.Errorf("root name %q already exists: %w", name, ErrConflict)
		}

		position, err := s.siblingPosition(ctx, tx, nil, 0)
		if err != nil {
			return nil, err
		}

		var maxRight int64
		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(rgt), 0) FROM resource_nodes").Scan(&maxRight); err != nil {
			return nil, fmt.Errorf("failed to find max bound: %w", err)
		}

		node.Path = "/" + name
		node.Level = 0
		node.Position = position
		node.LeftBound = maxRight + 1
		node.RightBound = maxRight + 2
	}

	now := time.Now().UTC()
	node.CreatedAt = now
	node.UpdatedAt = now

	insertQuery := `
		INSERT INTO resource_nodes (name, parent_id, path, level, position, lft, rgt, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	args := []interface{}{
		node.Name, node.ParentID, node.Path, node.Level, node.Position,
		node.LeftBound, node.RightBound, node.Status, now, now,
	}

	if s.dialect == storage.DialectPostgres {
		if err := tx.QueryRowContext(ctx, insertQuery+" RETURNING id", args...).Scan(&node.ID); err != nil {
			return nil, fmt.Errorf("failed to insert node: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, insertQuery, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to insert node: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read inserted id: %w", err)
		}
		node.ID = id
	}

	return node, nil
}

// Move relocates a node (and its whole subtree) under a new parent, or to
// the root level when newParentID is nil.
//
// The subtree is first "parked" by negating its bounds, the gap it leaves
// is closed, the destination gap is opened, and the parked bounds are
// restored with a uniform offset. Parking keeps the subtree out of the
// way of both shift passes without materializing it in memory.
func (s *Store) Move(ctx context.Context, nodeID int64, newParentID *int64) (*ResourceNode, error) {
	defer stopTimer(s.mutationTimer("move"))

	var moved *ResourceNode
	err := s.inTreeTx(ctx, func(tx *sql.Tx) error {
		node, err := s.getNode(ctx, tx, nodeID, true)
		if err != nil {
			return err
		}
		if node.Status == StatusDeleted {
			return fmt.Errorf("node %d is deleted: %w", nodeID, ErrNotFound)
		}
		if node.Status == StatusLocked {
			return fmt.Errorf("node %d: %w", nodeID, ErrNodeLocked)
		}

		if newParentID != nil {
			if *newParentID == nodeID {
				return fmt.Errorf("cannot move node %d under itself: %w", nodeID, ErrHierarchyViolation)
			}
			dest, err := s.getNode(ctx, tx, *newParentID, true)
			if err != nil {
				return err
			}
			if dest.Status == StatusDeleted {
				return fmt.Errorf("destination %d is deleted: %w", *newParentID, ErrNotFound)
			}
			if dest.Status == StatusLocked {
				return fmt.Errorf("destination %d: %w", *newParentID, ErrNodeLocked)
			}
			if node.Contains(dest) {
				return fmt.Errorf("cannot move node %d under its descendant %d: %w", nodeID, *newParentID, ErrHierarchyViolation)
			}
		}

		conflict, err := s.siblingExists(ctx, tx, newParentID, node.Name, nodeID)
		if err != nil {
			return err
		}
		if conflict {
			return fmt.Errorf("name %q already exists at destination: %w", node.Name, ErrConflict)
		}

		width := node.Width()
		oldLeft, oldRight := node.LeftBound, node.RightBound
		oldLevel := node.Level
		oldPathLen := len(node.Path)

		// park the subtree outside the positive bound space
		if _, err := tx.ExecContext(ctx,
			"UPDATE resource_nodes SET lft = -lft, rgt = -rgt WHERE lft >= $1 AND rgt <= $2",
			oldLeft, oldRight); err != nil {
			return fmt.Errorf("failed to park subtree: %w", err)
		}

		// close the gap the subtree left behind
		if _, err := tx.ExecContext(ctx,
			"UPDATE resource_nodes SET lft = lft - $1 WHERE lft > $2", width, oldRight); err != nil {
			return fmt.Errorf("failed to close left gap: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE resource_nodes SET rgt = rgt - $1 WHERE rgt > $2", width, oldRight); err != nil {
			return fmt.Errorf("failed to close right gap: %w", err)
		}

		var newLeft int64
		var newLevel int
		var newPath string

		if newParentID != nil {
			// reload: the destination's bounds may have shifted while closing the gap
			dest, err := s.getNode(ctx, tx, *newParentID, false)
			if err != nil {
				return err
			}
			newLeft = dest.RightBound
			newLevel = dest.Level + 1
			newPath = dest.Path + "/" + node.Name

			// open the destination gap; parked bounds are negative and untouched
			if _, err := tx.ExecContext(ctx,
				"UPDATE resource_nodes SET rgt = rgt + $1 WHERE rgt >= $2", width, newLeft); err != nil {
				return fmt.Errorf("failed to open right gap: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE resource_nodes SET lft = lft + $1 WHERE lft >= $2", width, newLeft); err != nil {
				return fmt.Errorf("failed to open left gap: %w", err)
			}
		} else {
			var maxRight int64
			if err := tx.QueryRowContext(ctx,
				"SELECT COALESCE(MAX(rgt), 0) FROM resource_nodes WHERE rgt > 0").Scan(&maxRight); err != nil {
				return fmt.Errorf("failed to find max bound: %w", err)
			}
			newLeft = maxRight + 1
			newLevel = 0
			newPath = "/" + node.Name
		}

		delta := newLeft - oldLeft
		levelDelta := newLevel - oldLevel

		// restore the parked subtree at its new location; path gets the new
		// prefix substituted for the old one
		if _, err := tx.ExecContext(ctx, `
			UPDATE resource_nodes
			SET lft = -lft + $1,
			    rgt = -rgt + $2,
			    level = level + $3,
			    path = $4 || substr(path, $5),
			    updated_at = $6
			WHERE lft < 0
		`, delta, delta, levelDelta, newPath, oldPathLen+1, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to restore subtree: %w", err)
		}

		position, err := s.siblingPosition(ctx, tx, newParentID, nodeID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE resource_nodes SET parent_id = $1, position = $2 WHERE id = $3",
			newParentID, position, nodeID); err != nil {
			return fmt.Errorf("failed to reparent node: %w", err)
		}

		moved, err = s.getNode(ctx, tx, nodeID, false)
		return err
	})
	if err != nil {
		s.observeMutation("move", "failure")
		return nil, err
	}

	s.observeMutation("move", "success")
	s.recordAudit(ctx, audit.NewMutationEvent(audit.EventTypeNodeMove, "folder", moved.ID, moved.Name,
		fmt.Sprintf("moved node to %s", moved.Path)))
	s.notifyChange(ctx, moved)
	return moved, nil
}

// Copy clones a node under newParentID. With opts.Recursive the whole
// subtree is cloned; the copy shares no bounds with the source.
func (s *Store) Copy(ctx context.Context, nodeID int64, newParentID *int64, opts CopyOptions) (*ResourceNode, error) {
	defer stopTimer(s.mutationTimer("copy"))

	var copied *ResourceNode
	err := s.inTreeTx(ctx, func(tx *sql.Tx) error {
		source, err := s.getNode(ctx, tx, nodeID, false)
		if err != nil {
			return err
		}
		if source.Status == StatusDeleted {
			return fmt.Errorf("node %d is deleted: %w", nodeID, ErrNotFound)
		}

		rootName := source.Name
		if opts.NewName != "" {
			if err := validateName(opts.NewName); err != nil {
				return err
			}
			rootName = strings.TrimSpace(opts.NewName)
		}

		// snapshot the source subtree before any bound shifts
		var descendants []*ResourceNode
		if opts.Recursive {
			rows, err := tx.QueryContext(ctx,
				"SELECT "+nodeColumns+" FROM resource_nodes WHERE lft > $1 AND rgt < $2 AND status != 'deleted' ORDER BY lft",
				source.LeftBound, source.RightBound)
			if err != nil {
				return fmt.Errorf("failed to read source subtree: %w", err)
			}
			for rows.Next() {
				n, err := scanNode(rows)
				if err != nil {
					rows.Close()
					return err
				}
				descendants = append(descendants, n)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
		}

		copied, err = s.insertNode(ctx, tx, rootName, newParentID, source.Status)
		if err != nil {
			return err
		}

		// re-create descendants in pre-order, remapping parent ids
		idMap := map[int64]int64{source.ID: copied.ID}
		for _, d := range descendants {
			newParent, ok := idMap[*d.ParentID]
			if !ok {
				return fmt.Errorf("source subtree inconsistent at node %d", d.ID)
			}
			clone, err := s.insertNode(ctx, tx, d.Name, &newParent, d.Status)
			if err != nil {
				return err
			}
			idMap[d.ID] = clone.ID
		}

		// reload for final bounds after descendant inserts
		copied, err = s.getNode(ctx, tx, copied.ID, false)
		return err
	})
	if err != nil {
		s.observeMutation("copy", "failure")
		return nil, err
	}

	s.observeMutation("copy", "success")
	s.recordAudit(ctx, audit.NewMutationEvent(audit.EventTypeNodeCopy, "folder", copied.ID, copied.Name,
		fmt.Sprintf("copied node %d to %s", nodeID, copied.Path)))
	s.notifyChange(ctx, copied)
	return copied, nil
}

// Rename changes a node's name and rewrites the path prefix of its
// entire subtree
func (s *Store) Rename(ctx context.Context, nodeID int64, newName string) (*ResourceNode, error) {
	defer stopTimer(s.mutationTimer("rename"))

	if err := validateName(newName); err != nil {
		s.observeMutation("rename", "failure")
		return nil, err
	}
	newName = strings.TrimSpace(newName)

	var renamed *ResourceNode
	err := s.inTreeTx(ctx, func(tx *sql.Tx) error {
		node, err := s.getNode(ctx, tx, nodeID, true)
		if err != nil {
			return err
		}
		if node.Status == StatusDeleted {
			return fmt.Errorf("node %d is deleted: %w", nodeID, ErrNotFound)
		}
		if node.Status == StatusLocked {
			return fmt.Errorf("node %d: %w", nodeID, ErrNodeLocked)
		}
		if node.Name == newName {
			renamed = node
			return nil
		}

		conflict, err := s.siblingExists(ctx, tx, node.ParentID, newName, nodeID)
		if err != nil {
			return err
		}
		if conflict {
			return fmt.Errorf("name %q already exists: %w", newName, ErrConflict)
		}

		parentPath := strings.TrimSuffix(node.Path, "/"+node.Name)
		newPath := parentPath + "/" + newName

		if _, err := tx.ExecContext(ctx, `
			UPDATE resource_nodes
			SET path = $1 || substr(path, $2), updated_at = $3
			WHERE lft >= $4 AND rgt <= $5
		`, newPath, len(node.Path)+1, time.Now().UTC(), node.LeftBound, node.RightBound); err != nil {
			return fmt.Errorf("failed to rewrite subtree paths: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE resource_nodes SET name = $1 WHERE id = $2", newName, nodeID); err != nil {
			return fmt.Errorf("failed to rename node: %w", err)
		}

		renamed, err = s.getNode(ctx, tx, nodeID, false)
		return err
	})
	if err != nil {
		s.observeMutation("rename", "failure")
		return nil, err
	}

	s.observeMutation("rename", "success")
	s.recordAudit(ctx, audit.NewMutationEvent(audit.EventTypeNodeRename, "folder", renamed.ID, renamed.Name,
		fmt.Sprintf("renamed node to %s", renamed.Path)))
	s.notifyChange(ctx, renamed)
	return renamed, nil
}

// SoftDelete marks a node and all its descendants deleted. Bounds are
// retained so the subtree can be restored in place.
func (s *Store) SoftDelete(ctx context.Context, nodeID int64) error {
	defer stopTimer(s.mutationTimer("soft_delete"))

	var deleted *ResourceNode
	err := s.inTreeTx(ctx, func(tx *sql.Tx) error {
		node, err := s.getNode(ctx, tx, nodeID, true)
		if err != nil {
			return err
		}
		if node.Status == StatusDeleted {
			return fmt.Errorf("node %d is already deleted: %w", nodeID, ErrNotFound)
		}
		if node.Status == StatusLocked {
			return fmt.Errorf("node %d: %w", nodeID, ErrNodeLocked)
		}
		deleted = node

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE resource_nodes
			SET status = 'deleted', deleted_at = $1, updated_at = $2
			WHERE lft BETWEEN $3 AND $4 AND status != 'deleted'
		`, now, now, node.LeftBound, node.RightBound)
		if err != nil {
			return fmt.Errorf("failed to soft-delete subtree: %w", err)
		}
		return nil
	})
	if err != nil {
		s.observeMutation("soft_delete", "failure")
		return err
	}

	s.observeMutation("soft_delete", "success")
	s.recordAudit(ctx, audit.NewMutationEvent(audit.EventTypeNodeDelete, "folder", nodeID, deleted.Name,
		fmt.Sprintf("soft-deleted subtree at %s", deleted.Path)))
	s.notifyChange(ctx, deleted)
	return nil
}

// Restore reverses a soft delete for a node and all its descendants
func (s *Store) Restore(ctx context.Context, nodeID int64) (*ResourceNode, error) {
	defer stopTimer(s.mutationTimer("restore"))

	var restored *ResourceNode
	err := s.inTreeTx(ctx, func(tx *sql.Tx) error {
		node, err := s.getNode(ctx, tx, nodeID, true)
		if err != nil {
			return err
		}
		if node.Status != StatusDeleted {
			restored = node
			return nil
		}

		if node.ParentID != nil {
			parent, err := s.getNode(ctx, tx, *node.ParentID, false)
			if err != nil {
				return err
			}
			if parent.Status == StatusDeleted {
				return fmt.Errorf("parent %d is deleted, restore it first: %w", *node.ParentID, ErrNotFound)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE resource_nodes
			SET status = 'active', deleted_at = NULL, updated_at = $1
			WHERE lft BETWEEN $2 AND $3 AND status = 'deleted'
		`, time.Now().UTC(), node.LeftBound, node.RightBound); err != nil {
			return fmt.Errorf("failed to restore subtree: %w", err)
		}

		restored, err = s.getNode(ctx, tx, nodeID, false)
		return err
	})
	if err != nil {
		s.observeMutation("restore", "failure")
		return nil, err
	}

	s.observeMutation("restore", "success")
	s.recordAudit(ctx, audit.NewMutationEvent(audit.EventTypeNodeRestore, "folder", restored.ID, restored.Name,
		fmt.Sprintf("restored subtree at %s", restored.Path)))
	s.notifyChange(ctx, restored)
	return restored, nil
}

// HardDelete removes a node and all descendants and renumbers the
// remaining bounds to close the gap. Irreversible.
func (s *Store) HardDelete(ctx context.Context, nodeID int64) (int64, error) {
	defer stopTimer(s.mutationTimer("hard_delete"))

	var removed int64
	var purged *ResourceNode
	err := s.inTreeTx(ctx, func(tx *sql.Tx) error {
		node, err := s.getNode(ctx, tx, nodeID, true)
		if err != nil {
			return err
		}
		purged = node

		width := node.Width()
		res, err := tx.ExecContext(ctx,
			"DELETE FROM resource_nodes WHERE lft BETWEEN $1 AND $2",
			node.LeftBound, node.RightBound)
		if err != nil {
			return fmt.Errorf("failed to delete subtree: %w", err)
		}
		removed, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx,
			"UPDATE resource_nodes SET lft = lft - $1 WHERE lft > $2", width, node.RightBound); err != nil {
			return fmt.Errorf("failed to close left gap: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE resource_nodes SET rgt = rgt - $1 WHERE rgt > $2", width, node.RightBound); err != nil {
			return fmt.Errorf("failed to close right gap: %w", err)
		}
		return nil
	})
	if err != nil {
		s.observeMutation("hard_delete", "failure")
		return 0, err
	}

	s.observeMutation("hard_delete", "success")
	s.recordAudit(ctx, audit.NewMutationEvent(audit.EventTypeNodePurge, "folder", nodeID, purged.Name,
		fmt.Sprintf("hard-deleted subtree at %s (%d nodes)", purged.Path, removed)))
	s.notifyChange(ctx, purged)
	return removed, nil
}

// Lock prevents mutations of a single node until unlocked
func (s *Store) Lock(ctx context.Context, nodeID int64) error {
	return s.setNodeStatus(ctx, nodeID, StatusActive, StatusLocked)
}

// Unlock re-enables mutations of a locked node
func (s *Store) Unlock(ctx context.Context, nodeID int64) error {
	return s.setNodeStatus(ctx, nodeID, StatusLocked, StatusActive)
}

func (s *Store) setNodeStatus(ctx context.Context, nodeID int64, from, to NodeStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE resource_nodes SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
		to, time.Now().UTC(), nodeID, from)
	if err != nil {
		return fmt.Errorf("failed to set node status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		node, err := s.Get(ctx, nodeID)
		if err != nil {
			return err
		}
		return &ValidationError{Field: "status", Message: fmt.Sprintf("cannot transition %s to %s", node.Status, to)}
	}

	s.recordAudit(ctx, audit.NewMutationEvent(audit.EventTypeNodeStatus, "folder", nodeID, "",
		fmt.Sprintf("status changed from %s to %s", from, to)))
	return nil
}

// Archive marks a node and its active descendants archived
func (s *Store) Archive(ctx context.Context, nodeID int64) error {
	return s.setSubtreeStatus(ctx, nodeID, StatusActive, StatusArchived)
}

// Unarchive restores an archived subtree to active
func (s *Store) Unarchive(ctx context.Context, nodeID int64) error {
	return s.setSubtreeStatus(ctx, nodeID, StatusArchived, StatusActive)
}

func (s *Store) setSubtreeStatus(ctx context.Context, nodeID int64, from, to NodeStatus) error {
	var changed *ResourceNode
	err := s.inTreeTx(ctx, func(tx *sql.Tx) error {
		node, err := s.getNode(ctx, tx, nodeID, true)
		if err != nil {
			return err
		}
		if node.Status != from {
			return &ValidationError{Field: "status", Message: fmt.Sprintf("cannot transition %s to %s", node.Status, to)}
		}
		changed = node

		_, err = tx.ExecContext(ctx, `
			UPDATE resource_nodes
			SET status = $1, updated_at = $2
			WHERE lft BETWEEN $3 AND $4 AND status = $5
		`, to, time.Now().UTC(), node.LeftBound, node.RightBound, from)
		if err != nil {
			return fmt.Errorf("failed to update subtree status: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, audit.NewMutationEvent(audit.EventTypeNodeStatus, "folder", nodeID, changed.Name,
		fmt.Sprintf("subtree at %s changed from %s to %s", changed.Path, from, to)))
	s.notifyChange(ctx, changed)
	return nil
}
