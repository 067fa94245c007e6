package hierarchy

import (
	"fmt"
	"time"
)

// NodeStatus represents the lifecycle state of a resource node
type NodeStatus string

const (
	StatusActive   NodeStatus = "active"
	StatusArchived NodeStatus = "archived"
	StatusLocked   NodeStatus = "locked"
	StatusDeleted  NodeStatus = "deleted"
)

// IsValid checks if the status is one of the known states
func (s NodeStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusLocked, StatusDeleted:
		return true
	}
	return false
}

// ResourceNode is a folder-like node in the resource tree. The tree is
// encoded as nested-set intervals: a node's [LeftBound, RightBound]
// strictly contains the intervals of all its descendants and is disjoint
// from every unrelated node's interval.
type ResourceNode struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	ParentID   *int64     `json:"parent_id,omitempty"`
	Path       string     `json:"path"`
	Level      int        `json:"level"`
	Position   int        `json:"position"`
	LeftBound  int64      `json:"left_bound"`
	RightBound int64      `json:"right_bound"`
	Status     NodeStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// HasChildren reports whether the node has any descendants
func (n *ResourceNode) HasChildren() bool {
	return n.RightBound-n.LeftBound > 1
}

// Width returns the size of the node's interval, 2 for a leaf
func (n *ResourceNode) Width() int64 {
	return n.RightBound - n.LeftBound + 1
}

// IsRoot reports whether the node has no parent
func (n *ResourceNode) IsRoot() bool {
	return n.ParentID == nil
}

// Contains reports whether other is a strict descendant of n
func (n *ResourceNode) Contains(other *ResourceNode) bool {
	return other.LeftBound > n.LeftBound && other.RightBound < n.RightBound
}

// CopyOptions controls subtree copying
type CopyOptions struct {
	// Recursive copies the node's descendants as well
	Recursive bool
	// NewName overrides the copied root's name; empty keeps the source name
	NewName string
}

// TreeStats summarizes the shape of the tree
type TreeStats struct {
	TotalNodes   int64 `json:"total_nodes"`
	ActiveNodes  int64 `json:"active_nodes"`
	DeletedNodes int64 `json:"deleted_nodes"`
	RootNodes    int64 `json:"root_nodes"`
	MaxDepth     int   `json:"max_depth"`
}

// ValidationError indicates malformed input to a hierarchy operation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}
