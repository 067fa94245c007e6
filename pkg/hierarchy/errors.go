package hierarchy

import "errors"

var (
	// ErrNotFound is returned when a referenced node does not exist or is deleted
	ErrNotFound = errors.New("resource node not found")

	// ErrHierarchyViolation is returned when a move would create a cycle
	// (moving a node under itself or one of its descendants)
	ErrHierarchyViolation = errors.New("hierarchy violation")

	// ErrConflict is returned when a sibling with the same name already exists
	ErrConflict = errors.New("sibling name conflict")

	// ErrNodeLocked is returned when a mutation targets a locked node
	ErrNodeLocked = errors.New("resource node is locked")
)
