package hierarchy

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/archonhq/archon/pkg/httputil"
)

// Handlers provides HTTP handlers for hierarchy operations
type Handlers struct {
	store *Store
}

// NewHandlers creates new hierarchy handlers
func NewHandlers(store *Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers all hierarchy routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/hierarchy/nodes", h.CreateNode).Methods("POST")
	router.HandleFunc("/hierarchy/nodes", h.ListRoots).Methods("GET")
	router.HandleFunc("/hierarchy/nodes/{id}", h.GetNode).Methods("GET")
	router.HandleFunc("/hierarchy/nodes/{id}", h.DeleteNode).Methods("DELETE")
	router.HandleFunc("/hierarchy/nodes/{id}/rename", h.RenameNode).Methods("POST")
	router.HandleFunc("/hierarchy/nodes/{id}/move", h.MoveNode).Methods("POST")
	router.HandleFunc("/hierarchy/nodes/{id}/copy", h.CopyNode).Methods("POST")
	router.HandleFunc("/hierarchy/nodes/{id}/restore", h.RestoreNode).Methods("POST")
	router.HandleFunc("/hierarchy/nodes/{id}/purge", h.PurgeNode).Methods("DELETE")
	router.HandleFunc("/hierarchy/nodes/{id}/subtree", h.GetSubtree).Methods("GET")
	router.HandleFunc("/hierarchy/nodes/{id}/breadcrumb", h.GetBreadcrumb).Methods("GET")
	router.HandleFunc("/hierarchy/nodes/{id}/children", h.GetChildren).Methods("GET")
	router.HandleFunc("/hierarchy/nodes/{id}/lock", h.LockNode).Methods("POST")
	router.HandleFunc("/hierarchy/nodes/{id}/unlock", h.UnlockNode).Methods("POST")
	router.HandleFunc("/hierarchy/nodes/{id}/archive", h.ArchiveNode).Methods("POST")
	router.HandleFunc("/hierarchy/nodes/{id}/unarchive", h.UnarchiveNode).Methods("POST")
	router.HandleFunc("/hierarchy/stats", h.GetStats).Methods("GET")
}

// writeError maps domain errors to HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	var validationErr *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrHierarchyViolation):
		httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrConflict):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNodeLocked):
		httputil.WriteError(w, http.StatusLocked, err.Error())
	case errors.As(err, &validationErr):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// CreateNode creates a new node, as a root or under a parent
func (h *Handlers) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		ParentID *int64 `json:"parent_id,omitempty"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	node, err := h.store.Create(r.Context(), req.Name, req.ParentID)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, node)
}

// ListRoots returns all root nodes
func (h *Handlers) ListRoots(w http.ResponseWriter, r *http.Request) {
	roots, err := h.store.Roots(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, roots)
}

// GetNode retrieves a single node
func (h *Handlers) GetNode(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	node, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, node)
}

// RenameNode renames a node and rewrites its subtree paths
func (h *Handlers) RenameNode(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	node, err := h.store.Rename(r.Context(), id, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, node)
}

// MoveNode relocates a node under a new parent
func (h *Handlers) MoveNode(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		NewParentID *int64 `json:"new_parent_id,omitempty"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	node, err := h.store.Move(r.Context(), id, req.NewParentID)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, node)
}

// CopyNode clones a node, optionally with its whole subtree
func (h *Handlers) CopyNode(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		NewParentID *int64 `json:"new_parent_id,omitempty"`
		Recursive   bool   `json:"recursive"`
		NewName     string `json:"new_name,omitempty"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	node, err := h.store.Copy(r.Context(), id, req.NewParentID, CopyOptions{
		Recursive: req.Recursive,
		NewName:   req.NewName,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, node)
}

// DeleteNode soft-deletes a node and its subtree
func (h *Handlers) DeleteNode(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.SoftDelete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RestoreNode reverses a soft delete
func (h *Handlers) RestoreNode(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	node, err := h.store.Restore(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, node)
}

// PurgeNode permanently removes a node and its subtree
func (h *Handlers) PurgeNode(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	removed, err := h.store.HardDelete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// GetSubtree streams the pre-order subtree of a node
func (h *Handlers) GetSubtree(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	maxDepth, err := httputil.QueryInt(r, "max_depth", 0)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	iter, err := h.store.Subtree(r.Context(), &id, maxDepth)
	if err != nil {
		writeError(w, err)
		return
	}

	nodes, err := iter.Collect()
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, nodes)
}

// GetBreadcrumb returns the node's ancestors root to parent
func (h *Handlers) GetBreadcrumb(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ancestors, err := h.store.Breadcrumb(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, ancestors)
}

// GetChildren returns a node's direct children
func (h *Handlers) GetChildren(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	children, err := h.store.Children(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, children)
}

// LockNode prevents further mutations of a node
func (h *Handlers) LockNode(w http.ResponseWriter, r *http.Request) {
	h.statusTransition(w, r, h.store.Lock)
}

// UnlockNode re-enables mutations of a locked node
func (h *Handlers) UnlockNode(w http.ResponseWriter, r *http.Request) {
	h.statusTransition(w, r, h.store.Unlock)
}

// ArchiveNode archives a node and its active descendants
func (h *Handlers) ArchiveNode(w http.ResponseWriter, r *http.Request) {
	h.statusTransition(w, r, h.store.Archive)
}

// UnarchiveNode restores an archived subtree to active
func (h *Handlers) UnarchiveNode(w http.ResponseWriter, r *http.Request) {
	h.statusTransition(w, r, h.store.Unarchive)
}

func (h *Handlers) statusTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) error) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := fn(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetStats returns tree shape statistics
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}
