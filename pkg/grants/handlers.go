package grants

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/archonhq/archon/pkg/httputil"
)

// Handlers provides HTTP handlers for grant management
type Handlers struct {
	store *Store
}

// NewHandlers creates new grant handlers
func NewHandlers(store *Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers all grant routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/grants", h.CreateGrant).Methods("POST")
	router.HandleFunc("/grants", h.SearchGrants).Methods("GET")
	router.HandleFunc("/grants/stats", h.GetStats).Methods("GET")
	router.HandleFunc("/grants/{id}", h.GetGrant).Methods("GET")
	router.HandleFunc("/grants/{id}", h.UpdateGrant).Methods("PATCH")
	router.HandleFunc("/grants/{id}", h.DeleteGrant).Methods("DELETE")
	router.HandleFunc("/grants/{id}/purge", h.PurgeGrant).Methods("DELETE")
}

func writeError(w http.ResponseWriter, err error) {
	var validationErr *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &validationErr):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// CreateGrant creates a new permission grant
func (h *Handlers) CreateGrant(w http.ResponseWriter, r *http.Request) {
	var grant PermissionGrant
	if err := httputil.DecodeJSON(r, &grant); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.Create(r.Context(), &grant); err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, grant)
}

// GetGrant retrieves a single grant
func (h *Handlers) GetGrant(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	grant, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, grant)
}

// UpdateGrant applies a partial update to a grant
func (h *Handlers) UpdateGrant(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req UpdateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	grant, err := h.store.Update(r.Context(), id, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, grant)
}

// DeleteGrant soft-deletes a grant
func (h *Handlers) DeleteGrant(w http.ResponseWriter, r *http.Request) {
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

// PurgeGrant permanently removes a soft-deleted grant
func (h *Handlers) PurgeGrant(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(r, "id")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.HardDelete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SearchGrants lists grants matching query parameters
func (h *Handlers) SearchGrants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := SearchFilter{
		SubjectType:  SubjectType(q.Get("subject_type")),
		ResourceType: q.Get("resource_type"),
		Action:       q.Get("action"),
		Effect:       Effect(q.Get("effect")),
		Scope:        Scope(q.Get("scope")),
		SortBy:       q.Get("sort_by"),
		SortOrder:    q.Get("sort_order"),
	}

	if id, err := httputil.QueryInt64Ptr(r, "subject_id"); err == nil {
		filter.SubjectID = id
	}
	if id, err := httputil.QueryInt64Ptr(r, "resource_id"); err == nil {
		filter.ResourceID = id
	}
	if v := q.Get("is_active"); v != "" {
		active := v == "true" || v == "1"
		filter.IsActive = &active
	}
	if v := q.Get("valid_at"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.ValidAt = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	results, err := h.store.Search(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, results)
}

// GetStats returns grant aggregates
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}
