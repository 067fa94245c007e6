package audit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/archonhq/archon/pkg/httputil"
)

// Handlers exposes the audit trail over HTTP
type Handlers struct {
	store *DBLogger
}

func NewHandlers(store *DBLogger) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers the audit query routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/events", h.SearchEvents).Methods("GET")
	router.HandleFunc("/audit/stats", h.GetStats).Methods("GET")
}

// SearchEvents lists audit events matching the query parameters.
func (h *Handlers) SearchEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSearchFilter(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.store.Search(r.Context(), *filter)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to search audit events")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// GetStats returns aggregate counts over the audit trail.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to compute audit stats")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func parseSearchFilter(r *http.Request) (*SearchFilter, error) {
	q := r.URL.Query()
	filter := &SearchFilter{
		ResourceType: q.Get("resource_type"),
		Action:       q.Get("action"),
		SortOrder:    q.Get("sort_order"),
	}

	if v := q.Get("subject_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		filter.SubjectID = &id
	}
	if v := q.Get("resource_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		filter.ResourceID = &id
	}
	if v := q.Get("event_types"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			filter.EventTypes = append(filter.EventTypes, EventType(strings.TrimSpace(raw)))
		}
	}
	if v := q.Get("status"); v != "" {
		status := EventStatus(v)
		filter.Status = &status
	}
	if v := q.Get("start_time"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, err
		}
		filter.StartTime = &ts
	}
	if v := q.Get("end_time"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, err
		}
		filter.EndTime = &ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		filter.Offset = n
	}
	return filter, nil
}
