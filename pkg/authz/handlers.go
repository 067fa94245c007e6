package authz

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/archonhq/archon/pkg/httputil"
)

// Handlers exposes the evaluator over HTTP
type Handlers struct {
	evaluator *Evaluator
}

func NewHandlers(evaluator *Evaluator) *Handlers {
	return &Handlers{evaluator: evaluator}
}

// RegisterRoutes registers the evaluation routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/authz/resolve", h.Resolve).Methods("POST")
	router.HandleFunc("/authz/check", h.Check).Methods("POST")
}

// Resolve evaluates a request and returns the full decision, including
// the grants that matched.
func (h *Handlers) Resolve(w http.ResponseWriter, r *http.Request) {
	var req AccessRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	decision := h.evaluator.Resolve(r.Context(), &req)
	httputil.WriteJSON(w, http.StatusOK, decision)
}

// Check is the slim variant for enforcement points that only need a
// yes or no.
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req AccessRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	decision := h.evaluator.Resolve(r.Context(), &req)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"granted": decision.Granted,
		"reason":  decision.Reason,
	})
}
