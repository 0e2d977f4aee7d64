package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readier reports whether a background dependency can take work.
type Readier interface {
	Ready() error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store   Pinger
	journal Readier
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(store Pinger, journal Readier) *HealthHandler {
	return &HealthHandler{
		store:   store,
		journal: journal,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "store unreachable",
		})
		return
	}

	// A journal outage degrades reconciliation only, so it is reported
	// without failing readiness.
	journal := "ok"
	if err := h.journal.Ready(); err != nil {
		journal = err.Error()
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ready",
		"journal": journal,
	})
}
