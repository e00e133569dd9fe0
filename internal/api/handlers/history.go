package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/Togather-Foundation/harvester/internal/api/problem"
	"github.com/Togather-Foundation/harvester/internal/ingest"
	"github.com/Togather-Foundation/harvester/internal/storage/postgres"
)

const defaultHistoryLimit = 50

// ImportHistory reads the import log.
type ImportHistory interface {
	Recent(ctx context.Context, limit int) ([]ingest.LogEntry, error)
}

// EventLookup finds the canonical event promoted from a source identity.
type EventLookup interface {
	GetCanonicalBySource(ctx context.Context, identity string) (*ingest.CanonicalEvent, error)
}

type historyResponse struct {
	Imports []ingest.LogEntry `json:"imports"`
}

// HistoryHandler serves read-only views of what the importer has done.
type HistoryHandler struct {
	log    ImportHistory
	events EventLookup
	env    string
}

func NewHistoryHandler(log ImportHistory, events EventLookup, env string) *HistoryHandler {
	return &HistoryHandler{log: log, events: events, env: env}
}

// Imports handles GET /api/v1/imports.
func (h *HistoryHandler) Imports(w http.ResponseWriter, r *http.Request) {
	if h.log == nil {
		problem.Write(w, r, http.StatusServiceUnavailable, problem.TypeUnavailable, "Import log unavailable", errors.New("no import log configured"), h.env)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid limit", errors.New("limit must be between 1 and 1000"), h.env,
				problem.WithDetail("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}

	entries, err := h.log.Recent(r.Context(), limit)
	if err != nil {
		problem.Write(w, r, http.StatusInternalServerError, problem.TypeServer, "Failed to read import log", err, h.env)
		return
	}
	if entries == nil {
		entries = []ingest.LogEntry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Imports: entries})
}

// Event handles GET /api/v1/events/{identity}.
func (h *HistoryHandler) Event(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		problem.Write(w, r, http.StatusServiceUnavailable, problem.TypeUnavailable, "Event store unavailable", errors.New("no event store configured"), h.env)
		return
	}
	identity := strings.TrimSpace(r.PathValue("identity"))
	if identity == "" {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Missing identity", errors.New("identity is required"), h.env)
		return
	}

	ev, err := h.events.GetCanonicalBySource(r.Context(), identity)
	switch {
	case errors.Is(err, postgres.ErrEventNotFound):
		problem.Write(w, r, http.StatusNotFound, problem.TypeNotFound, "Event not promoted", err, h.env,
			problem.WithDetail("no canonical event for "+identity))
		return
	case err != nil:
		problem.Write(w, r, http.StatusInternalServerError, problem.TypeServer, "Failed to read event", err, h.env)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}
