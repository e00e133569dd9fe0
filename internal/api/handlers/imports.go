package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Togather-Foundation/harvester/internal/api/middleware"
	"github.com/Togather-Foundation/harvester/internal/api/problem"
	"github.com/Togather-Foundation/harvester/internal/audit"
	"github.com/Togather-Foundation/harvester/internal/ingest"
	"github.com/Togather-Foundation/harvester/internal/search"
	"github.com/Togather-Foundation/harvester/internal/storage/postgres"
	"github.com/go-playground/validator/v10"
)

// Importer runs an import trigger synchronously.
type Importer interface {
	Import(ctx context.Context, req ingest.Request) (*ingest.BatchResult, error)
}

// Enqueuer hands a trigger to the job queue and reports how many jobs it
// inserted.
type Enqueuer interface {
	Enqueue(ctx context.Context, req ingest.Request) (int, error)
}

// CacheStats reads location cache counters.
type CacheStats interface {
	Stats(ctx context.Context) (postgres.LocationCacheStats, error)
}

// ImportRequest is the body of POST /api/v1/imports.
type ImportRequest struct {
	Action string   `json:"action" validate:"required,oneof=latest date runs list"`
	Date   string   `json:"date,omitempty" validate:"required_if=Action date"`
	RunIDs []string `json:"runIds,omitempty" validate:"required_if=Action runs,max=500,dive,required"`
	Async  bool     `json:"async,omitempty"`
}

type enqueueResponse struct {
	Action string `json:"action"`
	Jobs   int    `json:"jobs"`
}

type runsResponse struct {
	Runs []ingest.RunListing `json:"runs"`
}

// ImportsHandler serves the import trigger and run listing.
type ImportsHandler struct {
	importer Importer
	enqueuer Enqueuer
	cache    CacheStats
	env      string
	validate *validator.Validate
	audit    *audit.Logger
}

// NewImportsHandler wires the handler. enqueuer and cache may be nil; async
// requests then run inline and the cache endpoint answers 503.
func NewImportsHandler(importer Importer, enqueuer Enqueuer, cache CacheStats, env string) *ImportsHandler {
	return &ImportsHandler{
		importer: importer,
		enqueuer: enqueuer,
		cache:    cache,
		env:      env,
		validate: validator.New(),
	}
}

// WithAudit records every validated trigger on l.
func (h *ImportsHandler) WithAudit(l *audit.Logger) *ImportsHandler {
	h.audit = l
	return h
}

// Trigger handles POST /api/v1/imports.
func (h *ImportsHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var body ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			problem.Write(w, r, http.StatusRequestEntityTooLarge, problem.TypeTooLarge, "Request body too large", err, h.env)
			return
		}
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid JSON body", err, h.env)
		return
	}
	if err := h.validate.Struct(body); err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid import request", err, h.env,
			problem.WithErrors(fieldErrors(err)))
		return
	}

	req := ingest.Request{Action: ingest.Action(body.Action), Date: body.Date, RunIDs: body.RunIDs}
	if body.Async && h.enqueuer != nil && req.Action != ingest.ActionList {
		n, err := h.enqueuer.Enqueue(r.Context(), req)
		h.record(r, body, err)
		if err != nil {
			h.writeImportError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, enqueueResponse{Action: body.Action, Jobs: n})
		return
	}

	res, err := h.importer.Import(r.Context(), req)
	h.record(r, body, err)
	if err != nil {
		h.writeImportError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ImportsHandler) record(r *http.Request, body ImportRequest, err error) {
	if h.audit == nil {
		return
	}
	var subject string
	if claims := middleware.TriggerClaims(r); claims != nil {
		subject = claims.Subject
	}
	details := map[string]string{
		"action": body.Action,
		"async":  strconv.FormatBool(body.Async),
	}
	if body.Date != "" {
		details["date"] = body.Date
	}
	if len(body.RunIDs) > 0 {
		details["runs"] = strconv.Itoa(len(body.RunIDs))
	}
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
		details["error"] = err.Error()
	}
	h.audit.LogFromRequest(r, subject, "import.trigger", status, details)
}

// ListRuns handles GET /api/v1/runs.
func (h *ImportsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err != nil || n < 1 || n > 1000 {
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid limit", errors.New("limit must be between 1 and 1000"), h.env,
				problem.WithDetail("limit must be between 1 and 1000"))
			return
		}
	}
	res, err := h.importer.Import(r.Context(), ingest.Request{Action: ingest.ActionList})
	if err != nil {
		h.writeImportError(w, r, err)
		return
	}
	listed := res.Listed
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, _ := strconv.Atoi(raw)
		if n < len(listed) {
			listed = listed[:n]
		}
	}
	if listed == nil {
		listed = []ingest.RunListing{}
	}
	writeJSON(w, http.StatusOK, runsResponse{Runs: listed})
}

// LocationCacheStats handles GET /api/v1/location-cache.
func (h *ImportsHandler) LocationCacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		problem.Write(w, r, http.StatusServiceUnavailable, problem.TypeUnavailable, "Location cache unavailable", errors.New("no cache configured"), h.env)
		return
	}
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		problem.Write(w, r, http.StatusInternalServerError, problem.TypeServer, "Failed to read location cache", err, h.env)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeImportError maps configuration errors to 400 and everything else to
// 500.
func (h *ImportsHandler) writeImportError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingest.ErrMissingRunIDs),
		errors.Is(err, ingest.ErrUnknownAction),
		errors.Is(err, search.ErrInvalidDate):
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid import request", err, h.env,
			problem.WithDetail(err.Error()))
	default:
		problem.Write(w, r, http.StatusInternalServerError, problem.TypeServer, "Import failed", err, h.env)
	}
}

func fieldErrors(err error) map[string]interface{} {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]interface{}, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
