package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	cadencesync "github.com/hyperengineering/cadence/internal/sync"
	"github.com/hyperengineering/cadence/internal/validation"
)

const (
	// MaxRecordBytes caps a record upload.
	MaxRecordBytes = 1 << 20

	maxIDLength     = 128
	maxSourceLength = 64
)

// RecordStore is the backend the handlers serve.
type RecordStore interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, owner, table, id string) ([]byte, error)
	Select(ctx context.Context, owner, table string, includeArchived bool, ids []string) ([][]byte, error)
	Upsert(ctx context.Context, owner, source, table, id string, payload []byte) ([]byte, bool, error)
	Delete(ctx context.Context, owner, source, table, id string) (bool, error)
	ChangesAfter(ctx context.Context, owner, table string, after int64, limit int) ([]cadencesync.ChangeEvent, error)
	CompactedThrough(ctx context.Context) (int64, error)
}

// Handler implements the API handlers.
type Handler struct {
	store   RecordStore
	hub     *Hub
	tokens  map[string]string
	version string
	logger  *slog.Logger
}

// NewHandler creates a Handler. tokens maps API tokens to owners.
func NewHandler(s RecordStore, hub *Hub, tokens map[string]string, version string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:   s,
		hub:     hub,
		tokens:  tokens,
		version: version,
		logger:  logger.With("component", "api"),
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Feeds   int    `json:"feeds"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Feeds:   h.hub.Len(),
	})
}

// WhoAmI handles GET /api/v1/whoami.
func (h *Handler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cadencesync.WhoAmIResponse{OwnerID: OwnerFromContext(r.Context())})
}

// ListRecords handles GET /api/v1/tables/{table}/records.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	q := r.URL.Query()
	includeArchived, _ := strconv.ParseBool(q.Get("include_archived"))

	payloads, err := h.store.Select(r.Context(), OwnerFromContext(r.Context()), table, includeArchived, q["id"])
	if err != nil {
		h.logger.Error("select failed", "action", "select_failed", "table", table, "error", err)
		MapStoreError(w, r, err)
		return
	}
	resp := cadencesync.RecordsResponse{Records: make([]json.RawMessage, len(payloads))}
	for i, p := range payloads {
		resp.Records[i] = p
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRecord handles GET /api/v1/tables/{table}/records/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")
	payload, err := h.store.Get(r.Context(), OwnerFromContext(r.Context()), table, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cadencesync.RecordResponse{Record: payload, Applied: true})
}

// PutRecord handles PUT /api/v1/tables/{table}/records/{id}. The response
// carries the stored record, which is the caller's copy only when applied.
func (h *Handler) PutRecord(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")
	source := r.Header.Get(cadencesync.SourceHeader)
	if errs := validateWrite(id, source); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRecordBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, "Record exceeds 1 MiB")
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, "Could not read request body")
		return
	}

	owner := OwnerFromContext(r.Context())
	stored, applied, err := h.store.Upsert(r.Context(), owner, source, table, id, body)
	if err != nil {
		h.logger.Warn("upsert failed",
			"action", "upsert_failed",
			"table", table,
			"id", id,
			"source_id", source,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cadencesync.RecordResponse{Record: stored, Applied: applied})
}

// DeleteRecord handles DELETE /api/v1/tables/{table}/records/{id}.
// Deleting a record that does not exist succeeds.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")
	source := r.Header.Get(cadencesync.SourceHeader)
	if errs := validateWrite(id, source); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	deleted, err := h.store.Delete(r.Context(), OwnerFromContext(r.Context()), source, table, id)
	if err != nil {
		h.logger.Warn("delete failed", "action", "delete_failed", "table", table, "id", id, "error", err)
		MapStoreError(w, r, err)
		return
	}
	if deleted {
		h.logger.Info("record deleted", "action", "record_deleted", "table", table, "id", id, "source_id", source)
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateWrite(id, source string) []validation.ValidationError {
	var c validation.Collector
	c.Add(validation.ValidateRequired("id", id))
	validation.ValidateText(&c, "id", id, maxIDLength)
	validation.ValidateText(&c, cadencesync.SourceHeader, source, maxSourceLength)
	return c.Errors()
}

// tableCtx rejects tables that are not synced.
func tableCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := cadencesync.Lookup(chi.URLParam(r, "table")); err != nil {
			WriteProblem(w, r, http.StatusNotFound, "Unknown table")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
