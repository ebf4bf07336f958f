package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tiermigrate/internal/ledger"
	"tiermigrate/internal/scheduler"
	"tiermigrate/internal/storage"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handlers provides the HTTP surface: point reads, record ingest, and
// the archival trigger for external scheduling infrastructure.
type Handlers struct {
	router    *Router
	hot       storage.HotStore
	ledger    ledger.Store
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// NewHandlers creates the HTTP handlers.
func NewHandlers(r *Router, hot storage.HotStore, led ledger.Store, sched *scheduler.Scheduler, logger *zap.Logger) *Handlers {
	return &Handlers{
		router:    r,
		hot:       hot,
		ledger:    led,
		scheduler: sched,
		logger:    logger,
	}
}

// RegisterRoutes registers all routes.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/records/{id}", h.GetRecord).Methods("GET")
	r.HandleFunc("/records", h.CreateRecord).Methods("POST")

	r.HandleFunc("/archival/run", h.RunArchivalPass).Methods("POST")
	r.HandleFunc("/archival/failed", h.ListFailed).Methods("GET")
	r.HandleFunc("/archival/failed/{id}/retry", h.RetryFailed).Methods("POST")

	r.HandleFunc("/healthz", h.Healthz).Methods("GET")
}

// GetRecord handles GET /records/{id}: 200 with the payload regardless
// of tier, 404 when absent from both tiers, 503 with Retry-After on a
// transient store failure.
func (h *Handlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	payload, tier, err := h.router.Get(r.Context(), id)
	if err != nil {
		h.writeReadError(w, id, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Tier", tier)
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

func (h *Handlers) writeReadError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "record not found")
	case storage.IsTransient(err):
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusServiceUnavailable, "temporary store failure, retry")
	default:
		h.logger.Error("Read failed", zap.String("id", id), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// createRecordRequest is the ingest payload; Payload is base64 in JSON.
type createRecordRequest struct {
	ID           string            `json:"id"`
	Payload      []byte            `json:"payload"`
	CreatedAt    time.Time         `json:"created_at"`
	PartitionKey string            `json:"partition_key"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CreateRecord handles POST /records. Record ids are never reused: an
// id already present in the hot tier or tracked by the ledger is
// rejected.
func (h *Handlers) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	rec := &storage.Record{
		ID:           req.ID,
		Payload:      req.Payload,
		CreatedAt:    req.CreatedAt,
		PartitionKey: req.PartitionKey,
		Metadata:     req.Metadata,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := rec.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.ledger.Get(r.Context(), rec.ID); err == nil {
		writeJSONError(w, http.StatusConflict, "record id already in use")
		return
	} else if !errors.Is(err, ledger.ErrNotTracked) {
		h.logger.Error("Ledger lookup failed", zap.String("id", rec.ID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.hot.Put(r.Context(), rec); err != nil {
		if errors.Is(err, storage.ErrIDInUse) {
			writeJSONError(w, http.StatusConflict, "record id already in use")
			return
		}
		h.logger.Error("Record ingest failed", zap.String("id", rec.ID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": rec.ID})
}

// RunArchivalPass handles POST /archival/run, the entry point external
// scheduling infrastructure invokes on its timer. Optional query
// parameters cutoff_days and batch_size override the configured
// defaults. A pass skipped because another holds the lease still
// returns 200; skipped is not an error.
func (h *Handlers) RunArchivalPass(w http.ResponseWriter, r *http.Request) {
	var cutoffAge time.Duration
	if v := r.URL.Query().Get("cutoff_days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid cutoff_days")
			return
		}
		cutoffAge = time.Duration(days) * 24 * time.Hour
	}

	var batchSize int
	if v := r.URL.Query().Get("batch_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid batch_size")
			return
		}
		batchSize = n
	}

	result, err := h.scheduler.RunPass(r.Context(), cutoffAge, batchSize)
	if err != nil {
		h.logger.Error("Archival pass failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "archival pass failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// ListFailed handles GET /archival/failed for operator inspection.
func (h *Handlers) ListFailed(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.ListFailed(r.Context())
	if err != nil {
		h.logger.Error("Failed listing failed records", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// RetryFailed handles POST /archival/failed/{id}/retry, the manual
// Failed -> Migrating reset. The next pass re-attempts the record.
func (h *Handlers) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := h.ledger.RetryFailed(r.Context(), id)
	if err != nil {
		var conflict *ledger.ConflictError
		switch {
		case errors.Is(err, ledger.ErrNotTracked):
			writeJSONError(w, http.StatusNotFound, "record not tracked")
		case errors.As(err, &conflict):
			writeJSONError(w, http.StatusConflict, conflict.Error())
		default:
			h.logger.Error("Retry reset failed", zap.String("id", id), zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Healthz handles GET /healthz.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
