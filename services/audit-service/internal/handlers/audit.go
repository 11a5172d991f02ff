package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/md-rashed-zaman/eventrelay/libs/httpx"
	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
	"github.com/md-rashed-zaman/eventrelay/services/audit-service/internal/audit"
)

type AuditHandler struct {
	svc    *audit.Service
	logger *slog.Logger
}

func NewAuditHandler(svc *audit.Service, logger *slog.Logger) *AuditHandler {
	if logger == nil {
		logger = runtime.DiscardLogger()
	}
	return &AuditHandler{svc: svc, logger: logger}
}

// Register mounts the audit routes on mux.
func (h *AuditHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/audit/events", h.Events)
	mux.HandleFunc("/api/v1/audit/counts", h.Counts)
}

type recordResponse struct {
	Entry    *audit.Entry `json:"entry"`
	EventIDs []string     `json:"event_ids"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Violations any    `json:"violations,omitempty"`
}

func (h *AuditHandler) Events(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.record(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AuditHandler) record(w http.ResponseWriter, r *http.Request) {
	var req audit.RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}

	res, err := h.svc.Record(r.Context(), req)
	if err != nil {
		h.logger.Error("record audit entry failed", "request_id", httpx.RequestIDFromContext(r.Context()), "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to record audit entry"})
		return
	}
	switch {
	case res.Denied:
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + httpx.ActorHeader})
	case len(res.Violations) > 0:
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Violations: res.Violations})
	default:
		writeJSON(w, http.StatusCreated, recordResponse{Entry: res.Entry, EventIDs: res.EventIDs})
	}
}

func (h *AuditHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	entries, err := h.svc.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("list audit entries failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load audit events"})
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *AuditHandler) Counts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	counts, err := h.svc.Counts(r.Context())
	if err != nil {
		h.logger.Error("load audit counts failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load audit counts"})
		return
	}
	if counts == nil {
		counts = []audit.Count{}
	}
	writeJSON(w, http.StatusOK, counts)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
