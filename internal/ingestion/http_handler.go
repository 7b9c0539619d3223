package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rpattn/rowstage/internal/auth"
)

const maxUploadBytes = 32 << 20

// Handler exposes ingestion and row edits over HTTP.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHTTPHandler returns the ingestion routes:
//
//	POST  /api/v1/ingest/upload
//	POST  /api/v1/ingest/payload
//	PATCH /api/v1/rows/{id}
//	GET   /api/v1/ingest/logs
func NewHTTPHandler(service *Service, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{service: service, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/ingest/upload", h.upload)
	mux.HandleFunc("POST /api/v1/ingest/payload", h.payload)
	mux.HandleFunc("PATCH /api/v1/rows/{id}", h.updateRow)
	mux.HandleFunc("GET /api/v1/ingest/logs", h.logs)
	return auth.Middleware(mux)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	orgID, _ := auth.OrganizationIDFromContext(r.Context())
	userID, _ := auth.UserIDFromContext(r.Context())

	summary, err := h.service.IngestFile(r.Context(), FileRequest{
		OrganizationID: orgID,
		UserID:         userID,
		DomainName:     strings.TrimSpace(r.FormValue("domainName")),
		PolicyID:       strings.TrimSpace(r.FormValue("policyId")),
		FileName:       header.Filename,
		Data:           file,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) payload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
		return
	}

	orgID, _ := auth.OrganizationIDFromContext(r.Context())
	userID, _ := auth.UserIDFromContext(r.Context())

	summary, err := h.service.IngestPayload(r.Context(), PayloadRequest{
		OrganizationID: orgID,
		UserID:         userID,
		Body:           body,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) updateRow(w http.ResponseWriter, r *http.Request) {
	var desired map[string]any
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	decoder.UseNumber()
	if err := decoder.Decode(&desired); err != nil {
		http.Error(w, fmt.Sprintf("invalid json body: %v", err), http.StatusBadRequest)
		return
	}

	result, err := h.service.UpdateRow(r.Context(), r.PathValue("id"), desired)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	orgID, _ := auth.OrganizationIDFromContext(r.Context())
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	entries, err := h.service.IngestionLogs(r.Context(), orgID, query.Get("domainName"), query.Get("fileName"), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// writeError maps caller errors to 400 and 404. Anything else is logged and
// reported as a generic 500.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrRowNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
