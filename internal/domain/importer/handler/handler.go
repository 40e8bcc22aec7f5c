// Package handler exposes the import pipeline over HTTP for the web front
// end: upload preview, import runs, matching triggers, and the AI model
// catalog.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/pagaria/cobranza-api/internal/domain/ai"
	"github.com/pagaria/cobranza-api/internal/domain/importer/mapper"
	"github.com/pagaria/cobranza-api/internal/domain/importer/parser"
	"github.com/pagaria/cobranza-api/internal/domain/importer/record"
	"github.com/pagaria/cobranza-api/internal/domain/importer/service"
	"github.com/pagaria/cobranza-api/internal/domain/matching"
	"github.com/pagaria/cobranza-api/pkg/storage"
)

const previewSampleSize = 5

// Importer runs an import over parsed records.
type Importer interface {
	Import(ctx context.Context, records []*record.FlatRecord, opts service.Options) (*service.Result, error)
}

// Matcher exposes the matching operations.
type Matcher interface {
	MatchSubject(ctx context.Context, subjectID uuid.UUID) ([]*matching.Candidate, error)
	MatchAllUnmatched(ctx context.Context, organizationID uuid.UUID) (*matching.Summary, error)
}

// ModelLister serves the AI model catalog.
type ModelLister interface {
	Models(ctx context.Context, forceRefresh bool) ([]ai.Model, error)
}

// ImportHandler wires the pipeline stages behind HTTP endpoints.
type ImportHandler struct {
	ingestor     *parser.Ingestor
	importer     Importer
	matcher      Matcher
	models       ModelLister
	archive      storage.Archive
	maxFileBytes int64
	logger       *slog.Logger
}

func NewImportHandler(ingestor *parser.Ingestor, importer Importer, matcher Matcher, models ModelLister, archive storage.Archive, maxFileBytes int64, logger *slog.Logger) *ImportHandler {
	if maxFileBytes <= 0 {
		maxFileBytes = 10 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportHandler{
		ingestor:     ingestor,
		importer:     importer,
		matcher:      matcher,
		models:       models,
		archive:      archive,
		maxFileBytes: maxFileBytes,
		logger:       logger,
	}
}

// Routes returns the handler's mux wrapped with CORS for the front end.
func (h *ImportHandler) Routes(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/imports/preview", h.Preview)
	mux.HandleFunc("POST /api/v1/imports", h.Import)
	mux.HandleFunc("GET /api/v1/imports/files", h.ListUploads)
	mux.HandleFunc("GET /api/v1/imports/files/{id}", h.DownloadUpload)
	mux.HandleFunc("DELETE /api/v1/imports/files/{id}", h.DeleteUpload)
	mux.HandleFunc("POST /api/v1/matching/subjects/{id}", h.MatchSubject)
	mux.HandleFunc("POST /api/v1/matching/run", h.MatchAll)
	mux.HandleFunc("GET /api/v1/ai/models", h.Models)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(mux)
}

type previewResponse struct {
	Headers  []string            `json:"headers"`
	Mapping  map[string]string   `json:"mapping"`
	Unmapped []string            `json:"unmapped"`
	Sample   []map[string]string `json:"sample"`
	Rows     int                 `json:"rows"`
}

// Preview parses the upload, infers the column mapping, and returns a
// sample so the operator can adjust assignments before importing.
func (h *ImportHandler) Preview(w http.ResponseWriter, r *http.Request) {
	records, _, ok := h.parseUpload(w, r, uuid.Nil)
	if !ok {
		return
	}

	headers := records[0].Keys()
	inferred := mapper.InferMapping(headers)

	sample := make([]map[string]string, 0, previewSampleSize)
	for i, rec := range records {
		if i == previewSampleSize {
			break
		}
		sample = append(sample, inferred.Apply(rec).Map())
	}

	respondJSON(w, http.StatusOK, previewResponse{
		Headers:  headers,
		Mapping:  inferred,
		Unmapped: inferred.Unmapped(),
		Sample:   sample,
		Rows:     len(records),
	})
}

// Import runs the full pipeline: parse, map, and write in batches.
func (h *ImportHandler) Import(w http.ResponseWriter, r *http.Request) {
	organizationID, err := uuid.Parse(r.FormValue("organization_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "organization_id inválido")
		return
	}

	records, _, ok := h.parseUpload(w, r, organizationID)
	if !ok {
		return
	}

	opts := service.Options{
		OrganizationID: organizationID,
		UseAI:          parseBool(r.FormValue("use_ai")),
	}
	if v := r.FormValue("counterparty_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "counterparty_id inválido")
			return
		}
		opts.CounterpartyID = &id
	}
	if v := r.FormValue("batch_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.BatchSize = n
		}
	}

	headers := records[0].Keys()
	fieldMapping := mapper.InferMapping(headers)
	if raw := r.FormValue("mapping"); raw != "" {
		var overrides map[string]string
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			respondError(w, http.StatusBadRequest, "mapping inválido")
			return
		}
		fieldMapping = fieldMapping.WithOverrides(overrides, headers)
	}

	mapped := make([]*record.FlatRecord, len(records))
	for i, rec := range records {
		mapped[i] = fieldMapping.Apply(rec)
	}

	result, err := h.importer.Import(r.Context(), mapped, opts)
	if err != nil {
		h.respondImportError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// ListUploads returns the organization's archived uploads, newest first.
func (h *ImportHandler) ListUploads(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		respondError(w, http.StatusServiceUnavailable, "archivo de cargas no configurado")
		return
	}
	organizationID, err := uuid.Parse(r.URL.Query().Get("organization_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "organization_id inválido")
		return
	}

	files, err := h.archive.List(r.Context(), organizationID)
	if err != nil {
		h.logger.Error("upload listing failed", "organization_id", organizationID, "error", err)
		respondError(w, http.StatusInternalServerError, "no se pudo listar las cargas")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"files": files})
}

// DownloadUpload streams one archived upload back with its original name.
func (h *ImportHandler) DownloadUpload(w http.ResponseWriter, r *http.Request) {
	organizationID, fileID, ok := h.uploadParams(w, r)
	if !ok {
		return
	}

	payload, info, err := h.archive.Open(r.Context(), organizationID, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "archivo no encontrado")
		return
	}
	if err != nil {
		h.logger.Error("upload download failed", "file_id", fileID, "error", err)
		respondError(w, http.StatusInternalServerError, "no se pudo leer la carga")
		return
	}
	defer payload.Close()

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(info.SizeBytes, 10))
	_, _ = io.Copy(w, payload)
}

// DeleteUpload removes one archived upload.
func (h *ImportHandler) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	organizationID, fileID, ok := h.uploadParams(w, r)
	if !ok {
		return
	}

	err := h.archive.Remove(r.Context(), organizationID, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "archivo no encontrado")
		return
	}
	if err != nil {
		h.logger.Error("upload delete failed", "file_id", fileID, "error", err)
		respondError(w, http.StatusInternalServerError, "no se pudo eliminar la carga")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ImportHandler) uploadParams(w http.ResponseWriter, r *http.Request) (organizationID, fileID uuid.UUID, ok bool) {
	if h.archive == nil {
		respondError(w, http.StatusServiceUnavailable, "archivo de cargas no configurado")
		return uuid.Nil, uuid.Nil, false
	}
	organizationID, err := uuid.Parse(r.URL.Query().Get("organization_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "organization_id inválido")
		return uuid.Nil, uuid.Nil, false
	}
	fileID, err = uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "id de archivo inválido")
		return uuid.Nil, uuid.Nil, false
	}
	return organizationID, fileID, true
}

// MatchSubject computes and returns candidates for one subject.
func (h *ImportHandler) MatchSubject(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "subject id inválido")
		return
	}

	candidates, err := h.matcher.MatchSubject(r.Context(), subjectID)
	if err != nil {
		h.logger.Error("match subject failed", "subject_id", subjectID, "error", err)
		respondError(w, http.StatusInternalServerError, "no se pudo calcular coincidencias")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

// MatchAll walks every unmatched subject of one organization.
func (h *ImportHandler) MatchAll(w http.ResponseWriter, r *http.Request) {
	organizationID, err := uuid.Parse(r.URL.Query().Get("organization_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "organization_id inválido")
		return
	}

	summary, err := h.matcher.MatchAllUnmatched(r.Context(), organizationID)
	if err != nil {
		h.logger.Error("bulk matching failed", "organization_id", organizationID, "error", err)
		respondError(w, http.StatusInternalServerError, "la corrida de matching falló")
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// Models lists the AI provider's models; ?refresh=true bypasses the cache.
func (h *ImportHandler) Models(w http.ResponseWriter, r *http.Request) {
	if h.models == nil {
		respondError(w, http.StatusServiceUnavailable, "asistente de IA no configurado")
		return
	}

	models, err := h.models.Models(r.Context(), parseBool(r.URL.Query().Get("refresh")))
	if err != nil {
		h.logger.Error("model catalog fetch failed", "error", err)
		respondError(w, http.StatusBadGateway, "no se pudo listar los modelos")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"models": models})
}

// parseUpload reads the multipart file field, optionally archives it, and
// runs the ingestor. It writes the error response itself and returns
// ok=false when the caller should stop.
func (h *ImportHandler) parseUpload(w http.ResponseWriter, r *http.Request, organizationID uuid.UUID) ([]*record.FlatRecord, *multipart.FileHeader, bool) {
	if err := r.ParseMultipartForm(h.maxFileBytes); err != nil {
		respondError(w, http.StatusBadRequest, "el archivo excede el tamaño máximo permitido")
		return nil, nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "falta el campo de archivo")
		return nil, nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "no se pudo leer el archivo")
		return nil, nil, false
	}

	if h.archive != nil && organizationID != uuid.Nil {
		if _, err := h.archive.Save(r.Context(), organizationID, header.Filename, resolveMime(header), bytes.NewReader(data)); err != nil {
			// Archiving is best-effort; the import still runs.
			h.logger.Warn("failed to archive upload", "filename", header.Filename, "error", err)
		}
	}

	records, err := h.ingestor.Ingest(data, resolveMime(header))
	if err != nil {
		h.respondIngestError(w, err)
		return nil, nil, false
	}
	return records, header, true
}

// resolveMime prefers the declared content type and falls back to the file
// extension for the generic octet-stream browsers sometimes send.
func resolveMime(header *multipart.FileHeader) string {
	declared := header.Header.Get("Content-Type")
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	name := strings.ToLower(header.Filename)
	switch {
	case strings.HasSuffix(name, ".csv"):
		return "text/csv"
	case strings.HasSuffix(name, ".xlsx"), strings.HasSuffix(name, ".xls"):
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return declared
	}
}

func (h *ImportHandler) respondIngestError(w http.ResponseWriter, err error) {
	var tooMany *parser.TooManyRowsError
	var unsupported *parser.UnsupportedFileTypeError
	switch {
	case errors.Is(err, parser.ErrEmptyFile):
		respondError(w, http.StatusBadRequest, "el archivo no contiene filas de datos")
	case errors.As(err, &tooMany):
		respondError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.As(err, &unsupported):
		respondError(w, http.StatusUnsupportedMediaType, err.Error())
	default:
		h.logger.Error("file parse failed", "error", err)
		respondError(w, http.StatusBadRequest, "no se pudo leer el archivo")
	}
}

func (h *ImportHandler) respondImportError(w http.ResponseWriter, err error) {
	var tooMany *service.TooManyRecordsError
	switch {
	case errors.Is(err, service.ErrMissingOrganization),
		errors.Is(err, service.ErrNoRecords):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &tooMany):
		respondError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.logger.Error("import run failed", "error", err)
		respondError(w, http.StatusInternalServerError, "la importación falló")
	}
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(s)
	return err == nil && v
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
