package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
	"github.com/Rnwl/ml-pdf-splitter/internal/middleware"
)

const defaultMaxUploadBytes = 100 << 20

// ExtractionService is the application logic behind the HTTP API
type ExtractionService interface {
	ExtractDocument(ctx context.Context, name string, data []byte) (*domain.DocumentResult, error)
	ExtractDocuments(ctx context.Context, docs []*domain.Document, emit func(*domain.DocumentResult) error) ([]domain.DocumentFailure, error)
	Probe(ctx context.Context) (*domain.DocumentResult, error)
}

// ExtractionHandler handles HTTP requests for text extraction
type ExtractionHandler struct {
	service        ExtractionService
	logger         *zap.Logger
	maxUploadBytes int64
}

// NewExtractionHandler creates a new extraction handler
func NewExtractionHandler(service ExtractionService, maxUploadBytes int64, logger *zap.Logger) *ExtractionHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &ExtractionHandler{
		service:        service,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}
}

// BatchLine is one line of the NDJSON batch response
type BatchLine struct {
	Type    string                  `json:"type"`
	Result  *domain.DocumentResult  `json:"result,omitempty"`
	Failure *domain.DocumentFailure `json:"failure,omitempty"`
	Summary *BatchSummary           `json:"summary,omitempty"`
}

// BatchSummary closes a batch response
type BatchSummary struct {
	Documents int    `json:"documents"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// Batch line types
const (
	LineResult  = "result"
	LineFailure = "failure"
	LineSummary = "summary"
)

// Status handles GET / and GET /status
func (h *ExtractionHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "OK"}, middleware.GetRequestID(r.Context()))
}

// Health handles GET /health
func (h *ExtractionHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	}, middleware.GetRequestID(r.Context()))
}

// ExtractorStatus handles GET /extractor/status by extracting the sample document
func (h *ExtractionHandler) ExtractorStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	start := time.Now()
	result, err := h.service.Probe(ctx)
	if err != nil {
		h.logger.Warn("extraction service unavailable",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":     "unavailable",
			"error":      err.Error(),
			"request_id": requestID,
		}, requestID)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "OK",
		"stage":      result.Stage,
		"parts":      result.Parts,
		"latency_ms": time.Since(start).Milliseconds(),
	}, requestID)
}

// ExtractText handles POST /extract-text/ with a multipart "file" field
func (h *ExtractionHandler) ExtractText(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		h.respondUploadError(w, err, requestID)
		return
	}
	defer file.Close()

	if !isPDF(header.Filename) {
		h.respondError(w, http.StatusBadRequest, "file must be a PDF", requestID)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.respondUploadError(w, err, requestID)
		return
	}

	result, err := h.service.ExtractDocument(ctx, header.Filename, data)
	if err != nil {
		status := extractionStatus(err)
		h.logger.Warn("failed to extract document",
			zap.String("request_id", requestID),
			zap.String("name", header.Filename),
			zap.Int("bytes", len(data)),
			zap.Int("status", status),
			zap.Error(err),
		)
		h.respondError(w, status, err.Error(), requestID)
		return
	}

	h.respondJSON(w, http.StatusOK, result, requestID)
}

// ExtractBatch handles POST /extract-text/batch with multipart "files" fields.
// The response is NDJSON: one line per completed document as soon as it is
// ready, then one line per failed document, then a summary.
func (h *ExtractionHandler) ExtractBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.respondUploadError(w, err, requestID)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		h.respondError(w, http.StatusBadRequest, "no files provided", requestID)
		return
	}

	docs := make([]*domain.Document, 0, len(headers))
	for _, fh := range headers {
		if !isPDF(fh.Filename) {
			h.respondError(w, http.StatusBadRequest, fmt.Sprintf("file %q must be a PDF", fh.Filename), requestID)
			return
		}
		data, err := readPart(fh)
		if err != nil {
			h.respondUploadError(w, err, requestID)
			return
		}
		docs = append(docs, &domain.Document{Name: fh.Filename, Data: data})
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	writeLine := func(line BatchLine) error {
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	completed := 0
	failures, err := h.service.ExtractDocuments(ctx, docs, func(result *domain.DocumentResult) error {
		completed++
		return writeLine(BatchLine{Type: LineResult, Result: result})
	})

	for i := range failures {
		if werr := writeLine(BatchLine{Type: LineFailure, Failure: &failures[i]}); werr != nil {
			err = multierr.Append(err, werr)
			break
		}
	}

	summary := &BatchSummary{Documents: len(docs), Completed: completed, Failed: len(failures)}
	if err != nil {
		summary.Error = err.Error()
		h.logger.Warn("batch ended early",
			zap.String("request_id", requestID),
			zap.Int("documents", len(docs)),
			zap.Int("completed", completed),
			zap.Error(err),
		)
	}
	if werr := writeLine(BatchLine{Type: LineSummary, Summary: summary}); werr != nil {
		h.logger.Debug("client went away before summary", zap.String("request_id", requestID), zap.Error(werr))
	}
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

// extractionStatus maps an extraction error to an HTTP status
func extractionStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrMalformedDocument), errors.Is(err, domain.ErrEmptyDocument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrIncomplete):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *ExtractionHandler) respondUploadError(w http.ResponseWriter, err error, requestID string) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		h.respondError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload exceeds %d bytes", maxErr.Limit), requestID)
		return
	}
	h.logger.Warn("invalid upload", zap.String("request_id", requestID), zap.Error(err))
	h.respondError(w, http.StatusBadRequest, "invalid upload: "+err.Error(), requestID)
}

// respondJSON sends a JSON response
func (h *ExtractionHandler) respondJSON(w http.ResponseWriter, status int, data interface{}, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}

// respondError sends an error response
func (h *ExtractionHandler) respondError(w http.ResponseWriter, status int, message, requestID string) {
	h.respondJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestID,
	}, requestID)
}
