package extraction

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Rnwl/ml-pdf-splitter/internal/middleware"
)

const (
	errNoData       = "No PDF data provided"
	errInvalidB64   = "Invalid base64 encoding"
	errInternal     = "Internal server error"
	errTooLarge     = "Payload too large"
	defaultMaxBytes = 6 << 20
)

// Config configures the extraction service
type Config struct {
	Stage        string
	Version      string
	APIKey       string
	APIKeyHeader string
	MaxBodyBytes int64
}

// Response is the body returned for a successful extraction
type Response struct {
	Stage           string  `json:"stage"`
	TimeTaken       float64 `json:"time_taken"`
	Text            string  `json:"text"`
	Pages           int     `json:"pages"`
	FunctionVersion string  `json:"function_version"`
}

// Handler serves text extraction requests
type Handler struct {
	cfg    Config
	logger *zap.Logger
}

// NewHandler creates a new extraction handler
func NewHandler(cfg Config, logger *zap.Logger) *Handler {
	if cfg.Stage == "" {
		cfg.Stage = "test"
	}
	if cfg.Version == "" {
		cfg.Version = "$LATEST"
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "x-api-key"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBytes
	}
	return &Handler{cfg: cfg, logger: logger}
}

// Routes mounts the service endpoints
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.LoggingMiddleware(h.logger))
	r.Use(middleware.RecoveryMiddleware(h.logger))

	r.Get("/status", h.Status)

	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyMiddleware(h.cfg.APIKeyHeader, h.cfg.APIKey, h.logger))
		r.Post("/", h.Extract)
		r.Post("/pdf_extraction", h.Extract)
	})
	return r
}

// Status handles GET /status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":           "OK",
		"stage":            h.cfg.Stage,
		"function_version": h.cfg.Version,
	})
}

// Extract handles POST / and POST /pdf_extraction
func (h *Handler) Extract(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := middleware.GetRequestID(r.Context())

	encoded, status, msg := h.readPayload(w, r)
	if status != 0 {
		h.logger.Warn("rejected extraction request",
			zap.String("request_id", requestID),
			zap.Int("status", status),
			zap.String("reason", msg),
		)
		respondError(w, status, msg)
		return
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		h.logger.Warn("invalid base64 payload",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		respondError(w, http.StatusBadRequest, errInvalidB64)
		return
	}

	text, pages, err := ExtractText(data)
	if err != nil {
		h.logger.Error("PDF extraction failed",
			zap.String("request_id", requestID),
			zap.Int("bytes", len(data)),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, errInternal)
		return
	}

	elapsed := time.Since(start)
	h.logger.Info("PDF extraction completed",
		zap.String("request_id", requestID),
		zap.Int("pages", pages),
		zap.Int("chars", len(text)),
		zap.Duration("duration", elapsed),
	)

	respondJSON(w, http.StatusOK, Response{
		Stage:           h.cfg.Stage,
		TimeTaken:       elapsed.Seconds(),
		Text:            text,
		Pages:           pages,
		FunctionVersion: h.cfg.Version,
	})
}

// readPayload finds the base64 document in the query string or body.
// A non-zero status means the request must be rejected with msg.
func (h *Handler) readPayload(w http.ResponseWriter, r *http.Request) (string, int, string) {
	if v := r.URL.Query().Get("pdf_data"); v != "" {
		return v, 0, ""
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", http.StatusRequestEntityTooLarge, errTooLarge
		}
		return "", http.StatusBadRequest, errNoData
	}

	encoded, ok := payloadField(body)
	if !ok || encoded == "" {
		return "", http.StatusBadRequest, errNoData
	}
	return encoded, 0, ""
}

// payloadField reads pdf_data from {"pdf_data": ...} or from that object
// encoded once more as a JSON string.
func payloadField(body []byte) (string, bool) {
	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", false
	}

	var wrapped string
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		raw = json.RawMessage(wrapped)
	}

	var req struct {
		PDFData string `json:"pdf_data"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return "", false
	}
	return req.PDFData, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"Error": message})
}
