package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Rnwl/ml-pdf-splitter/internal/middleware"
)

// RouterConfig holds the HTTP surface settings
type RouterConfig struct {
	// RequestTimeout bounds single-document extraction. Batches stream and are not bounded.
	RequestTimeout time.Duration
	MaxRequests    int
	APIKey         string
	APIKeyHeader   string
}

// NewRouter mounts the API. gatherer may be nil, in which case /metrics is not served.
func NewRouter(h *ExtractionHandler, gatherer prometheus.Gatherer, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "x-api-key"
	}

	r := chi.NewRouter()

	// probes stay outside the middleware chain
	r.Get("/health", h.Health)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	limiter := middleware.NewRequestLimiter(cfg.MaxRequests)

	r.Group(func(r chi.Router) {
		r.Use(middleware.LoggingMiddleware(logger))
		r.Use(middleware.RecoveryMiddleware(logger))

		r.Get("/", h.Status)
		r.Get("/status", h.Status)
		r.Get("/extractor/status", h.ExtractorStatus)

		r.Route("/extract-text", func(r chi.Router) {
			r.Use(middleware.APIKeyMiddleware(cfg.APIKeyHeader, cfg.APIKey, logger))
			r.Use(middleware.RateLimitMiddleware(limiter, time.Second, logger))

			r.With(middleware.TimeoutMiddleware(cfg.RequestTimeout)).Post("/", h.ExtractText)
			r.Post("/batch", h.ExtractBatch)
		})
	})

	return r
}
