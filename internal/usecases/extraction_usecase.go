package usecases

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Rnwl/ml-pdf-splitter/internal/cache"
	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
	"github.com/Rnwl/ml-pdf-splitter/internal/metrics"
)

// ErrNoSample is returned by Probe when no sample document is configured
var ErrNoSample = errors.New("no sample document configured")

var tracer = otel.Tracer("github.com/Rnwl/ml-pdf-splitter/internal/usecases")

// Extractor runs documents through the split / dispatch / assemble pipeline
type Extractor interface {
	domain.BatchExtractor
	ExtractDocument(ctx context.Context, doc *domain.Document) (*domain.DocumentResult, error)
}

// Config holds usecase settings
type Config struct {
	// Window is part of the cache key: the same bytes split differently are a different job
	Window     int
	MaxBatches int
	SamplePDF  []byte
}

// ExtractionUsecase puts the result cache, the batch limiter and event publishing
// around the extraction engine.
type ExtractionUsecase struct {
	extractor Extractor
	cache     domain.ResultCache
	publisher domain.EventPublisher
	metrics   *metrics.Collector
	logger    *zap.Logger
	cfg       Config

	wg          sync.WaitGroup
	rateLimiter *RateLimiter
}

// RateLimiter is a semaphore bounding the number of batches running at once
type RateLimiter struct {
	semaphore     chan struct{}
	maxConcurrent int
}

// NewRateLimiter creates a limiter admitting maxConcurrent holders
func NewRateLimiter(maxConcurrent int) *RateLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 10
	}
	return &RateLimiter{
		semaphore:     make(chan struct{}, maxConcurrent),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire blocks until a place is free or ctx ends
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case rl.semaphore <- struct{}{}:
		return nil
	}
}

// Release frees a place taken by Acquire
func (rl *RateLimiter) Release() {
	select {
	case <-rl.semaphore:
	default:
	}
}

// NewExtractionUsecase creates the usecase. cache and publisher may be nil.
func NewExtractionUsecase(
	extractor Extractor,
	resultCache domain.ResultCache,
	publisher domain.EventPublisher,
	m *metrics.Collector,
	logger *zap.Logger,
	cfg Config,
) *ExtractionUsecase {
	if cfg.MaxBatches < 1 {
		cfg.MaxBatches = 10
	}

	return &ExtractionUsecase{
		extractor:   extractor,
		cache:       resultCache,
		publisher:   publisher,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
		rateLimiter: NewRateLimiter(cfg.MaxBatches),
	}
}

// ExtractDocument extracts one document, answering from the cache when the same bytes were seen before
func (u *ExtractionUsecase) ExtractDocument(ctx context.Context, name string, data []byte) (*domain.DocumentResult, error) {
	ctx, span := tracer.Start(ctx, "usecase.extract_document")
	defer span.End()
	span.SetAttributes(attribute.String("document.name", name), attribute.Int("document.bytes", len(data)))

	key := cache.DocumentKey(data, u.cfg.Window)
	if cached, ok := u.lookup(ctx, key, 0, name); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}

	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("wait for batch slot: %w", err)
	}
	defer u.rateLimiter.Release()

	batchID := uuid.New().String()
	doc := &domain.Document{Name: name, Data: data}

	result, err := u.extractor.ExtractDocument(ctx, doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() == nil {
			u.publishFailed(batchID, failureFrom(doc, err))
		}
		return nil, err
	}

	u.store(key, result)
	u.publishCompleted(batchID, result)
	return result, nil
}

// ExtractDocuments extracts a batch, calling emit for every document as soon as it is complete.
// Cached documents are emitted first. DocumentIDs are positions in docs.
//
// The returned failures list documents that produced no result. A non-nil error means
// the batch stopped early, because ctx ended or emit failed.
func (u *ExtractionUsecase) ExtractDocuments(ctx context.Context, docs []*domain.Document, emit func(*domain.DocumentResult) error) ([]domain.DocumentFailure, error) {
	ctx, span := tracer.Start(ctx, "usecase.extract_batch")
	defer span.End()

	batchID := uuid.New().String()
	span.SetAttributes(attribute.String("batch.id", batchID), attribute.Int("batch.documents", len(docs)))

	keys := make(map[int]string, len(docs))
	var pending []*domain.Document
	var positions []int

	for i, doc := range docs {
		key := cache.DocumentKey(doc.Data, u.cfg.Window)
		if cached, ok := u.lookup(ctx, key, i, doc.Name); ok {
			if err := emit(cached); err != nil {
				return nil, err
			}
			continue
		}
		keys[i] = key
		pending = append(pending, &domain.Document{Name: doc.Name, Data: doc.Data})
		positions = append(positions, i)
	}

	u.logger.Info("Batch accepted",
		zap.String("batch_id", batchID),
		zap.Int("documents", len(docs)),
		zap.Int("cached", len(docs)-len(pending)),
	)

	if len(pending) == 0 {
		return nil, nil
	}

	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("wait for batch slot: %w", err)
	}
	defer u.rateLimiter.Release()

	batch, err := u.extractor.Start(ctx, pending)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("start batch: %w", err)
	}
	defer batch.Close()

	var emitErr error
	for result := range batch.Results() {
		result.DocumentID = positions[result.DocumentID]
		u.store(keys[result.DocumentID], result)
		u.publishCompleted(batchID, result)

		if emitErr = emit(result); emitErr != nil {
			break
		}
	}

	if err := batch.Close(); err != nil {
		u.logger.Warn("failed to release batch", zap.String("batch_id", batchID), zap.Error(err))
	}

	failures := batch.Failures()
	for i := range failures {
		failures[i].DocumentID = positions[failures[i].DocumentID]
		if emitErr == nil && batch.Err() == nil {
			u.publishFailed(batchID, failures[i])
		}
	}

	if emitErr != nil {
		span.RecordError(emitErr)
		return failures, emitErr
	}
	if err := batch.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return failures, err
	}
	span.SetAttributes(attribute.Int("batch.failures", len(failures)))
	return failures, nil
}

// Probe checks the extraction service end to end with the configured sample document.
// It bypasses the cache.
func (u *ExtractionUsecase) Probe(ctx context.Context) (*domain.DocumentResult, error) {
	if len(u.cfg.SamplePDF) == 0 {
		return nil, ErrNoSample
	}
	start := time.Now()
	result, err := u.extractor.ExtractDocument(ctx, &domain.Document{Name: "sample.pdf", Data: u.cfg.SamplePDF})
	if err != nil {
		u.logger.Warn("extraction service probe failed", zap.Error(err))
		return nil, err
	}
	u.logger.Debug("extraction service probe succeeded",
		zap.Int("parts", result.Parts),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// lookup returns a cached result renumbered for the current request
func (u *ExtractionUsecase) lookup(ctx context.Context, key string, id int, name string) (*domain.DocumentResult, bool) {
	if u.cache == nil {
		return nil, false
	}
	cached, ok := u.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}

	result := *cached
	result.DocumentID = id
	result.Name = name
	u.metrics.RecordDocument(metrics.DocumentCached)
	u.logger.Debug("cache hit", zap.String("key", key), zap.Int("document_id", id))
	return &result, true
}

// store caches a result in the background
func (u *ExtractionUsecase) store(key string, result *domain.DocumentResult) {
	if u.cache == nil || key == "" {
		return
	}
	stored := *result

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		cacheCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := u.cache.Set(cacheCtx, key, &stored); err != nil {
			u.logger.Warn("failed to cache result",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}()
}

func (u *ExtractionUsecase) publishCompleted(batchID string, result *domain.DocumentResult) {
	if u.publisher == nil {
		return
	}
	snapshot := *result

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := u.publisher.PublishCompleted(ctx, batchID, &snapshot); err != nil {
			u.logger.Warn("failed to publish completion event",
				zap.String("batch_id", batchID),
				zap.Int("document_id", snapshot.DocumentID),
				zap.Error(err),
			)
		}
	}()
}

func (u *ExtractionUsecase) publishFailed(batchID string, failure domain.DocumentFailure) {
	if u.publisher == nil {
		return
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := u.publisher.PublishFailed(ctx, batchID, failure); err != nil {
			u.logger.Warn("failed to publish failure event",
				zap.String("batch_id", batchID),
				zap.Int("document_id", failure.DocumentID),
				zap.Error(err),
			)
		}
	}()
}

// failureFrom describes why a single document produced no result
func failureFrom(doc *domain.Document, err error) domain.DocumentFailure {
	failure := domain.DocumentFailure{
		DocumentID: doc.ID,
		Name:       doc.Name,
		Status:     domain.FailureRejected,
		Error:      err.Error(),
	}
	var incomplete *domain.IncompleteError
	if errors.As(err, &incomplete) {
		failure.Status = domain.FailureIncomplete
		failure.TotalParts = incomplete.TotalParts
		failure.MissingParts = incomplete.MissingParts
	}
	return failure
}

// Shutdown waits for background cache writes and event publishing
func (u *ExtractionUsecase) Shutdown() {
	u.wg.Wait()
	u.logger.Info("Extraction usecase stopped")
}
