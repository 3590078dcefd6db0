package orchestrator

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Rnwl/ml-pdf-splitter/internal/aggregator"
	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
	"github.com/Rnwl/ml-pdf-splitter/internal/metrics"
	"github.com/Rnwl/ml-pdf-splitter/internal/scheduler"
)

// batch drives one set of documents through the scheduler.
// Results and Close run on the consumer's goroutine.
type batch struct {
	parent  context.Context
	cancel  context.CancelFunc
	session domain.Session
	sched   *scheduler.Scheduler
	agg     *aggregator.Aggregator
	logger  *zap.Logger
	metrics *metrics.Collector

	documents int
	completed int
	failures  []domain.DocumentFailure
	causes    map[int]error
	err       error

	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Compile-time interface check
var _ domain.Batch = (*batch)(nil)

// Results yields documents as they complete. Only the first call yields anything.
func (b *batch) Results() iter.Seq[*domain.DocumentResult] {
	return func(yield func(*domain.DocumentResult) bool) {
		if !b.started.CompareAndSwap(false, true) {
			return
		}
		defer b.Close()

		for {
			c, ok := b.sched.Next(b.parent)
			if !ok {
				break
			}

			doc, done := b.agg.Record(c.Tag, c.Result, c.Err)
			if !done {
				continue
			}

			b.completed++
			b.metrics.RecordDocument(metrics.DocumentCompleted)
			b.logger.Info("Document extracted",
				zap.Int("document_id", doc.DocumentID),
				zap.String("name", doc.Name),
				zap.Int("parts", doc.Parts),
				zap.Int("text_len", len(doc.Text)),
			)

			if !yield(doc) {
				return
			}
		}

		if err := b.parent.Err(); err != nil {
			b.err = err
		}
	}
}

// Failures lists rejected documents, and once the batch is closed, incomplete ones
func (b *batch) Failures() []domain.DocumentFailure {
	return append([]domain.DocumentFailure(nil), b.failures...)
}

// FailureError returns the error that kept a document from completing, nil if it did not fail
func (b *batch) FailureError(documentID int) error {
	return b.causes[documentID]
}

func (b *batch) Err() error {
	return b.err
}

// Close stops outstanding calls, reports unfinished documents and releases the session
func (b *batch) Close() error {
	b.closeOnce.Do(func() {
		b.sched.Stop()
		b.cancel()

		for _, u := range b.agg.Unfinished() {
			b.incomplete(u)
		}

		b.closeErr = multierr.Append(b.closeErr, b.session.Close())

		stats := b.sched.Stats()
		b.logger.Info("Batch finished",
			zap.Int("documents", b.documents),
			zap.Int("completed", b.completed),
			zap.Int("failed", len(b.failures)),
			zap.Int("calls", stats.Admitted),
			zap.Int("failed_calls", stats.Failed),
			zap.Int("peak_in_flight", stats.PeakInFlight),
			zap.Error(b.err),
		)
	})
	return b.closeErr
}

func (b *batch) reject(doc *domain.Document, err error) {
	b.causes[doc.ID] = err
	b.failures = append(b.failures, domain.DocumentFailure{
		DocumentID: doc.ID,
		Name:       doc.Name,
		Status:     domain.FailureRejected,
		Error:      err.Error(),
	})
	b.metrics.RecordDocument(metrics.DocumentRejected)
	b.logger.Warn("Document rejected",
		zap.Int("document_id", doc.ID),
		zap.String("name", doc.Name),
		zap.Int("bytes", len(doc.Data)),
		zap.Error(err),
	)
}

func (b *batch) incomplete(u aggregator.Unfinished) {
	err := &domain.IncompleteError{
		DocumentID:   u.DocumentID,
		TotalParts:   u.TotalParts,
		MissingParts: u.MissingParts,
		Cause:        u.FirstError,
	}
	b.causes[u.DocumentID] = err
	b.failures = append(b.failures, domain.DocumentFailure{
		DocumentID:   u.DocumentID,
		Name:         u.Name,
		Status:       domain.FailureIncomplete,
		TotalParts:   u.TotalParts,
		MissingParts: u.MissingParts,
		Error:        err.Error(),
	})
	b.metrics.RecordDocument(metrics.DocumentIncomplete)
	b.logger.Warn("Document incomplete",
		zap.Int("document_id", u.DocumentID),
		zap.String("name", u.Name),
		zap.Int("total_parts", u.TotalParts),
		zap.Ints("missing_parts", u.MissingParts),
		zap.Error(u.FirstError),
	)
}
