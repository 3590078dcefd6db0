package domain

import (
	"context"
	"iter"
)

// Splitter turns a whole document into ordered sub-documents of at most window pages each
type Splitter interface {
	Split(data []byte, window int) ([][]byte, error)
}

// Executor performs one remote extraction call for one part.
// A non-nil error means the part failed; it is never retried.
type Executor interface {
	Execute(ctx context.Context, payload []byte) (*PartResult, error)
}

// Session is an Executor bound to a transport that must be released when the batch ends
type Session interface {
	Executor
	Close() error
}

// SessionFactory opens one Session per batch
type SessionFactory interface {
	NewSession() (Session, error)
}

// Batch is a set of documents being extracted together.
type Batch interface {
	// Results yields completed documents in completion order. It can be ranged over once;
	// breaking out of the loop releases the batch.
	Results() iter.Seq[*DocumentResult]

	// Failures lists documents that ended without a result. Complete once Results is drained.
	Failures() []DocumentFailure

	// Err reports why iteration stopped early (context cancellation), nil otherwise
	Err() error

	// Close stops in-flight work and releases the transport. Safe to call more than once.
	Close() error
}

// BatchExtractor starts batches of documents
type BatchExtractor interface {
	Start(ctx context.Context, documents []*Document) (Batch, error)
}

// EventPublisher announces terminal document states to interested parties
type EventPublisher interface {
	PublishCompleted(ctx context.Context, batchID string, result *DocumentResult) error
	PublishFailed(ctx context.Context, batchID string, failure DocumentFailure) error
}
