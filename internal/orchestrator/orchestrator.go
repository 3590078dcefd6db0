package orchestrator

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Rnwl/ml-pdf-splitter/internal/aggregator"
	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
	"github.com/Rnwl/ml-pdf-splitter/internal/metrics"
	"github.com/Rnwl/ml-pdf-splitter/internal/scheduler"
)

// DefaultWindow is the number of pages per part
const DefaultWindow = 10

// Config holds batch settings
type Config struct {
	Window       int
	SplitWorkers int
	Scheduler    scheduler.Config
}

// Orchestrator splits documents, dispatches their parts and reassembles the results
type Orchestrator struct {
	splitter domain.Splitter
	sessions domain.SessionFactory
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// New creates an orchestrator
func New(splitter domain.Splitter, sessions domain.SessionFactory, cfg Config, logger *zap.Logger, m *metrics.Collector) *Orchestrator {
	if cfg.Window < 1 {
		cfg.Window = DefaultWindow
	}
	if cfg.SplitWorkers < 1 {
		cfg.SplitWorkers = runtime.NumCPU()
	}

	return &Orchestrator{
		splitter: splitter,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// Compile-time interface check
var _ domain.BatchExtractor = (*Orchestrator)(nil)

// Start splits every document and submits all parts. Documents are numbered by
// position: Start sets each ID to its index in documents.
//
// A document that cannot be split is rejected and reported by Failures; the others proceed.
// The caller must either drain Results or Close the batch.
func (o *Orchestrator) Start(ctx context.Context, documents []*domain.Document) (domain.Batch, error) {
	for i, doc := range documents {
		if doc == nil {
			return nil, fmt.Errorf("document %d is nil", i)
		}
		doc.ID = i
	}

	parts, splitErrs, err := o.splitAll(ctx, documents)
	if err != nil {
		return nil, err
	}

	session, err := o.sessions.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open extraction session: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b := &batch{
		parent:    ctx,
		cancel:    cancel,
		session:   session,
		sched:     scheduler.New(runCtx, session, o.cfg.Scheduler, o.logger, o.metrics),
		agg:       aggregator.New(o.logger),
		logger:    o.logger,
		metrics:   o.metrics,
		documents: len(documents),
		causes:    make(map[int]error),
	}

	for i, doc := range documents {
		if splitErrs[i] != nil {
			b.reject(doc, splitErrs[i])
			continue
		}
		b.agg.Register(doc.ID, doc.Name, len(parts[i]))
		o.metrics.RecordParts(len(parts[i]))
	}

	total := 0
	for i, doc := range documents {
		if splitErrs[i] != nil {
			continue
		}
		for j, part := range parts[i] {
			b.sched.Submit(part, domain.PartTag{DocumentID: doc.ID, PartIndex: j})
			total++
		}
	}

	o.logger.Info("Batch started",
		zap.Int("documents", len(documents)),
		zap.Int("rejected", len(b.failures)),
		zap.Int("parts", total),
		zap.Int("window", o.cfg.Window),
		zap.Int("limit", b.sched.Limit()),
	)

	return b, nil
}

// splitAll splits documents in parallel. Per-document failures are returned
// in splitErrs; err is set only when ctx ends first.
func (o *Orchestrator) splitAll(ctx context.Context, documents []*domain.Document) (parts [][][]byte, splitErrs []error, err error) {
	parts = make([][][]byte, len(documents))
	splitErrs = make([]error, len(documents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.SplitWorkers)

	for i, doc := range documents {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			parts[i], splitErrs[i] = o.splitter.Split(doc.Data, o.cfg.Window)
			if splitErrs[i] == nil && len(parts[i]) == 0 {
				splitErrs[i] = domain.ErrEmptyDocument
			}
			if splitErrs[i] != nil {
				// a rejected document never reaches the scheduler
				parts[i] = nil
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("split documents: %w", err)
	}
	return parts, splitErrs, nil
}

// Extract runs a single document through a batch of one
func (o *Orchestrator) Extract(ctx context.Context, data []byte) (*domain.DocumentResult, error) {
	return o.ExtractDocument(ctx, &domain.Document{Data: data})
}

// ExtractDocument runs a named document through a batch of one
func (o *Orchestrator) ExtractDocument(ctx context.Context, doc *domain.Document) (*domain.DocumentResult, error) {
	started, err := o.Start(ctx, []*domain.Document{doc})
	if err != nil {
		return nil, err
	}
	b := started.(*batch)
	defer b.Close()

	for result := range b.Results() {
		return result, nil
	}

	if err := b.Err(); err != nil {
		return nil, err
	}
	if err := b.FailureError(doc.ID); err != nil {
		return nil, err
	}
	return nil, domain.ErrIncomplete
}
