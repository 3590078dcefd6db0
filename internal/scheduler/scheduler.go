package scheduler

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
	"github.com/Rnwl/ml-pdf-splitter/internal/metrics"
)

const (
	DefaultLimit       = 500
	DefaultCallTimeout = 5 * time.Minute
)

// Config holds scheduler settings
type Config struct {
	// Limit is the maximum number of concurrent extraction calls
	Limit int
	// CallTimeout bounds a single extraction call
	CallTimeout time.Duration
}

// Completion is the outcome of one extraction call
type Completion struct {
	Tag     domain.PartTag
	Result  *domain.PartResult
	Err     error
	Elapsed time.Duration
}

// Stats summarises a scheduler's lifetime
type Stats struct {
	Admitted     int
	Backlogged   int
	Completed    int
	Failed       int
	PeakInFlight int
}

// callTask is an admitted call travelling to a worker. Its tag lives in the slot table.
type callTask struct {
	slot    int
	payload []byte
}

// callResult is a finished call travelling back to the control loop
type callResult struct {
	slot       int
	completion *Completion
}

type pending struct {
	tag     domain.PartTag
	payload []byte
}

// Scheduler runs extraction calls under a fixed concurrency budget.
//
// Submit and Next must be called from one goroutine, the batch's control loop.
// All slot and backlog bookkeeping happens there, and that goroutine calls Stop
// when it is done. Cancelling the parent context aborts a running loop from outside.
type Scheduler struct {
	limit       int
	callTimeout time.Duration
	executor    domain.Executor
	logger      *zap.Logger
	metrics     *metrics.Collector
	tracer      trace.Tracer

	// owned by the control loop; a worker reads its slot's tag while the slot is taken
	slots    []domain.PartTag
	free     []int
	backlog  []pending
	head     int
	inFlight int
	workers  int
	stats    Stats

	inputQueue  chan *callTask
	outputQueue chan *callResult
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	// gauge contributions, withdrawn on Stop
	gaugeMu      sync.Mutex
	gaugeStopped bool
	gaugeIn      int
	gaugeBacklog int

	stopOnce sync.Once
}

// New creates a scheduler whose calls are bounded by ctx
func New(ctx context.Context, executor domain.Executor, cfg Config, logger *zap.Logger, m *metrics.Collector) *Scheduler {
	if cfg.Limit < 1 {
		cfg.Limit = DefaultLimit
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	ctx, cancel := context.WithCancel(ctx)

	free := make([]int, cfg.Limit)
	for i := range free {
		// pop from the end hands out slot 0 first
		free[i] = cfg.Limit - 1 - i
	}

	return &Scheduler{
		limit:       cfg.Limit,
		callTimeout: cfg.CallTimeout,
		executor:    executor,
		logger:      logger,
		metrics:     m,
		tracer:      otel.Tracer("github.com/Rnwl/ml-pdf-splitter/internal/scheduler"),
		slots:       make([]domain.PartTag, cfg.Limit),
		free:        free,
		inputQueue:  make(chan *callTask, cfg.Limit),
		outputQueue: make(chan *callResult, cfg.Limit),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Submit starts the call immediately if a slot is free, otherwise queues it.
// Submitting after Stop discards the part.
func (s *Scheduler) Submit(payload []byte, tag domain.PartTag) {
	if s.ctx.Err() != nil {
		s.logger.Debug("part discarded, scheduler stopped",
			zap.Int("document_id", tag.DocumentID),
			zap.Int("part_index", tag.PartIndex))
		return
	}

	if len(s.free) > 0 {
		s.admit(payload, tag)
		return
	}

	s.backlog = append(s.backlog, pending{tag: tag, payload: payload})
	s.stats.Backlogged++
	s.reportGauges(0, 1)
}

// Next waits for one call to finish, frees its slot and admits the backlog head.
// It returns false once nothing is in flight, or when ctx or the scheduler is done.
func (s *Scheduler) Next(ctx context.Context) (*Completion, bool) {
	if s.inFlight == 0 || s.ctx.Err() != nil {
		return nil, false
	}

	var res *callResult
	select {
	case <-ctx.Done():
		return nil, false
	case <-s.ctx.Done():
		return nil, false
	case res = <-s.outputQueue:
	}

	completion := res.completion
	completion.Tag = s.slots[res.slot]
	s.slots[res.slot] = domain.PartTag{}
	s.free = append(s.free, res.slot)
	s.inFlight--
	s.reportGauges(-1, 0)

	s.stats.Completed++
	if completion.Err != nil {
		s.stats.Failed++
	}

	if s.head < len(s.backlog) {
		next := s.backlog[s.head]
		s.backlog[s.head] = pending{}
		s.head++
		if s.head == len(s.backlog) {
			s.backlog, s.head = s.backlog[:0], 0
		}
		s.reportGauges(0, -1)
		s.admit(next.payload, next.tag)
	}

	return completion, true
}

// admit places a call into a free slot and hands it to a worker
func (s *Scheduler) admit(payload []byte, tag domain.PartTag) {
	slot := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.slots[slot] = tag
	s.inFlight++

	s.stats.Admitted++
	if s.inFlight > s.stats.PeakInFlight {
		s.stats.PeakInFlight = s.inFlight
	}
	s.reportGauges(1, 0)

	// one worker per concurrently occupied slot, started on demand
	if s.workers < s.inFlight {
		s.workers++
		s.wg.Add(1)
		go s.worker(s.workers - 1)
	}

	// never blocks: queued tasks never exceed the number of slots
	s.inputQueue <- &callTask{slot: slot, payload: payload}
}

// worker executes calls from the input queue
func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("worker stopping due to context cancellation",
				zap.Int("worker_id", id),
			)
			return
		case task := <-s.inputQueue:
			completion := s.call(id, task)

			select {
			case <-s.ctx.Done():
				return
			case s.outputQueue <- &callResult{slot: task.slot, completion: completion}:
			}
		}
	}
}

func (s *Scheduler) call(workerID int, task *callTask) *Completion {
	tag := s.slots[task.slot]

	ctx, cancel := context.WithTimeout(s.ctx, s.callTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "scheduler.call", trace.WithAttributes(
		attribute.Int("document_id", tag.DocumentID),
		attribute.Int("part_index", tag.PartIndex),
		attribute.Int("slot", task.slot),
	))
	defer span.End()

	start := time.Now()
	result, err := s.executor.Execute(ctx, task.payload)
	completion := &Completion{Result: result, Err: err, Elapsed: time.Since(start)}

	if err != nil {
		completion.Result = nil
		span.RecordError(err)
		span.SetStatus(codes.Error, "call failed")
	}

	s.logger.Debug("call finished",
		zap.Int("worker_id", workerID),
		zap.Int("document_id", tag.DocumentID),
		zap.Int("part_index", tag.PartIndex),
		zap.Duration("duration", completion.Elapsed),
		zap.Bool("failed", err != nil),
	)

	return completion
}

// Stop cancels in-flight calls, stops the workers and discards the backlog. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		s.gaugeMu.Lock()
		s.gaugeStopped = true
		s.metrics.AddInFlight(-s.gaugeIn)
		s.metrics.AddBacklog(-s.gaugeBacklog)
		s.gaugeIn, s.gaugeBacklog = 0, 0
		s.gaugeMu.Unlock()

		s.logger.Debug("scheduler stopped")
	})
}

func (s *Scheduler) reportGauges(inFlight, backlog int) {
	s.gaugeMu.Lock()
	defer s.gaugeMu.Unlock()

	if s.gaugeStopped {
		return
	}
	s.gaugeIn += inFlight
	s.gaugeBacklog += backlog
	s.metrics.AddInFlight(inFlight)
	s.metrics.AddBacklog(backlog)
}

// InFlight returns the number of occupied slots
func (s *Scheduler) InFlight() int {
	return s.inFlight
}

// Backlog returns the number of parts waiting for a slot
func (s *Scheduler) Backlog() int {
	return len(s.backlog) - s.head
}

// Limit returns the concurrency budget
func (s *Scheduler) Limit() int {
	return s.limit
}

// Stats returns the scheduler's counters
func (s *Scheduler) Stats() Stats {
	return s.stats
}
