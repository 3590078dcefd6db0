package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
)

// Event statuses, also the last subject token
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Config holds NATS connection settings
type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	Timeout       time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

// DocumentEvent is the message published when a document reaches a terminal state.
// It carries a summary, never the extracted text.
type DocumentEvent struct {
	BatchID      string    `json:"batch_id"`
	DocumentID   int       `json:"document_id"`
	Name         string    `json:"name,omitempty"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	Parts        int       `json:"parts"`
	TextLength   int       `json:"text_length,omitempty"`
	MissingParts []int     `json:"missing_parts,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// CompletedEvent summarises an assembled document
func CompletedEvent(batchID string, r *domain.DocumentResult) DocumentEvent {
	return DocumentEvent{
		BatchID:    batchID,
		DocumentID: r.DocumentID,
		Name:       r.Name,
		Status:     StatusCompleted,
		Parts:      r.Parts,
		TextLength: len(r.Text),
		Timestamp:  time.Now().UTC(),
	}
}

// FailedEvent summarises a document that produced no result
func FailedEvent(batchID string, f domain.DocumentFailure) DocumentEvent {
	return DocumentEvent{
		BatchID:      batchID,
		DocumentID:   f.DocumentID,
		Name:         f.Name,
		Status:       StatusFailed,
		Reason:       string(f.Status),
		Parts:        f.TotalParts,
		MissingParts: f.MissingParts,
		Error:        f.Error,
		Timestamp:    time.Now().UTC(),
	}
}

// Subject returns the subject an event with the given status is published on
func Subject(prefix, status string) string {
	return prefix + ".document." + status
}

// Publisher sends document events to NATS
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// Compile-time interface check
var _ domain.EventPublisher = (*Publisher)(nil)

// Connect opens the NATS connection, giving up when ctx ends
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL cannot be empty")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "pdfsplit"
	}
	if cfg.Name == "" {
		cfg.Name = "ml-pdf-splitter"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := nats.Connect(cfg.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		logger.Info("Connected to NATS", zap.String("url", res.conn.ConnectedUrl()))
		return &Publisher{conn: res.conn, prefix: cfg.SubjectPrefix, logger: logger}, nil
	}
}

// PublishCompleted announces an assembled document
func (p *Publisher) PublishCompleted(ctx context.Context, batchID string, result *domain.DocumentResult) error {
	return p.publish(ctx, CompletedEvent(batchID, result))
}

// PublishFailed announces a document that produced no result
func (p *Publisher) PublishFailed(ctx context.Context, batchID string, failure domain.DocumentFailure) error {
	return p.publish(ctx, FailedEvent(batchID, failure))
}

func (p *Publisher) publish(ctx context.Context, event DocumentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := nats.NewMsg(Subject(p.prefix, event.Status))
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}
	return nil
}
