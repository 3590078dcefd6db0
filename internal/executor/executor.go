package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
	"github.com/Rnwl/ml-pdf-splitter/internal/metrics"
)

// Body encodings
const (
	// EncodingObject sends {"pdf_data": "..."}
	EncodingObject = "object"
	// EncodingString sends the same object re-encoded as a JSON string
	EncodingString = "string"
)

const maxResponseSize = 64 << 20

// Config configures the extraction service client
type Config struct {
	URL          string
	APIKey       string
	APIKeyHeader string
	BodyEncoding string
	// MaxConns caps connections per session; usually the scheduler limit
	MaxConns    int
	DialTimeout time.Duration
}

// Client opens sessions against the remote extraction service
type Client struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

// NewClient creates a client
func NewClient(cfg Config, logger *zap.Logger, m *metrics.Collector) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("extractor url is required")
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "x-api-key"
	}
	switch cfg.BodyEncoding {
	case "":
		cfg.BodyEncoding = EncodingObject
	case EncodingObject, EncodingString:
	default:
		return nil, fmt.Errorf("unknown body encoding %q", cfg.BodyEncoding)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 100
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	return &Client{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("github.com/Rnwl/ml-pdf-splitter/internal/executor"),
	}, nil
}

// Compile-time interface check
var _ domain.SessionFactory = (*Client)(nil)

// NewSession opens a session with its own connection pool
func (c *Client) NewSession() (domain.Session, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   c.cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          c.cfg.MaxConns,
		MaxIdleConnsPerHost:   c.cfg.MaxConns,
		MaxConnsPerHost:       c.cfg.MaxConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   c.cfg.DialTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &Session{
		client:    c,
		transport: transport,
		http:      &http.Client{Transport: transport},
	}, nil
}

// Session is a batch-scoped connection pool to the extraction service
type Session struct {
	client    *Client
	transport *http.Transport
	http      *http.Client
	closed    atomic.Bool
}

// Compile-time interface check
var _ domain.Session = (*Session)(nil)

// Execute posts one part and decodes the response. Failures are returned as *Error.
func (s *Session) Execute(ctx context.Context, payload []byte) (*domain.PartResult, error) {
	c := s.client
	ctx, span := c.tracer.Start(ctx, "executor.Execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("payload.bytes", len(payload))))
	defer span.End()

	start := time.Now()
	result, err := s.execute(ctx, payload)
	elapsed := time.Since(start)

	if err != nil {
		var execErr *Error
		errors.As(err, &execErr)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(execErr.Category))
		c.metrics.RecordCall(string(execErr.Category), elapsed)
		c.logger.Warn("Extraction call failed",
			zap.String("category", string(execErr.Category)),
			zap.Int("status_code", execErr.StatusCode),
			zap.Int("payload_bytes", len(payload)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	c.metrics.RecordCall("success", elapsed)
	c.logger.Debug("Extraction call succeeded",
		zap.Int("payload_bytes", len(payload)),
		zap.Int("text_len", len(result.Text)),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

func (s *Session) execute(ctx context.Context, payload []byte) (*domain.PartResult, error) {
	c := s.client

	body, err := c.encodeBody(payload)
	if err != nil {
		return nil, &Error{Category: CategoryClientError, Message: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Category: CategoryClientError, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, transportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Category:   statusCategory(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    truncate(string(raw), 256),
		}
	}

	return decodeResult(raw, resp.StatusCode)
}

func (c *Client) encodeBody(payload []byte) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"pdf_data": base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return nil, err
	}
	if c.cfg.BodyEncoding == EncodingString {
		return json.Marshal(string(body))
	}
	return body, nil
}

func decodeResult(raw []byte, status int) (*domain.PartResult, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &Error{Category: CategoryDecode, StatusCode: status, Err: err}
	}
	if len(fields) == 0 {
		return nil, &Error{Category: CategoryEmptyResponse, StatusCode: status}
	}

	result := &domain.PartResult{Metadata: make(map[string]interface{}, len(fields))}
	for k, v := range fields {
		switch k {
		case "text":
			s, ok := v.(string)
			if !ok && v != nil {
				return nil, &Error{Category: CategoryDecode, StatusCode: status, Message: "text is not a string"}
			}
			result.Text = s
		case "stage":
			result.Stage = fmt.Sprint(v)
		case "time_taken":
			if f, ok := v.(float64); ok {
				result.TimeTaken = f
			}
		default:
			result.Metadata[k] = v
		}
	}
	return result, nil
}

// Close releases the session's connections. Safe to call more than once.
func (s *Session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.transport.CloseIdleConnections()
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
