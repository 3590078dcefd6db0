package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
	"github.com/Rnwl/ml-pdf-splitter/internal/metrics"
)

// MockService is a mock implementation of ExtractionService
type MockService struct {
	mock.Mock
}

var _ ExtractionService = (*MockService)(nil)

func (m *MockService) ExtractDocument(ctx context.Context, name string, data []byte) (*domain.DocumentResult, error) {
	args := m.Called(ctx, name, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DocumentResult), args.Error(1)
}

func (m *MockService) ExtractDocuments(ctx context.Context, docs []*domain.Document, emit func(*domain.DocumentResult) error) ([]domain.DocumentFailure, error) {
	args := m.Called(ctx, docs, emit)
	if results, ok := args.Get(0).([]*domain.DocumentResult); ok {
		for _, r := range results {
			if err := emit(r); err != nil {
				return nil, err
			}
		}
	}
	failures, _ := args.Get(1).([]domain.DocumentFailure)
	return failures, args.Error(2)
}

func (m *MockService) Probe(ctx context.Context) (*domain.DocumentResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DocumentResult), args.Error(1)
}

func newTestRouter(t *testing.T, svc ExtractionService, cfg RouterConfig) http.Handler {
	logger := zaptest.NewLogger(t)
	return NewRouter(NewExtractionHandler(svc, 1<<20, logger), nil, cfg, logger)
}

func multipartBody(t *testing.T, field string, files map[string][]byte, order ...string) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, name := range order {
		fw, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func upload(t *testing.T, h http.Handler, path, field string, files map[string][]byte, order ...string) *httptest.ResponseRecorder {
	body, contentType := multipartBody(t, field, files, order...)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusRoutes(t *testing.T) {
	h := newTestRouter(t, new(MockService), RouterConfig{})

	for _, path := range []string{"/", "/status"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"OK"}`, rec.Body.String())
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestExtractorStatus(t *testing.T) {
	svc := new(MockService)
	h := newTestRouter(t, svc, RouterConfig{})

	svc.On("Probe", mock.Anything).Return(&domain.DocumentResult{Stage: "prod", Parts: 1}, nil).Once()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/extractor/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stage":"prod"`)

	svc.On("Probe", mock.Anything).Return(nil, errors.New("connection refused")).Once()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/extractor/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	svc.AssertExpectations(t)
}

func TestExtractText(t *testing.T) {
	svc := new(MockService)
	h := newTestRouter(t, svc, RouterConfig{})

	svc.On("ExtractDocument", mock.Anything, "a.pdf", []byte("%PDF")).Return(&domain.DocumentResult{
		Name:     "a.pdf",
		Text:     "hello",
		Stage:    "test",
		Parts:    2,
		Metadata: map[string]interface{}{"function_version": "3"},
	}, nil).Once()

	rec := upload(t, h, "/extract-text/", "file", map[string][]byte{"a.pdf": []byte("%PDF")}, "a.pdf")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "hello", body["text"])
	assert.Equal(t, "a.pdf", body["name"])
	assert.Equal(t, "3", body["function_version"])
	assert.EqualValues(t, 2, body["parts"])

	svc.AssertExpectations(t)
}

func TestExtractText_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"malformed", fmt.Errorf("%w: bad xref", domain.ErrMalformedDocument), http.StatusUnprocessableEntity},
		{"empty", domain.ErrEmptyDocument, http.StatusUnprocessableEntity},
		{"incomplete", &domain.IncompleteError{TotalParts: 2, MissingParts: []int{1}}, http.StatusBadGateway},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			h := newTestRouter(t, svc, RouterConfig{})
			svc.On("ExtractDocument", mock.Anything, "a.pdf", mock.Anything).Return(nil, tt.err).Once()

			rec := upload(t, h, "/extract-text/", "file", map[string][]byte{"a.pdf": []byte("x")}, "a.pdf")
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestExtractText_RejectsUploads(t *testing.T) {
	svc := new(MockService)
	h := newTestRouter(t, svc, RouterConfig{})

	rec := upload(t, h, "/extract-text/", "file", map[string][]byte{"a.txt": []byte("x")}, "a.txt")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "must be a PDF")

	rec = upload(t, h, "/extract-text/", "other", map[string][]byte{"a.pdf": []byte("x")}, "a.pdf")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := bytes.Repeat([]byte("x"), 2<<20)
	rec = upload(t, h, "/extract-text/", "file", map[string][]byte{"a.pdf": big}, "a.pdf")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	svc.AssertNotCalled(t, "ExtractDocument", mock.Anything, mock.Anything, mock.Anything)
}

func TestExtractText_APIKey(t *testing.T) {
	svc := new(MockService)
	h := newTestRouter(t, svc, RouterConfig{APIKey: "secret"})

	rec := upload(t, h, "/extract-text/", "file", map[string][]byte{"a.pdf": []byte("x")}, "a.pdf")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExtractBatch_StreamsLines(t *testing.T) {
	svc := new(MockService)
	h := newTestRouter(t, svc, RouterConfig{})

	files := map[string][]byte{"a.pdf": []byte("a"), "b.pdf": []byte("b"), "c.pdf": []byte("c")}

	svc.On("ExtractDocuments", mock.Anything, mock.MatchedBy(func(docs []*domain.Document) bool {
		return len(docs) == 3 && docs[0].Name == "a.pdf" && docs[2].Name == "c.pdf" && string(docs[1].Data) == "b"
	}), mock.Anything).Return(
		[]*domain.DocumentResult{
			{DocumentID: 2, Name: "c.pdf", Text: "C"},
			{DocumentID: 0, Name: "a.pdf", Text: "A"},
		},
		[]domain.DocumentFailure{{DocumentID: 1, Name: "b.pdf", Status: domain.FailureIncomplete, MissingParts: []int{0}}},
		nil,
	).Once()

	rec := upload(t, h, "/extract-text/batch", "files", files, "a.pdf", "b.pdf", "c.pdf")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	var lines []map[string]json.RawMessage
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var line map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 4)

	assert.JSONEq(t, `"result"`, string(lines[0]["type"]))
	assert.Contains(t, string(lines[0]["result"]), `"text":"C"`)
	assert.JSONEq(t, `"result"`, string(lines[1]["type"]))
	assert.JSONEq(t, `"failure"`, string(lines[2]["type"]))
	assert.Contains(t, string(lines[2]["failure"]), `"status":"incomplete"`)
	assert.JSONEq(t, `"summary"`, string(lines[3]["type"]))
	assert.JSONEq(t, `{"documents":3,"completed":2,"failed":1}`, string(lines[3]["summary"]))

	svc.AssertExpectations(t)
}

func TestExtractBatch_ReportsEarlyStop(t *testing.T) {
	svc := new(MockService)
	h := newTestRouter(t, svc, RouterConfig{})

	svc.On("ExtractDocuments", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, nil, context.Canceled).Once()

	rec := upload(t, h, "/extract-text/batch", "files", map[string][]byte{"a.pdf": []byte("a")}, "a.pdf")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"context canceled"`)
}

func TestExtractBatch_RejectsUploads(t *testing.T) {
	svc := new(MockService)
	h := newTestRouter(t, svc, RouterConfig{})

	rec := upload(t, h, "/extract-text/batch", "files", map[string][]byte{"a.pdf": []byte("a"), "b.doc": []byte("b")}, "a.pdf", "b.doc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = upload(t, h, "/extract-text/batch", "file", map[string][]byte{"a.pdf": []byte("a")}, "a.pdf")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no files provided")

	svc.AssertNotCalled(t, "ExtractDocuments", mock.Anything, mock.Anything, mock.Anything)
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RecordDocument(metrics.DocumentCompleted)

	logger := zaptest.NewLogger(t)
	h := NewRouter(NewExtractionHandler(new(MockService), 0, logger), reg, RouterConfig{}, logger)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pdfsplit_")
}
