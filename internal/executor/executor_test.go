package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
)

func newSession(t *testing.T, cfg Config) domain.Session {
	t.Helper()

	client, err := NewClient(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	session, err := client.NewSession()
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{}, zaptest.NewLogger(t), nil)
	assert.Error(t, err)

	_, err = NewClient(Config{URL: "http://localhost", BodyEncoding: "xml"}, zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}

func TestSession_ExecuteSuccess(t *testing.T) {
	payload := []byte("%PDF-1.4 part")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(body["pdf_data"])
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, payload, decoded)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hello","stage":"prod","time_taken":1.5,"arn_version":"7","function_version":"$LATEST"}`))
	}))
	defer server.Close()

	session := newSession(t, Config{URL: server.URL, APIKey: "secret"})

	result, err := session.Execute(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text)
	assert.Equal(t, "prod", result.Stage)
	assert.Equal(t, 1.5, result.TimeTaken)
	assert.Equal(t, map[string]interface{}{"arn_version": "7", "function_version": "$LATEST"}, result.Metadata)
}

func TestSession_ExecuteStringEncoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}

		var inner string
		if !assert.NoError(t, json.Unmarshal(raw, &inner)) {
			return
		}
		var body map[string]string
		if !assert.NoError(t, json.Unmarshal([]byte(inner), &body)) {
			return
		}
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("abc")), body["pdf_data"])

		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer server.Close()

	session := newSession(t, Config{URL: server.URL, BodyEncoding: EncodingString})

	result, err := session.Execute(context.Background(), []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
}

func TestSession_ExecuteFailureCategories(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		category   Category
		statusCode int
	}{
		{"payload too large", http.StatusRequestEntityTooLarge, "too big", CategoryPayloadTooLarge, 413},
		{"rate limited", http.StatusTooManyRequests, "slow down", CategoryRateLimited, 429},
		{"server error", http.StatusInternalServerError, "boom", CategoryServerError, 500},
		{"bad gateway", http.StatusBadGateway, "", CategoryServerError, 502},
		{"client error", http.StatusBadRequest, "No PDF data provided", CategoryClientError, 400},
		{"invalid json", http.StatusOK, "{not json", CategoryDecode, 200},
		{"non-string text", http.StatusOK, `{"text": 12}`, CategoryDecode, 200},
		{"null body", http.StatusOK, "null", CategoryEmptyResponse, 200},
		{"empty object", http.StatusOK, "{}", CategoryEmptyResponse, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			session := newSession(t, Config{URL: server.URL})

			result, err := session.Execute(context.Background(), []byte("x"))
			require.Error(t, err)
			assert.Nil(t, result)

			var execErr *Error
			require.ErrorAs(t, err, &execErr)
			assert.Equal(t, tt.category, execErr.Category)
			assert.Equal(t, tt.statusCode, execErr.StatusCode)
			assert.Equal(t, tt.category, CategoryOf(err))
		})
	}
}

func TestSession_ExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	session := newSession(t, Config{URL: server.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := session.Execute(ctx, []byte("x"))
	assert.Equal(t, CategoryTimeout, CategoryOf(err))
}

func TestSession_ExecuteNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	session := newSession(t, Config{URL: url})

	_, err := session.Execute(context.Background(), []byte("x"))
	assert.Equal(t, CategoryNetwork, CategoryOf(err))
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	session := newSession(t, Config{URL: "http://127.0.0.1:1"})

	assert.NoError(t, session.Close())
	assert.NoError(t, session.Close())
}
