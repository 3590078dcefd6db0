package extraction

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Rnwl/ml-pdf-splitter/internal/testutil"
)

func newTestHandler(t *testing.T, cfg Config) http.Handler {
	return NewHandler(cfg, zaptest.NewLogger(t)).Routes()
}

func post(t *testing.T, h http.Handler, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func objectBody(t *testing.T, data []byte) []byte {
	body, err := json.Marshal(map[string]string{"pdf_data": base64.StdEncoding.EncodeToString(data)})
	require.NoError(t, err)
	return body
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["Error"]
}

func TestExtractText(t *testing.T) {
	text, pages, err := ExtractText(testutil.PDF(3))
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
	assert.Contains(t, text, "Page 1")
	assert.Contains(t, text, "Page 3")
	assert.Less(t, strings.Index(text, "Page 1"), strings.Index(text, "Page 3"))

	_, _, err = ExtractText(testutil.Malformed())
	assert.Error(t, err)
}

func TestHandler_ObjectBody(t *testing.T) {
	h := newTestHandler(t, Config{Stage: "dev", Version: "7"})

	for _, path := range []string{"/", "/pdf_extraction"} {
		rec := post(t, h, path, objectBody(t, testutil.PDF(2)), nil)
		require.Equal(t, http.StatusOK, rec.Code, path)

		var resp Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "dev", resp.Stage)
		assert.Equal(t, "7", resp.FunctionVersion)
		assert.Equal(t, 2, resp.Pages)
		assert.Contains(t, resp.Text, "Page 2")
		assert.GreaterOrEqual(t, resp.TimeTaken, 0.0)
	}
}

func TestHandler_StringWrappedBody(t *testing.T) {
	h := newTestHandler(t, Config{})

	wrapped, err := json.Marshal(string(objectBody(t, testutil.PDF(1))))
	require.NoError(t, err)

	rec := post(t, h, "/", wrapped, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Page 1")
}

func TestHandler_QueryParam(t *testing.T) {
	h := newTestHandler(t, Config{})

	q := url.Values{"pdf_data": {base64.StdEncoding.EncodeToString(testutil.PDF(1))}}
	rec := post(t, h, "/pdf_extraction?"+q.Encode(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Page 1")
}

func TestHandler_Errors(t *testing.T) {
	h := newTestHandler(t, Config{MaxBodyBytes: 1 << 10})

	tests := []struct {
		name   string
		body   []byte
		status int
		msg    string
	}{
		{"empty body", nil, http.StatusBadRequest, errNoData},
		{"not json", []byte("pdf"), http.StatusBadRequest, errNoData},
		{"missing field", []byte(`{"other":"x"}`), http.StatusBadRequest, errNoData},
		{"empty field", []byte(`{"pdf_data":""}`), http.StatusBadRequest, errNoData},
		{"bad base64", []byte(`{"pdf_data":"%%%"}`), http.StatusBadRequest, errInvalidB64},
		{"not a pdf", objectBody(t, testutil.Malformed()), http.StatusInternalServerError, errInternal},
		{"too large", objectBody(t, bytes.Repeat([]byte("x"), 4<<10)), http.StatusRequestEntityTooLarge, errTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, "/", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.msg, decodeError(t, rec))
		})
	}
}

func TestHandler_APIKey(t *testing.T) {
	h := newTestHandler(t, Config{APIKey: "k"})

	rec := post(t, h, "/", objectBody(t, testutil.PDF(1)), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, h, "/", objectBody(t, testutil.PDF(1)), http.Header{"X-Api-Key": {"k"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"OK"`)
}
