package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Engine.Window)
	assert.Equal(t, 500, cfg.Engine.Limit)
	assert.Equal(t, 5*time.Minute, cfg.Extractor.CallTimeout)
	assert.Equal(t, "x-api-key", cfg.Extractor.APIKeyHeader)
	assert.Equal(t, "object", cfg.Extractor.BodyEncoding)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.NATS.URL)

	assert.Error(t, cfg.Extractor.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
extractor:
  url: https://file.example/extract
  body_encoding: string
  call_timeout: 90s
engine:
  window: 5
  limit: 20
cache:
  ttl: 1h
`), 0o600))

	t.Setenv("APP_ENGINE_LIMIT", "8")
	t.Setenv("PDF2TEXT_API_KEY", "legacy-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "https://file.example/extract", cfg.Extractor.URL)
	assert.Equal(t, "string", cfg.Extractor.BodyEncoding)
	assert.Equal(t, 90*time.Second, cfg.Extractor.CallTimeout)
	assert.Equal(t, 5, cfg.Engine.Window)
	assert.Equal(t, 8, cfg.Engine.Limit)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "legacy-key", cfg.Extractor.APIKey)
	assert.NoError(t, cfg.Extractor.Validate())
}

func TestLoad_LegacyURLVariable(t *testing.T) {
	t.Setenv("PDF2TXT_LAMBDA_URL", "https://lambda.example/")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://lambda.example/", cfg.Extractor.URL)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"APP_SERVER_PORT": "70000"}},
		{"zero window", map[string]string{"APP_ENGINE_WINDOW": "0"}},
		{"zero limit", map[string]string{"APP_ENGINE_LIMIT": "0"}},
		{"unknown encoding", map[string]string{"APP_EXTRACTOR_BODY_ENCODING": "xml"}},
		{"sample rate", map[string]string{"APP_TRACING_SAMPLE_RATE": "2"}},
		{"no batches", map[string]string{"APP_CONCURRENCY_MAX_BATCHES": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
