package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, ":8084", cfg.Server.Port)
	assert.Equal(t, "local", cfg.Upload.Backend)
	assert.Equal(t, []string{"pdf", "doc", "docx"}, cfg.Upload.TextExtensions)
	assert.Equal(t, 24*time.Hour, cfg.Download.TokenTTL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.AI.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_DSN", "postgres://u:p@localhost/tabesh?sslmode=disable")
	t.Setenv("UPLOAD_COVER_MAX_FILES", "2")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("DOWNLOAD_TOKEN_TTL", "2h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 2, cfg.Upload.CoverMaxFiles)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 2*time.Hour, cfg.Download.TokenTTL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"JWT_SECRET": "s", "DB_DRIVER": "oracle"}},
		{"unknown backend", map[string]string{"JWT_SECRET": "s", "STORAGE_BACKEND": "ftp"}},
		{"supabase without key", map[string]string{"JWT_SECRET": "s", "STORAGE_BACKEND": "supabase"}},
		{"zero quota", map[string]string{"JWT_SECRET": "s", "UPLOAD_TEXT_MAX_FILES": "0"}},
		{"ai without key", map[string]string{"JWT_SECRET": "s", "AI_ENABLED": "true"}},
		{"no auth", map[string]string{}},
		{"ttl above max", map[string]string{"JWT_SECRET": "s", "DOWNLOAD_TOKEN_TTL": "400h"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
