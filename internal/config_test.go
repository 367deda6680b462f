package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("DATABASE_URL", "")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5, cfg.FreeLimit)
	assert.Equal(t, 3, cfg.StoreRetryAttempts)
	assert.Equal(t, 25*time.Millisecond, cfg.StoreRetryBaseDelay)
	assert.Equal(t, 60*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, 2160*time.Hour, cfg.BillingEventRetention)
	assert.Equal(t, "mock", cfg.AIProvider)
	assert.True(t, cfg.JanitorEnabled)
	assert.Empty(t, cfg.AdminTokenHashes)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestNewConfig_ParsesValues(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("FREE_LIMIT", "3")
	t.Setenv("JANITOR_INTERVAL", "15m")
	t.Setenv("JANITOR_ENABLED", "false")
	t.Setenv("ADMIN_TOKEN_HASHES", " $2a$10$abc , ,$2a$10$def")
	t.Setenv("PORT", "not-a-number")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.FreeLimit)
	assert.Equal(t, 15*time.Minute, cfg.JanitorInterval)
	assert.False(t, cfg.JanitorEnabled)
	assert.Equal(t, []string{"$2a$10$abc", "$2a$10$def"}, cfg.AdminTokenHashes)
	assert.Equal(t, 8080, cfg.Port, "unparsable values fall back to the default")
}

func TestNewConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"production without database", map[string]string{"ENV": "production"}, "DATABASE_URL"},
		{"production without webhook secret", map[string]string{"ENV": "production", "DATABASE_URL": "postgres://x"}, "STRIPE_WEBHOOK_SECRET"},
		{"unknown storage", map[string]string{"STORAGE_PROVIDER": "ftp"}, "STORAGE_PROVIDER"},
		{"r2 without bucket", map[string]string{"STORAGE_PROVIDER": "r2", "R2_ACCOUNT_ID": "a", "R2_ACCESS_KEY_ID": "k", "R2_SECRET_ACCESS_KEY": "s"}, "R2_BUCKET_NAME"},
		{"anthropic without key", map[string]string{"AI_PROVIDER": "anthropic"}, "ANTHROPIC_API_KEY"},
		{"unknown illustrator", map[string]string{"ILLUSTRATION_PROVIDER": "crayons"}, "ILLUSTRATION_PROVIDER"},
		{"zero retry attempts", map[string]string{"STORE_RETRY_ATTEMPTS": "0"}, "STORE_RETRY_ATTEMPTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV", "development")
			t.Setenv("DATABASE_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := NewConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
