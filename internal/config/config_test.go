package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HIREPROOF_TOKEN_SECRET", testSecret)

	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 72*time.Hour, cfg.VerificationTokenTTL)
	assert.Equal(t, 24*time.Hour, cfg.RedirectTokenTTL)
	assert.Equal(t, 5, cfg.AttemptsPerDay)
	assert.Equal(t, 5*time.Minute, cfg.UsageReportInterval)
	assert.False(t, cfg.StripeEnabled())
	assert.Empty(t, cfg.PlanPrices())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HIREPROOF_TOKEN_SECRET", testSecret)
	t.Setenv("HIREPROOF_PORT", "9090")
	t.Setenv("HIREPROOF_DB_DRIVER", "postgres")
	t.Setenv("HIREPROOF_VERIFICATION_TOKEN_TTL", "1h")
	t.Setenv("HIREPROOF_STRIPE_SECRET_KEY", "sk_test_x")
	t.Setenv("HIREPROOF_STRIPE_WEBHOOK_SECRET", "whsec_x")
	t.Setenv("HIREPROOF_STRIPE_PRICE_PRO", "price_pro")
	t.Setenv("HIREPROOF_WEBSOCKET_ORIGINS", "app.example.com,admin.example.com")

	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, time.Hour, cfg.VerificationTokenTTL)
	assert.True(t, cfg.StripeEnabled())
	assert.Equal(t, map[string]string{"pro": "price_pro"}, cfg.PlanPrices())
	assert.Equal(t, []string{"app.example.com", "admin.example.com"}, cfg.WebSocketOrigins)
}

func TestLoadEnvFile(t *testing.T) {
	t.Setenv("HIREPROOF_TOKEN_SECRET", "")
	os.Unsetenv("HIREPROOF_TOKEN_SECRET")
	t.Setenv("HIREPROOF_ATTEMPTS_PER_DAY", "")
	os.Unsetenv("HIREPROOF_ATTEMPTS_PER_DAY")

	path := filepath.Join(t.TempDir(), ".env")
	content := "HIREPROOF_TOKEN_SECRET=" + testSecret + "\nHIREPROOF_ATTEMPTS_PER_DAY=0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.TokenSecret)
	assert.Equal(t, 0, cfg.AttemptsPerDay)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"short secret", map[string]string{"HIREPROOF_TOKEN_SECRET": "short"}},
		{"unknown driver", map[string]string{"HIREPROOF_TOKEN_SECRET": testSecret, "HIREPROOF_DB_DRIVER": "mysql"}},
		{"negative limit", map[string]string{"HIREPROOF_TOKEN_SECRET": testSecret, "HIREPROOF_ATTEMPTS_PER_DAY": "-1"}},
		{"zero report interval", map[string]string{"HIREPROOF_TOKEN_SECRET": testSecret, "HIREPROOF_USAGE_REPORT_INTERVAL": "0s"}},
		{"stripe without webhook secret", map[string]string{"HIREPROOF_TOKEN_SECRET": testSecret, "HIREPROOF_STRIPE_SECRET_KEY": "sk_test_x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(missingEnvFile(t))
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("HIREPROOF_TOKEN_SECRET", "")
	os.Unsetenv("HIREPROOF_TOKEN_SECRET")

	_, err := Load(missingEnvFile(t))
	assert.Error(t, err)
}
