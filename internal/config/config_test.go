package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hookline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{"HOOKLINE_DATABASE_URL", "DATABASE_URL", "PORT", "HOOKLINE_PUBLIC_URL",
		"HOOKLINE_CREDENTIALS_URL", "HOOKLINE_API_KEYS", "HOOKLINE_PROFILE_URL", "GEMINI_API_KEY",
		"GOOGLE_API_KEY", "OPENAI_API_KEY", "HOOKLINE_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func TestLoadFileWithDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
database:
  url: postgres://localhost/hookline
http:
  public_url: https://track.example.com
engine:
  interval: 5s
  cooldown: 72h
mail:
  smtp:
    accounts:
      - address: helpdesk@example.com
        password: secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/hookline", cfg.Database.URL)
	assert.Equal(t, 5*time.Second, cfg.Engine.Interval)
	assert.Equal(t, 72*time.Hour, cfg.Engine.Cooldown)
	assert.Equal(t, 30*24*time.Hour, cfg.Engine.Window)
	assert.Equal(t, "https://track.example.com", cfg.HTTP.CredentialsURL)
	assert.Len(t, cfg.Mail.SMTP.Accounts, 1)
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
textgen:
  provider: markov
log:
  level: loud
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "textgen.provider must be one of")
	assert.Contains(t, err.Error(), "log.level must be one of")
	assert.Contains(t, err.Error(), "database.url is required")
}

func TestEphemeralNeedsNoDatabase(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "database:\n  ephemeral: true\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Database.Ephemeral)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DATABASE_URL":      "postgres://env/db",
		"PORT":              "9090",
		"HOOKLINE_API_KEYS": "a,b",
		"OPENAI_API_KEY":    "sk-test",
	}
	cfg := Default()
	cfg.TextGen.Provider = "openai"

	applyEnv(cfg, func(k string) string { return env[k] })

	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, []string{"a", "b"}, cfg.HTTP.APIKeys)
	assert.Equal(t, "sk-test", cfg.TextGen.APIKey)
}

func TestFormatFieldPath(t *testing.T) {
	assert.Equal(t, "mail.smtp.port", formatFieldPath("Config.Mail.SMTP.Port"))
}
