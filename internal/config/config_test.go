package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func setRequired(t *testing.T) {
	t.Setenv("ROOT_DIR", "/data/landing")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/ingest")
}

func TestNew_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := New()
	assert.NoError(t, err)
	assert.Equal(t, "/data/landing", cfg.RootDir)
	assert.Equal(t, "data/schema.yaml", cfg.SchemaPath)
	assert.Equal(t, "ingest_status.json", cfg.StatusFilePath)
	assert.Equal(t, 4, cfg.NumWorkers)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.QuietPeriod)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, time.Minute, cfg.BackoffCap)
	assert.Equal(t, 10*time.Minute, cfg.StaleThreshold)
	assert.False(t, cfg.CompletionSummary)
	assert.False(t, cfg.SMTPEnabled())
}

func TestNew_MissingRootDir(t *testing.T) {
	t.Setenv("ROOT_DIR", "")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/ingest")

	_, err := New()
	assert.ErrorContains(t, err, "ROOT_DIR")
}

func TestNew_MissingDatabaseURL(t *testing.T) {
	t.Setenv("ROOT_DIR", "/data/landing")
	t.Setenv("DATABASE_URL", "")

	_, err := New()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestNew_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("NUM_WORKERS", "8")
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("COMPLETION_SUMMARY", "true")
	t.Setenv("DATASET_DIRS", "cc_billing:credit_cards_billing, tx:transactions")
	t.Setenv("ALERT_TO", "ops@example.com, oncall@example.com")
	t.Setenv("SMTP_HOST", "mail.example.com")
	t.Setenv("CIPHER_KEY", "000102030405060708090a0b0c0d0e0f")

	cfg, err := New()
	assert.NoError(t, err)
	assert.Equal(t, 8, cfg.NumWorkers)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.True(t, cfg.CompletionSummary)
	assert.Equal(t, map[string]string{
		"cc_billing": "credit_cards_billing",
		"tx":         "transactions",
	}, cfg.DatasetDirs)
	assert.Equal(t, []string{"ops@example.com", "oncall@example.com"}, cfg.AlertTo)
	assert.True(t, cfg.SMTPEnabled())
	assert.Len(t, cfg.CipherKey, 16)
}

func TestNew_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"NUM_WORKERS":  "many",
		"POLL_INTERVAL": "soon",
		"DATASET_DIRS": "no-colon",
		"CIPHER_KEY":   "not-hex",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, value)

			_, err := New()
			assert.ErrorContains(t, err, key)
		})
	}
}
