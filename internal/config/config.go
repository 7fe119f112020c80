package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration, read from environment
// variables with sane defaults.
type Config struct {
	RootDir        string
	SchemaPath     string
	StatusFilePath string
	DatabaseURL    string

	DatasetDirs map[string]string

	NumWorkers     int
	PollInterval   time.Duration
	QuietPeriod    time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	StageTimeout   time.Duration
	StaleThreshold time.Duration

	CipherKey []byte

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	AlertFrom    string
	AlertTo      []string

	APIAddr           string
	CompletionSummary bool
}

func New() (*Config, error) {
	rootDir := os.Getenv("ROOT_DIR")
	if rootDir == "" {
		return nil, fmt.Errorf("ROOT_DIR environment variable is not set")
	}
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is not set")
	}

	cfg := &Config{
		RootDir:        rootDir,
		SchemaPath:     getEnv("SCHEMA_PATH", "data/schema.yaml"),
		StatusFilePath: getEnv("STATUS_FILE", "ingest_status.json"),
		DatabaseURL:    databaseURL,
		APIAddr:        os.Getenv("API_ADDR"),
		SMTPHost:       os.Getenv("SMTP_HOST"),
		SMTPUsername:   os.Getenv("SMTP_USERNAME"),
		SMTPPassword:   os.Getenv("SMTP_PASSWORD"),
		AlertFrom:      os.Getenv("ALERT_FROM"),
	}

	var err error
	if cfg.NumWorkers, err = getEnvAsInt("NUM_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = getEnvAsInt("MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.SMTPPort, err = getEnvAsInt("SMTP_PORT", 587); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getEnvAsDuration("POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.QuietPeriod, err = getEnvAsDuration("QUIET_PERIOD", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.BackoffBase, err = getEnvAsDuration("BACKOFF_BASE", time.Second); err != nil {
		return nil, err
	}
	if cfg.BackoffCap, err = getEnvAsDuration("BACKOFF_CAP", time.Minute); err != nil {
		return nil, err
	}
	if cfg.StageTimeout, err = getEnvAsDuration("STAGE_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StaleThreshold, err = getEnvAsDuration("STALE_THRESHOLD", 10*time.Minute); err != nil {
		return nil, err
	}

	cfg.CompletionSummary = os.Getenv("COMPLETION_SUMMARY") == "true"

	if cfg.DatasetDirs, err = parseDatasetDirs(os.Getenv("DATASET_DIRS")); err != nil {
		return nil, err
	}
	if to := os.Getenv("ALERT_TO"); to != "" {
		for _, addr := range strings.Split(to, ",") {
			cfg.AlertTo = append(cfg.AlertTo, strings.TrimSpace(addr))
		}
	}
	if key := os.Getenv("CIPHER_KEY"); key != "" {
		raw, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("invalid value for CIPHER_KEY: expected hex, got %q", key)
		}
		cfg.CipherKey = raw
	}

	return cfg, nil
}

// SMTPEnabled reports whether alert mail delivery is configured.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" && len(c.AlertTo) > 0
}

// parseDatasetDirs reads "dirname:datasetkey,dirname2:datasetkey2". An
// empty value means directory and file names map to dataset keys as-is.
func parseDatasetDirs(value string) (map[string]string, error) {
	if value == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid value for DATASET_DIRS: %q", pair)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: expected an integer, got '%s'", key, valueStr)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: expected a duration, got '%s'", key, valueStr)
	}
	return value, nil
}
