package configs

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

func envInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envSeconds(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func envBool(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	return s != "0"
}

// FromEnv builds the runtime configuration from environment variables.
// DB_URI is the only mandatory variable; everything else has a default.
func FromEnv() (*Config, error) {
	dbURI := os.Getenv("DB_URI")
	if dbURI == "" {
		return nil, errors.New("DB_URI environment variable not set")
	}
	cfg := &Config{
		ListenPort: envInt("LISTEN_PORT", 9090),
		Workers:    envInt("WORKERS", 4),
		QueueCap:   envInt("QUEUE_CAP", 1024),
		DBURI:      dbURI,
		APIToken:   os.Getenv("API_TOKEN"),

		RiskEnabled:        envBool("RISK_ENABLED", true),
		RiskMaxAmount:      envFloat("RISK_MAX_AMOUNT", 10000),
		RiskVelocityLimit:  envInt("RISK_VELOCITY_LIMIT", 20),
		RiskVelocityWindow: envSeconds("RISK_VELOCITY_WINDOW_SEC", 60*time.Second),

		ClearingURL:      os.Getenv("CLEARING_URL"),
		ClearingTimeout:  envSeconds("CLEARING_TIMEOUT", 5*time.Second),
		ClearingCBWindow: envSeconds("CLEARING_CB_WINDOW", 30*time.Second),
		ClearingCBFails:  envInt("CLEARING_CB_FAILS", 5),
		ClearingCBOpen:   envSeconds("CLEARING_CB_OPEN_SECS", 15*time.Second),
		ClearingRetryMax: envInt("CLEARING_RETRY_MAX", 2),
		ClearingBackoff:  time.Duration(envInt("CLEARING_BACKOFF_BASE_MS", 100)) * time.Millisecond,

		ReversalMaxAttempts: envInt("REVERSAL_MAX_ATTEMPTS", 6),
		ReversalBaseDelay:   time.Duration(envInt("REVERSAL_BASE_DELAY_MS", 250)) * time.Millisecond,

		TxnLogDir: "./logs/txn",
	}
	if d := os.Getenv("TXN_LOG_DIR"); d != "" {
		cfg.TxnLogDir = d
	}
	if bins := os.Getenv("RISK_BLACKLIST_BINS"); bins != "" {
		for _, b := range strings.Split(bins, ",") {
			b = strings.TrimSpace(b)
			if b != "" {
				cfg.RiskBlacklistBINs = append(cfg.RiskBlacklistBINs, b)
			}
		}
	} else {
		cfg.RiskBlacklistBINs = []string{"999999", "000000", "123456"}
	}
	return cfg, nil
}
