// Package config loads detector configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full detector configuration. Zero values are replaced by
// defaults in Load; Validate rejects combinations the pipeline cannot run
// under.
type Config struct {
	ServiceName string
	HTTPAddr    string
	LogLevel    string

	// Feature aggregation.
	WindowSize    time.Duration
	MaxIdentities int
	ShardCount    int

	// Ensemble scoring.
	ModelTimeout   time.Duration
	OutageDecay    float64
	ClassifierPath string // optional JSON artifact; empty uses built-in parameters

	// Explainability.
	ExplainSamples int
	ExplainBudget  int

	// Mitigation policy.
	SuspiciousThreshold float64
	BlockThreshold      float64
	BlockAfterN         int
	ClearAfterM         int
	BlockDuration       time.Duration
	BlockDurationCap    time.Duration
	ProbationWindow     time.Duration
	IdleTimeout         time.Duration

	// Pipeline.
	IngestQueueSize  int
	VerdictQueueSize int
	IngestRatePerSec float64
	IngestBurst      int
	ScoreWorkers     int

	// Dispatch.
	DispatchMaxAttempts int
	DispatchBaseBackoff time.Duration
	DispatchMaxBackoff  time.Duration
	FirewallWebhookURL  string
	NATSURL             string
	AlertSubject        string

	// Storage.
	RedisAddr     string
	RedisDB       int
	HistoryPerKey int
	HistoryTTL    time.Duration
	DatabaseURL   string
}

// Load reads configuration from the environment. A .env file in the
// working directory is folded in first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: getenv("DETECTOR_SERVICE_NAME", "ddos-detector"),
		HTTPAddr:    getenv("DETECTOR_HTTP_ADDR", ":8080"),
		LogLevel:    getenv("DETECTOR_LOG_LEVEL", "info"),

		WindowSize:    getenvDur("DETECTOR_WINDOW_MS", 10_000),
		MaxIdentities: getenvInt("DETECTOR_MAX_IDENTITIES", 100_000),
		ShardCount:    getenvInt("DETECTOR_SHARDS", 32),

		ModelTimeout:   getenvDur("DETECTOR_MODEL_TIMEOUT_MS", 100),
		OutageDecay:    getenvFloat("DETECTOR_OUTAGE_DECAY", 0.5),
		ClassifierPath: os.Getenv("DETECTOR_CLASSIFIER_PATH"),

		ExplainSamples: getenvInt("DETECTOR_EXPLAIN_SAMPLES", 3),
		ExplainBudget:  getenvInt("DETECTOR_EXPLAIN_BUDGET", 128),

		SuspiciousThreshold: getenvFloat("DETECTOR_SUSPICIOUS_THRESHOLD", 0.4),
		BlockThreshold:      getenvFloat("DETECTOR_BLOCK_THRESHOLD", 0.7),
		BlockAfterN:         getenvInt("DETECTOR_BLOCK_AFTER_N", 3),
		ClearAfterM:         getenvInt("DETECTOR_CLEAR_AFTER_M", 5),
		BlockDuration:       getenvDur("DETECTOR_BLOCK_MS", 60_000),
		BlockDurationCap:    getenvDur("DETECTOR_BLOCK_CAP_MS", 3_600_000),
		ProbationWindow:     getenvDur("DETECTOR_PROBATION_MS", 30_000),
		IdleTimeout:         getenvDur("DETECTOR_IDLE_TIMEOUT_MS", 600_000),

		IngestQueueSize:  getenvInt("DETECTOR_INGEST_QUEUE", 8192),
		VerdictQueueSize: getenvInt("DETECTOR_VERDICT_QUEUE", 1024),
		IngestRatePerSec: getenvFloat("DETECTOR_INGEST_RATE", 50_000),
		IngestBurst:      getenvInt("DETECTOR_INGEST_BURST", 10_000),
		ScoreWorkers:     getenvInt("DETECTOR_SCORE_WORKERS", 4),

		DispatchMaxAttempts: getenvInt("DETECTOR_DISPATCH_ATTEMPTS", 3),
		DispatchBaseBackoff: getenvDur("DETECTOR_DISPATCH_BACKOFF_MS", 100),
		DispatchMaxBackoff:  getenvDur("DETECTOR_DISPATCH_BACKOFF_CAP_MS", 2_000),
		FirewallWebhookURL:  os.Getenv("DETECTOR_FIREWALL_WEBHOOK"),
		NATSURL:             os.Getenv("DETECTOR_NATS_URL"),
		AlertSubject:        getenv("DETECTOR_ALERT_SUBJECT", "ddos.alerts"),

		RedisAddr:     os.Getenv("DETECTOR_REDIS_ADDR"),
		RedisDB:       getenvInt("DETECTOR_REDIS_DB", 0),
		HistoryPerKey: getenvInt("DETECTOR_HISTORY_PER_KEY", 100),
		HistoryTTL:    getenvDur("DETECTOR_HISTORY_TTL_MS", 3_600_000),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("config: window size must be positive")
	}
	if c.MaxIdentities < 1 {
		return fmt.Errorf("config: max identities must be >= 1")
	}
	if c.SuspiciousThreshold <= 0 || c.SuspiciousThreshold >= 1 {
		return fmt.Errorf("config: suspicious threshold %.3f outside (0,1)", c.SuspiciousThreshold)
	}
	if c.BlockThreshold <= c.SuspiciousThreshold || c.BlockThreshold > 1 {
		return fmt.Errorf("config: block threshold %.3f must exceed suspicious threshold and be <= 1", c.BlockThreshold)
	}
	if c.BlockAfterN < 1 || c.ClearAfterM < 1 {
		return fmt.Errorf("config: hysteresis counters must be >= 1")
	}
	if c.OutageDecay <= 0 || c.OutageDecay >= 1 {
		return fmt.Errorf("config: outage decay %.3f outside (0,1)", c.OutageDecay)
	}
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("config: model timeout must be positive")
	}
	if c.IngestQueueSize < 1 || c.VerdictQueueSize < 1 {
		return fmt.Errorf("config: queue sizes must be >= 1")
	}
	if c.ScoreWorkers < 1 {
		return fmt.Errorf("config: score workers must be >= 1")
	}
	if c.BlockDurationCap < c.BlockDuration {
		return fmt.Errorf("config: block duration cap below base duration")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDur(key string, defMs int) time.Duration {
	return time.Duration(getenvInt(key, defMs)) * time.Millisecond
}
