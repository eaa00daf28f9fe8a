// Package config provides configuration loading for the control plane.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all control plane configuration.
type Config struct {
	// Listen address (default ":8443")
	ListenAddr string `json:"listen_addr"`
	// Data directory for local SQLite use (tests, single-node demo)
	DataDir string `json:"data_dir"`
	// Postgres DSN; when set, takes precedence over DataDir for every
	// durable store (replay guard, plan cache, receipts, event bus).
	DatabaseURL string `json:"database_url,omitempty"`
	// MySQL DSN for the receipts store alone; an operator-selectable
	// alternative to DatabaseURL for that one store, left unset by default.
	ReceiptsMySQLURL string `json:"receipts_mysql_url,omitempty"`
	// Directory the receipt WORM export batch writes to; export is
	// disabled when unset.
	ReceiptsWORMDir string `json:"receipts_worm_dir,omitempty"`

	// TLS settings
	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`

	// Signing key reference (a KMS/file URI, never the raw key material)
	// used to load the Ed25519 key pair that signs capability tokens and
	// receipts.
	SigningKeyRef string `json:"signing_key_ref,omitempty"`

	Token        TokenConfig        `json:"token"`
	Approval     ApprovalConfig     `json:"approval"`
	Retry        RetryConfig        `json:"retry"`
	EventBus     EventBusConfig     `json:"event_bus"`
	Idempotency  IdempotencyConfig  `json:"idempotency"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// External URL for links embedded in approval-escalation notices.
	ExternalURL string `json:"external_url,omitempty"`
}

// TokenConfig bounds capability token issuance.
type TokenConfig struct {
	MaxTTL time.Duration `json:"max_ttl"`
}

// ApprovalConfig controls default approval deadlines and sweep cadence.
type ApprovalConfig struct {
	DefaultDeadline time.Duration `json:"default_deadline"`
	SweepInterval   time.Duration `json:"sweep_interval"`
}

// RetryConfig is the orchestrator's exponential-backoff-with-jitter
// policy for tool invocation retries.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// EventBusConfig bounds event retention and redelivery.
type EventBusConfig struct {
	BufferSize         int           `json:"buffer_size"`
	MaxDeliverAttempts int           `json:"max_deliver_attempts"`
	RetentionPeriod    time.Duration `json:"retention_period"`
}

// IdempotencyConfig bounds how long an orchestrator run's idempotency
// key is remembered before it can be reused.
type IdempotencyConfig struct {
	KeyTTL time.Duration `json:"key_ttl"`
}

// OrchestratorConfig bounds per-tenant concurrency and enables
// test/demo-only fallbacks.
type OrchestratorConfig struct {
	MaxConcurrentRunsPerTenant int  `json:"max_concurrent_runs_per_tenant"`
	EnableDemoFallback         bool `json:"enable_demo_fallback"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8443",
		DataDir:    "/var/lib/anumate",
		LogLevel:   "info",
		Token: TokenConfig{
			MaxTTL: 300 * time.Second,
		},
		Approval: ApprovalConfig{
			DefaultDeadline: 15 * time.Minute,
			SweepInterval:   30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
		},
		EventBus: EventBusConfig{
			BufferSize:         256,
			MaxDeliverAttempts: 5,
			RetentionPeriod:    30 * 24 * time.Hour,
		},
		Idempotency: IdempotencyConfig{
			KeyTTL: 24 * time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentRunsPerTenant: 10,
			EnableDemoFallback:         false,
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("ANUMATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ANUMATE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ANUMATE_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("ANUMATE_RECEIPTS_MYSQL_URL"); v != "" {
		cfg.ReceiptsMySQLURL = v
	}
	if v := os.Getenv("ANUMATE_RECEIPTS_WORM_DIR"); v != "" {
		cfg.ReceiptsWORMDir = v
	}
	if v := os.Getenv("ANUMATE_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("ANUMATE_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("ANUMATE_SIGNING_KEY_REF"); v != "" {
		cfg.SigningKeyRef = v
	}
	if v := os.Getenv("ANUMATE_TOKEN_MAX_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Token.MaxTTL = d
		}
	}
	if v := os.Getenv("ANUMATE_APPROVAL_DEFAULT_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Approval.DefaultDeadline = d
		}
	}
	if v := os.Getenv("ANUMATE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("ANUMATE_ORCHESTRATOR_MAX_CONCURRENT_RUNS_PER_TENANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxConcurrentRunsPerTenant = n
		}
	}
	if v := os.Getenv("ANUMATE_ORCHESTRATOR_ENABLE_DEMO_FALLBACK"); v != "" {
		cfg.Orchestrator.EnableDemoFallback = v == "true" || v == "1"
	}
	if v := os.Getenv("ANUMATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ANUMATE_EXTERNAL_URL"); v != "" {
		cfg.ExternalURL = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// HasDatabase returns true if a durable Postgres backend is configured;
// when false, the server falls back to local SQLite under DataDir,
// suitable for tests and single-node demo only.
func (c Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}
