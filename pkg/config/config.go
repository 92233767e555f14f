// Package config defines the kernel configuration surface: trust thresholds,
// retrieval ranking weights, workflow limits, approval timing, and event
// store retention. Values load from a YAML file with environment overrides
// and are validated before the kernel starts.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full kernel configuration.
type Config struct {
	Trust      TrustConfig      `yaml:"trust" json:"trust"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" json:"retrieval"`
	Workflow   WorkflowConfig   `yaml:"workflow" json:"workflow"`
	Approval   ApprovalConfig   `yaml:"approval" json:"approval"`
	EventStore EventStoreConfig `yaml:"event_store" json:"event_store"`
	Database   DatabaseConfig   `yaml:"database" json:"database"`
	LogLevel   string           `yaml:"log_level" json:"log_level"`
	AgentID    string           `yaml:"agent_id" json:"agent_id"`
}

// TrustConfig gates writes and quarantine by source trust score.
type TrustConfig struct {
	WriteThreshold      float64 `yaml:"write_threshold" json:"write_threshold"`
	QuarantineThreshold float64 `yaml:"quarantine_threshold" json:"quarantine_threshold"`
}

// RetrievalConfig weights memory retrieval ranking. The weights must sum to
// 1.0 within a 0.05 tolerance.
type RetrievalConfig struct {
	TrustWeight     float64 `yaml:"trust_weight" json:"trust_weight"`
	RecencyWeight   float64 `yaml:"recency_weight" json:"recency_weight"`
	RelevanceWeight float64 `yaml:"relevance_weight" json:"relevance_weight"`
	TypeWeight      float64 `yaml:"type_weight" json:"type_weight"`
}

// WorkflowConfig bounds pipeline execution.
type WorkflowConfig struct {
	MaxConcurrent       int  `yaml:"max_concurrent" json:"max_concurrent"`
	DefaultTimeoutMs    int  `yaml:"default_timeout_ms" json:"default_timeout_ms"`
	AutoApproveReadOnly bool `yaml:"auto_approve_read_only" json:"auto_approve_read_only"`
	// TrustedSources are auto-approved without a human decision.
	TrustedSources []string `yaml:"trusted_sources,omitempty" json:"trusted_sources,omitempty"`
}

// ApprovalConfig controls the approval gate.
type ApprovalConfig struct {
	TimeoutMs int `yaml:"timeout_ms" json:"timeout_ms"`
}

// EventStoreConfig bounds audit log retention.
type EventStoreConfig struct {
	MaxEvents        int `yaml:"max_events" json:"max_events"`
	RetentionWindowS int `yaml:"retention_window_s,omitempty" json:"retention_window_s,omitempty"`
}

// DatabaseConfig selects the durable backend. An empty URL runs the kernel
// on the volatile stores.
type DatabaseConfig struct {
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"` // "postgres" | "sqlite"
}

// Issue is one validation problem, located by its config path.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return i.Path + ": " + i.Message
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Trust: TrustConfig{
			WriteThreshold:      0.6,
			QuarantineThreshold: 0.3,
		},
		Retrieval: RetrievalConfig{
			TrustWeight:     0.3,
			RecencyWeight:   0.2,
			RelevanceWeight: 0.4,
			TypeWeight:      0.1,
		},
		Workflow: WorkflowConfig{
			MaxConcurrent:    1,
			DefaultTimeoutMs: 30000,
		},
		Approval: ApprovalConfig{
			TimeoutMs: 300000,
		},
		EventStore: EventStoreConfig{
			MaxEvents: 10000,
		},
		LogLevel: "info",
		AgentID:  "default",
	}
}

// Validate reports every constraint violation with its config path. An empty
// slice means the configuration is usable.
func (c *Config) Validate() []Issue {
	var issues []Issue

	if c.Trust.WriteThreshold < 0 || c.Trust.WriteThreshold > 1 {
		issues = append(issues, Issue{"trust.write_threshold", "must be in [0, 1]"})
	}
	if c.Trust.QuarantineThreshold < 0 || c.Trust.QuarantineThreshold > 1 {
		issues = append(issues, Issue{"trust.quarantine_threshold", "must be in [0, 1]"})
	}
	if c.Trust.QuarantineThreshold >= c.Trust.WriteThreshold {
		issues = append(issues, Issue{"trust.quarantine_threshold", "must be below trust.write_threshold"})
	}

	weights := map[string]float64{
		"retrieval.trust_weight":     c.Retrieval.TrustWeight,
		"retrieval.recency_weight":   c.Retrieval.RecencyWeight,
		"retrieval.relevance_weight": c.Retrieval.RelevanceWeight,
		"retrieval.type_weight":      c.Retrieval.TypeWeight,
	}
	sum := 0.0
	for path, w := range weights {
		if w < 0 || w > 1 {
			issues = append(issues, Issue{path, "must be in [0, 1]"})
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 0.05 {
		issues = append(issues, Issue{"retrieval", fmt.Sprintf("weights sum to %.2f, expected 1.00 within 0.05", sum)})
	}

	if c.Workflow.MaxConcurrent < 1 {
		issues = append(issues, Issue{"workflow.max_concurrent", "must be at least 1"})
	}
	if c.Workflow.DefaultTimeoutMs < 1000 {
		issues = append(issues, Issue{"workflow.default_timeout_ms", "must be at least 1000"})
	}
	if c.Approval.TimeoutMs < 5000 {
		issues = append(issues, Issue{"approval.timeout_ms", "must be at least 5000"})
	}
	if c.EventStore.MaxEvents < 100 {
		issues = append(issues, Issue{"event_store.max_events", "must be at least 100"})
	}
	return issues
}

// ApprovalTimeout returns the approval window as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutMs) * time.Millisecond
}

// DefaultTimeout returns the per-execution timeout as a duration.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Workflow.DefaultTimeoutMs) * time.Millisecond
}

// Load reads the YAML file at path (skipped when empty), applies environment
// overrides, and validates the result. Omitted fields keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if issues := cfg.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("invalid config: %s", issues[0])
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AUTONOMY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AUTONOMY_AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("AUTONOMY_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("AUTONOMY_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v, ok := envInt("AUTONOMY_MAX_CONCURRENT"); ok {
		cfg.Workflow.MaxConcurrent = v
	}
	if v, ok := envInt("AUTONOMY_APPROVAL_TIMEOUT_MS"); ok {
		cfg.Approval.TimeoutMs = v
	}
	if v, ok := envInt("AUTONOMY_MAX_EVENTS"); ok {
		cfg.EventStore.MaxEvents = v
	}
	if v := os.Getenv("AUTONOMY_AUTO_APPROVE_READ_ONLY"); v != "" {
		cfg.Workflow.AutoApproveReadOnly = v == "true"
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
