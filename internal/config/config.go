// Package config defines the typed configuration tree for the cybernetic
// control plane and loads/validates it from YAML.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment classifies the deployment target. Fail-safe policy (fail-open
// vs fail-closed) is gated by this value at each protective component's
// constructor — never re-checked from a global at call time.
type Environment string

const (
	EnvDev  Environment = "dev"
	EnvTest Environment = "test"
	EnvProd Environment = "prod"
)

// Valid reports whether e is one of the known environment values.
func (e Environment) Valid() bool {
	switch e {
	case EnvDev, EnvTest, EnvProd:
		return true
	default:
		return false
	}
}

// FailClosed reports whether protective components should reject on
// uncertainty (prod) rather than permit (dev/test).
func (e Environment) FailClosed() bool {
	return e == EnvProd
}

// CoordinatorConfig configures the S2 fair-share slot allocator.
type CoordinatorConfig struct {
	MaxSlots   int     `yaml:"max_slots"`
	AgingMs    int     `yaml:"aging_ms"`
	AgingBoost float64 `yaml:"aging_boost"`
	AgingCap   float64 `yaml:"aging_cap"`
}

// AggregatorConfig configures the CentralAggregator window/emit cadence.
type AggregatorConfig struct {
	WindowMs    int `yaml:"window_ms"`
	BucketMs    int `yaml:"bucket_ms"`
	EmitEveryMs int `yaml:"emit_every_ms"`
}

// BreakerConfig configures the per-endpoint circuit breaker.
type BreakerConfig struct {
	Threshold        int `yaml:"threshold"`
	TimeoutMs        int `yaml:"timeout_ms"`
	HalfOpenAttempts int `yaml:"half_open_attempts"`
}

// AlertsConfig configures debounced circuit-breaker alert fan-out.
type AlertsConfig struct {
	AlertCooldownMs          int     `yaml:"alert_cooldown_ms"`
	CriticalHealthThreshold  float64 `yaml:"critical_health_threshold"`
	WarningHealthThreshold   float64 `yaml:"warning_health_threshold"`
	MultipleFailureThreshold int     `yaml:"multiple_failure_threshold"`
}

// SharedLLMConfig configures the shared-LLM dedup router.
type SharedLLMConfig struct {
	TimeoutMs    int  `yaml:"timeout_ms"`
	MaxInFlight  int  `yaml:"max_in_flight"`
	CacheEnabled bool `yaml:"cache_enabled"`

	// CacheTTLMs is how long a completed result remains reusable by a later,
	// non-overlapping request with the same fingerprint when CacheEnabled.
	// Distinct from in-flight coalescing (§4.7), which is never gated by
	// CacheEnabled. Default: 30_000.
	CacheTTLMs int `yaml:"cache_ttl_ms"`
}

// QueueBinding binds one VSM system number to a durable queue name.
type QueueBinding struct {
	System    int    `yaml:"system"`
	QueueName string `yaml:"queue_name"`
}

// TransportConfig configures the broker-backed Transport. When URL is empty
// the in-memory Transport is used instead (only permitted outside EnvProd).
type TransportConfig struct {
	URL          string         `yaml:"url"`
	Exchange     string         `yaml:"exchange"`
	ExchangeType string         `yaml:"exchange_type"`
	Queues       []QueueBinding `yaml:"queues"`
}

// ObservabilityConfig configures the Prometheus metrics HTTP surface.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

// LedgerConfig configures the optional bbolt-backed audit ledger.
type LedgerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// OperatorConfig configures the read-only Unix-socket introspection server.
type OperatorConfig struct {
	SocketPath  string `yaml:"socket_path"`
	MaxConns    int    `yaml:"max_conns"`
}

// Config is the full, validated configuration tree for one node.
type Config struct {
	SchemaVersion int         `yaml:"schema_version"`
	NodeID        string      `yaml:"node_id"`
	Environment   Environment `yaml:"environment"`

	Coordinator   CoordinatorConfig   `yaml:"coordinator"`
	Aggregator    AggregatorConfig    `yaml:"aggregator"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	SharedLLM     SharedLLMConfig     `yaml:"shared_llm"`
	Transport     TransportConfig     `yaml:"transport"`
	Observability ObservabilityConfig `yaml:"observability"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// Defaults returns a Config populated with the values enumerated in §6.
func Defaults() Config {
	return Config{
		SchemaVersion: 1,
		NodeID:        "node-0",
		Environment:   EnvDev,
		Coordinator: CoordinatorConfig{
			MaxSlots:   8,
			AgingMs:    2000,
			AgingBoost: 0.5,
			AgingCap:   3.0,
		},
		Aggregator: AggregatorConfig{
			WindowMs:    60_000,
			BucketMs:    1_000,
			EmitEveryMs: 5_000,
		},
		Breaker: BreakerConfig{
			Threshold:        5,
			TimeoutMs:        60_000,
			HalfOpenAttempts: 3,
		},
		Alerts: AlertsConfig{
			AlertCooldownMs:          300_000,
			CriticalHealthThreshold:  0.2,
			WarningHealthThreshold:   0.5,
			MultipleFailureThreshold: 2,
		},
		SharedLLM: SharedLLMConfig{
			TimeoutMs:    60_000,
			MaxInFlight:  100,
			CacheEnabled: true,
			CacheTTLMs:   30_000,
		},
		Transport: TransportConfig{
			Exchange:     "cybernetic.exchange",
			ExchangeType: "topic",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
		},
		Ledger: LedgerConfig{
			Enabled:       false,
			Path:          "cybernetic.db",
			RetentionDays: 7,
		},
		Operator: OperatorConfig{
			SocketPath: "/tmp/cybernetic-operator.sock",
			MaxConns:   16,
		},
	}
}

// Load reads and parses a YAML config file, overlaying it onto Defaults(),
// then validates the result. Invalid config at startup is fatal.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate accumulates every configuration violation into one aggregate
// error rather than failing on the first, so an operator sees the whole
// list of problems in one pass.
func Validate(cfg *Config) error {
	var problems []string

	if !cfg.Environment.Valid() {
		problems = append(problems, fmt.Sprintf("environment: %q must be one of dev|test|prod", cfg.Environment))
	}
	if cfg.NodeID == "" {
		problems = append(problems, "node_id: must not be empty")
	}

	if cfg.Coordinator.MaxSlots <= 0 {
		problems = append(problems, "coordinator.max_slots: must be > 0")
	}
	if cfg.Coordinator.AgingMs <= 0 {
		problems = append(problems, "coordinator.aging_ms: must be > 0")
	}
	if cfg.Coordinator.AgingBoost < 0 {
		problems = append(problems, "coordinator.aging_boost: must be >= 0")
	}
	if cfg.Coordinator.AgingCap < 0 {
		problems = append(problems, "coordinator.aging_cap: must be >= 0")
	}

	if cfg.Aggregator.WindowMs <= 0 {
		problems = append(problems, "aggregator.window_ms: must be > 0")
	}
	if cfg.Aggregator.BucketMs <= 0 {
		problems = append(problems, "aggregator.bucket_ms: must be > 0")
	}
	if cfg.Aggregator.WindowMs < cfg.Aggregator.BucketMs {
		problems = append(problems, "aggregator.window_ms: must be >= bucket_ms")
	}
	if cfg.Aggregator.EmitEveryMs <= 0 {
		problems = append(problems, "aggregator.emit_every_ms: must be > 0")
	}

	if cfg.Breaker.Threshold <= 0 {
		problems = append(problems, "breaker.threshold: must be > 0")
	}
	if cfg.Breaker.TimeoutMs <= 0 {
		problems = append(problems, "breaker.timeout_ms: must be > 0")
	}
	if cfg.Breaker.HalfOpenAttempts <= 0 {
		problems = append(problems, "breaker.half_open_attempts: must be > 0")
	}

	if cfg.Alerts.AlertCooldownMs <= 0 {
		problems = append(problems, "alerts.alert_cooldown_ms: must be > 0")
	}
	if cfg.Alerts.CriticalHealthThreshold < 0 || cfg.Alerts.CriticalHealthThreshold > 1 {
		problems = append(problems, "alerts.critical_health_threshold: must be in [0,1]")
	}
	if cfg.Alerts.WarningHealthThreshold < 0 || cfg.Alerts.WarningHealthThreshold > 1 {
		problems = append(problems, "alerts.warning_health_threshold: must be in [0,1]")
	}
	if cfg.Alerts.MultipleFailureThreshold <= 0 {
		problems = append(problems, "alerts.multiple_failure_threshold: must be > 0")
	}

	if cfg.SharedLLM.TimeoutMs <= 0 {
		problems = append(problems, "shared_llm.timeout_ms: must be > 0")
	}
	if cfg.SharedLLM.MaxInFlight <= 0 {
		problems = append(problems, "shared_llm.max_in_flight: must be > 0")
	}
	if cfg.SharedLLM.CacheEnabled && cfg.SharedLLM.CacheTTLMs <= 0 {
		problems = append(problems, "shared_llm.cache_ttl_ms: must be > 0 when cache_enabled")
	}

	if cfg.Transport.URL != "" {
		if cfg.Transport.Exchange == "" {
			problems = append(problems, "transport.exchange: must not be empty when url is set")
		}
		for i, q := range cfg.Transport.Queues {
			if q.System < 1 || q.System > 5 {
				problems = append(problems, fmt.Sprintf("transport.queues[%d].system: must be in 1..5", i))
			}
			if q.QueueName == "" {
				problems = append(problems, fmt.Sprintf("transport.queues[%d].queue_name: must not be empty", i))
			}
		}
	} else if cfg.Environment == EnvProd {
		problems = append(problems, "transport.url: must be set in prod (in-memory transport refuses to start in prod)")
	}

	if cfg.Ledger.Enabled && cfg.Ledger.Path == "" {
		problems = append(problems, "ledger.path: must not be empty when ledger.enabled")
	}
	if cfg.Ledger.RetentionDays < 0 {
		problems = append(problems, "ledger.retention_days: must be >= 0")
	}

	if cfg.Operator.MaxConns <= 0 {
		problems = append(problems, "operator.max_conns: must be > 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %d problem(s):\n  - %s", len(problems), strings.Join(problems, "\n  - "))
	}
	return nil
}
