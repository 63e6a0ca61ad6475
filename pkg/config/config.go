// Package config loads and validates conductor configuration.
//
// Configuration is returned by value from Load and handed explicitly to
// constructors. State (counters, history, outcomes) never lives here; it
// belongs to the knowledge base and the persistence store.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "30s"-style strings. Bare
// numbers are taken as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root configuration document.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
	Limiter      LimiterConfig      `yaml:"limiter"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Retry        RetryConfig        `yaml:"retry"`
	Persistence  PersistenceConfig  `yaml:"persistence"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Workers      []WorkerSpec       `yaml:"workers"`
}

// OrchestratorConfig tunes the supervision, decision, and learning loops.
type OrchestratorConfig struct {
	MaxConcurrentAgents int      `yaml:"max_concurrent_agents"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	MonitorInterval     Duration `yaml:"monitor_interval"`
	DecisionInterval    Duration `yaml:"decision_interval"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	StuckTaskLimit      Duration `yaml:"stuck_task_limit"`
	SnapshotInterval    Duration `yaml:"snapshot_interval"`
	KnowledgePath       string   `yaml:"knowledge_path"`
	HistoryLimit        int      `yaml:"history_limit"`
}

// AgentConfig tunes the per-agent processing loop.
type AgentConfig struct {
	MaxTaskFailures int      `yaml:"max_task_failures"`
	IdlePoll        Duration `yaml:"idle_poll"`
	DefaultTimeout  Duration `yaml:"default_timeout"`
	InboxSize       int      `yaml:"inbox_size"`
}

// LimiterConfig tunes the token bucket.
type LimiterConfig struct {
	MaxTokens int      `yaml:"max_tokens"`
	Window    Duration `yaml:"window"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
}

// RetryConfig tunes the backoff retry helper.
type RetryConfig struct {
	MaxRetries    int      `yaml:"max_retries"`
	InitialDelay  Duration `yaml:"initial_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	BackoffFactor float64  `yaml:"backoff_factor"`
	Jitter        bool     `yaml:"jitter"`
}

// PersistenceConfig controls the optional SQLite archive.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig controls Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// WorkerSpec declares an agent to register at startup.
type WorkerSpec struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	Capabilities []string `yaml:"capabilities"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			MaxConcurrentAgents: 4,
			ConfidenceThreshold: 0.7,
			MonitorInterval:     Duration(10 * time.Second),
			DecisionInterval:    Duration(2 * time.Second),
			HealthCheckInterval: Duration(30 * time.Second),
			StuckTaskLimit:      Duration(300 * time.Second),
			SnapshotInterval:    Duration(60 * time.Second),
			KnowledgePath:       "knowledge.json",
			HistoryLimit:        200,
		},
		Agent: AgentConfig{
			MaxTaskFailures: 5,
			IdlePoll:        Duration(50 * time.Millisecond),
			DefaultTimeout:  Duration(30 * time.Second),
			InboxSize:       64,
		},
		Limiter: LimiterConfig{
			MaxTokens: 60,
			Window:    Duration(time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     Duration(30 * time.Second),
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			InitialDelay:  Duration(100 * time.Millisecond),
			MaxDelay:      Duration(10 * time.Second),
			BackoffFactor: 2.0,
			Jitter:        true,
		},
		Persistence: PersistenceConfig{
			Enabled: false,
			Path:    "conductor.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that would break invariants at runtime.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrentAgents < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_agents must be >= 1")
	}
	if c.Orchestrator.ConfidenceThreshold < 0 || c.Orchestrator.ConfidenceThreshold > 1 {
		return fmt.Errorf("orchestrator.confidence_threshold must be within [0,1]")
	}
	if c.Orchestrator.HistoryLimit < 1 {
		return fmt.Errorf("orchestrator.history_limit must be >= 1")
	}
	if c.Orchestrator.StuckTaskLimit <= 0 {
		return fmt.Errorf("orchestrator.stuck_task_limit must be positive")
	}
	if c.Agent.MaxTaskFailures < 1 {
		return fmt.Errorf("agent.max_task_failures must be >= 1")
	}
	if c.Agent.IdlePoll <= 0 {
		return fmt.Errorf("agent.idle_poll must be positive")
	}
	if c.Agent.InboxSize < 1 {
		return fmt.Errorf("agent.inbox_size must be >= 1")
	}
	if c.Limiter.MaxTokens < 1 {
		return fmt.Errorf("limiter.max_tokens must be >= 1")
	}
	if c.Limiter.Window <= 0 {
		return fmt.Errorf("limiter.window must be positive")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1")
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1")
	}
	for i := range c.Workers {
		if c.Workers[i].Name == "" {
			return fmt.Errorf("workers[%d].name is required", i)
		}
		if c.Workers[i].Type == "" {
			return fmt.Errorf("workers[%d].type is required", i)
		}
	}
	return nil
}
