// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	DBPath         string
	SessionTTL     time.Duration
	Persona        string
	Agent          AgentConfig
	Lifecycle      LifecycleConfig
}

// AgentConfig points at the external agent service.
type AgentConfig struct {
	BaseURL        string
	Token          string
	Model          string
	Embedding      string
	RequestTimeout time.Duration
}

// LifecycleConfig tunes the agent reset and dispatch policy.
type LifecycleConfig struct {
	ResetThreshold   int
	FailureThreshold int
	MaxAgentAge      time.Duration
	CallTimeout      time.Duration
	HealthInterval   int
}

// Lifecycle presets. The aggressive preset is the production default:
// small fast instances recycled before their context window degrades.
var lifecyclePresets = map[string]LifecycleConfig{
	"aggressive": {
		ResetThreshold:   4,
		FailureThreshold: 2,
		MaxAgentAge:      120 * time.Second,
		CallTimeout:      10 * time.Second,
		HealthInterval:   5,
	},
	"balanced": {
		ResetThreshold:   10,
		FailureThreshold: 3,
		MaxAgentAge:      10 * time.Minute,
		CallTimeout:      20 * time.Second,
		HealthInterval:   5,
	},
	"relaxed": {
		ResetThreshold:   25,
		FailureThreshold: 5,
		MaxAgentAge:      30 * time.Minute,
		CallTimeout:      30 * time.Second,
		HealthInterval:   10,
	},
}

// Load reads configuration from environment variables. The lifecycle
// policy starts from LIFECYCLE_PRESET and individual env vars override
// single fields.
func Load() (*Config, error) {
	preset := strings.ToLower(getEnv("LIFECYCLE_PRESET", "aggressive"))
	lc, ok := lifecyclePresets[preset]
	if !ok {
		return nil, fmt.Errorf("unknown LIFECYCLE_PRESET %q", preset)
	}

	lc.ResetThreshold = getEnvInt("RESET_THRESHOLD", lc.ResetThreshold)
	lc.FailureThreshold = getEnvInt("FAILURE_THRESHOLD", lc.FailureThreshold)
	lc.MaxAgentAge = getEnvDuration("MAX_AGENT_AGE", lc.MaxAgentAge)
	lc.CallTimeout = getEnvDuration("AGENT_CALL_TIMEOUT", lc.CallTimeout)
	lc.HealthInterval = getEnvInt("HEALTH_INTERVAL", lc.HealthInterval)

	cfg := &Config{
		Port:           getEnv("PORT", "1511"),
		AllowedOrigins: splitOrigins(getEnv("ALLOWED_ORIGINS", "*")),
		DBPath:         getEnv("DB_PATH", "./data/bridge.db"),
		SessionTTL:     getEnvDuration("SESSION_TTL", 24*time.Hour),
		Persona:        getEnv("AGENT_PERSONA", ""),
		Agent: AgentConfig{
			BaseURL:        getEnv("AGENT_BASE_URL", "http://localhost:8283"),
			Token:          getEnv("AGENT_TOKEN", ""),
			Model:          getEnv("AGENT_MODEL", "openai/gpt-4o-mini"),
			Embedding:      getEnv("AGENT_EMBEDDING", "openai/text-embedding-3-small"),
			RequestTimeout: getEnvDuration("AGENT_REQUEST_TIMEOUT", 30*time.Second),
		},
		Lifecycle: lc,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are sane.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Agent.BaseURL == "" {
		return fmt.Errorf("AGENT_BASE_URL cannot be empty")
	}
	if c.Lifecycle.ResetThreshold < 1 {
		return fmt.Errorf("RESET_THRESHOLD must be >= 1")
	}
	if c.Lifecycle.FailureThreshold < 1 {
		return fmt.Errorf("FAILURE_THRESHOLD must be >= 1")
	}
	if c.Lifecycle.CallTimeout <= 0 {
		return fmt.Errorf("AGENT_CALL_TIMEOUT must be > 0")
	}
	if c.Lifecycle.MaxAgentAge <= 0 {
		return fmt.Errorf("MAX_AGENT_AGE must be > 0")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	return nil
}

func splitOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
