package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "flowforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "FLOWFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "FLOWFORGE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "FLOWFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "FLOWFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "FLOWFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "FLOWFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "FLOWFORGE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "FLOWFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "FLOWFORGE_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "FLOWFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "FLOWFORGE_BREAKER_TIMEOUT")
	setBool(&cfg.Telemetry.Enabled, "FLOWFORGE_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "FLOWFORGE_OTLP_ENDPOINT")
	setInt(&cfg.Retry.MaxAttempts, "FLOWFORGE_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "FLOWFORGE_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "FLOWFORGE_RETRY_MAX_DELAY")
	setFloat64(&cfg.Retry.Jitter, "FLOWFORGE_RETRY_JITTER")
	setDuration(&cfg.Retry.InvokeTimeout, "FLOWFORGE_RETRY_INVOKE_TIMEOUT")
	setInt64(&cfg.Orchestrator.MaxInFlight, "FLOWFORGE_MAX_IN_FLIGHT")
	setDuration(&cfg.Orchestrator.SweepInterval, "FLOWFORGE_SWEEP_INTERVAL")
	setInt(&cfg.Orchestrator.PersistRetries, "FLOWFORGE_PERSIST_RETRIES")
	setDuration(&cfg.Orchestrator.PersistBackoff, "FLOWFORGE_PERSIST_BACKOFF")
	setDuration(&cfg.Orchestrator.StatusCacheTTL, "FLOWFORGE_STATUS_CACHE_TTL")
	setInt64(&cfg.Orchestrator.StatusCacheSize, "FLOWFORGE_STATUS_CACHE_SIZE")
	setDuration(&cfg.Approvals.DefaultTimeout, "FLOWFORGE_APPROVAL_DEFAULT_TIMEOUT")
}

// validate rejects configurations the orchestration core cannot run with.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port must not be empty")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn must not be empty")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if cfg.Retry.BaseDelay <= 0 {
		return errors.New("retry.base_delay must be positive")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return errors.New("retry.jitter must be between 0 and 1")
	}
	if cfg.Orchestrator.MaxInFlight < 1 {
		return errors.New("orchestrator.max_in_flight must be at least 1")
	}
	if cfg.Orchestrator.SweepInterval <= 0 {
		return errors.New("orchestrator.sweep_interval must be positive")
	}
	if cfg.Approvals.DefaultTimeout <= 0 {
		return errors.New("approvals.default_timeout must be positive")
	}
	for kind, p := range cfg.Approvals.Kinds {
		if p.OnTimeout != "" && p.OnTimeout != "reject" && p.OnTimeout != "escalate" {
			return fmt.Errorf("approvals.kinds.%s.on_timeout must be \"reject\" or \"escalate\"", kind)
		}
	}
	for i, n := range cfg.Notifiers {
		if n.Provider == "" {
			return fmt.Errorf("notifiers[%d].provider must not be empty", i)
		}
	}
	for i, a := range cfg.Agents {
		if a.Name == "" || a.Provider == "" {
			return fmt.Errorf("agents[%d] requires name and provider", i)
		}
	}
	return nil
}

// --- env setters ---

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
