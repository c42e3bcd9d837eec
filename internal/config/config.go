// Package config loads the service and pool configuration from two YAML files.
// Service settings can be overridden from the environment; pool passwords
// only ever come from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/dbpool/pkg/target"
)

// ServiceConfig holds process-wide settings.
type ServiceConfig struct {
	InstanceID      string        `yaml:"instance_id" env:"DBPOOL_INSTANCE_ID"`
	HealthPort      int           `yaml:"health_port" env:"DBPOOL_HEALTH_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"DBPOOL_METRICS_PORT"`
	LogLevel        string        `yaml:"log_level" env:"DBPOOL_LOG_LEVEL"`
	LogFormat       string        `yaml:"log_format" env:"DBPOOL_LOG_FORMAT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"DBPOOL_SHUTDOWN_TIMEOUT"`
}

// RedisConfig holds the Redis connection used for global limits, heartbeats
// and the failover event log.
type RedisConfig struct {
	Enabled           bool          `yaml:"enabled" env:"DBPOOL_REDIS_ENABLED"`
	Addr              string        `yaml:"addr" env:"DBPOOL_REDIS_ADDR"`
	Password          string        `yaml:"-" env:"DBPOOL_REDIS_PASSWORD"`
	DB                int           `yaml:"db" env:"DBPOOL_REDIS_DB"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
	EventRetention    time.Duration `yaml:"event_retention"`
	KeyPrefix         string        `yaml:"key_prefix" env:"DBPOOL_REDIS_KEY_PREFIX"`
}

// FallbackConfig controls behaviour when Redis is unavailable.
type FallbackConfig struct {
	Enabled           bool `yaml:"enabled"`
	LocalLimitDivisor int  `yaml:"local_limit_divisor"`
}

// BatchConfig holds defaults for batch jobs.
type BatchConfig struct {
	ChunkSize       int  `yaml:"chunk_size" env:"DBPOOL_BATCH_CHUNK_SIZE"`
	ContinueOnError bool `yaml:"continue_on_error"`
	Transactional   bool `yaml:"transactional"`
}

// PoolEntry is one pool in the pools file. Preset seeds the pool settings and
// keys under `pool:` override it.
type PoolEntry struct {
	Name    string            `yaml:"name"`
	Preset  string            `yaml:"preset"`
	Monitor bool              `yaml:"monitor"`
	Target  target.Target     `yaml:"target"`
	Pool    target.PoolConfig `yaml:"pool"`
}

// UnmarshalYAML decodes the preset first so explicit keys win over it.
func (e *PoolEntry) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name    string        `yaml:"name"`
		Preset  string        `yaml:"preset"`
		Monitor *bool         `yaml:"monitor"`
		Target  target.Target `yaml:"target"`
		Pool    yaml.Node     `yaml:"pool"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	cfg, err := target.Preset(raw.Preset)
	if err != nil {
		return fmt.Errorf("pool %q: %w", raw.Name, err)
	}
	if raw.Pool.Kind != 0 {
		if err := raw.Pool.Decode(&cfg); err != nil {
			return fmt.Errorf("pool %q: %w", raw.Name, err)
		}
	}

	e.Name = raw.Name
	e.Preset = raw.Preset
	e.Monitor = true
	if raw.Monitor != nil {
		e.Monitor = *raw.Monitor
	}
	e.Target = raw.Target
	e.Pool = cfg
	return nil
}

// Config is the root configuration structure.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
	Batch    BatchConfig    `yaml:"batch"`
	Pools    []PoolEntry    `yaml:"-"`
}

// poolsFileConfig mirrors the YAML structure of the pools file.
type poolsFileConfig struct {
	Pools []PoolEntry `yaml:"pools"`
}

// Load reads the service file (with environment overrides) and the pools file.
func Load(serviceConfigPath, poolsConfigPath string) (*Config, error) {
	cfg := &Config{}
	if err := cleanenv.ReadConfig(serviceConfigPath, cfg); err != nil {
		return nil, fmt.Errorf("reading service config %s: %w", serviceConfigPath, err)
	}

	poolsData, err := os.ReadFile(poolsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading pools config %s: %w", poolsConfigPath, err)
	}
	var poolsFile poolsFileConfig
	if err := yaml.Unmarshal(poolsData, &poolsFile); err != nil {
		return nil, fmt.Errorf("parsing pools config %s: %w", poolsConfigPath, err)
	}
	cfg.Pools = poolsFile.Pools

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// resolveSecrets reads pool passwords from the variables named by password_env.
func (c *Config) resolveSecrets() error {
	for i := range c.Pools {
		t := &c.Pools[i].Target
		if t.PasswordEnv == "" {
			continue
		}
		pw, ok := os.LookupEnv(t.PasswordEnv)
		if !ok {
			return fmt.Errorf("pool %q: environment variable %s is not set", c.Pools[i].Name, t.PasswordEnv)
		}
		t.Password = pw
	}
	return nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}
	seen := make(map[string]bool, len(c.Pools))
	for i, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("pools[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("pools[%d]: duplicate pool name %q", i, p.Name)
		}
		seen[p.Name] = true
		if err := p.Target.Validate(p.Pool.FailoverEnabled); err != nil {
			return fmt.Errorf("pools[%d] (%s): %w", i, p.Name, err)
		}
		if err := p.Pool.Validate(); err != nil {
			return fmt.Errorf("pools[%d] (%s): %w", i, p.Name, err)
		}
	}
	if c.Batch.ChunkSize < 0 {
		return fmt.Errorf("batch.chunk_size must not be negative")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Service.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Service.InstanceID = hostname + "-" + uuid.NewString()[:8]
	}
	if c.Service.HealthPort == 0 {
		c.Service.HealthPort = 8080
	}
	if c.Service.MetricsPort == 0 {
		c.Service.MetricsPort = 9090
	}
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = "info"
	}
	if c.Service.LogFormat == "" {
		c.Service.LogFormat = "json"
	}
	if c.Service.ShutdownTimeout == 0 {
		c.Service.ShutdownTimeout = 30 * time.Second
	}

	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
	if c.Redis.EventRetention == 0 {
		c.Redis.EventRetention = 24 * time.Hour
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "dbpool"
	}
	if c.Fallback.LocalLimitDivisor == 0 {
		c.Fallback.LocalLimitDivisor = 3
	}
	if c.Batch.ChunkSize == 0 {
		c.Batch.ChunkSize = 1000
	}

	for i := range c.Pools {
		c.Pools[i].Pool.ApplyDefaults()
	}
}

// PoolByName returns the entry for a pool name.
func (c *Config) PoolByName(name string) (*PoolEntry, bool) {
	for i := range c.Pools {
		if c.Pools[i].Name == name {
			return &c.Pools[i], true
		}
	}
	return nil, false
}
