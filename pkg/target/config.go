package target

import (
	"fmt"
	"time"
)

// PoolConfig holds the sizing and policy of one connection pool.
// It is treated as immutable once the pool is built.
type PoolConfig struct {
	MinSize     int `yaml:"min_size"`
	InitialSize int `yaml:"initial_size"`
	MaxSize     int `yaml:"max_size"`

	BorrowTimeout           time.Duration `yaml:"borrow_timeout"`
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	MaxConnectionAge        time.Duration `yaml:"max_connection_age"`
	MaxConnectionReuseCount int           `yaml:"max_connection_reuse_count"`
	MaxConnectionReuseTime  time.Duration `yaml:"max_connection_reuse_time"`

	ValidateOnBorrow  bool          `yaml:"validate_on_borrow"`
	ValidationQuery   string        `yaml:"validation_query"`
	ValidationTimeout time.Duration `yaml:"validation_timeout"`

	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`

	AbandonedTimeout time.Duration `yaml:"abandoned_timeout"`
	ReclaimAbandoned bool          `yaml:"reclaim_abandoned"`

	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`

	// CreateRate limits new physical connections per second (0 = unlimited).
	CreateRate  float64 `yaml:"create_rate"`
	CreateBurst int     `yaml:"create_burst"`

	FailoverEnabled bool `yaml:"failover_enabled"`
}

// Validate checks the sizing invariant min <= initial <= max and that durations are sane.
func (c *PoolConfig) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("max_size must be positive, got %d", c.MaxSize)
	}
	if c.MinSize < 0 || c.InitialSize < 0 {
		return fmt.Errorf("min_size and initial_size must not be negative")
	}
	if c.MinSize > c.InitialSize {
		return fmt.Errorf("min_size (%d) must not exceed initial_size (%d)", c.MinSize, c.InitialSize)
	}
	if c.InitialSize > c.MaxSize {
		return fmt.Errorf("initial_size (%d) must not exceed max_size (%d)", c.InitialSize, c.MaxSize)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must not be negative")
	}
	if c.BackoffMultiplier != 0 && c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1, got %v", c.BackoffMultiplier)
	}
	if c.CreateRate < 0 {
		return fmt.Errorf("create_rate must not be negative")
	}
	return nil
}

// ApplyDefaults fills unset optional fields.
func (c *PoolConfig) ApplyDefaults() {
	if c.BorrowTimeout == 0 {
		c.BorrowTimeout = 30 * time.Second
	}
	if c.ValidationQuery == "" {
		c.ValidationQuery = "SELECT 1"
	}
	if c.ValidationTimeout == 0 {
		c.ValidationTimeout = 5 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2
	}
	if c.AbandonedTimeout == 0 {
		c.AbandonedTimeout = 5 * time.Minute
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 60 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.CreateRate > 0 && c.CreateBurst == 0 {
		c.CreateBurst = 1
	}
}
