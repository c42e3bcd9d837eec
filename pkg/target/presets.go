package target

import (
	"fmt"
	"sort"
	"time"
)

// Preset names accepted in configuration files.
const (
	PresetDefault     = "default"
	PresetOLTP        = "oltp"
	PresetBatch       = "batch"
	PresetReporting   = "reporting"
	PresetDevelopment = "development"
)

var presets = map[string]PoolConfig{
	PresetDefault: {
		MinSize:             2,
		InitialSize:         2,
		MaxSize:             10,
		BorrowTimeout:       30 * time.Second,
		IdleTimeout:         5 * time.Minute,
		MaxConnectionAge:    time.Hour,
		ValidateOnBorrow:    true,
		ValidationQuery:     "SELECT 1",
		ValidationTimeout:   5 * time.Second,
		RetryAttempts:       3,
		RetryDelay:          100 * time.Millisecond,
		BackoffMultiplier:   2,
		AbandonedTimeout:    5 * time.Minute,
		HealthCheckInterval: 60 * time.Second,
	},
	// Many short borrows; fail fast instead of queueing.
	PresetOLTP: {
		MinSize:                10,
		InitialSize:            10,
		MaxSize:                50,
		BorrowTimeout:          2 * time.Second,
		IdleTimeout:            2 * time.Minute,
		MaxConnectionAge:       30 * time.Minute,
		MaxConnectionReuseTime: 15 * time.Minute,
		ValidateOnBorrow:       true,
		ValidationQuery:        "SELECT 1",
		ValidationTimeout:      time.Second,
		RetryAttempts:          2,
		RetryDelay:             50 * time.Millisecond,
		BackoffMultiplier:      2,
		AbandonedTimeout:       30 * time.Second,
		HealthCheckInterval:    15 * time.Second,
		CreateRate:             20,
		CreateBurst:            10,
	},
	// Few connections held for long write jobs.
	PresetBatch: {
		MinSize:             1,
		InitialSize:         2,
		MaxSize:             5,
		BorrowTimeout:       2 * time.Minute,
		IdleTimeout:         10 * time.Minute,
		MaxConnectionAge:    4 * time.Hour,
		ValidateOnBorrow:    true,
		ValidationQuery:     "SELECT 1",
		ValidationTimeout:   10 * time.Second,
		RetryAttempts:       5,
		RetryDelay:          500 * time.Millisecond,
		BackoffMultiplier:   2,
		AbandonedTimeout:    time.Hour,
		HealthCheckInterval: 60 * time.Second,
	},
	PresetReporting: {
		MinSize:                 2,
		InitialSize:             4,
		MaxSize:                 20,
		BorrowTimeout:           time.Minute,
		IdleTimeout:             15 * time.Minute,
		MaxConnectionAge:        2 * time.Hour,
		MaxConnectionReuseCount: 1000,
		ValidateOnBorrow:        true,
		ValidationQuery:         "SELECT 1",
		ValidationTimeout:       5 * time.Second,
		RetryAttempts:           3,
		RetryDelay:              250 * time.Millisecond,
		BackoffMultiplier:       1.5,
		AbandonedTimeout:        30 * time.Minute,
		HealthCheckInterval:     60 * time.Second,
	},
	PresetDevelopment: {
		MinSize:             0,
		InitialSize:         1,
		MaxSize:             3,
		BorrowTimeout:       5 * time.Second,
		IdleTimeout:         time.Minute,
		RetryAttempts:       1,
		RetryDelay:          50 * time.Millisecond,
		BackoffMultiplier:   2,
		AbandonedTimeout:    time.Minute,
		HealthCheckInterval: 30 * time.Second,
	},
}

// Preset returns a copy of the named preset.
func Preset(name string) (PoolConfig, error) {
	if name == "" {
		name = PresetDefault
	}
	cfg, ok := presets[name]
	if !ok {
		return PoolConfig{}, fmt.Errorf("unknown pool preset %q", name)
	}
	return cfg, nil
}

// PresetNames lists the known presets in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
