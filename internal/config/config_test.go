package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/dbpool/pkg/target"
)

const serviceYAML = `
service:
  instance_id: poold-1
  health_port: 8081
  log_level: debug
redis:
  enabled: true
  addr: redis:6379
  heartbeat_interval: 5s
fallback:
  enabled: true
batch:
  chunk_size: 500
  transactional: true
`

const poolsYAML = `
pools:
  - name: orders
    preset: oltp
    target:
      dialect: sqlserver
      database: orders
      username: app
      password_env: ORDERS_DB_PASSWORD
      connection_timeout: 5s
      nodes:
        - host: db1
          port: 1433
          priority: 1
        - host: db2
          port: 1433
          priority: 2
    pool:
      max_size: 20
      failover_enabled: true
  - name: reports
    preset: reporting
    monitor: false
    target:
      dialect: postgres
      database: dw
      nodes:
        - host: pg1
          port: 5432
`

func writeFiles(t *testing.T, service, pools string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	sp := filepath.Join(dir, "service.yaml")
	pp := filepath.Join(dir, "pools.yaml")
	require.NoError(t, os.WriteFile(sp, []byte(service), 0o600))
	require.NoError(t, os.WriteFile(pp, []byte(pools), 0o600))
	return sp, pp
}

func TestLoad(t *testing.T) {
	t.Setenv("ORDERS_DB_PASSWORD", "s3cret")
	sp, pp := writeFiles(t, serviceYAML, poolsYAML)

	cfg, err := Load(sp, pp)
	require.NoError(t, err)

	assert.Equal(t, "poold-1", cfg.Service.InstanceID)
	assert.Equal(t, 8081, cfg.Service.HealthPort)
	assert.Equal(t, 9090, cfg.Service.MetricsPort)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, "json", cfg.Service.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.Service.ShutdownTimeout)

	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.Redis.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Redis.HeartbeatTTL)
	assert.Equal(t, 24*time.Hour, cfg.Redis.EventRetention)
	assert.Equal(t, 3, cfg.Fallback.LocalLimitDivisor)
	assert.Equal(t, 500, cfg.Batch.ChunkSize)
	assert.True(t, cfg.Batch.Transactional)

	require.Len(t, cfg.Pools, 2)
	orders, ok := cfg.PoolByName("orders")
	require.True(t, ok)
	assert.True(t, orders.Monitor)
	assert.Equal(t, "s3cret", orders.Target.Password)
	assert.Equal(t, 5*time.Second, orders.Target.ConnectionTimeout)
	assert.Equal(t, "db1:1433", orders.Target.Primary().Addr())

	oltp, err := target.Preset(target.PresetOLTP)
	require.NoError(t, err)
	assert.Equal(t, 20, orders.Pool.MaxSize, "explicit key overrides preset")
	assert.True(t, orders.Pool.FailoverEnabled)
	assert.Equal(t, oltp.MinSize, orders.Pool.MinSize)
	assert.Equal(t, oltp.BorrowTimeout, orders.Pool.BorrowTimeout)

	reports, ok := cfg.PoolByName("reports")
	require.True(t, ok)
	assert.False(t, reports.Monitor)
	reporting, err := target.Preset(target.PresetReporting)
	require.NoError(t, err)
	assert.Equal(t, reporting.MaxSize, reports.Pool.MaxSize)
	assert.NotZero(t, reports.Pool.MaintenanceInterval)

	_, ok = cfg.PoolByName("missing")
	assert.False(t, ok)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ORDERS_DB_PASSWORD", "s3cret")
	t.Setenv("DBPOOL_LOG_LEVEL", "warn")
	t.Setenv("DBPOOL_REDIS_ADDR", "other:6380")
	t.Setenv("DBPOOL_REDIS_PASSWORD", "redispw")
	t.Setenv("DBPOOL_HEALTH_PORT", "9999")
	sp, pp := writeFiles(t, serviceYAML, poolsYAML)

	cfg, err := Load(sp, pp)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Service.LogLevel)
	assert.Equal(t, "other:6380", cfg.Redis.Addr)
	assert.Equal(t, "redispw", cfg.Redis.Password)
	assert.Equal(t, 9999, cfg.Service.HealthPort)
	assert.Equal(t, "poold-1", cfg.Service.InstanceID)
}

func TestLoad_DefaultInstanceID(t *testing.T) {
	sp, pp := writeFiles(t, "service: {}\n", `
pools:
  - name: local
    target:
      dialect: sqlite
      database: /tmp/app.db
`)
	cfg, err := Load(sp, pp)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Service.InstanceID)
	assert.Equal(t, 1000, cfg.Batch.ChunkSize)
	assert.False(t, cfg.Redis.Enabled)

	def, err := target.Preset(target.PresetDefault)
	require.NoError(t, err)
	assert.Equal(t, def.MaxSize, cfg.Pools[0].Pool.MaxSize)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		service string
		pools   string
		want    string
	}{
		{"no pools", "service: {}\n", "pools: []\n", "at least one pool"},
		{"missing name", "service: {}\n", "pools:\n  - target: {dialect: sqlite}\n", "name is required"},
		{
			"duplicate name", "service: {}\n",
			"pools:\n  - name: a\n    target: {dialect: sqlite}\n  - name: a\n    target: {dialect: sqlite}\n",
			"duplicate pool name",
		},
		{"missing dialect", "service: {}\n", "pools:\n  - name: a\n    target: {}\n", "dialect is required"},
		{"unknown preset", "service: {}\n", "pools:\n  - name: a\n    preset: huge\n    target: {dialect: sqlite}\n", "huge"},
		{
			"bad sizing", "service: {}\n",
			"pools:\n  - name: a\n    target: {dialect: sqlite}\n    pool: {min_size: 5, initial_size: 5, max_size: 2}\n",
			"must not exceed max_size",
		},
		{
			"failover without nodes", "service: {}\n",
			"pools:\n  - name: a\n    target: {dialect: sqlite}\n    pool: {failover_enabled: true}\n",
			"failover requires",
		},
		{
			"missing password variable", "service: {}\n",
			"pools:\n  - name: a\n    target: {dialect: postgres, password_env: DBPOOL_TEST_UNSET_PASSWORD}\n",
			"DBPOOL_TEST_UNSET_PASSWORD",
		},
		{"redis without addr", "redis: {enabled: true, addr: ''}\n", "pools:\n  - name: a\n    target: {dialect: sqlite}\n", "redis.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp, pp := writeFiles(t, tt.service, tt.pools)
			_, err := Load(sp, pp)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFiles(t *testing.T) {
	sp, pp := writeFiles(t, serviceYAML, poolsYAML)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), pp)
	assert.Error(t, err)

	_, err = Load(sp, filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_ShippedConfigs(t *testing.T) {
	t.Setenv("ORDERS_DB_PASSWORD", "pw")
	t.Setenv("BILLING_DB_PASSWORD", "pw")

	cfg, err := Load("../../configs/service.yaml", "../../configs/pools.yaml")
	require.NoError(t, err)

	require.Len(t, cfg.Pools, 4)
	orders, ok := cfg.PoolByName("orders")
	require.True(t, ok)
	assert.Equal(t, 40, orders.Pool.MaxSize)
	assert.True(t, orders.Pool.FailoverEnabled)
	assert.Len(t, orders.Target.Nodes, 2)

	scratch, ok := cfg.PoolByName("scratch")
	require.True(t, ok)
	assert.False(t, scratch.Monitor)
	assert.Equal(t, 1000, cfg.Batch.ChunkSize)
}
