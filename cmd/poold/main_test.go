package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, service, pools string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	sp := filepath.Join(dir, "service.yaml")
	pp := filepath.Join(dir, "pools.yaml")
	require.NoError(t, os.WriteFile(sp, []byte(service), 0o600))
	require.NoError(t, os.WriteFile(pp, []byte(pools), 0o600))
	return sp, pp
}

func TestValidateCommand(t *testing.T) {
	sp, pp := writeConfig(t, "service:\n  instance_id: poold-test\n", `
pools:
  - name: cache
    preset: development
    target:
      dialect: memory
      database: cache
  - name: orders
    preset: oltp
    target:
      dialect: sqlite
      database: /tmp/orders.db
`)

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", sp, "--pools", pp})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "instance poold-test, 2 pools")
	assert.Contains(t, out.String(), "cache")
	assert.Contains(t, out.String(), "orders")
	assert.Contains(t, out.String(), "sqlite")
}

func TestValidateCommand_InvalidConfig(t *testing.T) {
	sp, pp := writeConfig(t, "service: {}\n", "pools: []\n")

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", "--config", sp, "--pools", pp})
	assert.Error(t, cmd.Execute())
}

func TestDriverOptions(t *testing.T) {
	opts, err := driverOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 4)
}
