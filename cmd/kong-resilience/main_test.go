package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(`
services:
  - name: pricing
    instances:
      - host: 10.0.0.1
        port: 8080
routes:
  - path: /api/pricing
    service: pricing
`), 0o644))

	out, err := execute(t, "validate", "-f", valid)
	require.NoError(t, err)
	assert.Contains(t, out, "1 个服务, 1 个实例, 1 条路由")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte(`
routes:
  - path: api
`), 0o644))

	_, err = execute(t, "validate", "-f", invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routes[0]")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "kong-resilience dev")
}
