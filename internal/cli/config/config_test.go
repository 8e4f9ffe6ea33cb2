package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/probe-mcp/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "probe-mcp", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String("config", "", "config file")
	root.AddCommand(NewConfigCmd())

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestNewConfigCmd(t *testing.T) {
	cmd := NewConfigCmd()
	assert.Equal(t, "config", cmd.Use)
	assert.NotEmpty(t, cmd.Short)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"path", "view", "init", "validate"}, names)
}

func TestConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvConfig, dir)

	out, err := run(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".probe-mcp", "config.yaml")+"\n", out)

	explicit := filepath.Join(dir, "bench.toml")
	out, err = run(t, "--config", explicit, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, explicit+"\n", out)
}

func TestConfigInitViewValidate(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvConfig, dir)
	path := filepath.Join(dir, ".probe-mcp", "config.yaml")

	out, err := run(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)
	assert.FileExists(t, path)

	_, err = run(t, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = run(t, "config", "init", "--force")
	require.NoError(t, err)

	out, err = run(t, "config", "view")
	require.NoError(t, err)
	assert.Contains(t, out, "max_sessions: 5")
	assert.Contains(t, out, "STM32F407VGTx")

	out, err = run(t, "config", "view", "-o", "toml")
	require.NoError(t, err)
	assert.Contains(t, out, "[debugger]")

	_, err = run(t, "config", "view", "-o", "json")
	assert.Error(t, err)

	out, err = run(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
}

func TestConfigInitTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.toml")

	_, err := run(t, "--config", path, "config", "init")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[server]")

	cfg, err := config.NewLoaderForFile(path).Load()
	require.NoError(t, err)
	assert.Len(t, cfg.Targets, 1)
}

func TestConfigValidateReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  max_sessions: 0\ndebugger:\n  driver: jtag\n"), 0o600))

	out, err := run(t, "--config", path, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, out, "server.max_sessions")
	assert.Contains(t, out, "debugger.driver")

	out, err = run(t, "--config", path, "config", "validate", "-o", "json")
	require.Error(t, err)
	var result validateResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.False(t, result.Valid)
	assert.Len(t, result.Errors, 2)
}
