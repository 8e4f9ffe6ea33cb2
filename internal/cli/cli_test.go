package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/probe-mcp/internal/config"
	"github.com/coral-mesh/probe-mcp/internal/testutil"
)

// isolate points the config loader at an empty temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvConfig, dir)
	return dir
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "probes", "flash", "status", "config", "version"})

	for _, flag := range []string{"config", "log-level", "log-format", "driver", "max-sessions", "speed", "halt-timeout", "lock-dir", "audit", "tools"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestVersionCmd(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "probe-mcp version")
	assert.Contains(t, out, "Go version:")
}

func TestOverrides(t *testing.T) {
	g := &globalFlags{}
	cmd := &cobra.Command{Use: "x", Run: func(*cobra.Command, []string) {}}
	g.register(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--max-sessions", "9", "--speed", "1800", "--lock-dir", "-", "--tools", "halt,run"}))

	o := g.overrides(cmd)
	assert.Equal(t, 9, o.MaxSessions)
	assert.Equal(t, uint32(1800), o.SpeedKHz)
	assert.Equal(t, []string{"halt", "run"}, o.Tools)
	assert.Nil(t, o.Audit)

	require.NoError(t, cmd.ParseFlags([]string{"--audit=false"}))
	o = g.overrides(cmd)
	require.NotNil(t, o.Audit)
	assert.False(t, *o.Audit)
}

func TestLoadAppliesFlagLayer(t *testing.T) {
	isolate(t)
	t.Setenv("PROBE_MCP_MAX_SESSIONS", "3")

	g := &globalFlags{}
	cmd := &cobra.Command{Use: "x"}
	g.register(cmd)

	cfg, err := g.load(cmd)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Server.MaxSessions)

	require.NoError(t, cmd.ParseFlags([]string{"--max-sessions", "7", "--driver", "gdb-remote"}))
	_, err = g.load(cmd)
	require.Error(t, err, "gdb-remote without probes must not validate")

	require.NoError(t, cmd.ParseFlags([]string{"--driver", "sim"}))
	cfg, err = g.load(cmd)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Server.MaxSessions)
}

func TestNewDriver(t *testing.T) {
	dir := isolate(t)
	cfg := config.ExampleConfig(dir)

	drv, err := newDriver(cfg, testutil.NewTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "sim", drv.Name())

	cfg.Debugger.Driver = "gdb-remote"
	cfg.Debugger.Monitor = "pyocd"
	drv, err = newDriver(cfg, testutil.NewTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "gdb-remote", drv.Name())

	probes, err := drv.List(context.Background())
	require.NoError(t, err)
	require.Len(t, probes, 1)
	assert.Equal(t, "localhost:3333", probes[0].Address)

	cfg.Debugger.Monitor = "jlink"
	_, err = newDriver(cfg, testutil.NewTestLogger(t))
	assert.Error(t, err)
}

func TestProbesCmd(t *testing.T) {
	isolate(t)

	out, _, err := execute(t, "probes")
	require.NoError(t, err)
	assert.Contains(t, out, "IDENTIFIER")
	assert.Contains(t, out, "Simulated Probe")
	assert.Contains(t, out, "1209:0001")

	out, _, err = execute(t, "probes", "-o", "json")
	require.NoError(t, err)
	var rows []probeRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "SIM0001", rows[0].Serial)

	_, _, err = execute(t, "probes", "-o", "xml")
	assert.Error(t, err)
}

func TestStatusCmd(t *testing.T) {
	dir := isolate(t)

	usb := filepath.Join(dir, "usb")
	require.NoError(t, os.MkdirAll(filepath.Join(usb, "3-1"), 0o755))
	for name, v := range map[string]string{"idVendor": "1366", "idProduct": "0105", "serial": "000260101"} {
		require.NoError(t, os.WriteFile(filepath.Join(usb, "3-1", name), []byte(v), 0o644))
	}
	old := usbRoot
	usbRoot = usb
	t.Cleanup(func() { usbRoot = old })

	out, _, err := execute(t, "status", "--lock-dir", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "Driver:       sim")
	assert.Contains(t, out, "(locking disabled)")
	assert.Contains(t, out, "Simulated Probe")
	assert.Contains(t, out, "USB debug probes (1)")
	assert.Contains(t, out, "J-Link")

	out, _, err = execute(t, "status", "-o", "json", "--max-sessions", "2")
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.MaxSessions)
	require.Len(t, report.Probes, 1)
	assert.True(t, report.Probes[0].Reachable)
	require.Len(t, report.USBProbes, 1)
	assert.Equal(t, "000260101", report.USBProbes[0].Serial)
}

func TestFlashCmd(t *testing.T) {
	dir := isolate(t)
	fw := filepath.Join(dir, "app.bin")
	require.NoError(t, os.WriteFile(fw, bytes.Repeat([]byte{0xA5, 0x5A}, 128), 0o600))

	out, _, err := execute(t, "flash", fw, "--chip", "STM32F407VGTx")
	require.NoError(t, err)
	assert.Contains(t, out, "256 bytes")
	assert.Contains(t, out, "verified")
	assert.Contains(t, out, "Core reset and running.")

	out, _, err = execute(t, "flash", fw, "--chip", "STM32F407VGTx", "--reset=false", "--verify=false", "--base-address", "0x08004000")
	require.NoError(t, err)
	assert.NotContains(t, out, "verified")
	assert.NotContains(t, out, "Core reset")

	_, _, err = execute(t, "flash", fw)
	assert.Error(t, err, "--chip is required")

	_, _, err = execute(t, "flash", fw, "--chip", "x", "--format", "srec")
	assert.Error(t, err)

	_, _, err = execute(t, "flash", filepath.Join(dir, "missing.elf"), "--chip", "STM32F407VGTx")
	assert.Error(t, err)
}

func TestServeCmd(t *testing.T) {
	isolate(t)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	root := NewRootCmd()
	root.SetIn(inR)
	root.SetOut(outW)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"serve", "--tools", "list_probes,connect"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	responses := bufio.NewScanner(outR)
	responses.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	send := func(line string) map[string]interface{} {
		t.Helper()
		_, err := io.WriteString(inW, line+"\n")
		require.NoError(t, err)
		require.True(t, responses.Scan())
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(responses.Bytes(), &msg))
		return msg
	}

	send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`)
	list := send(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	tools := list["result"].(map[string]interface{})["tools"].([]interface{})
	assert.Len(t, tools, 2)

	cancel()
	_ = inW.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
