package mcp

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/probe-mcp/internal/debugger"
	"github.com/coral-mesh/probe-mcp/internal/probe/sim"
	"github.com/coral-mesh/probe-mcp/internal/testutil"
)

var sessionIDPattern = regexp.MustCompile(`session_[0-9a-f-]{36}`)

// call runs a tool with args marshalled to JSON.
func call(t *testing.T, s *Server, tool string, args map[string]interface{}) (string, error) {
	t.Helper()
	argsJSON, err := json.Marshal(args)
	require.NoError(t, err)
	return s.ExecuteTool(context.Background(), tool, string(argsJSON))
}

func mustCall(t *testing.T, s *Server, tool string, args map[string]interface{}) string {
	t.Helper()
	out, err := call(t, s, tool, args)
	require.NoError(t, err, "%s failed", tool)
	return out
}

// connectTool opens a session through the connect tool and returns its id
// and simulated core.
func connectTool(t *testing.T, s *Server, drv *sim.Driver) (string, *sim.Core) {
	t.Helper()
	out := mustCall(t, s, "connect", map[string]interface{}{
		"probe_selector": "auto",
		"target_chip":    "STM32F407VGTx",
	})
	id := sessionIDPattern.FindString(out)
	require.NotEmpty(t, id, "no session id in %q", out)
	cores := drv.Cores()
	return id, cores[len(cores)-1]
}

func TestTools_ListProbes(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	out := mustCall(t, s, "list_probes", nil)
	assert.Contains(t, out, "Found 1 debug probes")
	assert.Contains(t, out, "Simulated Probe")
	assert.Contains(t, out, "SIM0001")
	assert.Contains(t, out, "1209:0001")
}

func TestTools_SessionLifecycle(t *testing.T) {
	s, drv := newTestServer(t, Config{})

	assert.Equal(t, "No active debug sessions.", mustCall(t, s, "list_sessions", nil))

	id, core := connectTool(t, s, drv)
	assert.False(t, core.AttachedUnderReset)

	out := mustCall(t, s, "list_sessions", nil)
	assert.Contains(t, out, "(1/2)")
	assert.Contains(t, out, id)

	info := mustCall(t, s, "probe_info", map[string]interface{}{"session_id": id})
	var decoded debugger.SessionInfo
	require.NoError(t, json.Unmarshal([]byte(info), &decoded))
	assert.Equal(t, id, decoded.ID)
	assert.Equal(t, "STM32F407VGTx", decoded.Target.ChipName)
	assert.Equal(t, uint32(4000), decoded.Probe.SpeedKHz)
	assert.NotEmpty(t, decoded.Target.Memory)

	stats := mustCall(t, s, "session_stats", nil)
	assert.Contains(t, stats, `"total_sessions": 1`)
	assert.Contains(t, stats, `"max_sessions": 2`)

	assert.Contains(t, mustCall(t, s, "disconnect", map[string]interface{}{"session_id": id}), "disconnected")
	assert.True(t, core.Closed())

	_, err := call(t, s, "disconnect", map[string]interface{}{"session_id": id})
	require.Error(t, err)
	assert.Equal(t, "Invalid session: "+id, err.Error())
}

func TestTools_ConnectOptions(t *testing.T) {
	s, drv := newTestServer(t, Config{ConnectUnderReset: true})

	out := mustCall(t, s, "connect", map[string]interface{}{
		"probe_selector":     "SIM0001",
		"target_chip":        "STM32F407VGTx",
		"speed_khz":          1800,
		"halt_after_connect": false,
	})
	assert.Contains(t, out, "Speed:        1800 kHz")
	core := drv.Cores()[0]
	assert.True(t, core.AttachedUnderReset, "configured default applies when the argument is omitted")

	_, err := call(t, s, "connect", map[string]interface{}{"probe_selector": "NOPE", "target_chip": "STM32F407VGTx"})
	require.Error(t, err)
	assert.ErrorIs(t, err, debugger.ErrProbeNotFound)

	_, err = call(t, s, "connect", map[string]interface{}{"probe_selector": "auto", "target_chip": ""})
	require.Error(t, err)
	assert.ErrorIs(t, err, debugger.ErrInvalidConfig)
}

func TestTools_SessionLimit(t *testing.T) {
	s, drv := newTestServer(t, Config{})
	connectTool(t, s, drv)
	connectTool(t, s, drv)

	_, err := call(t, s, "connect", map[string]interface{}{"probe_selector": "auto", "target_chip": "STM32F407VGTx"})
	require.Error(t, err)
	assert.Equal(t, "Session limit exceeded: 2", err.Error())
}

func TestTools_RunControl(t *testing.T) {
	s, drv := newTestServer(t, Config{})
	id, _ := connectTool(t, s, drv)
	args := map[string]interface{}{"session_id": id}

	assert.Contains(t, mustCall(t, s, "get_status", args), "State: Halted (Request)")
	assert.Equal(t, "Core running.", mustCall(t, s, "run", args))
	assert.Contains(t, mustCall(t, s, "get_status", args), "State: Running")
	assert.Contains(t, mustCall(t, s, "halt", args), "Core halted.")

	out := mustCall(t, s, "step", args)
	assert.Contains(t, out, "State: Halted (Step)")
	assert.Contains(t, out, "PC:    0x00000002")

	out = mustCall(t, s, "reset", map[string]interface{}{"session_id": id, "reset_type": "system"})
	assert.Contains(t, out, "Reset (system) complete.")
	assert.Contains(t, out, "State: Halted (Reset)")

	out = mustCall(t, s, "reset", map[string]interface{}{"session_id": id, "halt_after_reset": false})
	assert.Contains(t, out, "Reset (hardware) complete.")
	assert.Contains(t, out, "State: Running")

	_, err := call(t, s, "reset", map[string]interface{}{"session_id": id, "reset_type": "cold"})
	assert.ErrorContains(t, err, "invalid reset_type")
}

func TestTools_Memory(t *testing.T) {
	s, drv := newTestServer(t, Config{})
	id, _ := connectTool(t, s, drv)

	out := mustCall(t, s, "write_memory", map[string]interface{}{
		"session_id": id, "address": "0x20000100", "data": "0xDEADBEEF 0x01020304", "format": "words32",
	})
	assert.Equal(t, "Wrote 8 bytes to 0x20000100.", out)

	out = mustCall(t, s, "read_memory", map[string]interface{}{"session_id": id, "address": "0x20000100", "size": 8})
	assert.Contains(t, out, "Read 8 bytes from 0x20000100 (hex)")
	assert.Contains(t, out, "efbeadde04030201")

	out = mustCall(t, s, "read_memory", map[string]interface{}{
		"session_id": id, "address": fmt.Sprint(0x20000100), "size": 4, "format": "words16",
	})
	assert.Contains(t, out, "0xBEEF 0xDEAD")

	mustCall(t, s, "write_memory", map[string]interface{}{"session_id": id, "address": "0x20000200", "data": "hi!", "format": "ascii"})
	out = mustCall(t, s, "read_memory", map[string]interface{}{"session_id": id, "address": "0x20000200", "size": 3, "format": "ascii"})
	assert.Contains(t, out, "hi!")

	out = mustCall(t, s, "read_memory", map[string]interface{}{"session_id": id, "address": "0x20000200", "size": 0})
	assert.Contains(t, out, "Read 0 bytes")

	_, err := call(t, s, "read_memory", map[string]interface{}{"session_id": id, "address": "0x20000200", "size": 4, "format": "octal"})
	assert.ErrorContains(t, err, "unknown format")
	_, err = call(t, s, "read_memory", map[string]interface{}{"session_id": id, "address": "zz", "size": 4})
	assert.ErrorContains(t, err, "invalid address")
	_, err = call(t, s, "write_memory", map[string]interface{}{"session_id": id, "address": "0x20000000", "data": ""})
	assert.ErrorContains(t, err, "no data")
	_, err = call(t, s, "read_memory", map[string]interface{}{"session_id": id, "address": "0x40000000", "size": 4})
	assert.Error(t, err, "unmapped memory")
	_, err = call(t, s, "read_memory", map[string]interface{}{"session_id": id, "address": "0x20000000", "size": 1 << 40})
	assert.ErrorContains(t, err, "out of range")
}

func TestTools_Registers(t *testing.T) {
	s, drv := newTestServer(t, Config{})
	id, _ := connectTool(t, s, drv)

	out := mustCall(t, s, "write_register", map[string]interface{}{"session_id": id, "register": "r3", "value": "0x1234"})
	assert.Equal(t, "Register R3 set to 0x00001234.", out)

	out = mustCall(t, s, "read_registers", map[string]interface{}{"session_id": id, "registers": []string{"r3", "sp", "r99"}})
	assert.Contains(t, out, "R3   0x00001234")
	assert.Contains(t, out, "SP   0x20020000")
	assert.Contains(t, out, "Unavailable: r99")

	out = mustCall(t, s, "read_registers", map[string]interface{}{"session_id": id})
	for _, name := range debugger.CanonicalRegisters() {
		assert.Contains(t, out, name)
	}

	_, err := call(t, s, "write_register", map[string]interface{}{"session_id": id, "register": "XPSR", "value": "0"})
	require.Error(t, err)
	assert.Equal(t, "Invalid configuration: Unknown register: XPSR", err.Error())
}

func TestTools_Breakpoints(t *testing.T) {
	s, drv := newTestServer(t, Config{})
	id, core := connectTool(t, s, drv)

	assert.Equal(t, "No breakpoints set.", mustCall(t, s, "list_breakpoints", map[string]interface{}{"session_id": id}))

	out := mustCall(t, s, "set_breakpoint", map[string]interface{}{"session_id": id, "address": "0x08000200"})
	assert.Contains(t, out, "set at 0x08000200")
	mustCall(t, s, "set_breakpoint", map[string]interface{}{"session_id": id, "address": "0x08000100"})
	mustCall(t, s, "set_breakpoint", map[string]interface{}{"session_id": id, "address": "0x08000100"})
	assert.Equal(t, 2, core.Breakpoints(), "re-set replaces the hardware breakpoint")

	out = mustCall(t, s, "list_breakpoints", map[string]interface{}{"session_id": id})
	assert.Contains(t, out, "2 breakpoints")
	assert.Regexp(t, `(?s)0x08000100.*0x08000200`, out)

	mustCall(t, s, "clear_breakpoint", map[string]interface{}{"session_id": id, "address": "0x08000100"})
	assert.Equal(t, 1, core.Breakpoints())

	_, err := call(t, s, "set_breakpoint", map[string]interface{}{"session_id": id, "address": "0x08000100", "breakpoint_type": "software"})
	assert.ErrorContains(t, err, "only hardware breakpoints")
}

// vectorTable is a minimal image: initial SP and reset handler.
func vectorTable(sp, pc uint32) []byte {
	out := make([]byte, 64)
	binary.LittleEndian.PutUint32(out[0:], sp)
	binary.LittleEndian.PutUint32(out[4:], pc|1)
	for i := 8; i < len(out); i++ {
		out[i] = byte(i)
	}
	return out
}

func TestTools_Flash(t *testing.T) {
	s, drv := newTestServer(t, Config{})
	id, core := connectTool(t, s, drv)
	image := vectorTable(0x20001000, 0x08000100)
	path := testutil.WriteTempFile(t, "firmware.bin", image)

	out := mustCall(t, s, "flash_binary", map[string]interface{}{
		"session_id": id, "file_path": path, "address": "0x08000000", "verify": true,
	})
	assert.Contains(t, out, "Bytes programmed: 64")
	assert.Contains(t, out, "Verified:         true")

	out = mustCall(t, s, "flash_verify", map[string]interface{}{
		"session_id": id, "file_path": path, "address": "0x08000000", "size": 16,
	})
	assert.Equal(t, "Verification passed: 16 bytes match at 0x08000000.", out)

	out = mustCall(t, s, "flash_verify", map[string]interface{}{
		"session_id": id, "data": "FF FF FF FF", "address": "0x08000000", "size": 4,
	})
	assert.Contains(t, out, "Verification failed: 4 of 4 bytes differ, first at 0x08000000")

	_, err := call(t, s, "flash_verify", map[string]interface{}{"session_id": id, "address": "0x08000000", "size": 4})
	assert.ErrorContains(t, err, "either file_path or data")

	out = mustCall(t, s, "flash_erase", map[string]interface{}{
		"session_id": id, "erase_type": "sectors", "address": "0x08000000", "size": 16384,
	})
	assert.Equal(t, "Erased 16384 bytes at 0x08000000.", out)
	assert.Equal(t, "Flash erased.", mustCall(t, s, "flash_erase", map[string]interface{}{"session_id": id}))

	_, err = call(t, s, "flash_erase", map[string]interface{}{"session_id": id, "erase_type": "sectors"})
	assert.ErrorContains(t, err, "address and size are required")

	out = mustCall(t, s, "flash_program", map[string]interface{}{"session_id": id, "file_path": path})
	assert.Contains(t, out, "(bin)")
	assert.Contains(t, out, "Verified:         true")
	assert.NotEmpty(t, core.FlashOps())

	_, err = call(t, s, "flash_program", map[string]interface{}{"session_id": id, "file_path": path, "format": "srec"})
	assert.ErrorContains(t, err, "unknown firmware format")

	_, err = call(t, s, "flash_binary", map[string]interface{}{"session_id": id, "file_path": path, "address": "0x20000000"})
	assert.ErrorIs(t, err, debugger.ErrInvalidAddress)
}

func TestTools_RunFirmware(t *testing.T) {
	s, drv := newTestServer(t, Config{})
	id, core := connectTool(t, s, drv)
	path := testutil.WriteTempFile(t, "firmware.bin", vectorTable(0x20001000, 0x08000100))

	_, err := core.PlantRTT(0x20000400, []sim.RTTChannel{{Name: "Terminal", Size: 64}}, nil)
	require.NoError(t, err)

	out := mustCall(t, s, "run_firmware", map[string]interface{}{"session_id": id, "file_path": path})
	assert.Contains(t, out, "Core reset and running.")
	assert.Contains(t, out, "RTT attached at 0x20000400")
	assert.Contains(t, out, "[0] Terminal (64 bytes")

	status := mustCall(t, s, "get_status", map[string]interface{}{"session_id": id})
	assert.Contains(t, status, "State: Running")

	out = mustCall(t, s, "run_firmware", map[string]interface{}{"session_id": id, "file_path": path, "reset_after_flash": false})
	assert.Contains(t, out, "Core not reset")
}

func TestTools_RunFirmwareWithoutRTT(t *testing.T) {
	s, drv := newTestServer(t, Config{})
	id, _ := connectTool(t, s, drv)
	path := testutil.WriteTempFile(t, "firmware.bin", vectorTable(0x20001000, 0x08000100))

	out := mustCall(t, s, "run_firmware", map[string]interface{}{
		"session_id": id, "file_path": path, "rtt_timeout_ms": 120,
	})
	assert.Contains(t, out, "Core reset and running.")
	assert.Contains(t, out, "RTT not attached")
}

func TestTools_RTT(t *testing.T) {
	s, drv := newTestServer(t, Config{})
	id, core := connectTool(t, s, drv)
	layout, err := core.PlantRTT(0x20000400,
		[]sim.RTTChannel{{Name: "Terminal", Size: 64}},
		[]sim.RTTChannel{{Name: "Input", Size: 16}},
	)
	require.NoError(t, err)

	_, err = call(t, s, "rtt_read", map[string]interface{}{"session_id": id, "timeout_ms": 0})
	assert.ErrorContains(t, err, "RTT not attached")

	out := mustCall(t, s, "rtt_attach", map[string]interface{}{
		"session_id":    id,
		"memory_ranges": []map[string]string{{"start": "0x20000000", "end": "0x20001000"}},
	})
	assert.Contains(t, out, "RTT attached at 0x20000400")
	assert.Contains(t, out, "Up channels (1)")
	assert.Contains(t, out, "[0] Input (16 bytes")

	assert.Equal(t, out, mustCall(t, s, "rtt_channels", map[string]interface{}{"session_id": id}))

	out = mustCall(t, s, "rtt_read", map[string]interface{}{"session_id": id, "timeout_ms": 0})
	assert.Equal(t, "No data available on RTT channel 0.", out)

	_, err = core.PushUp(layout, 0, []byte("boot ok\n"))
	require.NoError(t, err)
	out = mustCall(t, s, "rtt_read", map[string]interface{}{"session_id": id})
	assert.Equal(t, "Read 8 bytes from RTT channel 0:\n\nboot ok\n", out)

	_, err = core.PushUp(layout, 0, []byte("ok"))
	require.NoError(t, err)
	out = mustCall(t, s, "rtt_read", map[string]interface{}{"session_id": id, "encoding": "hex"})
	assert.Contains(t, out, "6f6b")

	out = mustCall(t, s, "rtt_write", map[string]interface{}{"session_id": id, "data": "aGVsbG8=", "encoding": "binary"})
	assert.Equal(t, "Wrote 5 of 5 bytes to RTT channel 0.", out)
	drained, err := core.DrainDown(layout, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), drained)

	_, err = call(t, s, "rtt_read", map[string]interface{}{"session_id": id, "channel": 3, "timeout_ms": 0})
	assert.ErrorContains(t, err, "RTT channel 3 not found")

	out = mustCall(t, s, "rtt_attach", map[string]interface{}{"session_id": id, "control_block_address": "0x20000400"})
	assert.Contains(t, out, "RTT attached at 0x20000400")

	assert.Equal(t, "RTT detached.", mustCall(t, s, "rtt_detach", map[string]interface{}{"session_id": id}))
	_, err = call(t, s, "rtt_channels", map[string]interface{}{"session_id": id})
	assert.ErrorContains(t, err, "RTT not attached")

	_, err = call(t, s, "rtt_attach", map[string]interface{}{
		"session_id":    id,
		"memory_ranges": []map[string]string{{"start": "0x20001000", "end": "0x20000000"}},
	})
	assert.ErrorContains(t, err, "end must be above start")
}

func TestTools_BadArguments(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	_, err := s.ExecuteTool(context.Background(), "read_memory", `{"size":"many"}`)
	assert.ErrorContains(t, err, "failed to parse arguments")

	_, err = s.ExecuteTool(context.Background(), "halt", `{}`)
	assert.ErrorIs(t, err, debugger.ErrInvalidSession)

	_, err = s.ExecuteTool(context.Background(), "no_such_tool", `{}`)
	assert.ErrorContains(t, err, "tool not found")
}
