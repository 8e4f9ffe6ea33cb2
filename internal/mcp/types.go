package mcp

// Input types for MCP tools.
// Optional fields use pointers so a missing value can take its default.

// ListProbesInput is the input for list_probes.
type ListProbesInput struct{}

// ConnectInput is the input for connect.
type ConnectInput struct {
	ProbeSelector     string  `json:"probe_selector" jsonschema:"description=Probe serial number or index into list_probes or 'auto' for the first probe"`
	TargetChip        string  `json:"target_chip" jsonschema:"description=Target chip name (e.g. 'STM32F407VGTx' 'nRF52840_xxAA')"`
	SpeedKHz          *uint32 `json:"speed_khz,omitempty" jsonschema:"description=Probe clock speed in kHz,default=4000"`
	ConnectUnderReset *bool   `json:"connect_under_reset,omitempty" jsonschema:"description=Hold the target in reset while attaching,default=false"`
	HaltAfterConnect  *bool   `json:"halt_after_connect,omitempty" jsonschema:"description=Halt the core once attached,default=true"`
}

// SessionInput is the input for tools that only need a session.
type SessionInput struct {
	SessionID string `json:"session_id" jsonschema:"description=Session ID returned by connect"`
}

// ListSessionsInput is the input for list_sessions.
type ListSessionsInput struct{}

// SessionStatsInput is the input for session_stats.
type SessionStatsInput struct{}

// ResetInput is the input for reset.
type ResetInput struct {
	SessionID      string  `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	ResetType      *string `json:"reset_type,omitempty" jsonschema:"description=Reset type,enum=hardware,enum=software,enum=system,default=hardware"`
	HaltAfterReset *bool   `json:"halt_after_reset,omitempty" jsonschema:"description=Halt at the reset vector,default=true"`
}

// ReadMemoryInput is the input for read_memory.
type ReadMemoryInput struct {
	SessionID string  `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	Address   string  `json:"address" jsonschema:"description=Start address (hex like '0x20000000' or decimal)"`
	Size      int     `json:"size" jsonschema:"description=Number of bytes to read,minimum=0,maximum=1048576"`
	Format    *string `json:"format,omitempty" jsonschema:"description=Output format,enum=hex,enum=binary,enum=ascii,enum=words32,enum=words16,default=hex"`
}

// WriteMemoryInput is the input for write_memory.
type WriteMemoryInput struct {
	SessionID string  `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	Address   string  `json:"address" jsonschema:"description=Start address (hex like '0x20000000' or decimal)"`
	Data      string  `json:"data" jsonschema:"description=Data to write in the given format"`
	Format    *string `json:"format,omitempty" jsonschema:"description=Input format,enum=hex,enum=binary,enum=ascii,enum=words32,enum=words16,default=hex"`
}

// ReadRegistersInput is the input for read_registers.
type ReadRegistersInput struct {
	SessionID string   `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	Registers []string `json:"registers,omitempty" jsonschema:"description=Register names (R0-R12 SP LR PC). All core registers when empty"`
}

// WriteRegisterInput is the input for write_register.
type WriteRegisterInput struct {
	SessionID string `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	Register  string `json:"register" jsonschema:"description=Register name (e.g. 'R0' 'SP' 'PC')"`
	Value     string `json:"value" jsonschema:"description=Value (hex like '0x08000000' or decimal)"`
}

// SetBreakpointInput is the input for set_breakpoint.
type SetBreakpointInput struct {
	SessionID      string  `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	Address        string  `json:"address" jsonschema:"description=Breakpoint address (hex or decimal)"`
	BreakpointType *string `json:"breakpoint_type,omitempty" jsonschema:"description=Breakpoint type. Only hardware breakpoints are supported,enum=hardware,default=hardware"`
}

// ClearBreakpointInput is the input for clear_breakpoint.
type ClearBreakpointInput struct {
	SessionID string `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	Address   string `json:"address" jsonschema:"description=Breakpoint address (hex or decimal)"`
}

// FlashBinaryInput is the input for flash_binary.
type FlashBinaryInput struct {
	SessionID string `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	FilePath  string `json:"file_path" jsonschema:"description=Path to the raw binary"`
	Address   string `json:"address" jsonschema:"description=Flash address to write at (hex or decimal)"`
	Verify    *bool  `json:"verify,omitempty" jsonschema:"description=Read back and compare after programming"`
}

// FlashELFInput is the input for flash_elf.
type FlashELFInput struct {
	SessionID string `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	FilePath  string `json:"file_path" jsonschema:"description=Path to the ELF file"`
	Verify    *bool  `json:"verify,omitempty" jsonschema:"description=Read back and compare after programming"`
}

// FlashProgramInput is the input for flash_program.
type FlashProgramInput struct {
	SessionID   string  `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	FilePath    string  `json:"file_path" jsonschema:"description=Path to the firmware file (ELF HEX or BIN)"`
	Format      *string `json:"format,omitempty" jsonschema:"description=File format,enum=auto,enum=elf,enum=hex,enum=bin,default=auto"`
	BaseAddress *string `json:"base_address,omitempty" jsonschema:"description=Load address for BIN files (defaults to the start of flash)"`
	Verify      *bool   `json:"verify,omitempty" jsonschema:"description=Read back and compare after programming,default=true"`
}

// FlashEraseInput is the input for flash_erase.
type FlashEraseInput struct {
	SessionID string  `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	EraseType *string `json:"erase_type,omitempty" jsonschema:"description=Erase the whole chip or a range,enum=all,enum=sectors,default=all"`
	Address   *string `json:"address,omitempty" jsonschema:"description=Start address for a range erase (hex or decimal)"`
	Size      *uint64 `json:"size,omitempty" jsonschema:"description=Size in bytes for a range erase"`
}

// FlashVerifyInput is the input for flash_verify.
type FlashVerifyInput struct {
	SessionID string  `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	FilePath  *string `json:"file_path,omitempty" jsonschema:"description=Firmware file to compare against"`
	Data      *string `json:"data,omitempty" jsonschema:"description=Hex data to compare against (alternative to file_path)"`
	Address   string  `json:"address" jsonschema:"description=Address to start verification (hex or decimal)"`
	Size      int     `json:"size" jsonschema:"description=Number of bytes to verify,minimum=1"`
}

// RunFirmwareInput is the input for run_firmware.
type RunFirmwareInput struct {
	SessionID       string  `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	FilePath        string  `json:"file_path" jsonschema:"description=Path to the firmware file"`
	Format          *string `json:"format,omitempty" jsonschema:"description=File format,enum=auto,enum=elf,enum=hex,enum=bin,default=auto"`
	ResetAfterFlash *bool   `json:"reset_after_flash,omitempty" jsonschema:"description=Reset and run the core after flashing,default=true"`
	AttachRTT       *bool   `json:"attach_rtt,omitempty" jsonschema:"description=Attach RTT once the firmware is running,default=true"`
	RTTTimeoutMs    *int    `json:"rtt_timeout_ms,omitempty" jsonschema:"description=How long to wait for the RTT control block in milliseconds,default=3000"`
}

// MemoryRange is an address range searched for the RTT control block.
type MemoryRange struct {
	Start string `json:"start" jsonschema:"description=Start address (hex or decimal)"`
	End   string `json:"end" jsonschema:"description=End address (exclusive)"`
}

// RTTAttachInput is the input for rtt_attach.
type RTTAttachInput struct {
	SessionID           string        `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	ControlBlockAddress *string       `json:"control_block_address,omitempty" jsonschema:"description=Exact control block address. Auto-detected when omitted"`
	MemoryRanges        []MemoryRange `json:"memory_ranges,omitempty" jsonschema:"description=Memory ranges to search for the control block. All RAM when omitted"`
}

// RTTReadInput is the input for rtt_read.
type RTTReadInput struct {
	SessionID string  `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	Channel   *int    `json:"channel,omitempty" jsonschema:"description=Up channel number (0 is the default terminal),default=0"`
	MaxBytes  *int    `json:"max_bytes,omitempty" jsonschema:"description=Maximum bytes to read,minimum=1,maximum=1048576,default=1024"`
	TimeoutMs *int    `json:"timeout_ms,omitempty" jsonschema:"description=How long to wait for data in milliseconds. 0 returns immediately,default=1000"`
	Encoding  *string `json:"encoding,omitempty" jsonschema:"description=Output encoding,enum=utf8,enum=hex,enum=binary,default=utf8"`
}

// RTTWriteInput is the input for rtt_write.
type RTTWriteInput struct {
	SessionID string  `json:"session_id" jsonschema:"description=Session ID returned by connect"`
	Channel   *int    `json:"channel,omitempty" jsonschema:"description=Down channel number,default=0"`
	Data      string  `json:"data" jsonschema:"description=Data to write"`
	Encoding  *string `json:"encoding,omitempty" jsonschema:"description=Data encoding,enum=utf8,enum=hex,enum=binary,default=utf8"`
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
