package debugger

import (
	"strings"

	"github.com/coral-mesh/probe-mcp/internal/probe"
)

// canonicalRegisters is the order used when a caller asks for all registers.
var canonicalRegisters = []string{
	"R0", "R1", "R2", "R3", "R4", "R5", "R6", "R7",
	"R8", "R9", "R10", "R11", "R12", "SP", "LR", "PC",
}

var registerAliases = map[string]probe.RegisterID{
	"R13": probe.RegSP,
	"SP":  probe.RegSP,
	"MSP": probe.RegSP,
	"R14": probe.RegLR,
	"LR":  probe.RegLR,
	"R15": probe.RegPC,
	"PC":  probe.RegPC,
	"IP":  12,
	"FP":  11,
}

// CanonicalRegisters returns the register names read when none are given.
func CanonicalRegisters() []string {
	out := make([]string, len(canonicalRegisters))
	copy(out, canonicalRegisters)
	return out
}

// ParseRegister resolves a register name or alias, case-insensitively.
func ParseRegister(name string) (probe.RegisterID, bool) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if id, ok := registerAliases[n]; ok {
		return id, true
	}
	if len(n) < 2 || len(n) > 3 || n[0] != 'R' {
		return 0, false
	}
	num := 0
	for _, c := range n[1:] {
		if c < '0' || c > '9' {
			return 0, false
		}
		num = num*10 + int(c-'0')
	}
	if num > 12 || (len(n) == 3 && n[1] == '0') {
		return 0, false
	}
	return probe.RegisterID(num), true
}
