package gdbremote

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/coral-mesh/probe-mcp/internal/probe"
)

type xmlMemoryMap struct {
	XMLName xml.Name    `xml:"memory-map"`
	Memory  []xmlMemory `xml:"memory"`
}

type xmlMemory struct {
	Type   string `xml:"type,attr"`
	Start  string `xml:"start,attr"`
	Length string `xml:"length,attr"`
}

// parseMemoryMap decodes a qXfer memory-map document. ROM regions are
// dropped since nothing can be written there.
func parseMemoryMap(doc []byte) ([]probe.MemoryRegion, error) {
	var mm xmlMemoryMap
	if err := xml.Unmarshal(doc, &mm); err != nil {
		return nil, fmt.Errorf("parse memory map: %w", err)
	}

	var regions []probe.MemoryRegion
	counts := map[probe.MemoryKind]int{}
	for _, m := range mm.Memory {
		var kind probe.MemoryKind
		switch strings.ToLower(m.Type) {
		case "ram":
			kind = probe.MemoryRAM
		case "flash":
			kind = probe.MemoryFlash
		default:
			continue
		}
		start, err := strconv.ParseUint(m.Start, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("memory map start %q: %w", m.Start, err)
		}
		length, err := strconv.ParseUint(m.Length, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("memory map length %q: %w", m.Length, err)
		}
		name := strings.ToUpper(string(kind))
		if counts[kind] > 0 {
			name = fmt.Sprintf("%s%d", name, counts[kind])
		}
		counts[kind]++
		regions = append(regions, probe.MemoryRegion{Name: name, Kind: kind, Start: start, Size: length})
	}
	return regions, nil
}
