// Package flash loads firmware images (ELF, Intel HEX, raw binary) and
// downloads them into target flash through a probe core.
package flash

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Format is a firmware file format.
type Format string

const (
	FormatAuto Format = "auto"
	FormatELF  Format = "elf"
	FormatHex  Format = "hex"
	FormatBin  Format = "bin"
)

// ParseFormat accepts the names used by tools and the CLI.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "elf", "axf", "out":
		return FormatELF, nil
	case "hex", "ihex", "ihx":
		return FormatHex, nil
	case "bin", "binary", "raw":
		return FormatBin, nil
	}
	return "", fmt.Errorf("unknown firmware format %q (want auto, elf, hex or bin)", s)
}

// DetectFormat picks a format from magic bytes, then the file extension.
func DetectFormat(path string, data []byte) Format {
	if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		return FormatELF
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".elf", ".axf", ".out":
		return FormatELF
	case ".hex", ".ihex", ".ihx":
		return FormatHex
	}
	if len(data) > 0 && data[0] == ':' && isIntelHex(data) {
		return FormatHex
	}
	return FormatBin
}

func isIntelHex(data []byte) bool {
	line, _, _ := bytes.Cut(data, []byte{'\n'})
	line = bytes.TrimSpace(line)
	if len(line) < 11 || line[0] != ':' {
		return false
	}
	_, err := hex.DecodeString(string(line[1:]))
	return err == nil
}

// Segment is a contiguous run of bytes to place at Address.
type Segment struct {
	Address uint64
	Data    []byte
}

// End returns the first address past the segment.
func (s Segment) End() uint64 { return s.Address + uint64(len(s.Data)) }

// Image is a parsed firmware file.
type Image struct {
	Format   Format
	Segments []Segment
	// Entry is the start address from the ELF header or HEX record 03/05.
	Entry uint64
}

// Size returns the number of payload bytes.
func (img *Image) Size() int {
	n := 0
	for _, s := range img.Segments {
		n += len(s.Data)
	}
	return n
}

// ParseImage decodes data in the given format. base is the load address for
// raw binaries and is ignored otherwise.
func ParseImage(data []byte, format Format, base uint64) (*Image, error) {
	var (
		img *Image
		err error
	)
	switch format {
	case FormatELF:
		img, err = parseELF(data)
	case FormatHex:
		img, err = parseIntelHex(data)
	case FormatBin:
		if len(data) == 0 {
			return nil, fmt.Errorf("binary image is empty")
		}
		img = &Image{Segments: []Segment{{Address: base, Data: data}}}
	default:
		return nil, fmt.Errorf("cannot parse format %q", format)
	}
	if err != nil {
		return nil, err
	}
	img.Format = format
	img.Segments = coalesce(img.Segments)
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("%s image has no loadable data", format)
	}
	return img, nil
}

func parseELF(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer func() { _ = f.Close() }()

	img := &Image{Entry: f.Entry}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		buf := make([]byte, p.Filesz)
		if _, err := p.ReadAt(buf, 0); err != nil {
			return nil, fmt.Errorf("read ELF segment at 0x%08x: %w", p.Paddr, err)
		}
		// Physical address is the load (flash) address for initialized data.
		img.Segments = append(img.Segments, Segment{Address: p.Paddr, Data: buf})
	}
	return img, nil
}

// parseIntelHex handles record types 00-05.
func parseIntelHex(data []byte) (*Image, error) {
	img := &Image{}
	var base uint64
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line[0] != ':' {
			return nil, fmt.Errorf("hex line %d: missing start code", lineNo)
		}
		rec, err := hex.DecodeString(line[1:])
		if err != nil {
			return nil, fmt.Errorf("hex line %d: %w", lineNo, err)
		}
		if len(rec) < 5 || len(rec) != int(rec[0])+5 {
			return nil, fmt.Errorf("hex line %d: bad record length", lineNo)
		}
		var sum byte
		for _, b := range rec {
			sum += b
		}
		if sum != 0 {
			return nil, fmt.Errorf("hex line %d: checksum mismatch", lineNo)
		}

		n := int(rec[0])
		offset := uint64(rec[1])<<8 | uint64(rec[2])
		payload := rec[4 : 4+n]
		switch rec[3] {
		case 0x00:
			img.Segments = append(img.Segments, Segment{
				Address: base + offset,
				Data:    append([]byte(nil), payload...),
			})
		case 0x01:
			return img, nil
		case 0x02:
			if n != 2 {
				return nil, fmt.Errorf("hex line %d: bad extended segment address", lineNo)
			}
			base = (uint64(payload[0])<<8 | uint64(payload[1])) << 4
		case 0x04:
			if n != 2 {
				return nil, fmt.Errorf("hex line %d: bad extended linear address", lineNo)
			}
			base = (uint64(payload[0])<<8 | uint64(payload[1])) << 16
		case 0x03, 0x05:
			if n != 4 {
				return nil, fmt.Errorf("hex line %d: bad start address", lineNo)
			}
			img.Entry = uint64(payload[0])<<24 | uint64(payload[1])<<16 | uint64(payload[2])<<8 | uint64(payload[3])
		default:
			return nil, fmt.Errorf("hex line %d: unknown record type %02x", lineNo, rec[3])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("hex file has no end-of-file record")
}

// coalesce sorts segments and merges adjacent ones.
func coalesce(segs []Segment) []Segment {
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Address < segs[j].Address })
	var out []Segment
	for _, s := range segs {
		if len(s.Data) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].End() == s.Address {
			out[n-1].Data = append(out[n-1].Data, s.Data...)
			continue
		}
		out = append(out, Segment{Address: s.Address, Data: append([]byte(nil), s.Data...)})
	}
	return out
}
