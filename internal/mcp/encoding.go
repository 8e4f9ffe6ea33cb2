package mcp

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Memory data formats accepted by read_memory and write_memory.
const (
	formatHex     = "hex"
	formatBinary  = "binary"
	formatASCII   = "ascii"
	formatWords32 = "words32"
	formatWords16 = "words16"
)

// RTT data encodings.
const (
	encodingUTF8   = "utf8"
	encodingHex    = "hex"
	encodingBinary = "binary"
)

// parseAddress accepts "0x" prefixed hex or decimal.
func parseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("address is required")
	}
	var (
		v   uint64
		err error
	)
	if rest, ok := cutHexPrefix(s); ok {
		v, err = strconv.ParseUint(rest, 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: want hex (0x...) or decimal", s)
	}
	return v, nil
}

func cutHexPrefix(s string) (string, bool) {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:], true
	}
	return s, false
}

// formatAddress renders an address the way tools report it.
func formatAddress(addr uint64) string {
	return fmt.Sprintf("0x%08X", addr)
}

// encodeMemory renders bytes read from the target in format.
func encodeMemory(data []byte, format string) (string, error) {
	switch format {
	case formatHex:
		return hex.EncodeToString(data), nil
	case formatBinary:
		return base64.StdEncoding.EncodeToString(data), nil
	case formatASCII:
		var sb strings.Builder
		for _, b := range data {
			if b < utf8.RuneSelf && unicode.IsPrint(rune(b)) {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		return sb.String(), nil
	case formatWords32:
		if len(data)%4 != 0 {
			return "", fmt.Errorf("size %d is not a multiple of 4 for words32", len(data))
		}
		words := make([]string, 0, len(data)/4)
		for i := 0; i < len(data); i += 4 {
			words = append(words, fmt.Sprintf("0x%08X", binary.LittleEndian.Uint32(data[i:])))
		}
		return strings.Join(words, " "), nil
	case formatWords16:
		if len(data)%2 != 0 {
			return "", fmt.Errorf("size %d is not a multiple of 2 for words16", len(data))
		}
		words := make([]string, 0, len(data)/2)
		for i := 0; i < len(data); i += 2 {
			words = append(words, fmt.Sprintf("0x%04X", binary.LittleEndian.Uint16(data[i:])))
		}
		return strings.Join(words, " "), nil
	}
	return "", fmt.Errorf("unknown format %q (want hex, binary, ascii, words32 or words16)", format)
}

// decodeMemory parses data given to write_memory in format.
func decodeMemory(data, format string) ([]byte, error) {
	switch format {
	case formatHex:
		return decodeHex(data)
	case formatBinary:
		out, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 data: %w", err)
		}
		return out, nil
	case formatASCII:
		return []byte(data), nil
	case formatWords32:
		return decodeWords(data, 32)
	case formatWords16:
		return decodeWords(data, 16)
	}
	return nil, fmt.Errorf("unknown format %q (want hex, binary, ascii, words32 or words16)", format)
}

// decodeHex accepts contiguous or separated hex bytes with an optional 0x
// prefix ("DEADBEEF", "de ad be ef", "0xdeadbeef").
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s, _ = cutHexPrefix(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == ',' || r == ':' {
			return -1
		}
		return r
	}, s)
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return out, nil
}

// decodeWords parses whitespace or comma separated words and lays them out
// little-endian.
func decodeWords(s string, bits int) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return unicode.IsSpace(r) || r == ',' })
	size := bits / 8
	out := make([]byte, 0, len(fields)*size)
	for _, f := range fields {
		var (
			v   uint64
			err error
		)
		if rest, ok := cutHexPrefix(f); ok {
			v, err = strconv.ParseUint(rest, 16, bits)
		} else {
			v, err = strconv.ParseUint(f, 10, bits)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid %d-bit word %q", bits, f)
		}
		if bits == 32 {
			out = binary.LittleEndian.AppendUint32(out, uint32(v))
		} else {
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
		}
	}
	return out, nil
}

// encodeRTT renders bytes read from an up channel.
func encodeRTT(data []byte, encoding string) (string, error) {
	switch encoding {
	case encodingUTF8:
		return strings.ToValidUTF8(string(data), "�"), nil
	case encodingHex:
		return hex.EncodeToString(data), nil
	case encodingBinary:
		return base64.StdEncoding.EncodeToString(data), nil
	}
	return "", fmt.Errorf("unknown encoding %q (want utf8, hex or binary)", encoding)
}

// decodeRTT parses data for a down channel.
func decodeRTT(data, encoding string) ([]byte, error) {
	switch encoding {
	case encodingUTF8:
		return []byte(data), nil
	case encodingHex:
		return decodeHex(data)
	case encodingBinary:
		out, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 data: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown encoding %q (want utf8, hex or binary)", encoding)
}
