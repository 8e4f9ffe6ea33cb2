package gdbremote

import (
	"bytes"
	"fmt"
	"strconv"
)

const escapeByte = 0x7d

// ServerError is an "Exx" reply from the remote stub.
type ServerError struct {
	Code    uint8
	Command string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("gdb server returned error %02x for %q", e.Code, e.Command)
}

func checksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}

// frame wraps an already escaped payload as $payload#cs.
func frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, '$')
	out = append(out, payload...)
	return fmt.Appendf(out, "#%02x", checksum(payload))
}

// escapeBinary escapes the bytes RSP reserves inside binary payloads.
func escapeBinary(in []byte) []byte {
	out := make([]byte, 0, len(in)+len(in)/8)
	for _, b := range in {
		switch b {
		case '$', '#', '*', escapeByte:
			out = append(out, escapeByte, b^0x20)
		default:
			out = append(out, b)
		}
	}
	return out
}

func unescapeBinary(in []byte) ([]byte, error) {
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		if in[i] != escapeByte {
			out = append(out, in[i])
			continue
		}
		i++
		if i >= len(in) {
			return nil, fmt.Errorf("dangling escape in binary payload")
		}
		out = append(out, in[i]^0x20)
	}
	return out, nil
}

// rleDecode expands "X*n" runs: the byte before '*' is repeated n-29 more
// times.
func rleDecode(in []byte) ([]byte, error) {
	if !bytes.Contains(in, []byte{'*'}) {
		return in, nil
	}
	var out []byte
	for i := 0; i < len(in); i++ {
		if in[i] != '*' {
			out = append(out, in[i])
			continue
		}
		if i == 0 || i+1 >= len(in) {
			return nil, fmt.Errorf("invalid run-length encoding: %q", in)
		}
		v := in[i-1]
		i++
		rep := int(in[i]) - 29
		if rep < 0 {
			return nil, fmt.Errorf("invalid run-length count in %q", in)
		}
		for j := 0; j < rep; j++ {
			out = append(out, v)
		}
	}
	return out, nil
}

// parseError returns a *ServerError when reply is "Exx".
func parseError(cmd string, reply []byte) error {
	if len(reply) != 3 || reply[0] != 'E' {
		return nil
	}
	code, err := strconv.ParseUint(string(reply[1:]), 16, 8)
	if err != nil {
		return nil
	}
	if len(cmd) > 32 {
		cmd = cmd[:32]
	}
	return &ServerError{Code: uint8(code), Command: cmd}
}

// stopReply is a decoded S/T/W/X packet.
type stopReply struct {
	Signal uint8
	Exited bool
	// Kind is the T-packet stop reason key ("hwbreak", "swbreak", "watch",
	// "rwatch", "awatch") when present.
	Kind string
}

func parseStopReply(reply []byte) (stopReply, error) {
	if len(reply) < 3 {
		return stopReply{}, fmt.Errorf("short stop reply %q", reply)
	}
	sig, err := strconv.ParseUint(string(reply[1:3]), 16, 8)
	if err != nil {
		return stopReply{}, fmt.Errorf("invalid stop reply %q", reply)
	}
	sr := stopReply{Signal: uint8(sig)}
	switch reply[0] {
	case 'S':
	case 'T':
		for _, field := range bytes.Split(reply[3:], []byte{';'}) {
			key, _, _ := bytes.Cut(field, []byte{':'})
			switch string(key) {
			case "hwbreak", "swbreak", "watch", "rwatch", "awatch":
				sr.Kind = string(key)
			}
		}
	case 'W', 'X':
		sr.Exited = true
	default:
		return stopReply{}, fmt.Errorf("unexpected stop reply %q", reply)
	}
	return sr, nil
}
