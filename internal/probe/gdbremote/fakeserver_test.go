package gdbremote

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeServer is a minimal RSP stub backed by a byte map, enough to drive
// the client through every packet the driver uses.
type fakeServer struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	conn     net.Conn
	noAck    bool
	running  bool
	mem      map[uint64]byte
	regs     [16]uint32
	hwbps    map[uint64]bool
	monitor  []string
	flashLog []string
	noPReg   bool
	memXML   string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{
		t:     t,
		ln:    ln,
		mem:   make(map[uint64]byte),
		hwbps: make(map[uint64]bool),
	}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case 0x03:
			s.mu.Lock()
			if s.running {
				s.running = false
				s.writeLocked("T02thread:1;")
			}
			s.mu.Unlock()
			continue
		case '$':
		default:
			continue
		}

		body, err := r.ReadString('#')
		if err != nil {
			return
		}
		var sum [2]byte
		if _, err := r.Read(sum[:1]); err != nil {
			return
		}
		if _, err := r.Read(sum[1:]); err != nil {
			return
		}
		body = strings.TrimSuffix(body, "#")

		s.mu.Lock()
		if !s.noAck {
			_, _ = conn.Write([]byte{'+'})
		}
		reply, send := s.dispatch(body)
		if send {
			s.writeLocked(reply)
		}
		s.mu.Unlock()
	}
}

func (s *fakeServer) writeLocked(payload string) {
	_, _ = fmt.Fprintf(s.conn, "$%s#%02x", payload, checksum([]byte(payload)))
}

// stop pushes an asynchronous stop reply, as a target hitting a breakpoint
// would.
func (s *fakeServer) stop(reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.writeLocked(reply)
}

func (s *fakeServer) monitorLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.monitor...)
}

func (s *fakeServer) dispatch(cmd string) (string, bool) {
	switch {
	case strings.HasPrefix(cmd, "qSupported"):
		feats := "PacketSize=400;QStartNoAckMode+;hwbreak+"
		if s.memXML != "" {
			feats += ";qXfer:memory-map:read+"
		}
		return feats, true
	case cmd == "QStartNoAckMode":
		s.noAck = true
		return "OK", true
	case cmd == "?":
		return "S05", true
	case strings.HasPrefix(cmd, "qXfer:memory-map:read::"):
		return "l" + s.memXML, true
	case strings.HasPrefix(cmd, "qRcmd,"):
		raw, _ := hex.DecodeString(cmd[len("qRcmd,"):])
		s.monitor = append(s.monitor, string(raw))
		s.writeLocked("O" + hex.EncodeToString([]byte("ok\n")))
		return "OK", true
	case cmd == "c":
		s.running = true
		return "", false
	case cmd == "s":
		s.regs[15] += 2
		return "S05", true
	case cmd == "g":
		var sb strings.Builder
		for _, r := range s.regs {
			var le [4]byte
			binary.LittleEndian.PutUint32(le[:], r)
			sb.WriteString(hex.EncodeToString(le[:]))
		}
		return sb.String(), true
	case strings.HasPrefix(cmd, "p"):
		if s.noPReg {
			return "", true
		}
		n, err := strconv.ParseUint(cmd[1:], 16, 8)
		if err != nil || n >= 16 {
			return "E01", true
		}
		var le [4]byte
		binary.LittleEndian.PutUint32(le[:], s.regs[n])
		return hex.EncodeToString(le[:]), true
	case strings.HasPrefix(cmd, "P"):
		k, v, _ := strings.Cut(cmd[1:], "=")
		n, err := strconv.ParseUint(k, 16, 8)
		raw, err2 := hex.DecodeString(v)
		if err != nil || err2 != nil || n >= 16 || len(raw) != 4 {
			return "E01", true
		}
		s.regs[n] = binary.LittleEndian.Uint32(raw)
		return "OK", true
	case strings.HasPrefix(cmd, "m"):
		addr, length := parseAddrLen(cmd[1:])
		out := make([]byte, length)
		for i := range out {
			out[i] = s.mem[addr+uint64(i)]
		}
		return hex.EncodeToString(out), true
	case strings.HasPrefix(cmd, "M"):
		head, data, _ := strings.Cut(cmd[1:], ":")
		addr, _ := parseAddrLen(head)
		raw, err := hex.DecodeString(data)
		if err != nil {
			return "E02", true
		}
		for i, b := range raw {
			s.mem[addr+uint64(i)] = b
		}
		return "OK", true
	case strings.HasPrefix(cmd, "Z1,"):
		addr, _ := parseAddrLen(cmd[3:])
		s.hwbps[addr] = true
		return "OK", true
	case strings.HasPrefix(cmd, "z1,"):
		addr, _ := parseAddrLen(cmd[3:])
		delete(s.hwbps, addr)
		return "OK", true
	case strings.HasPrefix(cmd, "vFlashErase:"):
		s.flashLog = append(s.flashLog, "erase "+cmd[len("vFlashErase:"):])
		return "OK", true
	case strings.HasPrefix(cmd, "vFlashWrite:"):
		rest := cmd[len("vFlashWrite:"):]
		a, data, _ := strings.Cut(rest, ":")
		addr, _ := strconv.ParseUint(a, 16, 64)
		raw, err := unescapeBinary([]byte(data))
		if err != nil {
			return "E03", true
		}
		for i, b := range raw {
			s.mem[addr+uint64(i)] = b
		}
		s.flashLog = append(s.flashLog, fmt.Sprintf("write %x+%d", addr, len(raw)))
		return "OK", true
	case cmd == "vFlashDone":
		s.flashLog = append(s.flashLog, "done")
		return "OK", true
	case cmd == "D":
		return "OK", true
	}
	return "", true
}

func parseAddrLen(s string) (uint64, int) {
	a, l, _ := strings.Cut(s, ",")
	addr, _ := strconv.ParseUint(a, 16, 64)
	n, _ := strconv.ParseUint(l, 16, 32)
	return addr, int(n)
}
