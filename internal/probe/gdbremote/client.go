// Package gdbremote implements a probe driver that talks the GDB remote
// serial protocol to a debug server (OpenOCD, pyOCD, J-Link GDB server,
// Black Magic Probe) over TCP.
package gdbremote

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const interruptByte = 0x03

// ClientConfig tunes the RSP client.
type ClientConfig struct {
	// MaxReadSize and MaxWriteSize bound a single m/M packet payload.
	MaxReadSize  int
	MaxWriteSize int
	// CommandTimeout bounds one request/reply exchange.
	CommandTimeout time.Duration
	// PollWindow is how long IsHalted waits for a stop reply while running.
	PollWindow time.Duration
}

func (c *ClientConfig) setDefaults() {
	if c.MaxReadSize <= 0 {
		c.MaxReadSize = 1024
	}
	if c.MaxWriteSize <= 0 {
		c.MaxWriteSize = 1024
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.PollWindow <= 0 {
		c.PollWindow = 5 * time.Millisecond
	}
}

// Client is a single RSP connection. It is not safe for concurrent use.
type Client struct {
	conn   net.Conn
	r      *bufio.Reader
	cfg    ClientConfig
	logger zerolog.Logger

	noAck    bool
	features map[string]string
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, cfg ClientConfig, logger zerolog.Logger) *Client {
	cfg.setDefaults()
	return &Client{
		conn:     conn,
		r:        bufio.NewReaderSize(conn, 4096),
		cfg:      cfg,
		logger:   logger,
		features: make(map[string]string),
	}
}

// Handshake negotiates features and switches to no-ack mode when offered.
func (c *Client) Handshake(ctx context.Context) error {
	reply, err := c.Exchange(ctx, "qSupported:swbreak+;hwbreak+")
	if err != nil {
		return fmt.Errorf("qSupported: %w", err)
	}
	for _, f := range strings.Split(string(reply), ";") {
		switch {
		case strings.HasSuffix(f, "+"):
			c.features[strings.TrimSuffix(f, "+")] = "+"
		case strings.Contains(f, "="):
			k, v, _ := strings.Cut(f, "=")
			c.features[k] = v
		}
	}

	if size, ok := c.features["PacketSize"]; ok {
		if n, err := strconv.ParseUint(size, 16, 32); err == nil && n > 32 {
			// Hex encoding doubles the payload; keep room for the header.
			limit := int(n-32) / 2
			c.cfg.MaxReadSize = min(c.cfg.MaxReadSize, limit)
			c.cfg.MaxWriteSize = min(c.cfg.MaxWriteSize, limit)
		}
	}

	if c.Supports("QStartNoAckMode") {
		if _, err := c.Exchange(ctx, "QStartNoAckMode"); err == nil {
			c.noAck = true
		}
	}
	return nil
}

// Supports reports whether the server advertised feature+.
func (c *Client) Supports(feature string) bool {
	return c.features[feature] == "+"
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Exchange sends cmd and returns the reply, with Exx replies mapped to
// *ServerError. Console output packets are logged and skipped.
func (c *Client) Exchange(ctx context.Context, cmd string) ([]byte, error) {
	return c.exchangeRaw(ctx, []byte(cmd), cmd)
}

func (c *Client) exchangeRaw(ctx context.Context, payload []byte, name string) ([]byte, error) {
	if err := c.setDeadline(ctx); err != nil {
		return nil, err
	}
	if err := c.send(payload); err != nil {
		return nil, err
	}
	for {
		reply, err := c.recv()
		if err != nil {
			return nil, err
		}
		if isConsoleOutput(reply) {
			c.logConsole(reply[1:])
			continue
		}
		if err := parseError(name, reply); err != nil {
			return nil, err
		}
		return reply, nil
	}
}

// Send writes a packet without waiting for a reply (used for c and s).
func (c *Client) Send(ctx context.Context, cmd string) error {
	if err := c.setDeadline(ctx); err != nil {
		return err
	}
	return c.send([]byte(cmd))
}

// Interrupt sends the out-of-band break character.
func (c *Client) Interrupt(ctx context.Context) error {
	if err := c.setDeadline(ctx); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte{interruptByte})
	return err
}

// WaitStop reads packets until a stop reply arrives or timeout elapses.
func (c *Client) WaitStop(ctx context.Context, timeout time.Duration) (stopReply, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return stopReply{}, err
	}
	for {
		reply, err := c.recv()
		if err != nil {
			return stopReply{}, err
		}
		if isConsoleOutput(reply) {
			c.logConsole(reply[1:])
			continue
		}
		return parseStopReply(reply)
	}
}

// PollStop checks whether a stop reply is pending without blocking longer
// than the poll window. ok is false when the target is still running.
func (c *Client) PollStop(ctx context.Context) (sr stopReply, ok bool, err error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PollWindow)); err != nil {
		return stopReply{}, false, err
	}
	if _, err := c.r.Peek(1); err != nil {
		if isTimeout(err) {
			return stopReply{}, false, nil
		}
		return stopReply{}, false, err
	}
	sr, err = c.WaitStop(ctx, c.cfg.CommandTimeout)
	if err != nil {
		return stopReply{}, false, err
	}
	return sr, true, nil
}

// Monitor runs a "monitor" command through qRcmd and returns its output.
func (c *Client) Monitor(ctx context.Context, command string) (string, error) {
	if err := c.setDeadline(ctx); err != nil {
		return "", err
	}
	cmd := "qRcmd," + hex.EncodeToString([]byte(command))
	if err := c.send([]byte(cmd)); err != nil {
		return "", err
	}
	var out strings.Builder
	for {
		reply, err := c.recv()
		if err != nil {
			return out.String(), err
		}
		if isConsoleOutput(reply) {
			if b, err := hex.DecodeString(string(reply[1:])); err == nil {
				out.Write(b)
			}
			continue
		}
		if err := parseError(cmd, reply); err != nil {
			return out.String(), err
		}
		if len(reply) == 0 {
			return out.String(), fmt.Errorf("monitor command %q not supported by server", command)
		}
		return out.String(), nil
	}
}

// ReadMemory reads len(buf) bytes in m packets.
func (c *Client) ReadMemory(ctx context.Context, addr uint64, buf []byte) error {
	for len(buf) > 0 {
		n := min(c.cfg.MaxReadSize, len(buf))
		reply, err := c.Exchange(ctx, fmt.Sprintf("m%x,%x", addr, n))
		if err != nil {
			return err
		}
		data, err := hex.DecodeString(string(reply))
		if err != nil {
			return fmt.Errorf("invalid memory reply: %w", err)
		}
		if len(data) == 0 {
			return fmt.Errorf("empty memory reply at 0x%08x", addr)
		}
		copy(buf, data)
		buf = buf[len(data):]
		addr += uint64(len(data))
	}
	return nil
}

// WriteMemory writes data in M packets.
func (c *Client) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	for len(data) > 0 {
		n := min(c.cfg.MaxWriteSize, len(data))
		if _, err := c.expectOK(ctx, fmt.Sprintf("M%x,%x:%x", addr, n, data[:n])); err != nil {
			return err
		}
		data = data[n:]
		addr += uint64(n)
	}
	return nil
}

// ReadXfer reads a whole qXfer object (memory-map, features).
func (c *Client) ReadXfer(ctx context.Context, object, annex string) ([]byte, error) {
	var out []byte
	chunk := 0x400
	for {
		cmd := fmt.Sprintf("qXfer:%s:read:%s:%x,%x", object, annex, len(out), chunk)
		reply, err := c.Exchange(ctx, cmd)
		if err != nil {
			return nil, err
		}
		if len(reply) == 0 {
			return nil, fmt.Errorf("qXfer %s not supported", object)
		}
		data, err := unescapeBinary(reply[1:])
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		switch reply[0] {
		case 'l':
			return out, nil
		case 'm':
			if len(data) == 0 {
				return out, nil
			}
		default:
			return nil, fmt.Errorf("unexpected qXfer reply %q", reply[:1])
		}
	}
}

func (c *Client) expectOK(ctx context.Context, cmd string) ([]byte, error) {
	reply, err := c.Exchange(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if string(reply) != "OK" {
		if len(reply) == 0 {
			return nil, fmt.Errorf("command %q not supported by server", truncate(cmd))
		}
		return nil, fmt.Errorf("unexpected reply %q to %q", reply, truncate(cmd))
	}
	return reply, nil
}

func (c *Client) setDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.cfg.CommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.conn.SetDeadline(deadline)
}

func (c *Client) send(payload []byte) error {
	pkt := frame(payload)
	c.logger.Trace().Str("packet", truncate(string(payload))).Msg("->")
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := c.conn.Write(pkt); err != nil {
			return err
		}
		if c.noAck {
			return nil
		}
		ack, err := c.r.ReadByte()
		if err != nil {
			return err
		}
		switch ack {
		case '+':
			return nil
		case '-':
			continue
		default:
			return fmt.Errorf("unexpected acknowledgment: %02x", ack)
		}
	}
	return fmt.Errorf("packet rejected by server: %q", truncate(string(payload)))
}

func (c *Client) recv() ([]byte, error) {
	for {
		// Skip stray acks and noise up to the start marker.
		if _, err := c.r.ReadBytes('$'); err != nil {
			return nil, err
		}
		body, err := c.r.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		body = body[:len(body)-1]

		var sum [2]byte
		if _, err := c.r.Read(sum[:1]); err != nil {
			return nil, err
		}
		if _, err := c.r.Read(sum[1:]); err != nil {
			return nil, err
		}

		remote, err := strconv.ParseUint(string(sum[:]), 16, 8)
		if err != nil || uint8(remote) != checksum(body) {
			if !c.noAck {
				if _, err := c.conn.Write([]byte{'-'}); err != nil {
					return nil, err
				}
			}
			continue
		}
		if !c.noAck {
			if _, err := c.conn.Write([]byte{'+'}); err != nil {
				return nil, err
			}
		}

		c.logger.Trace().Str("packet", truncate(string(body))).Msg("<-")
		return rleDecode(body)
	}
}

func (c *Client) logConsole(hexText []byte) {
	if b, err := hex.DecodeString(string(hexText)); err == nil {
		c.logger.Debug().Str("output", strings.TrimSpace(string(b))).Msg("Server console output")
	}
}

// isConsoleOutput matches "Oxx..." packets but not "OK".
func isConsoleOutput(reply []byte) bool {
	return len(reply) > 1 && reply[0] == 'O' && string(reply) != "OK"
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
