package psync

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrUnrecognizedHandshakeReply is returned when the source's
// handshake reply doesn't match any token this driver understands.
// Three consecutive occurrences trigger the scan-driver downgrade
// spec.md §9 documents.
var ErrUnrecognizedHandshakeReply = errors.New("psync: unrecognized handshake reply")

// conn wraps the raw socket a PSYNC session owns end to end: SYNC and
// PSYNC both hijack the connection into a protocol the pooled
// go-redis client can't speak, so the driver dials and manages its
// own net.Conn, mirroring internal/fullsync's raw SYNC connection.
type conn struct {
	net.Conn
	r       *bufio.Reader
	writeMu sync.Mutex
}

func dial(client *redis.Client) (*conn, error) {
	opts := client.Options()

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	var nc net.Conn
	var err error
	if opts.TLSConfig != nil {
		tlsDialer := tls.Dialer{NetDialer: &dialer, Config: opts.TLSConfig}
		nc, err = tlsDialer.Dial("tcp", opts.Addr)
	} else {
		nc, err = dialer.Dial("tcp", opts.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Addr, err)
	}

	c := &conn{Conn: nc, r: bufio.NewReaderSize(nc, 64*1024)}

	if opts.Password != "" {
		if _, err := c.sendInline(fmt.Sprintf("AUTH %s", opts.Password)); err != nil {
			c.Close()
			return nil, fmt.Errorf("AUTH: %w", err)
		}
	}
	if opts.DB != 0 {
		if _, err := c.sendInline(fmt.Sprintf("SELECT %d", opts.DB)); err != nil {
			c.Close()
			return nil, fmt.Errorf("SELECT: %w", err)
		}
	}

	return c, nil
}

// sendInline writes an inline command and reads back a single-line
// reply, erroring on a RESP error reply.
func (c *conn) sendInline(cmd string) (string, error) {
	c.writeMu.Lock()
	_, err := c.Conn.Write([]byte(cmd + "\r\n"))
	c.writeMu.Unlock()
	if err != nil {
		return "", err
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(line, "-") {
		return "", fmt.Errorf("server error: %s", line)
	}
	return line, nil
}

// writeACK sends REPLCONF ACK <offset>, the heartbeat spec.md §4.6
// requires every second while Streaming. It bypasses sendInline since
// REPLCONF ACK draws no reply from the source.
func (c *conn) writeACK(offset int64) error {
	cmd := fmt.Sprintf("*3\r\n$8\r\nREPLCONF\r\n$3\r\nACK\r\n$%d\r\n%d\r\n", len(strconv.FormatInt(offset, 10)), offset)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.Conn.Write([]byte(cmd))
	return err
}

// handshakeResult captures what the source replied to PSYNC.
type handshakeResult struct {
	continueOnly bool
	replID       string
	offset       int64
}

// handshake drives REPLCONF listening-port/capa then PSYNC, returning
// the parsed FULLRESYNC/CONTINUE reply (spec.md §4.6 Handshake →
// FullResync transition). replID/offset are empty/-1 on a driver's
// first handshake, or the last saved cursor on a reconnect attempting
// partial resync.
func (c *conn) handshake(listeningPort int, replID string, offset int64) (handshakeResult, error) {
	if _, err := c.sendInline(fmt.Sprintf("REPLCONF listening-port %d", listeningPort)); err != nil {
		return handshakeResult{}, fmt.Errorf("REPLCONF listening-port: %w", err)
	}
	if _, err := c.sendInline("REPLCONF capa eof"); err != nil {
		return handshakeResult{}, fmt.Errorf("REPLCONF capa eof: %w", err)
	}
	if _, err := c.sendInline("REPLCONF capa psync2"); err != nil {
		return handshakeResult{}, fmt.Errorf("REPLCONF capa psync2: %w", err)
	}

	psyncCmd := "PSYNC ? -1"
	if replID != "" {
		psyncCmd = fmt.Sprintf("PSYNC %s %d", replID, offset)
	}

	c.writeMu.Lock()
	_, err := c.Conn.Write([]byte(psyncCmd + "\r\n"))
	c.writeMu.Unlock()
	if err != nil {
		return handshakeResult{}, fmt.Errorf("send %s: %w", psyncCmd, err)
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		return handshakeResult{}, fmt.Errorf("read PSYNC reply: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimPrefix(line, "+")

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return handshakeResult{}, ErrUnrecognizedHandshakeReply
	}

	switch fields[0] {
	case "FULLRESYNC":
		if len(fields) != 3 {
			return handshakeResult{}, fmt.Errorf("%w: %q", ErrUnrecognizedHandshakeReply, line)
		}
		off, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return handshakeResult{}, fmt.Errorf("%w: bad offset in %q", ErrUnrecognizedHandshakeReply, line)
		}
		return handshakeResult{replID: fields[1], offset: off}, nil
	case "CONTINUE":
		res := handshakeResult{continueOnly: true, replID: replID, offset: offset}
		if len(fields) >= 2 {
			res.replID = fields[1]
		}
		return res, nil
	default:
		return handshakeResult{}, fmt.Errorf("%w: %q", ErrUnrecognizedHandshakeReply, line)
	}
}

// readRDBBulk reads the length-prefixed RDB payload that follows a
// FULLRESYNC reply, returning a reader bounded to its announced
// length so the caller can feed it straight into the Full-Sync
// Engine's RDB parser.
func (c *conn) readRDBBulk() (io.Reader, int64, error) {
	header, err := c.r.ReadString('\n')
	if err != nil {
		return nil, 0, fmt.Errorf("read RDB bulk header: %w", err)
	}
	header = strings.TrimRight(header, "\r\n")
	if !strings.HasPrefix(header, "$") {
		return nil, 0, fmt.Errorf("unexpected RDB bulk header: %q", header)
	}
	if strings.HasPrefix(header, "$EOF:") {
		return nil, 0, errors.New("psync: diskless FULLRESYNC ($EOF streaming) is not supported")
	}

	length, err := strconv.ParseInt(header[1:], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("parse RDB bulk length %q: %w", header, err)
	}
	return io.LimitReader(c.r, length), length, nil
}
