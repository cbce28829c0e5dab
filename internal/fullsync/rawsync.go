package fullsync

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDisklessSyncUnsupported is returned when the source responds to
// SYNC with a diskless ($EOF:<marker>) transfer. Detecting the
// trailing 40-byte marker inside an otherwise-opaque RDB byte stream
// adds real complexity for a case most self-hosted sources disable
// by default (repl-diskless-sync no); operators replicating from a
// diskless-only source should configure the scan-walk or
// dump-restore full-sync strategy instead.
var ErrDisklessSyncUnsupported = errors.New("fullsync: diskless SYNC ($EOF streaming) is not supported")

// rawSyncConn is the RDB payload's reader, bounded to exactly the
// length the source announced, closing the underlying socket once
// the caller is done with it.
type rawSyncConn struct {
	io.Reader
	conn net.Conn
}

func (r *rawSyncConn) Close() error { return r.conn.Close() }

// newRawSyncConn opens a second connection to client's endpoint
// (SYNC hijacks the connection into a raw byte stream, so it cannot
// share go-redis's pooled connections) and issues SYNC, returning a
// reader bounded to the RDB payload's announced length.
func newRawSyncConn(ctx context.Context, client *redis.Client) (io.ReadCloser, error) {
	opts := client.Options()

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	var conn net.Conn
	var err error
	if opts.TLSConfig != nil {
		tlsDialer := tls.Dialer{NetDialer: &dialer, Config: opts.TLSConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", opts.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", opts.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	r := bufio.NewReader(conn)

	if opts.Password != "" {
		if err := sendInline(conn, r, fmt.Sprintf("AUTH %s", opts.Password)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("AUTH: %w", err)
		}
	}
	if opts.DB != 0 {
		if err := sendInline(conn, r, fmt.Sprintf("SELECT %d", opts.DB)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("SELECT: %w", err)
		}
	}

	if _, err := conn.Write([]byte("SYNC\r\n")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send SYNC: %w", err)
	}

	header, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read SYNC bulk header: %w", err)
	}
	header = strings.TrimRight(header, "\r\n")

	if !strings.HasPrefix(header, "$") {
		conn.Close()
		return nil, fmt.Errorf("unexpected SYNC reply: %q", header)
	}
	if strings.HasPrefix(header, "$EOF:") {
		conn.Close()
		return nil, ErrDisklessSyncUnsupported
	}

	length, err := strconv.ParseInt(header[1:], 10, 64)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("parse bulk length %q: %w", header, err)
	}

	// Clear the deadline now that the handshake is done; Next's own
	// ctx checks (and the engine's surrounding timeouts) govern the
	// remainder of the transfer instead of a single fixed deadline.
	_ = conn.SetDeadline(time.Time{})

	return &rawSyncConn{Reader: io.LimitReader(r, length), conn: conn}, nil
}

func sendInline(conn net.Conn, r *bufio.Reader, cmd string) error {
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		return err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	line = strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(line, "-") {
		return fmt.Errorf("server error: %s", line)
	}
	return nil
}
