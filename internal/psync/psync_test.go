package psync

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redisbridge/redisbridge/internal/codec"
	"github.com/redisbridge/redisbridge/internal/event"
	"github.com/redisbridge/redisbridge/internal/filter"
)

// minimalRDB is a header-only RDB payload (no keys) followed
// immediately by the EOF opcode and an 8-byte (unchecked) CRC64
// trailer, just enough for rdb.Parser to read a header and report
// end of stream.
func minimalRDB() []byte {
	b := []byte("REDIS0011")
	b = append(b, 0xFF)               // EOF opcode
	b = append(b, make([]byte, 8)...) // CRC64, unchecked by the parser
	return b
}

// fakeSource runs a single-connection server speaking just enough of
// the REPLCONF/PSYNC handshake to drive one full Driver session: it
// answers the three REPLCONF lines, replies FULLRESYNC, ships an
// empty RDB bulk, then streams one SET command and keeps draining
// whatever the driver sends back (REPLCONF ACK) until the test closes
// the listener.
func startFakeSource(t *testing.T) (addr string, streamed chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	streamed = make(chan string, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		for i := 0; i < 3; i++ { // listening-port, capa eof, capa psync2
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if !strings.HasPrefix(strings.ToUpper(line), "REPLCONF") {
				return
			}
			if _, err := conn.Write([]byte("+OK\r\n")); err != nil {
				return
			}
		}

		psyncLine, err := r.ReadString('\n')
		if err != nil || !strings.HasPrefix(strings.ToUpper(psyncLine), "PSYNC") {
			return
		}
		if _, err := conn.Write([]byte("+FULLRESYNC abc123 0\r\n")); err != nil {
			return
		}

		rdb := minimalRDB()
		if _, err := conn.Write([]byte(fmt.Sprintf("$%d\r\n", len(rdb)))); err != nil {
			return
		}
		if _, err := conn.Write(rdb); err != nil {
			return
		}

		cmd := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"
		if _, err := conn.Write([]byte(cmd)); err != nil {
			return
		}
		streamed <- cmd

		// Drain whatever the driver writes back (REPLCONF ACK) until
		// the test tears the connection down.
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), streamed
}

func TestDriverFullResyncThenStreamingEmitsEvents(t *testing.T) {
	addr, streamed := startFakeSource(t)

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	f, err := filter.New(filter.Config{})
	require.NoError(t, err)
	c := codec.New(true)

	d := New(client, f, c, WithListeningPort(6380))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, d.Start(ctx))

	select {
	case <-streamed:
	case <-time.After(2 * time.Second):
		t.Fatal("fake source never got to stream its SET command")
	}

	var got event.Event
	select {
	case ev, ok := <-d.Events():
		require.True(t, ok)
		got = ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a streamed event")
	}

	assert.Equal(t, "k", got.Key)
	assert.Equal(t, StateStreaming, d.State())

	cancel()
	d.Stop()
}
