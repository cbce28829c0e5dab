package psync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESPReaderParsesSimpleCommand(t *testing.T) {
	raw := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"
	r := newRESPReader(strings.NewReader(raw))

	args, consumed, err := r.readCommand()
	require.NoError(t, err)
	assert.Equal(t, []string{"SET", "k", "v"}, args)
	assert.Equal(t, int64(len(raw)), consumed)
}

func TestRESPReaderParsesMultipleCommandsSequentially(t *testing.T) {
	raw := "*2\r\n$3\r\nDEL\r\n$1\r\nk\r\n*1\r\n$4\r\nPING\r\n"
	r := newRESPReader(strings.NewReader(raw))

	args1, consumed1, err := r.readCommand()
	require.NoError(t, err)
	assert.Equal(t, []string{"DEL", "k"}, args1)

	args2, consumed2, err := r.readCommand()
	require.NoError(t, err)
	assert.Equal(t, []string{"PING"}, args2)

	assert.Equal(t, int64(len(raw)), consumed1+consumed2)
}

func TestRESPReaderHandlesLargeBulk(t *testing.T) {
	payload := strings.Repeat("x", 100000)
	raw := "*3\r\n$4\r\nXADD\r\n$1\r\nk\r\n$100000\r\n" + payload + "\r\n"
	r := newRESPReader(strings.NewReader(raw))

	args, consumed, err := r.readCommand()
	require.NoError(t, err)
	assert.Equal(t, payload, args[2])
	assert.Equal(t, int64(len(raw)), consumed)
}

func TestRESPReaderRejectsMalformedArrayHeader(t *testing.T) {
	r := newRESPReader(strings.NewReader("not-an-array\r\n"))
	_, _, err := r.readCommand()
	assert.Error(t, err)
}
