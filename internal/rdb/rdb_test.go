package rdb

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rdbLength6(n byte) []byte { return []byte{n & 0x3F} }

func rdbRawString(s string) []byte {
	out := rdbLength6(byte(len(s)))
	return append(out, []byte(s)...)
}

func TestParserReadsSimpleStringValue(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("REDIS0011")
	buf.WriteByte(typeString)
	buf.Write(rdbRawString("greeting"))
	buf.Write(rdbRawString("hello"))
	buf.WriteByte(opEOF)
	buf.Write(make([]byte, 8))

	p := NewParser(&buf)
	version, err := p.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, 11, version)

	rec, ok, err := p.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "greeting", rec.Key)
	assert.Equal(t, "hello", rec.String)
	assert.EqualValues(t, -1, rec.PTTL)

	_, ok, err = p.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParserAppliesExpireTimeMs(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("REDIS0011")

	expireAt := time.Now().Add(10 * time.Minute).UnixMilli()
	buf.WriteByte(opExpireTimeMs)
	ms := make([]byte, 8)
	for i := 0; i < 8; i++ {
		ms[i] = byte(expireAt >> (8 * i))
	}
	buf.Write(ms)

	buf.WriteByte(typeString)
	buf.Write(rdbRawString("k1"))
	buf.Write(rdbRawString("v1"))
	buf.WriteByte(opEOF)
	buf.Write(make([]byte, 8))

	p := NewParser(&buf)
	_, err := p.ReadHeader()
	require.NoError(t, err)

	rec, ok, err := p.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k1", rec.Key)
	assert.Greater(t, rec.PTTL, time.Duration(0))
	assert.LessOrEqual(t, rec.PTTL, 10*time.Minute)
}

func TestParserSkipsAuxAndSelectDB(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("REDIS0011")
	buf.WriteByte(opAux)
	buf.Write(rdbRawString("redis-ver"))
	buf.Write(rdbRawString("7.2.0"))
	buf.WriteByte(opSelectDB)
	buf.Write(rdbLength6(0))
	buf.WriteByte(typeString)
	buf.Write(rdbRawString("k"))
	buf.Write(rdbRawString("v"))
	buf.WriteByte(opEOF)
	buf.Write(make([]byte, 8))

	p := NewParser(&buf)
	_, err := p.ReadHeader()
	require.NoError(t, err)

	rec, ok, err := p.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k", rec.Key)
	assert.Equal(t, "v", rec.String)
}

func TestParserRejectsStreamValues(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("REDIS0011")
	buf.WriteByte(typeStreamListpacks2)
	buf.Write(rdbRawString("mystream"))

	p := NewParser(&buf)
	_, err := p.ReadHeader()
	require.NoError(t, err)

	_, _, err = p.Next(context.Background())
	require.ErrorIs(t, err, ErrStreamsUnsupported)
}

func TestDecodeIntset(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{2, 0, 0, 0}) // encoding: int16
	buf.Write([]byte{3, 0, 0, 0}) // count: 3
	for _, v := range []int16{-5, 0, 42} {
		buf.Write([]byte{byte(v), byte(v >> 8)})
	}

	out, err := decodeIntset(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"-5", "0", "42"}, out)
}

func TestDecodeZiplistStringsAndInts(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 10)) // zlbytes+zltail+zllen header, values unused by the decoder

	// Entry 1: prevlen=0, 6-bit string "ab"
	buf.WriteByte(0)
	buf.WriteByte(2)
	buf.WriteString("ab")

	// Entry 2: prevlen=3 (small), 4-bit immediate int value 5 (encoding 0xF6 => (0xF6&0x0F)-1=5)
	buf.WriteByte(3)
	buf.WriteByte(0xF6)

	buf.WriteByte(0xFF) // terminator

	out, err := decodeZiplist(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"ab", "5"}, out)
}

func TestDecodeListpack7BitAndString(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 6)) // header: total-bytes + num-elements, unused by decoder

	// Entry 1: 7-bit uint value 42, backlen=1
	buf.WriteByte(42)
	buf.WriteByte(1)

	// Entry 2: 6-bit string "hi", header 0x82 (10 000010), backlen = entryLen(3) -> 1
	buf.WriteByte(0x80 | 2)
	buf.WriteString("hi")
	buf.WriteByte(3)

	buf.WriteByte(0xFF)

	out, err := decodeListpack(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"42", "hi"}, out)
}

func TestLZFDecompressRoundTrip(t *testing.T) {
	// A single literal run is always a valid (if degenerate) LZF stream:
	// control byte ctrl<32 means a literal run of ctrl+1 raw bytes.
	literal := []byte("hello world")
	var in bytes.Buffer
	in.WriteByte(byte(len(literal) - 1))
	in.Write(literal)

	out, err := lzfDecompress(in.Bytes(), len(literal))
	require.NoError(t, err)
	assert.Equal(t, literal, out)
}
