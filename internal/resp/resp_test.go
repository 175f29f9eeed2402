package resp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	buf := []byte("*2\r\n$4\r\nECHO\r\n$2\r\nhi\r\n")
	frames, rest, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameCommand, frames[0].Kind)
	assert.Equal(t, []string{"ECHO", "hi"}, frames[0].Command)
	assert.Empty(t, rest)
}

func TestDecodePartialFrameCarriesBytesForward(t *testing.T) {
	buf := []byte("*2\r\n$4\r\nECHO\r\n$2\r\nh")
	frames, rest, err := Decode(buf)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, buf, rest)

	more := append(append([]byte{}, rest...), []byte("i\r\n")...)
	frames, rest, err = Decode(more)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []string{"ECHO", "hi"}, frames[0].Command)
	assert.Empty(t, rest)
}

func TestDecodeMultipleFramesInOneRead(t *testing.T) {
	buf := []byte("*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n")
	frames, rest, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Empty(t, rest)
}

func TestDecodeSimpleStringLine(t *testing.T) {
	frames, rest, err := Decode([]byte("+OK\r\n"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameLine, frames[0].Kind)
	assert.Equal(t, "OK", frames[0].Line)
	assert.Empty(t, rest)
}

func TestDecodeRDBBlobHasNoTrailingCRLF(t *testing.T) {
	payload := []byte("REDIS0011deadbeef")
	buf := append([]byte("$17\r\n"), payload...)
	frames, rest, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameRDB, frames[0].Kind)
	assert.Equal(t, payload, frames[0].RDB)
	assert.Empty(t, rest)
}

func TestDecodeMalformedArrayElementFailsFrame(t *testing.T) {
	_, _, err := Decode([]byte("*1\r\n+notabulkstring\r\n"))
	assert.Error(t, err)
}

// RESP round-trip: for every value produced by the encoder, the decoder
// yields the same logical value and an empty remainder.
func TestRoundTripBulkStringArray(t *testing.T) {
	var e Encoder
	e.WriteArrayHeader(3)
	e.WriteBulkString("SET")
	e.WriteBulkString("key")
	e.WriteBulkString("value with spaces")

	frames, rest, err := Decode(e.Buf)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []string{"SET", "key", "value with spaces"}, frames[0].Command)
	assert.Empty(t, rest)
}

func TestEncodeForms(t *testing.T) {
	var e Encoder
	e.WriteSimpleString("PONG")
	assert.Equal(t, "+PONG\r\n", e.StringAndReset())

	e.WriteError("ERR", "boom")
	assert.Equal(t, "-ERR boom\r\n", e.StringAndReset())

	e.WriteInt(42)
	assert.Equal(t, ":42\r\n", e.StringAndReset())

	e.WriteBulkString("hi")
	assert.Equal(t, "$2\r\nhi\r\n", e.StringAndReset())

	e.WriteNullBulk()
	assert.Equal(t, "$-1\r\n", e.StringAndReset())
}

func BenchmarkEncodeBulkString(b *testing.B) {
	var e Encoder
	for range make([]struct{}, b.N) {
		e.Reset()
		e.WriteBulkString("a test string")
	}
}

func BenchmarkEncodeStringArray(b *testing.B) {
	var e Encoder
	items := []string{"this", "that", "and the other", "more", "even more", "even more items"}
	for range make([]struct{}, b.N) {
		e.Reset()
		e.WriteStringArray(items)
	}
}

func BenchmarkDecodeCommand(b *testing.B) {
	buf := []byte("*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	b.ResetTimer()
	for range make([]struct{}, b.N) {
		Decode(buf)
	}
}
