// Package resp implements the subset of the Redis serialization protocol
// (RESP2) that this
// server speaks: simple strings, simple errors, integers, bulk strings,
// arrays, and the raw RDB blob used during PSYNC.
package resp

import (
	"strconv"
	"unsafe"
)

const (
	simpleStrPrefix = '+'
	simpleErrPrefix = '-'
	intPrefix       = ':'
	bulkStrPrefix   = '$'
	arrPrefix       = '*'
	CRLF            = "\r\n"
)

var nilBulk = []byte("$-1\r\n")

// Encoder accumulates an encoded RESP reply into Buf. The zero value is
// ready to use. Buf is exported so callers can pre-size it or hand it
// straight to a connection writer.
type Encoder struct {
	Buf []byte
}

func (e *Encoder) Reset() { e.Buf = e.Buf[:0] }

// WriteSimpleString writes "+<s>\r\n". s must not contain CR or LF.
func (e *Encoder) WriteSimpleString(s string) {
	e.Buf = append(e.Buf, simpleStrPrefix)
	e.Buf = append(e.Buf, s...)
	e.Buf = append(e.Buf, CRLF...)
}

// WriteError writes a RESP simple error. kind is the conventional
// all-caps prefix ("ERR", "WRONGTYPE", ...); msg is the human text.
func (e *Encoder) WriteError(kind, msg string) {
	e.Buf = append(e.Buf, simpleErrPrefix)
	e.Buf = append(e.Buf, kind...)
	e.Buf = append(e.Buf, ' ')
	e.Buf = append(e.Buf, msg...)
	e.Buf = append(e.Buf, CRLF...)
}

func (e *Encoder) WriteInt(n int64) {
	e.Buf = append(e.Buf, intPrefix)
	e.Buf = strconv.AppendInt(e.Buf, n, 10)
	e.Buf = append(e.Buf, CRLF...)
}

// WriteNullBulk writes the RESP2 null bulk string, "$-1\r\n".
func (e *Encoder) WriteNullBulk() {
	e.Buf = append(e.Buf, nilBulk...)
}

func (e *Encoder) WriteBulkString(val string) {
	e.Buf = append(e.Buf, bulkStrPrefix)
	e.Buf = strconv.AppendInt(e.Buf, int64(len(val)), 10)
	e.Buf = append(e.Buf, CRLF...)
	e.Buf = append(e.Buf, val...)
	e.Buf = append(e.Buf, CRLF...)
}

// WriteArrayHeader writes just "*n\r\n"; the caller is responsible for
// writing exactly n more encoded values.
func (e *Encoder) WriteArrayHeader(n int) {
	e.Buf = append(e.Buf, arrPrefix)
	e.Buf = strconv.AppendInt(e.Buf, int64(n), 10)
	e.Buf = append(e.Buf, CRLF...)
}

// WriteStringArray is a convenience for the common case of an array of
// bulk strings (KEYS, CONFIG GET, REPLCONF ACK, ...).
func (e *Encoder) WriteStringArray(items []string) {
	e.WriteArrayHeader(len(items))
	for _, s := range items {
		e.WriteBulkString(s)
	}
}

// WriteRDBBlob writes a length-prefixed blob with no trailing CRLF, as
// used for the RDB payload that follows a PSYNC FULLRESYNC line.
func (e *Encoder) WriteRDBBlob(payload []byte) {
	e.Buf = append(e.Buf, bulkStrPrefix)
	e.Buf = strconv.AppendInt(e.Buf, int64(len(payload)), 10)
	e.Buf = append(e.Buf, CRLF...)
	e.Buf = append(e.Buf, payload...)
}

// Bytes returns the accumulated buffer without resetting it.
func (e *Encoder) Bytes() []byte { return e.Buf }

// StringAndReset returns the accumulated buffer as a string sharing the
// same backing array, then resets the encoder. The caller must not
// retain the returned string across a subsequent call that reuses Buf.
func (e *Encoder) StringAndReset() string {
	s := bytesToStr(e.Buf)
	e.Reset()
	return s
}

func EncodeSimpleString(s string) []byte {
	var e Encoder
	e.WriteSimpleString(s)
	return e.Buf
}

func EncodeError(kind, msg string) []byte {
	var e Encoder
	e.WriteError(kind, msg)
	return e.Buf
}

func EncodeUnknownCommand(args []string) []byte {
	var e Encoder
	msg := "Unknown command " + joinSpace(args)
	e.WriteError("ERR", msg)
	return e.Buf
}

func joinSpace(args []string) string {
	if len(args) == 0 {
		return ""
	}
	n := len(args) - 1
	for _, a := range args {
		n += len(a)
	}
	buf := make([]byte, 0, n)
	for i, a := range args {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, a...)
	}
	return bytesToStr(buf)
}

func bytesToStr(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	p := unsafe.SliceData(b)
	return unsafe.String(p, len(b))
}
