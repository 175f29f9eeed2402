package repl

import (
	"bufio"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flonle/rdis/internal/resp"
)

// fakeMaster accepts one connection, answers the PING / REPLCONF / PSYNC
// handshake sequence, and hands back a fixed RDB payload. trailing is
// written in the same flush as the RDB blob, simulating propagated
// commands the kernel coalesced in right behind the snapshot.
func fakeMaster(t *testing.T, rdbPayload, trailing []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		w := bufio.NewWriter(conn)

		readCommand := func() []string { return readOneCommand(t, conn) }

		readCommand() // PING
		w.WriteString("+PONG\r\n")
		w.Flush()

		readCommand() // REPLCONF listening-port <port>
		w.WriteString("+OK\r\n")
		w.Flush()

		readCommand() // REPLCONF capa psync2
		w.WriteString("+OK\r\n")
		w.Flush()

		readCommand() // PSYNC ? -1
		var e resp.Encoder
		e.WriteSimpleString("FULLRESYNC abc123 0")
		e.WriteRDBBlob(rdbPayload)
		e.Buf = append(e.Buf, trailing...)
		w.Write(e.Buf)
		w.Flush()
	}()

	return ln.Addr().String()
}

// readOneCommand reads byte-by-byte off conn until resp.Decode yields a
// complete command frame, the same incremental-framing contract Session
// uses on the server side.
func readOneCommand(t *testing.T, conn net.Conn) []string {
	t.Helper()
	var buf []byte
	chunk := make([]byte, 256)
	for {
		n, err := conn.Read(chunk)
		require.NoError(t, err)
		buf = append(buf, chunk[:n]...)
		frames, rest, decErr := resp.Decode(buf)
		require.NoError(t, decErr)
		if len(frames) > 0 {
			_ = rest
			return frames[0].Command
		}
	}
}

func TestHandshakeParsesFullresyncAndRDBPayload(t *testing.T) {
	rdb := []byte("REDIS0011fake-payload")
	addr := fakeMaster(t, rdb, nil)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	replication, gotRDB, err := Handshake(host, port, 6380, zap.NewNop())
	require.NoError(t, err)
	defer replication.Conn.Close()

	require.Equal(t, "abc123", replication.ReplID)
	require.Equal(t, int64(0), replication.Offset())
	require.Equal(t, rdb, gotRDB)
}

// A propagated command arriving in the same TCP segment as the RDB
// payload lands in the handshake's buffered reader; it must come back
// out of Replication.Reader, not be stranded behind the raw conn.
func TestHandshakeKeepsBytesCoalescedBehindRDB(t *testing.T) {
	var set resp.Encoder
	set.WriteStringArray([]string{"SET", "k", "v"})

	addr := fakeMaster(t, []byte("REDIS0011fake-payload"), set.Buf)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	replication, _, err := Handshake(host, port, 6380, zap.NewNop())
	require.NoError(t, err)
	defer replication.Conn.Close()

	got := make([]byte, len(set.Buf))
	_, err = readFull(replication.Reader, got)
	require.NoError(t, err)
	require.Equal(t, set.Buf, got)
}

func TestIncOffsetAccumulates(t *testing.T) {
	r := &Replication{}
	r.IncOffset(10)
	r.IncOffset(5)
	require.Equal(t, int64(15), r.Offset())
}
