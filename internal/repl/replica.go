package repl

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/flonle/rdis/internal/resp"
)

// Replication holds a replica's connection to its master and the running
// slave_repl_offset: every byte of every command the master forwards,
// including the GETACK probes, counts toward this offset. A frame is
// counted only after it has been handled, so the ACK answering a GETACK
// reports the bytes processed before that GETACK.
type Replication struct {
	Conn    net.Conn
	Reader  *bufio.Reader
	Writer  *bufio.Writer
	ReplID  string
	offset  atomic.Int64
	ownPort int
	log     *zap.Logger
}

// Handshake dials master, performs PING / REPLCONF / PSYNC, reads the
// FULLRESYNC line and the RDB payload that follows it, and returns a
// Replication positioned right after that payload together with the
// payload bytes (server.go owns loading them, since that is where the
// store lives).
func Handshake(masterHost string, masterPort, ownPort int, log *zap.Logger) (*Replication, []byte, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", masterHost, masterPort))
	if err != nil {
		return nil, nil, fmt.Errorf("repl: dialing master: %w", err)
	}

	r := &Replication{
		Conn:    conn,
		Reader:  bufio.NewReader(conn),
		Writer:  bufio.NewWriter(conn),
		ownPort: ownPort,
		log:     log,
	}

	if err := r.sendExpectSimple("PONG", "PING"); err != nil {
		return nil, nil, err
	}
	if err := r.sendExpectSimple("OK", "REPLCONF", "listening-port", strconv.Itoa(ownPort)); err != nil {
		return nil, nil, err
	}
	if err := r.sendExpectSimple("OK", "REPLCONF", "capa", "psync2"); err != nil {
		return nil, nil, err
	}

	if err := r.send("PSYNC", "?", "-1"); err != nil {
		return nil, nil, err
	}
	line, err := readSimpleLine(r.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("repl: reading PSYNC response: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "FULLRESYNC" {
		return nil, nil, fmt.Errorf("repl: unexpected PSYNC response %q", line)
	}
	r.ReplID = fields[1]
	initialOffset, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("repl: invalid PSYNC offset %q: %w", fields[2], err)
	}
	r.offset.Store(initialOffset)

	rdbBlob, err := readRDBBlob(r.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("repl: reading rdb payload: %w", err)
	}

	log.Info("replication handshake complete", zap.String("replid", r.ReplID), zap.Int64("offset", initialOffset))
	return r, rdbBlob, nil
}

func (r *Replication) Offset() int64 { return r.offset.Load() }

// IncOffset advances slave_repl_offset by the byte length of a command
// the master just forwarded, whether or not it produced a reply.
func (r *Replication) IncOffset(n int) { r.offset.Add(int64(n)) }

func (r *Replication) send(args ...string) error {
	var e resp.Encoder
	e.WriteStringArray(args)
	if _, err := r.Writer.Write(e.Buf); err != nil {
		return err
	}
	return r.Writer.Flush()
}

func (r *Replication) sendExpectSimple(want string, args ...string) error {
	if err := r.send(args...); err != nil {
		return err
	}
	got, err := readSimpleLine(r.Reader)
	if err != nil {
		return fmt.Errorf("repl: reading response to %v: %w", args, err)
	}
	if got != want {
		return fmt.Errorf("repl: unexpected response to %v: %q", args, got)
	}
	return nil
}

func readSimpleLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "+") {
		return "", fmt.Errorf("expected simple string, got %q", line)
	}
	return line[1:], nil
}

func readRDBBlob(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "$") {
		return nil, fmt.Errorf("expected rdb length line, got %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid rdb length %q: %w", line[1:], err)
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
